package jobreport

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Helios/pkg/activity"
	"github.com/wehubfusion/Helios/pkg/source"
)

func TestReportRecordsActivity(t *testing.T) {
	reg := activity.NewRegistry()
	r := New(nil)
	r.Attach(reg)

	reg.PreBeginJob()
	reg.PostOpenFile(&source.FileBlock{Name: "a.root"})
	reg.PostBeginRun(2)
	reg.PostBeginRun(1)
	reg.PostBeginRun(2)
	reg.PostBeginLumi(1, 1)
	for i := uint64(1); i <= 3; i++ {
		reg.PostEvent(0, 1, 1, i)
	}
	reg.PostEndJob()
	r.ReportError(errors.New("boom"))
	r.ReportError(nil)

	s := r.Summary()
	assert.Equal(t, RoleSingle, s.Role)
	assert.Equal(t, []string{"a.root"}, s.InputFiles)
	assert.Equal(t, []uint32{1, 2}, s.Runs)
	assert.Equal(t, int64(1), s.Lumis)
	assert.Equal(t, int64(3), s.Events)
	assert.Equal(t, []string{"boom"}, s.Errors)
	assert.False(t, s.Start.IsZero())
	assert.False(t, s.End.Before(s.Start))
}

func TestForkHooks(t *testing.T) {
	parent := New(nil)
	parent.ParentBeforeFork("report.json", 3)
	parent.ParentAfterFork("report.json")
	assert.Equal(t, RoleParent, parent.Summary().Role)
	assert.Equal(t, 3, parent.Summary().Children)
	assert.Equal(t, "report.json", parent.Path("report.json"))

	child := New(nil)
	reg := activity.NewRegistry()
	child.Attach(reg)
	reg.PostBeginRun(1)
	reg.PostEvent(0, 1, 1, 1)
	before := child.Summary().ProcessGUID

	child.ChildAfterFork("report.json", 1, 3)
	s := child.Summary()
	assert.Equal(t, RoleChild, s.Role)
	assert.Equal(t, 1, s.ChildIndex)
	assert.Equal(t, int64(0), s.Events)
	assert.Empty(t, s.Runs)
	assert.NotEqual(t, before, s.ProcessGUID)
	assert.Equal(t, "report.json_1", child.Path("report.json"))
	assert.Equal(t, "", child.Path(""))
}

func TestAdoptJobIDFromEnv(t *testing.T) {
	id := uuid.New()
	t.Setenv(EnvJobID, id.String())
	r := New(nil)
	r.AdoptJobIDFromEnv()
	assert.Equal(t, id, r.JobID())
}

type memorySink struct {
	name string
	data map[string][]byte
	err  error
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Publish(ctx context.Context, name string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.data[name] = data
	return nil
}

func TestPublisher(t *testing.T) {
	dir := t.TempDir()
	mem := &memorySink{name: "mem", data: map[string][]byte{}}
	p := NewPublisher(nil, FileSink{Dir: dir}, mem)
	assert.Equal(t, 2, p.Sinks())

	r := New(nil)
	r.ReportError(errors.New("x"))
	require.NoError(t, p.Publish(context.Background(), r, "out/report.json"))

	raw, err := os.ReadFile(filepath.Join(dir, "out", "report.json"))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, r.JobID().String(), s.JobID)
	assert.Equal(t, raw, mem.data["out/report.json"])

	failing := NewPublisher(nil, &memorySink{name: "bad", err: errors.New("down")})
	err = failing.Publish(context.Background(), r, "r.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sink")
}

func TestBlobSinkConfiguration(t *testing.T) {
	_, err := NewBlobSink("", "c", "", nil)
	assert.Error(t, err)
	_, err = NewBlobSink("AccountName=a", "c", "", nil)
	assert.Error(t, err)

	conn := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;"
	s, err := NewBlobSink(conn, "reports", "/jobs/", nil)
	require.NoError(t, err)
	assert.Equal(t, "blob", s.Name())
	assert.Equal(t, "jobs/r.json", s.BlobPath("/tmp/r.json"))
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", s.serviceURL)
}

func TestParseConnectionString(t *testing.T) {
	got := parseConnectionString("AccountName=a; AccountKey=k==;;bad;=x")
	assert.Equal(t, map[string]string{"AccountName": "a", "AccountKey": "k=="}, got)
}
