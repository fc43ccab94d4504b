package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

const sample = `{
  "process": "RECO",
  "options": {"numberOfThreads": 4, "fileMode": "FULLMERGE", "printDependencies": true},
  "multiProcesses": {"eventSetupDataToExcludeFromPrefetching": [{"record": "A", "type": "*"}]},
  "modules": [{"type": "EventCounter", "label": "count"}, {"type": "Prescaler", "label": "pre", "n": 2}]
}`

func TestParameterSetGetters(t *testing.T) {
	p := MustNew(sample)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"string", p.GetString("process", ""), "RECO"},
		{"string default", p.GetString("missing", "dflt"), "dflt"},
		{"int", p.GetInt("options.numberOfThreads", 1), int64(4)},
		{"int default", p.GetInt("options.numberOfStreams", 0), int64(0)},
		{"uint", p.GetUint("options.numberOfThreads", 0), uint64(4)},
		{"bool", p.GetBool("options.printDependencies", false), true},
		{"nested pset", p.GetPSet("options").GetString("fileMode", ""), "FULLMERGE"},
		{"missing pset is empty", len(p.GetPSet("nope").Keys()), 0},
		{"pset vector", len(p.GetPSetVector("modules")), 2},
		{"exists", p.Exists("multiProcesses"), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestNewRejectsNonObjects(t *testing.T) {
	for _, raw := range []string{"[1,2]", "not json", `"s"`} {
		_, err := New([]byte(raw))
		assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration), raw)
	}
	p, err := New(nil)
	require.NoError(t, err)
	assert.Empty(t, p.Keys())
}

func TestIDIsDeterministic(t *testing.T) {
	a := MustNew(`{"a": 1, "b": [1, 2]}`)
	b := MustNew("{\n  \"a\": 1,\n  \"b\": [1,2]\n}")
	c := MustNew(`{"a": 2, "b": [1, 2]}`)

	assert.Equal(t, a.ID(), b.ID())
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestOverride(t *testing.T) {
	p := MustNew(sample)

	tests := []struct {
		name   string
		assign string
		check  func(t *testing.T, p *ParameterSet)
	}{
		{"number", "options.numberOfThreads=8", func(t *testing.T, p *ParameterSet) {
			assert.Equal(t, int64(8), p.GetInt("options.numberOfThreads", 0))
		}},
		{"bare string", "options.fileMode=NOMERGE", func(t *testing.T, p *ParameterSet) {
			assert.Equal(t, "NOMERGE", p.GetString("options.fileMode", ""))
		}},
		{"object", `maxEvents={"input": 10}`, func(t *testing.T, p *ParameterSet) {
			assert.Equal(t, int64(10), p.GetInt("maxEvents.input", -1))
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Override(tt.assign)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}

	_, err := p.Override("no-equals-sign")
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
	assert.Equal(t, int64(4), p.GetInt("options.numberOfThreads", 0), "original must not change")
}

func TestUnknownKeys(t *testing.T) {
	p := MustNew(`{"numberOfThreads": 1, "bogus": true}`)
	assert.Equal(t, []string{"bogus"}, p.UnknownKeys("numberOfThreads", "numberOfStreams"))
}

func TestEvaluateScript(t *testing.T) {
	t.Run("process global", func(t *testing.T) {
		p, err := EvaluateScript("cfg.js", `
			var threads = 2 * 2;
			var process = {options: {numberOfThreads: threads}, modules: []};
		`, time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(4), p.GetInt("options.numberOfThreads", 0))
	})

	t.Run("completion value", func(t *testing.T) {
		p, err := EvaluateScript("cfg.js", `({options: {fileMode: "NOMERGE"}})`, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "NOMERGE", p.GetString("options.fileMode", ""))
	})

	t.Run("eval is blocked", func(t *testing.T) {
		_, err := EvaluateScript("cfg.js", `eval("1+1")`, time.Second)
		assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))
	})

	t.Run("runaway script is interrupted", func(t *testing.T) {
		_, err := EvaluateScript("cfg.js", `while (true) {}`, 50*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeded")
	})

	t.Run("nothing returned", func(t *testing.T) {
		_, err := EvaluateScript("cfg.js", `var x = 1;`, time.Second)
		assert.Error(t, err)
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "job.json")
	jsPath := filepath.Join(dir, "job.js")
	txtPath := filepath.Join(dir, "job.txt")
	require.NoError(t, os.WriteFile(jsonPath, []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(jsPath, []byte(`var process = {process: "JS"};`), 0o644))
	require.NoError(t, os.WriteFile(txtPath, []byte(`{}`), 0o644))

	p, err := LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "RECO", p.GetString("process", ""))

	p, err = LoadFile(jsPath)
	require.NoError(t, err)
	assert.Equal(t, "JS", p.GetString("process", ""))

	_, err = LoadFile(txtPath)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.Configuration))

	_, err = LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	p := MustNew(sample)
	id := r.Register(p)
	r.Register(MustNew(sample))
	assert.Equal(t, 1, r.Len())

	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Same(t, p, got)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}
