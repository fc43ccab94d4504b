package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventprocessor"
)

func writeJob(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJobAppliesOverrides(t *testing.T) {
	path := writeJob(t, "job.json", `{"process": "P", "options": {"numberOfThreads": 1}}`)

	pset, err := loadJob(path, flags{overrides: []string{"options.numberOfStreams=3", "process=Q"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), pset.GetInt("options.numberOfStreams", 0))
	assert.Equal(t, "Q", pset.GetString("process", ""))

	_, err = loadJob(path, flags{overrides: []string{"nonsense"}})
	assert.Error(t, err)
}

func TestLoadJobAutoThreads(t *testing.T) {
	path := writeJob(t, "job.js", `var process = {process: "P", options: {numberOfStreams: 1}};`)

	pset, err := loadJob(path, flags{autoThreads: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pset.GetInt("options.numberOfThreads", 0), int64(1))
	assert.Equal(t, int64(1), pset.GetInt("options.numberOfStreams", 0))
}

func TestRunExitCodes(t *testing.T) {
	t.Setenv("HELIOS_LOG_FORMAT", "console")
	t.Setenv("HELIOS_LOG_LEVEL", "error")

	assert.Equal(t, 2, run(nil))

	ok := writeJob(t, "ok.json", `{"process": "P", "source": {"type": "EmptySource", "eventsPerLumi": 3}}`)
	assert.Equal(t, 0, run([]string{ok}))

	bad := writeJob(t, "bad.json", `{"process": "P", "options": {"bogus": 1}}`)
	assert.Equal(t, 7002, run([]string{bad}))

	failing := writeJob(t, "fail.json", `{
		"process": "P",
		"source": {"type": "EmptySource", "eventsPerLumi": 3},
		"modules": [{"type": "ThrowOnEvent", "label": "boom", "event": 2}]
	}`)
	assert.Equal(t, 8002, run([]string{failing}))
}

func TestRunWritesJobReport(t *testing.T) {
	t.Setenv("HELIOS_LOG_LEVEL", "error")
	dir := t.TempDir()
	job := writeJob(t, "job.json", `{"process": "P", "source": {"type": "EmptySource", "eventsPerLumi": 2}}`)

	require.Equal(t, 0, run([]string{"--job-report", "report.json", "--report-dir", dir, job}))
	_, err := os.Stat(filepath.Join(dir, "report.json"))
	assert.NoError(t, err)
}

func TestProcessEndsJobAfterFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	path := writeJob(t, "fail.json", `{
		"process": "P",
		"source": {"type": "EmptySource", "eventsPerLumi": 3},
		"modules": [
			{"type": "EventCounter", "label": "count"},
			{"type": "ThrowOnEvent", "label": "boom", "event": 2, "transition": "endJob"}
		]
	}`)
	pset, err := loadJob(path, flags{})
	require.NoError(t, err)
	ep, err := eventprocessor.New(pset, eventprocessor.WithLogger(logger))
	require.NoError(t, err)
	defer func() { _ = ep.Close() }()

	err = process(context.Background(), ep, "", logger)
	require.Error(t, err)
	assert.Equal(t, 8002, sdkerrors.ExitCode(err))
	assert.Contains(t, err.Error(), "intentional failure on event 2")
	assert.Contains(t, err.Error(), "intentional failure in endJob")
	assert.Equal(t, 1, logs.FilterMessage("Event counter summary").Len())
	assert.Zero(t, logs.FilterMessage("Job finished").Len())
}
