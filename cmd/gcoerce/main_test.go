package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gocoerce/engine"
	"github.com/franksops/gocoerce/store"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), exitError},
		{&usageError{err: errors.New("bad flag")}, exitUsage},
		{&engine.ArgumentError{Source: "in", Dest: "out"}, exitUsage},
		{fmt.Errorf("run: %w", &engine.InterruptedError{JobID: "j", Cause: context.Canceled}), exitInterrupted},
		{&engine.ExecutionError{JobID: "j", Status: engine.Failed}, exitError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func TestRunCopiesLocalTree(t *testing.T) {
	src, dst, state := t.TempDir(), t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("one\ntwo\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("three\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".hidden"), []byte("skip\n"), 0644))

	err := execute(t, "run",
		"--source", "file://"+src,
		"--dest", "file://"+filepath.Join(dst, "out"),
		"--input-codec", "lines",
		"--output-codec", "lines+gzip",
		"--state-dir", state,
		"--log-level", "error",
	)
	require.NoError(t, err)

	for _, name := range []string{"a.txt", filepath.Join("sub", "b.txt")} {
		_, err := os.Stat(filepath.Join(dst, "out", name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(dst, "out", ".hidden"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(state, "state.db"))
	assert.NoError(t, err)
}

func TestRunRejectsMissingScheme(t *testing.T) {
	err := execute(t, "run", "--source", t.TempDir(), "--dest", "file:///tmp/out",
		"--state-dir", t.TempDir(), "--log-level", "error")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestRunRejectsUnknownCodec(t *testing.T) {
	err := execute(t, "run", "--source", "file:///in", "--dest", "file:///out",
		"--input-codec", "avro", "--state-dir", t.TempDir())
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestUnknownFlagIsUsageError(t *testing.T) {
	err := execute(t, "run", "--no-such-flag")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestPrintStatus(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveJob(&store.JobRecord{
		ID: "job1", Name: "Coercer: file:///a -> file:///b", Status: "Failed",
		TotalTasks: 2, Error: "task 1 failed", UpdatedAt: now,
	}))
	require.NoError(t, st.SaveTask(&store.TaskRecord{JobID: "job1", ID: 0, SourcePath: "/a/x", DestinationPath: "/b/x", State: store.TaskSucceeded, Attempts: 1, Records: 3, Bytes: 12}))
	require.NoError(t, st.SaveTask(&store.TaskRecord{JobID: "job1", ID: 1, SourcePath: "/a/y", DestinationPath: "/b/y", State: store.TaskFailed, Attempts: 1, Error: "boom"}))

	var out bytes.Buffer
	require.NoError(t, printStatus(&out, st, "job1"))

	text := out.String()
	for _, want := range []string{"job1", "Failed", "task 1 failed", "/a/x", "Succeeded", "boom"} {
		assert.Contains(t, text, want)
	}

	err := printStatus(&out, st, "missing")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}
