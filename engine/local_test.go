package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gocoerce/codec"
	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/record"
	"github.com/franksops/gocoerce/store"
)

func newMemSubstrate(t *testing.T, opts ...SubstrateOption) (*LocalSubstrate, *provider.MemoryProvider, store.Store) {
	t.Helper()
	mp := provider.NewMemoryProvider()
	reg := provider.NewRegistry()
	reg.RegisterProvider("mem", mp)
	st := store.NewMemoryStore()
	base := []SubstrateOption{WithRegistry(reg), WithStore(st), WithWorkers(4), WithRetryBackoff(time.Millisecond)}
	return NewLocalSubstrate(append(base, opts...)...), mp, st
}

func memRequest(lister Lister, in, out record.StreamFactory) TransferRequest {
	return TransferRequest{
		SourceURI:     "mem://in",
		DestURI:       "mem://out",
		Lister:        lister,
		InputFactory:  in,
		OutputFactory: out,
	}
}

func coerce(t *testing.T, sub Substrate, req TransferRequest) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return NewCoercer(sub, WithPollInterval(time.Millisecond)).Coerce(ctx, req)
}

func submit(t *testing.T, sub *LocalSubstrate, req TransferRequest) *LocalJob {
	t.Helper()
	desc, err := NewJobDescriptor(req, 0)
	require.NoError(t, err)
	job, err := sub.Submit(context.Background(), JobSpec{Name: desc.Name(), Descriptor: desc})
	require.NoError(t, err)
	return job.(*LocalJob)
}

func waitDone(t *testing.T, job *LocalJob) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not finish", job.ID())
	}
}

func TestLocalCoerceCopiesRecords(t *testing.T) {
	sub, mp, st := newMemSubstrate(t)
	mp.Put("in/a", []byte("rec1rec2"))

	raw := codec.Factory{Format: codec.Raw}
	err := coerce(t, sub, memRequest(staticLister(Task{ID: 0, SourcePath: "in/a", DestPath: "out/a", Size: 8}), raw, raw))
	require.NoError(t, err)

	got, ok := mp.Get("out/a")
	require.True(t, ok)
	assert.Equal(t, "rec1rec2", string(got))

	jobs := 0
	for _, j := range sub.jobs {
		jobs++
		rec, err := st.GetJob(j.ID())
		require.NoError(t, err)
		assert.Equal(t, Succeeded.String(), rec.Status)
		assert.Equal(t, Succeeded, j.Status())

		task, err := st.GetTask(j.ID(), 0)
		require.NoError(t, err)
		assert.Equal(t, store.TaskSucceeded, task.State)
		assert.EqualValues(t, 8, task.Bytes)
	}
	assert.Equal(t, 1, jobs)
}

func TestLocalCoerceReencodes(t *testing.T) {
	sub, mp, _ := newMemSubstrate(t)
	mp.Put("in/a", []byte("one\ntwo\nthree\n"))

	lines := codec.Factory{Format: codec.Lines}
	framed := codec.Factory{Format: codec.Framed, Compression: codec.Zstd}
	err := coerce(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a.bin"}), lines, framed))
	require.NoError(t, err)

	rc, err := framed.OpenInput(context.Background(), mp, "out/a.bin")
	require.NoError(t, err)
	defer rc.Close()

	var got []string
	for {
		rec, err := rc.ReadRawRecord()
		if err != nil {
			break
		}
		got = append(got, string(rec))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestLocalCoerceFailureLeavesNoDestination(t *testing.T) {
	sub, mp, _ := newMemSubstrate(t)
	f := newScriptedFactory()
	f.set("in/a", "rec1", "rec2")
	f.failAfterFirst("in/a", 1)

	err := coerce(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a"}), f, f))

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, Failed, execErr.Status)
	assert.ErrorIs(t, err, errInjected)

	_, ok := mp.Get("out/a")
	assert.False(t, ok)
}

func TestLocalRunsDisjointTasks(t *testing.T) {
	sub, mp, _ := newMemSubstrate(t, WithWorkers(5))
	f := newScriptedFactory()

	var tasks []Task
	for i := 0; i < 20; i++ {
		src := fmt.Sprintf("in/%02d", i)
		f.set(src, fmt.Sprintf("r%d-a", i), fmt.Sprintf("r%d-b", i))
		tasks = append(tasks, Task{ID: i, SourcePath: src, DestPath: fmt.Sprintf("out/%02d", i)})
	}

	require.NoError(t, coerce(t, sub, memRequest(staticLister(tasks...), f, f)))

	for i := 0; i < 20; i++ {
		got, ok := mp.Get(fmt.Sprintf("out/%02d", i))
		require.True(t, ok, "task %d output missing", i)
		assert.Equal(t, fmt.Sprintf("r%d-ar%d-b", i, i), string(got))
	}
}

func TestLocalEmptyJobSucceeds(t *testing.T) {
	sub, _, _ := newMemSubstrate(t)
	f := newScriptedFactory()
	require.NoError(t, coerce(t, sub, memRequest(staticLister(), f, f)))
}

func TestLocalFailFastCancelsRunningTasks(t *testing.T) {
	sub, mp, _ := newMemSubstrate(t, WithWorkers(2))
	f := newScriptedFactory()
	f.block("in/slow")
	f.set("in/bad", "rec1", "rec2")
	f.failAfterFirst("in/bad", 1)

	job := submit(t, sub, memRequest(staticLister(
		Task{ID: 0, SourcePath: "in/slow", DestPath: "out/slow"},
		Task{ID: 1, SourcePath: "in/bad", DestPath: "out/bad"},
	), f, f))
	waitDone(t, job)

	assert.Equal(t, Failed, job.Status())
	assert.ErrorIs(t, job.Err(), errInjected)
	assert.Empty(t, mp.Paths())

	snap := job.Snapshot()
	assert.GreaterOrEqual(t, snap.FailedTasks, 1)
	assert.Zero(t, snap.CompletedTasks)
	assert.Empty(t, snap.Active)
}

func TestLocalKill(t *testing.T) {
	sub, mp, st := newMemSubstrate(t)
	f := newScriptedFactory()
	f.block("in/a")

	job := submit(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a"}), f, f))

	require.Eventually(t, func() bool {
		return len(job.Snapshot().Active) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, job.Kill())
	waitDone(t, job)

	assert.Equal(t, Killed, job.Status())
	assert.ErrorIs(t, job.Err(), ErrJobKilled)
	assert.Empty(t, mp.Paths())

	rec, err := st.GetJob(job.ID())
	require.NoError(t, err)
	assert.Equal(t, Killed.String(), rec.Status)

	// Killing a finished job is a no-op.
	require.NoError(t, job.Kill())
	assert.Equal(t, Killed, job.Status())
}

func TestLocalRejectsReduceTasks(t *testing.T) {
	sub, _, _ := newMemSubstrate(t)
	f := newScriptedFactory()
	desc, err := NewJobDescriptor(memRequest(staticLister(), f, f), 0)
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), JobSpec{Descriptor: desc, ReduceTasks: 1})
	assert.Error(t, err)
}

func TestLocalListerErrorIsSubmissionError(t *testing.T) {
	sub, _, _ := newMemSubstrate(t)
	f := newScriptedFactory()
	boom := errors.New("listing failed")
	lister := listerFunc(func(ListRequest) ([]Task, error) { return nil, boom })

	err := coerce(t, sub, memRequest(lister, f, f))

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, err, boom)
}

func TestLocalUnknownSchemeIsSubmissionError(t *testing.T) {
	sub, _, _ := newMemSubstrate(t)
	f := newScriptedFactory()
	req := memRequest(staticLister(), f, f)
	req.DestURI = "hdfs://nn/out"

	var subErr *SubmissionError
	require.ErrorAs(t, coerce(t, sub, req), &subErr)
}

func TestLocalWatchdogTimesOutStalledTask(t *testing.T) {
	sub, mp, _ := newMemSubstrate(t, WithTaskTimeout(30*time.Millisecond))
	f := newScriptedFactory()
	f.block("in/a")

	err := coerce(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a"}), f, f))

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, Failed, execErr.Status)
	assert.ErrorIs(t, err, ErrTaskTimedOut)
	assert.Empty(t, mp.Paths())
}

func TestLocalRetriesFailedAttempt(t *testing.T) {
	sub, mp, st := newMemSubstrate(t, WithMaxAttempts(2))
	f := newScriptedFactory()
	f.set("in/a", "rec1", "rec2")
	f.failAfterFirst("in/a", 1)

	job := submit(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a"}), f, f))
	waitDone(t, job)

	require.Equal(t, Succeeded, job.Status())
	got, ok := mp.Get("out/a")
	require.True(t, ok)
	assert.Equal(t, "rec1rec2", string(got))

	task, err := st.GetTask(job.ID(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempts)

	opened, _, aborted := f.counts()
	assert.Equal(t, 2, opened)
	assert.Equal(t, 1, aborted)
}

func TestLocalRetriesExhausted(t *testing.T) {
	sub, _, _ := newMemSubstrate(t, WithMaxAttempts(3))
	f := newScriptedFactory()
	f.set("in/a", "rec1", "rec2")
	f.failAfterFirst("in/a", 10)

	job := submit(t, sub, memRequest(staticLister(Task{SourcePath: "in/a", DestPath: "out/a"}), f, f))
	waitDone(t, job)

	assert.Equal(t, Failed, job.Status())
	opened, _, _ := f.counts()
	assert.Equal(t, 3, opened)
}

func TestLocalSnapshotAndWorkers(t *testing.T) {
	sub, _, _ := newMemSubstrate(t, WithWorkers(2))
	f := newScriptedFactory()
	f.set("in/a", "abcd")
	f.set("in/b", "efgh", "ij")

	job := submit(t, sub, memRequest(staticLister(
		Task{ID: 0, SourcePath: "in/a", DestPath: "out/a", Size: 4},
		Task{ID: 1, SourcePath: "in/b", DestPath: "out/b", Size: 6},
	), f, f))
	waitDone(t, job)

	snap := job.Snapshot()
	assert.Equal(t, job.ID(), snap.JobID)
	assert.Equal(t, Succeeded, snap.Status)
	assert.Equal(t, 2, snap.TotalTasks)
	assert.Equal(t, 2, snap.CompletedTasks)
	assert.EqualValues(t, 10, snap.TotalBytes)
	assert.EqualValues(t, 10, snap.CompletedBytes)

	job.SetWorkers(6)
	assert.Equal(t, 6, job.Snapshot().Workers)

	found, ok := sub.Job(job.ID())
	require.True(t, ok)
	assert.Same(t, job, found)
}
