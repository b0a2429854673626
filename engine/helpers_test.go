package engine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/record"
)

var errInjected = errors.New("injected read failure")

type listerFunc func(ListRequest) ([]Task, error)

func (f listerFunc) List(_ context.Context, req ListRequest) ([]Task, error) { return f(req) }

func staticLister(tasks ...Task) Lister {
	return listerFunc(func(ListRequest) ([]Task, error) { return tasks, nil })
}

type nopFactory struct{}

func (nopFactory) OpenInput(context.Context, provider.Provider, string) (record.InputStream, error) {
	return nil, errors.New("not implemented")
}

func (nopFactory) OpenOutput(context.Context, provider.Provider, string) (record.OutputStream, error) {
	return nil, errors.New("not implemented")
}

// scriptedFactory serves fixed records per source path and writes records
// back to back through the provider's writer.
type scriptedFactory struct {
	mu       sync.Mutex
	records  map[string][][]byte
	failures map[string]int
	blocking map[string]bool
	opened   int
	closed   int
	aborted  int
}

func newScriptedFactory() *scriptedFactory {
	return &scriptedFactory{
		records:  make(map[string][][]byte),
		failures: make(map[string]int),
		blocking: make(map[string]bool),
	}
}

func (f *scriptedFactory) set(path string, recs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		f.records[path] = append(f.records[path], []byte(r))
	}
}

// failAfterFirst makes the next n inputs opened at path fail after their
// first record.
func (f *scriptedFactory) failAfterFirst(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = n
}

// block makes inputs at path hang until their context is done.
func (f *scriptedFactory) block(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocking[path] = true
}

func (f *scriptedFactory) counts() (opened, closed, aborted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed, f.aborted
}

func (f *scriptedFactory) OpenInput(ctx context.Context, _ provider.Provider, path string) (record.InputStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := &scriptedInput{
		f:       f,
		ctx:     ctx,
		records: f.records[path],
		failAt:  -1,
		blocks:  f.blocking[path],
	}
	if f.failures[path] > 0 {
		f.failures[path]--
		in.failAt = 1
	}
	f.opened++
	return in, nil
}

func (f *scriptedFactory) OpenOutput(ctx context.Context, fs provider.Provider, path string) (record.OutputStream, error) {
	w, err := fs.OpenWrite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &scriptedOutput{f: f, w: w}, nil
}

type scriptedInput struct {
	f       *scriptedFactory
	ctx     context.Context
	records [][]byte
	pos     int
	failAt  int
	blocks  bool
}

func (s *scriptedInput) ReadRawRecord() ([]byte, error) {
	if s.blocks {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.pos == s.failAt {
		return nil, errInjected
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

func (s *scriptedInput) Close() error {
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

type scriptedOutput struct {
	f *scriptedFactory
	w provider.Writer
}

func (s *scriptedOutput) WriteRaw(rec []byte) error {
	_, err := s.w.Write(rec)
	return err
}

func (s *scriptedOutput) Close() error { return s.w.Close() }

func (s *scriptedOutput) Abort() error {
	s.f.mu.Lock()
	s.f.aborted++
	s.f.mu.Unlock()
	return s.w.Abort()
}

// fakeJob is a RunningJob driven by the test.
type fakeJob struct {
	mu       sync.Mutex
	id       string
	statuses []JobStatus
	polls    int
	err      error
	kills    int
	onPoll   func(n int)
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Status() JobStatus {
	j.mu.Lock()
	j.polls++
	n := j.polls
	status := j.statuses[len(j.statuses)-1]
	if n <= len(j.statuses) {
		status = j.statuses[n-1]
	}
	hook := j.onPoll
	j.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return status
}

func (j *fakeJob) Err() error { return j.err }

func (j *fakeJob) Kill() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.kills++
	return nil
}

func (j *fakeJob) snapshot() (polls, kills int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.polls, j.kills
}

// fakeSubstrate counts submissions and hands out a fixed job.
type fakeSubstrate struct {
	mu        sync.Mutex
	submitted []JobSpec
	job       RunningJob
	err       error
}

func (s *fakeSubstrate) Submit(_ context.Context, spec JobSpec) (RunningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, spec)
	if s.err != nil {
		return nil, s.err
	}
	return s.job, nil
}

func (s *fakeSubstrate) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}
