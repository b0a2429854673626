package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/store"
)

const (
	// DefaultWorkers is the number of tasks a local job runs at once.
	DefaultWorkers = 8

	// DefaultTaskTimeout is how long an attempt may go without a progress
	// signal before it is considered dead.
	DefaultTaskTimeout = 10 * time.Minute

	// DefaultRetryBackoff is the wait before the first retry of a task.
	DefaultRetryBackoff = time.Second
)

// LocalSubstrate runs jobs in this process on a pool of goroutines. It
// plays the role of a cluster scheduler: it lists tasks, runs each on a
// worker, watches attempts for progress, retries failed attempts up to a
// limit and fails the whole job on the first task that cannot succeed.
type LocalSubstrate struct {
	registry     *provider.Registry
	store        store.Store
	workers      int
	taskTimeout  time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	checkpoint   CheckpointConfig
	logger       *zap.Logger

	mu   sync.Mutex
	jobs map[string]*LocalJob
}

var _ Substrate = (*LocalSubstrate)(nil)

// SubstrateOption configures a LocalSubstrate.
type SubstrateOption func(*LocalSubstrate)

// WithRegistry sets the registry used to resolve job locations.
func WithRegistry(r *provider.Registry) SubstrateOption {
	return func(s *LocalSubstrate) { s.registry = r }
}

// WithStore sets where job and task state is recorded.
func WithStore(st store.Store) SubstrateOption {
	return func(s *LocalSubstrate) { s.store = st }
}

// WithWorkers sets how many tasks run concurrently.
func WithWorkers(n int) SubstrateOption {
	return func(s *LocalSubstrate) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTaskTimeout sets how long an attempt may go without progress. Zero
// disables the watchdog.
func WithTaskTimeout(d time.Duration) SubstrateOption {
	return func(s *LocalSubstrate) { s.taskTimeout = d }
}

// WithMaxAttempts sets how many times a task is tried before the job fails.
func WithMaxAttempts(n int) SubstrateOption {
	return func(s *LocalSubstrate) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the wait before the first retry. Later retries back
// off exponentially.
func WithRetryBackoff(d time.Duration) SubstrateOption {
	return func(s *LocalSubstrate) {
		if d > 0 {
			s.retryBackoff = d
		}
	}
}

// WithCheckpoint sets how often heartbeat counts are persisted.
func WithCheckpoint(c CheckpointConfig) SubstrateOption {
	return func(s *LocalSubstrate) { s.checkpoint = c }
}

// WithSubstrateLogger sets the logger.
func WithSubstrateLogger(l *zap.Logger) SubstrateOption {
	return func(s *LocalSubstrate) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewLocalSubstrate returns a substrate with DefaultRegistry and an
// in-memory store unless options say otherwise.
func NewLocalSubstrate(opts ...SubstrateOption) *LocalSubstrate {
	s := &LocalSubstrate{
		registry:     provider.DefaultRegistry(),
		store:        store.NewMemoryStore(),
		workers:      DefaultWorkers,
		taskTimeout:  DefaultTaskTimeout,
		maxAttempts:  1,
		retryBackoff: DefaultRetryBackoff,
		checkpoint:   DefaultCheckpointConfig,
		logger:       zap.NewNop(),
		jobs:         make(map[string]*LocalJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit lists the tasks of spec and starts running them.
func (s *LocalSubstrate) Submit(ctx context.Context, spec JobSpec) (RunningJob, error) {
	desc := spec.Descriptor
	if desc == nil {
		return nil, errors.New("job has no descriptor")
	}
	if spec.ReduceTasks != 0 {
		return nil, fmt.Errorf("local substrate runs map-only jobs, got %d reduce tasks", spec.ReduceTasks)
	}
	if spec.SpeculativeExecution {
		s.logger.Warn("speculative execution requested but not supported, running one attempt at a time",
			zap.String("name", spec.Name))
	}

	src, srcRoot, err := s.registry.Resolve(ctx, desc.Source())
	if err != nil {
		return nil, fmt.Errorf("resolve source: %w", err)
	}
	dst, dstRoot, err := s.registry.Resolve(ctx, desc.Dest())
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	tasks, err := desc.Lister().List(ctx, ListRequest{
		Source:            src,
		SourceRoot:        srcRoot,
		Dest:              dst,
		DestRoot:          dstRoot,
		RenameMode:        desc.RenameMode(),
		ExtensionOnRename: desc.ExtensionOnRename(),
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	id := uuid.NewString()
	tracker := NewJobTracker(s.store, s.checkpoint)
	if err := tracker.InitJob(id, desc, tasks); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	job := newLocalJob(s, id, spec, tasks, NewTaskExecutor(desc, src, dst), tracker)

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	job.logger.Info("job accepted", zap.String("name", spec.Name), zap.Int("tasks", len(tasks)))
	go job.run()
	return job, nil
}

// Job returns a job submitted to this substrate.
func (s *LocalSubstrate) Job(id string) (*LocalJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// ActiveTask is a task with an attempt in flight.
type ActiveTask struct {
	TaskID     int
	SourcePath string
	Size       int64
	Attempt    int
	Started    time.Time
}

// JobSnapshot is a point-in-time view of a local job.
type JobSnapshot struct {
	JobID          string
	Name           string
	Status         JobStatus
	Err            error
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	TotalBytes     int64
	CompletedBytes int64
	Workers        int
	Active         []ActiveTask
	Started        time.Time
}

// LocalJob is a job running on a LocalSubstrate.
type LocalJob struct {
	id       string
	spec     JobSpec
	tasks    []Task
	executor *TaskExecutor
	tracker  *JobTracker
	logger   *zap.Logger

	workers      int
	taskTimeout  time.Duration
	maxAttempts  int
	retryBackoff time.Duration

	status  *statusCell
	ctx     context.Context
	cancel  context.CancelFunc
	killed  atomic.Bool
	allDone chan struct{}
	started time.Time

	mu             sync.Mutex
	pool           *WorkerPool
	firstErr       error
	finished       int
	completed      int
	failed         int
	completedBytes int64
	active         map[int]ActiveTask
}

var _ RunningJob = (*LocalJob)(nil)

func newLocalJob(s *LocalSubstrate, id string, spec JobSpec, tasks []Task, exec *TaskExecutor, tracker *JobTracker) *LocalJob {
	// The job outlives the Submit call; only Kill stops it.
	ctx, cancel := context.WithCancel(context.Background())
	j := &LocalJob{
		id:           id,
		spec:         spec,
		tasks:        tasks,
		executor:     exec,
		tracker:      tracker,
		logger:       s.logger.With(zap.String("job", id)),
		workers:      s.workers,
		taskTimeout:  s.taskTimeout,
		maxAttempts:  s.maxAttempts,
		retryBackoff: s.retryBackoff,
		status:       newStatusCell(),
		ctx:          ctx,
		cancel:       cancel,
		allDone:      make(chan struct{}),
		started:      time.Now(),
		active:       make(map[int]ActiveTask),
	}
	if len(tasks) == 0 {
		close(j.allDone)
	}
	return j
}

func (j *LocalJob) ID() string { return j.id }

func (j *LocalJob) Status() JobStatus {
	status, _ := j.status.get()
	return status
}

func (j *LocalJob) Err() error {
	_, err := j.status.get()
	return err
}

// Done is closed once the job reaches a terminal status.
func (j *LocalJob) Done() <-chan struct{} {
	return j.status.done
}

// Kill cancels every running attempt. The job ends Killed unless it had
// already finished or failed.
func (j *LocalJob) Kill() error {
	if j.Status().Terminal() {
		return nil
	}
	j.killed.Store(true)
	j.cancel()
	return nil
}

// SetWorkers changes how many tasks run at once.
func (j *LocalJob) SetWorkers(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n < 1 {
		n = 1
	}
	j.workers = n
	if j.pool != nil {
		j.pool.SetWorkerCount(n)
	}
}

// Snapshot returns the current progress of the job.
func (j *LocalJob) Snapshot() JobSnapshot {
	var total int64
	for _, t := range j.tasks {
		total += t.Size
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	snap := JobSnapshot{
		JobID:          j.id,
		Name:           j.spec.Name,
		Status:         j.Status(),
		Err:            j.Err(),
		TotalTasks:     len(j.tasks),
		CompletedTasks: j.completed,
		FailedTasks:    j.failed,
		TotalBytes:     total,
		CompletedBytes: j.completedBytes,
		Workers:        j.workers,
		Started:        j.started,
	}
	for _, a := range j.active {
		snap.Active = append(snap.Active, a)
	}
	sort.Slice(snap.Active, func(a, b int) bool { return snap.Active[a].TaskID < snap.Active[b].TaskID })
	return snap
}

func (j *LocalJob) run() {
	j.status.transition(Running, nil)
	j.saveStatus(Running, nil)

	taskChan := make(TaskChannel, len(j.tasks))
	for _, t := range j.tasks {
		taskChan <- t
	}
	close(taskChan)

	j.mu.Lock()
	j.pool = NewWorkerPool(j.ctx, taskChan, j.runTask)
	j.pool.SetWorkerCount(j.workers)
	j.mu.Unlock()

	select {
	case <-j.allDone:
	case <-j.ctx.Done():
	}

	j.mu.Lock()
	pool := j.pool
	j.pool = nil
	j.mu.Unlock()
	pool.Stop()

	j.finish()
}

func (j *LocalJob) finish() {
	j.mu.Lock()
	cause := j.firstErr
	j.mu.Unlock()

	status := Succeeded
	switch {
	case cause != nil:
		status = Failed
	case j.killed.Load():
		status, cause = Killed, ErrJobKilled
	}

	j.saveStatus(status, cause)
	jobsFinished.WithLabelValues(status.String()).Inc()
	j.status.transition(status, cause)
	j.cancel()

	if cause != nil {
		j.logger.Error("job finished", zap.Stringer("status", status), zap.Error(cause))
		return
	}
	j.logger.Info("job finished", zap.Stringer("status", status), zap.Duration("elapsed", time.Since(j.started)))
}

func (j *LocalJob) saveStatus(status JobStatus, cause error) {
	if err := j.tracker.SetJobStatus(j.id, status, cause); err != nil {
		j.logger.Warn("failed to record job status", zap.Stringer("status", status), zap.Error(err))
	}
}

// runTask is the worker pool handler. It retries a failing task up to
// maxAttempts and fails the job when it runs out.
func (j *LocalJob) runTask(ctx context.Context, task Task) error {
	log := j.logger.With(zap.Int("task", task.ID), zap.String("source_path", task.SourcePath))

	var (
		attempt int
		stats   TaskStats
	)
	op := func() error {
		attempt++
		var err error
		stats, err = j.attempt(ctx, task, attempt)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = j.retryBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(j.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("task attempt failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		j.taskFailed(task, stats, err, log)
		return err
	}

	if err := j.tracker.MarkSucceeded(j.id, task.ID, stats); err != nil {
		log.Warn("failed to record task", zap.Error(err))
	}
	tasksFinished.WithLabelValues("succeeded").Inc()
	recordsCopied.Add(float64(stats.Records))
	bytesCopied.Add(float64(stats.Bytes))
	log.Debug("task committed", zap.String("dest_path", task.DestPath),
		zap.Int64("records", stats.Records), zap.Int64("bytes", stats.Bytes))

	j.mu.Lock()
	j.completed++
	j.completedBytes += stats.Bytes
	j.markFinishedLocked()
	j.mu.Unlock()
	return nil
}

func (j *LocalJob) taskFailed(task Task, stats TaskStats, err error, log *zap.Logger) {
	if recErr := j.tracker.MarkFailed(j.id, task.ID, stats, err); recErr != nil {
		log.Warn("failed to record task", zap.Error(recErr))
	}

	j.mu.Lock()
	j.failed++
	j.markFinishedLocked()
	// Only the first failure on a live job is the cause. Later ones are
	// attempts cancelled because of it.
	first := j.firstErr == nil && j.ctx.Err() == nil
	if first {
		j.firstErr = fmt.Errorf("task %d (%s -> %s): %w", task.ID, task.SourcePath, task.DestPath, err)
	}
	j.mu.Unlock()

	if !first {
		tasksFinished.WithLabelValues("cancelled").Inc()
		return
	}
	tasksFinished.WithLabelValues("failed").Inc()
	log.Error("task failed, failing job", zap.Error(err))
	j.cancel()
}

func (j *LocalJob) markFinishedLocked() {
	j.finished++
	if j.finished == len(j.tasks) {
		close(j.allDone)
	}
}

// attempt runs the executor once under a watchdog.
func (j *LocalJob) attempt(ctx context.Context, task Task, n int) (TaskStats, error) {
	taskAttempts.Inc()
	if err := j.tracker.MarkRunning(j.id, task.ID, n); err != nil {
		j.logger.Warn("failed to record task", zap.Int("task", task.ID), zap.Error(err))
	}

	j.mu.Lock()
	j.active[task.ID] = ActiveTask{TaskID: task.ID, SourcePath: task.SourcePath, Size: task.Size, Attempt: n, Started: time.Now()}
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		delete(j.active, task.ID)
		j.mu.Unlock()
	}()

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		lastProgress atomic.Int64
		beats        atomic.Int64
	)
	lastProgress.Store(time.Now().UnixNano())
	reporter := ReporterFunc(func() {
		lastProgress.Store(time.Now().UnixNano())
		heartbeats.Inc()
		if err := j.tracker.Heartbeat(j.id, task.ID, beats.Add(1)); err != nil {
			j.logger.Debug("failed to checkpoint heartbeat", zap.Int("task", task.ID), zap.Error(err))
		}
	})

	stop := j.watch(actx, cancel, &lastProgress)
	stats, err := j.executor.Run(actx, task, reporter)
	stop()

	if err != nil && errors.Is(context.Cause(actx), ErrTaskTimedOut) {
		err = fmt.Errorf("%w after %s: %v", ErrTaskTimedOut, j.taskTimeout, err)
	}
	return stats, err
}

// watch cancels ctx with ErrTaskTimedOut once no progress has been seen
// for the task timeout. The returned func stops it.
func (j *LocalJob) watch(ctx context.Context, cancel context.CancelCauseFunc, lastProgress *atomic.Int64) func() {
	if j.taskTimeout <= 0 {
		return func() {}
	}

	interval := j.taskTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastProgress.Load())) > j.taskTimeout {
					cancel(ErrTaskTimedOut)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
