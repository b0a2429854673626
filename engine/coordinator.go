package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often Coerce checks the status of its job.
const DefaultPollInterval = 100 * time.Millisecond

// JobSpec is a job as handed to a substrate.
type JobSpec struct {
	Name       string
	Descriptor *JobDescriptor

	// ReduceTasks is the number of aggregation tasks after the copy tasks.
	// Coercion jobs produce nothing to aggregate, so it is always zero.
	ReduceTasks int

	// SpeculativeExecution allows a substrate to run duplicate attempts of
	// a slow task. Coercion jobs disable it: two attempts writing one
	// destination would race.
	SpeculativeExecution bool
}

// Substrate runs jobs. It owns task placement, retries and node failures.
type Substrate interface {
	Submit(ctx context.Context, spec JobSpec) (RunningJob, error)
}

// RunningJob is a handle on a submitted job.
type RunningJob interface {
	ID() string
	Status() JobStatus

	// Err is the cause of a Failed or Killed job, nil otherwise.
	Err() error

	// Kill stops every task of the job. Killing a finished job does nothing.
	Kill() error
}

// Coercer submits coercion jobs and waits for them.
type Coercer struct {
	substrate      Substrate
	pollInterval   time.Duration
	heartbeatBytes int64
	logger         *zap.Logger
}

// Option configures a Coercer.
type Option func(*Coercer)

// WithPollInterval sets how often job status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coercer) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithHeartbeatBytes sets how many bytes a task copies between progress
// signals.
func WithHeartbeatBytes(n int64) Option {
	return func(c *Coercer) {
		c.heartbeatBytes = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coercer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCoercer returns a Coercer that runs jobs on substrate.
func NewCoercer(substrate Substrate, opts ...Option) *Coercer {
	c := &Coercer{
		substrate:      substrate,
		pollInterval:   DefaultPollInterval,
		heartbeatBytes: DefaultHeartbeatBytes,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Coerce copies every file the request's lister finds under SourceURI to
// DestURI, re-encoding records from the input codec to the output codec.
// It blocks until the job finishes.
//
// The returned error is one of *ArgumentError, *SubmissionError,
// *ExecutionError or *InterruptedError.
func (c *Coercer) Coerce(ctx context.Context, req TransferRequest) error {
	desc, err := NewJobDescriptor(req, c.heartbeatBytes)
	if err != nil {
		return err
	}

	log := c.logger.With(zap.String("source", desc.Source()), zap.String("dest", desc.Dest()))
	start := time.Now()

	job, err := c.substrate.Submit(ctx, JobSpec{
		Name:                 desc.Name(),
		Descriptor:           desc,
		ReduceTasks:          0,
		SpeculativeExecution: false,
	})
	if err != nil {
		log.Error("submit failed", zap.Error(err))
		return &SubmissionError{Cause: err}
	}

	log = log.With(zap.String("job", job.ID()))
	log.Info("job submitted", zap.String("name", desc.Name()))

	status, err := c.wait(ctx, job)
	if err != nil {
		log.Warn("wait interrupted, killing job", zap.Error(err))
		if killErr := job.Kill(); killErr != nil {
			log.Error("kill failed", zap.Error(killErr))
		}
		return &InterruptedError{JobID: job.ID(), Cause: err}
	}

	elapsed := zap.Duration("elapsed", time.Since(start))
	if status == Succeeded {
		log.Info("job succeeded", elapsed)
		return nil
	}

	// Some tasks may still be running on other executors.
	if killErr := job.Kill(); killErr != nil {
		log.Error("kill failed", zap.Error(killErr))
	}
	cause := job.Err()
	log.Error("job did not succeed", zap.Stringer("status", status), elapsed, zap.Error(cause))
	return &ExecutionError{JobID: job.ID(), Status: status, Cause: cause}
}

// wait polls job until it reaches a terminal status or ctx is done.
func (c *Coercer) wait(ctx context.Context, job RunningJob) (JobStatus, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if status := job.Status(); status.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
