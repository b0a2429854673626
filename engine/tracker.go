package engine

import (
	"sync"
	"time"

	"github.com/franksops/gocoerce/store"
)

// CheckpointConfig defines how often heartbeat counts are saved.
type CheckpointConfig struct {
	// Interval is the minimum time between two saves of the same task.
	Interval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	Interval: 5 * time.Second,
}

// JobTracker persists job and task progress to a store. Store errors are
// returned but never change the outcome of a task; the store is a record,
// not a source of truth for the running job.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
	now    func() time.Time

	mu        sync.Mutex
	lastSaved map[int]time.Time
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(s store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:     s,
		config:    config,
		now:       time.Now,
		lastSaved: make(map[int]time.Time),
	}
}

// InitJob records a freshly submitted job and its tasks as Pending.
func (jt *JobTracker) InitJob(jobID string, desc *JobDescriptor, tasks []Task) error {
	now := jt.now()
	err := jt.store.SaveJob(&store.JobRecord{
		ID:          jobID,
		Name:        desc.Name(),
		Source:      desc.Source(),
		Destination: desc.Dest(),
		Status:      Pending.String(),
		TotalTasks:  len(tasks),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}

	for _, task := range tasks {
		err := jt.store.SaveTask(&store.TaskRecord{
			JobID:           jobID,
			ID:              task.ID,
			SourcePath:      task.SourcePath,
			DestinationPath: task.DestPath,
			State:           store.TaskPending,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetJobStatus updates the job's status and, for failures, its error.
func (jt *JobTracker) SetJobStatus(jobID string, status JobStatus, cause error) error {
	record, err := jt.store.GetJob(jobID)
	if err != nil {
		return err
	}
	record.Status = status.String()
	if cause != nil {
		record.Error = cause.Error()
	}
	record.UpdatedAt = jt.now()
	return jt.store.SaveJob(record)
}

// MarkRunning records the start of an attempt.
func (jt *JobTracker) MarkRunning(jobID string, taskID, attempt int) error {
	return jt.update(jobID, taskID, func(r *store.TaskRecord) {
		r.State = store.TaskRunning
		r.Attempts = attempt
		r.Error = ""
	})
}

// Heartbeat counts one progress signal. It is saved at most once per
// checkpoint interval; the final count is saved by MarkSucceeded or
// MarkFailed.
func (jt *JobTracker) Heartbeat(jobID string, taskID int, heartbeats int64) error {
	jt.mu.Lock()
	now := jt.now()
	if last, ok := jt.lastSaved[taskID]; ok && now.Sub(last) < jt.config.Interval {
		jt.mu.Unlock()
		return nil
	}
	jt.lastSaved[taskID] = now
	jt.mu.Unlock()

	return jt.update(jobID, taskID, func(r *store.TaskRecord) {
		r.Heartbeats = heartbeats
	})
}

// MarkSucceeded records the stats of a committed task.
func (jt *JobTracker) MarkSucceeded(jobID string, taskID int, stats TaskStats) error {
	jt.forget(taskID)
	return jt.update(jobID, taskID, func(r *store.TaskRecord) {
		r.State = store.TaskSucceeded
		applyStats(r, stats)
	})
}

// MarkFailed records a task whose last attempt failed.
func (jt *JobTracker) MarkFailed(jobID string, taskID int, stats TaskStats, cause error) error {
	jt.forget(taskID)
	return jt.update(jobID, taskID, func(r *store.TaskRecord) {
		r.State = store.TaskFailed
		applyStats(r, stats)
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

func applyStats(r *store.TaskRecord, stats TaskStats) {
	r.Records = stats.Records
	r.Bytes = stats.Bytes
	r.Heartbeats = stats.Heartbeats
	r.Checksum = stats.Checksum
}

func (jt *JobTracker) forget(taskID int) {
	jt.mu.Lock()
	delete(jt.lastSaved, taskID)
	jt.mu.Unlock()
}

func (jt *JobTracker) update(jobID string, taskID int, fn func(*store.TaskRecord)) error {
	record, err := jt.store.GetTask(jobID, taskID)
	if err != nil {
		return err
	}
	fn(record)
	record.UpdatedAt = jt.now()
	return jt.store.SaveTask(record)
}
