package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a job is not found in the state store.
	ErrJobNotFound = errors.New("job not found")

	// ErrTaskNotFound is returned when a task is not found in the state store.
	ErrTaskNotFound = errors.New("task not found")
)

var (
	jobsBucket  = []byte("jobs")
	tasksBucket = []byte("tasks")
)

// TaskState represents the current state of a single file copy.
type TaskState string

const (
	TaskPending   TaskState = "Pending"
	TaskRunning   TaskState = "Running"
	TaskSucceeded TaskState = "Succeeded"
	TaskFailed    TaskState = "Failed"
)

// JobRecord is the persisted view of a coercion job.
type JobRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	TotalTasks  int       `json:"total_tasks"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskRecord is the persisted view of one task of a job.
type TaskRecord struct {
	JobID           string    `json:"job_id"`
	ID              int       `json:"id"`
	SourcePath      string    `json:"source_path"`
	DestinationPath string    `json:"destination_path"`
	State           TaskState `json:"state"`
	Attempts        int       `json:"attempts"`
	Records         int64     `json:"records"`
	Bytes           int64     `json:"bytes"`
	Heartbeats      int64     `json:"heartbeats"`
	Checksum        uint64    `json:"checksum,omitempty"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store define the interface for tracking job and task status.
type Store interface {
	SaveJob(job *JobRecord) error
	GetJob(id string) (*JobRecord, error)
	SaveTask(task *TaskRecord) error
	GetTask(jobID string, id int) (*TaskRecord, error)
	ListTasks(jobID string) ([]*TaskRecord, error)
	Close() error
}

// taskKey sorts tasks of a job together and in ID order.
func taskKey(jobID string, id int) []byte {
	return []byte(fmt.Sprintf("%s/%010d", jobID, id))
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{jobsBucket, tasksBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveJob saves a job to the state store.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	return s.put(jobsBucket, []byte(job.ID), job)
}

// GetJob retrieves a job from the state store.
func (s *BoltStore) GetJob(id string) (*JobRecord, error) {
	var job JobRecord
	if err := s.get(jobsBucket, []byte(id), &job, ErrJobNotFound); err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveTask saves a task to the state store.
func (s *BoltStore) SaveTask(task *TaskRecord) error {
	return s.put(tasksBucket, taskKey(task.JobID, task.ID), task)
}

// GetTask retrieves one task of a job.
func (s *BoltStore) GetTask(jobID string, id int) (*TaskRecord, error) {
	var task TaskRecord
	if err := s.get(tasksBucket, taskKey(jobID, id), &task, ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns every task of a job ordered by ID.
func (s *BoltStore) ListTasks(jobID string) ([]*TaskRecord, error) {
	prefix := []byte(jobID + "/")
	var tasks []*TaskRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(tasksBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var task TaskRecord
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("failed to unmarshal task %s: %w", k, err)
			}
			tasks = append(tasks, &task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", bucket, err)
		}
		if err := tx.Bucket(bucket).Put(key, data); err != nil {
			return fmt.Errorf("failed to put %s: %w", bucket, err)
		}
		return nil
	})
}

func (s *BoltStore) get(bucket, key []byte, v any, notFound error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return notFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", bucket, err)
		}
		return nil
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
