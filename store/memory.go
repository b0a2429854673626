package store

import (
	"sort"
	"sync"
)

// MemoryStore keeps records in process. It is used when no state directory
// is configured.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]JobRecord
	tasks map[string]map[int]TaskRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]JobRecord),
		tasks: make(map[string]map[int]TaskRecord),
	}
}

func (m *MemoryStore) SaveJob(job *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *MemoryStore) GetJob(id string) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (m *MemoryStore) SaveTask(task *TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.tasks[task.JobID]
	if !ok {
		byID = make(map[int]TaskRecord)
		m.tasks[task.JobID] = byID
	}
	byID[task.ID] = *task
	return nil
}

func (m *MemoryStore) GetTask(jobID string, id int) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[jobID][id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &task, nil
}

func (m *MemoryStore) ListTasks(jobID string) ([]*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TaskRecord, 0, len(m.tasks[jobID]))
	for _, task := range m.tasks[jobID] {
		task := task
		out = append(out, &task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
