package engine

import (
	"fmt"
	"sync"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus int

const (
	Pending JobStatus = iota
	Running
	Succeeded
	Failed
	Killed
)

func (s JobStatus) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case Killed:
		return "Killed"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == Succeeded || s == Failed || s == Killed
}

// statusCell holds a job status and refuses to leave a terminal state.
type statusCell struct {
	mu     sync.Mutex
	status JobStatus
	err    error
	done   chan struct{}
}

func newStatusCell() *statusCell {
	return &statusCell{status: Pending, done: make(chan struct{})}
}

func (c *statusCell) get() (JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.err
}

// transition moves to next. It returns false when the current state is
// terminal or next would go backwards to Pending.
func (c *statusCell) transition(next JobStatus, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() || next == Pending || next == c.status {
		return false
	}
	c.status = next
	c.err = cause
	if next.Terminal() {
		close(c.done)
	}
	return true
}
