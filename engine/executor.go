package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/record"
)

// Reporter receives liveness signals from a running task. A substrate uses
// them to tell a slow copy from a dead one.
type Reporter interface {
	Progress()
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func()

func (f ReporterFunc) Progress() { f() }

// TaskStats describes what one successful or failed task moved.
type TaskStats struct {
	Records    int64
	Bytes      int64
	Heartbeats int64
	Checksum   uint64
}

// TaskExecutor copies the records of one source file into one destination
// file. It never interprets records and never leaves a partial destination
// under its final name.
type TaskExecutor struct {
	src            provider.Provider
	dst            provider.Provider
	in             record.StreamFactory
	out            record.StreamFactory
	heartbeatBytes int64
}

// NewTaskExecutor builds an executor for the tasks of desc, reading from
// src and writing to dst.
func NewTaskExecutor(desc *JobDescriptor, src, dst provider.Provider) *TaskExecutor {
	return &TaskExecutor{
		src:            src,
		dst:            dst,
		in:             desc.InputFactory(),
		out:            desc.OutputFactory(),
		heartbeatBytes: desc.HeartbeatBytes(),
	}
}

// Run copies task. The output is committed only when every record was read
// and written and the input closed cleanly; otherwise it is aborted.
func (e *TaskExecutor) Run(ctx context.Context, task Task, reporter Reporter) (TaskStats, error) {
	var stats TaskStats

	in, err := e.in.OpenInput(ctx, e.src, task.SourcePath)
	if err != nil {
		return stats, fmt.Errorf("open input %s: %w", task.SourcePath, err)
	}

	out, err := e.out.OpenOutput(ctx, e.dst, task.DestPath)
	if err != nil {
		in.Close()
		return stats, fmt.Errorf("open output %s: %w", task.DestPath, err)
	}

	copyErr := e.drain(in, out, reporter, &stats)
	if err := in.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close input %s: %w", task.SourcePath, err)
	}

	if copyErr != nil {
		_ = out.Abort()
		return stats, copyErr
	}

	if err := out.Close(); err != nil {
		return stats, fmt.Errorf("commit %s: %w", task.DestPath, err)
	}
	return stats, nil
}

func (e *TaskExecutor) drain(in record.InputStream, out record.OutputStream, reporter Reporter, stats *TaskStats) error {
	digest := newRecordDigest()
	defer func() { stats.Checksum = digest.sum() }()

	var sinceHeartbeat int64
	for {
		rec, err := in.ReadRawRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record %d: %w", stats.Records, err)
		}

		if err := out.WriteRaw(rec); err != nil {
			return fmt.Errorf("write record %d: %w", stats.Records, err)
		}
		digest.add(rec)
		stats.Records++
		stats.Bytes += int64(len(rec))

		sinceHeartbeat += int64(len(rec))
		if sinceHeartbeat >= e.heartbeatBytes {
			sinceHeartbeat = 0
			stats.Heartbeats++
			reporter.Progress()
		}
	}
}
