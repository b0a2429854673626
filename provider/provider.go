package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by Stat when nothing exists at the path.
	ErrNotFound = errors.New("provider: not found")

	// ErrAborted is the error seen by an in-flight upload or write once its
	// Writer has been aborted.
	ErrAborted = errors.New("provider: write aborted")
)

// FileInfo represents the standard metadata for a file or a directory
// across different storage abstractions.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Writer is a pending destination file. Nothing written becomes visible
// under the final path until Close returns nil. Abort discards everything
// written so far. Only the first of Close or Abort takes effect: Close after
// Abort returns ErrAborted, Abort after Close does nothing.
type Writer interface {
	io.Writer

	// Close commits the file under its final name.
	Close() error

	// Abort discards the file. The final path is left untouched.
	Abort() error
}

// Provider represents a storage backend abstraction.
// A typical Provider might be local storage, S3, or an in-memory tree.
// Paths are slash separated and relative to whatever root the provider was
// opened with.
type Provider interface {
	// Stat returns the FileInfo for the given path, or ErrNotFound.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	// OpenRead opens a file for streaming reads.
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite opens a file for streaming writes. The returned Writer is
	// bound to ctx: once ctx is done, Close refuses to commit.
	OpenWrite(ctx context.Context, path string) (Writer, error)
}

type fileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (f *fileInfo) Name() string       { return f.name }
func (f *fileInfo) Size() int64        { return f.size }
func (f *fileInfo) IsDir() bool        { return f.isDir }
func (f *fileInfo) ModTime() time.Time { return f.modTime }

// ctxReader checks ctx before every Read so a cancelled attempt stops
// pulling bytes from storage.
type ctxReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.rc.Read(p)
}

func (cr *ctxReader) Close() error {
	return cr.rc.Close()
}
