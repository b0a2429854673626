// Package record defines the boundary between the copy engine and the
// format-specific codecs that frame records on disk.
//
// The engine moves records as opaque byte slices. It never looks inside
// them; only codecs know how a record is delimited, compressed, or encoded.
package record

import (
	"context"

	"github.com/franksops/gocoerce/provider"
)

// InputStream yields the raw records of one source file in order.
type InputStream interface {
	// ReadRawRecord returns the next record, or io.EOF once the stream is
	// exhausted. The returned slice is only valid until the next call.
	ReadRawRecord() ([]byte, error)

	// Close releases the underlying file.
	Close() error
}

// OutputStream writes raw records to one destination file.
type OutputStream interface {
	// WriteRaw appends one record.
	WriteRaw(rec []byte) error

	// Close flushes all framing and publishes the file under its final
	// name. It is the commit point: until it returns nil, the destination
	// must not be visible.
	Close() error

	// Abort discards everything written. The destination path is left as
	// it was before the stream was opened.
	Abort() error
}

// StreamFactory opens record streams over files of a provider.
type StreamFactory interface {
	OpenInput(ctx context.Context, fs provider.Provider, path string) (InputStream, error)
	OpenOutput(ctx context.Context, fs provider.Provider, path string) (OutputStream, error)
}
