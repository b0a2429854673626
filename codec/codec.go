// Package codec provides record.StreamFactory implementations for a few
// simple on-disk framings, each optionally wrapped in a compression layer.
//
// A codec is named by a spec string of the form "format[+compression]",
// for example "lines", "framed+zstd" or "raw+gzip".
package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/franksops/gocoerce/provider"
	"github.com/franksops/gocoerce/record"
)

var (
	// ErrDelimiterInRecord is returned when a lines record contains '\n'.
	ErrDelimiterInRecord = errors.New("codec: record contains line delimiter")

	// ErrRecordTooLarge is returned when a framed record, written or
	// announced by a header, exceeds MaxFramedRecord bytes.
	ErrRecordTooLarge = errors.New("codec: record too large")
)

const bufferSize = 64 * 1024

// Factory opens record streams with a fixed format and compression.
type Factory struct {
	Format      Format
	Compression Compression
}

var _ record.StreamFactory = Factory{}

// Parse builds a Factory from a "format[+compression]" spec.
func Parse(spec string) (Factory, error) {
	formatName, compName, _ := strings.Cut(strings.TrimSpace(spec), "+")
	format, err := ParseFormat(formatName)
	if err != nil {
		return Factory{}, err
	}
	comp := None
	if compName != "" {
		if comp, err = ParseCompression(compName); err != nil {
			return Factory{}, err
		}
	}
	return Factory{Format: format, Compression: comp}, nil
}

// String returns the spec that Parse accepts for f.
func (f Factory) String() string {
	if f.Compression == None {
		return f.Format.String()
	}
	return f.Format.String() + "+" + f.Compression.String()
}

// OpenInput opens path for reading records.
func (f Factory) OpenInput(ctx context.Context, fs provider.Provider, path string) (record.InputStream, error) {
	rc, err := fs.OpenRead(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s for reading: %w", path, err)
	}
	dec, err := f.Compression.newReader(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open %s decompressor: %w", path, err)
	}
	return &inputStream{
		src:    rc,
		dec:    dec,
		br:     bufio.NewReaderSize(dec, bufferSize),
		format: f.Format,
	}, nil
}

// OpenOutput opens path for writing records. Nothing is visible at path
// until the returned stream is closed without error.
func (f Factory) OpenOutput(ctx context.Context, fs provider.Provider, path string) (record.OutputStream, error) {
	w, err := fs.OpenWrite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s for writing: %w", path, err)
	}
	enc, err := f.Compression.newWriter(w)
	if err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("open %s compressor: %w", path, err)
	}
	return &outputStream{
		dst:    w,
		enc:    enc,
		bw:     bufio.NewWriterSize(enc, bufferSize),
		format: f.Format,
	}, nil
}

type inputStream struct {
	src    io.ReadCloser
	dec    io.ReadCloser
	br     *bufio.Reader
	format Format
	buf    []byte
}

func (s *inputStream) ReadRawRecord() ([]byte, error) {
	rec, buf, err := s.format.read(s.br, s.buf)
	s.buf = buf
	return rec, err
}

func (s *inputStream) Close() error {
	decErr := s.dec.Close()
	if err := s.src.Close(); err != nil {
		return err
	}
	return decErr
}

type outputStream struct {
	dst     provider.Writer
	enc     io.WriteCloser
	bw      *bufio.Writer
	format  Format
	scratch []byte
}

func (s *outputStream) WriteRaw(rec []byte) error {
	var err error
	s.scratch, err = s.format.write(s.bw, rec, s.scratch)
	return err
}

func (s *outputStream) Close() error {
	if err := s.bw.Flush(); err != nil {
		_ = s.dst.Abort()
		return err
	}
	if err := s.enc.Close(); err != nil {
		_ = s.dst.Abort()
		return err
	}
	return s.dst.Close()
}

func (s *outputStream) Abort() error {
	return s.dst.Abort()
}
