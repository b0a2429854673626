package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Format is the record framing inside a (decompressed) file.
type Format int

const (
	// Raw has no framing. Reading yields chunks of up to 64 KiB; writing
	// concatenates records as they are.
	Raw Format = iota
	// Lines separates records with '\n'.
	Lines
	// Framed prefixes each record with its length as a uvarint.
	Framed
)

// MaxFramedRecord bounds the length a framed header may announce.
const MaxFramedRecord = 256 << 20

// maxFramedRecord is the enforced limit on both read and write.
var maxFramedRecord uint64 = MaxFramedRecord

var formatNames = map[Format]string{
	Raw:    "raw",
	Lines:  "lines",
	Framed: "framed",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts the names returned by Format.String.
func ParseFormat(name string) (Format, error) {
	for f, n := range formatNames {
		if strings.EqualFold(n, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown record format %q", name)
}

// read returns the next record, reusing buf where the format allows.
func (f Format) read(br *bufio.Reader, buf []byte) ([]byte, []byte, error) {
	switch f {
	case Raw:
		if buf == nil {
			buf = make([]byte, bufferSize)
		}
		n, err := io.ReadAtLeast(br, buf, 1)
		if err != nil {
			return nil, buf, err
		}
		return buf[:n], buf, nil

	case Lines:
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			if len(line) == 0 {
				return nil, buf, io.EOF
			}
			return line, buf, nil
		}
		if err != nil {
			return nil, buf, err
		}
		return line[:len(line)-1], buf, nil

	case Framed:
		n, err := binary.ReadUvarint(br)
		if err != nil {
			if err == io.EOF {
				return nil, buf, io.EOF
			}
			return nil, buf, fmt.Errorf("read frame header: %w", err)
		}
		if n > maxFramedRecord {
			return nil, buf, fmt.Errorf("frame of %d bytes: %w", n, ErrRecordTooLarge)
		}
		if uint64(cap(buf)) < n {
			buf = make([]byte, n)
		}
		rec := buf[:n]
		if _, err := io.ReadFull(br, rec); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, buf, fmt.Errorf("read frame body: %w", err)
		}
		return rec, buf, nil
	}
	return nil, buf, fmt.Errorf("unsupported format %v", f)
}

// write appends one record to bw. scratch holds the varint header between
// calls.
func (f Format) write(bw *bufio.Writer, rec []byte, scratch []byte) ([]byte, error) {
	switch f {
	case Raw:
		_, err := bw.Write(rec)
		return scratch, err

	case Lines:
		if bytes.IndexByte(rec, '\n') >= 0 {
			return scratch, ErrDelimiterInRecord
		}
		if _, err := bw.Write(rec); err != nil {
			return scratch, err
		}
		return scratch, bw.WriteByte('\n')

	case Framed:
		if uint64(len(rec)) > maxFramedRecord {
			return scratch, fmt.Errorf("record of %d bytes: %w", len(rec), ErrRecordTooLarge)
		}
		if scratch == nil {
			scratch = make([]byte, binary.MaxVarintLen64)
		}
		n := binary.PutUvarint(scratch, uint64(len(rec)))
		if _, err := bw.Write(scratch[:n]); err != nil {
			return scratch, err
		}
		_, err := bw.Write(rec)
		return scratch, err
	}
	return scratch, fmt.Errorf("unsupported format %v", f)
}
