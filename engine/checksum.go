package engine

import (
	"hash"
	"hash/crc64"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// recordDigest is a running CRC-64/ISO over the bytes of every record that
// passed through a task, in order. Two copies with equal digests moved the
// same record bytes.
type recordDigest struct {
	hash hash.Hash64
}

func newRecordDigest() *recordDigest {
	return &recordDigest{hash: crc64.New(crcTable)}
}

func (d *recordDigest) add(rec []byte) {
	d.hash.Write(rec)
}

func (d *recordDigest) sum() uint64 {
	return d.hash.Sum64()
}

// RecordsChecksum returns the digest a task reports for recs.
func RecordsChecksum(recs ...[]byte) uint64 {
	d := newRecordDigest()
	for _, rec := range recs {
		d.add(rec)
	}
	return d.sum()
}
