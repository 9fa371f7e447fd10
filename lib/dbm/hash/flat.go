package hash

import (
	"encoding/binary"
	"github.com/ValentinKolb/eDBM/lib/dbm/hash/internal"
	"github.com/ValentinKolb/eDBM/lib/status"
	"math"
)

// --------------------------------------------------------------------------
// Flat File Format
// --------------------------------------------------------------------------
//
// Header (16 bytes):
//   magic "TkrzTINY" (8) | version (1) | reserved (3) | bucket hint (4, BE)
// Body: records until EOF, each
//   key length (uvarint) | value length (uvarint) | key | value
//
// Records are emitted in bucket-major insertion order; readers ignore the
// bucket hint and keep their own table size.

const (
	flatMagic      = "TkrzTINY"
	flatVersion    = 1
	flatHeaderSize = 16

	// flushThreshold batches appends so a synchronize does not hit the
	// file once per record
	flushThreshold = 1 << 20
)

// exportRecords serializes the whole snapshot to the bound file. The
// caller holds the metadata lock exclusively.
func (h *HashDBM) exportRecords(hard bool) error {
	if err := h.file.Truncate(0); err != nil {
		return err
	}

	hint := h.numBuckets
	if hint > math.MaxUint32 {
		hint = math.MaxUint32
	}
	buf := make([]byte, 0, flushThreshold+flatHeaderSize)
	buf = append(buf, flatMagic...)
	buf = append(buf, flatVersion, 0, 0, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(hint))

	var scratch [binary.MaxVarintLen32]byte
	for _, b := range h.buckets {
		for _, record := range b.Records {
			n := binary.PutUvarint(scratch[:], uint64(len(record.Key)))
			buf = append(buf, scratch[:n]...)
			n = binary.PutUvarint(scratch[:], uint64(len(record.Value)))
			buf = append(buf, scratch[:n]...)
			buf = append(buf, record.Key...)
			buf = append(buf, record.Value...)
			if len(buf) >= flushThreshold {
				if _, err := h.file.Append(buf); err != nil {
					return err
				}
				buf = buf[:0]
			}
		}
	}
	if len(buf) > 0 {
		if _, err := h.file.Append(buf); err != nil {
			return err
		}
	}
	return h.file.Synchronize(hard, 0, 0)
}

// importRecords re-materializes the logical map from the bound file. The
// caller holds the metadata lock exclusively; the parse reads through a
// zero-copy reader zone.
func (h *HashDBM) importRecords(size int64) error {
	zone, err := h.file.MakeZone(false, 0, size)
	if err != nil {
		return err
	}
	defer zone.Release()
	data := zone.Bytes()

	if len(data) < flatHeaderSize {
		return status.New(status.BrokenDataError, "truncated header")
	}
	if string(data[:len(flatMagic)]) != flatMagic {
		return status.New(status.BrokenDataError, "invalid magic data")
	}
	if data[len(flatMagic)] != flatVersion {
		return status.New(status.BrokenDataError, "unsupported format version")
	}
	// the bucket count hint is ignored; the table keeps its own size

	off := flatHeaderSize
	for off < len(data) {
		keyLen, n := binary.Uvarint(data[off:])
		if n <= 0 || keyLen > math.MaxInt32 {
			return status.New(status.BrokenDataError, "broken key size")
		}
		off += n
		valueLen, n := binary.Uvarint(data[off:])
		if n <= 0 || valueLen > math.MaxInt32 {
			return status.New(status.BrokenDataError, "broken value size")
		}
		off += n
		if int64(off)+int64(keyLen)+int64(valueLen) > int64(len(data)) {
			return status.New(status.BrokenDataError, "truncated record")
		}
		key := append([]byte(nil), data[off:off+int(keyLen)]...)
		off += int(keyLen)
		value := append([]byte(nil), data[off:off+int(valueLen)]...)
		off += int(valueLen)

		b := h.buckets[internal.BucketIndex(key, h.numBuckets)]
		if i := b.FindRecord(key); i >= 0 {
			b.Records[i].Value = value
		} else {
			b.Records = append(b.Records, internal.Record{Key: key, Value: value})
			h.count.Inc()
		}
	}
	return nil
}
