package hash

import (
	"github.com/ValentinKolb/eDBM/lib/dbm"
	"github.com/ValentinKolb/eDBM/lib/dbm/hash/internal"
	"github.com/ValentinKolb/eDBM/lib/status"
)

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

// hashIterator walks the records in bucket-major insertion order. The
// position is (bucket index, position in chain); the generation snapshot
// detects clears and rebuilds, after which every operation fails with
// NotFoundError.
//
// One iterator must not be shared by multiple goroutines.
type hashIterator struct {
	dbm         *HashDBM
	generation  int64
	bucketIndex int64 // -1 while the iterator points to no record
	pos         int
}

// checkGeneration fails when the table was cleared or rebuilt since the
// iterator was created.
func (it *hashIterator) checkGeneration() error {
	if it.generation != it.dbm.generation.Load() {
		return status.New(status.NotFoundError, "invalidated iterator")
	}
	return nil
}

// First positions the iterator at the first record. See dbm.Iterator.
func (it *hashIterator) First() error {
	tok := it.dbm.meta.RLock()
	defer it.dbm.meta.RUnlock(tok)
	if err := it.checkGeneration(); err != nil {
		return err
	}
	it.bucketIndex = 0
	it.pos = 0
	return nil
}

// Last is not supported. See dbm.Iterator.
func (it *hashIterator) Last() error {
	return status.New(status.NotImplementedError, "")
}

// Jump positions the iterator at the record of the key. See dbm.Iterator.
func (it *hashIterator) Jump(key []byte) error {
	tok := it.dbm.meta.RLock()
	defer it.dbm.meta.RUnlock(tok)
	if err := it.checkGeneration(); err != nil {
		return err
	}
	idx := internal.BucketIndex(key, it.dbm.numBuckets)
	b := it.dbm.buckets[idx]
	b.Mu.RLock()
	defer b.Mu.RUnlock()
	i := b.FindRecord(key)
	if i < 0 {
		it.bucketIndex = -1
		return status.New(status.NotFoundError, "no matching record")
	}
	it.bucketIndex = idx
	it.pos = i
	return nil
}

// JumpLower is not supported. See dbm.Iterator.
func (it *hashIterator) JumpLower(key []byte, inclusive bool) error {
	return status.New(status.NotImplementedError, "")
}

// JumpUpper is not supported. See dbm.Iterator.
func (it *hashIterator) JumpUpper(key []byte, inclusive bool) error {
	return status.New(status.NotImplementedError, "")
}

// Next moves to the following record. See dbm.Iterator.
func (it *hashIterator) Next() error {
	tok := it.dbm.meta.RLock()
	defer it.dbm.meta.RUnlock(tok)
	if err := it.checkGeneration(); err != nil {
		return err
	}
	if !it.seekLocked() {
		return status.New(status.NotFoundError, "no current record")
	}
	it.pos++
	return nil
}

// Previous is not supported. See dbm.Iterator.
func (it *hashIterator) Previous() error {
	return status.New(status.NotImplementedError, "")
}

// seekLocked normalizes the position to the next existing record,
// skipping drained chains. The caller holds the metadata lock shared.
// Returns false when the iterator ran off the table.
func (it *hashIterator) seekLocked() bool {
	if it.bucketIndex < 0 {
		return false
	}
	for it.bucketIndex < it.dbm.numBuckets {
		b := it.dbm.buckets[it.bucketIndex]
		b.Mu.RLock()
		n := len(b.Records)
		b.Mu.RUnlock()
		if it.pos < n {
			return true
		}
		it.bucketIndex++
		it.pos = 0
	}
	return false
}

// Process invokes ProcessFull on the current record and applies the
// action. A removal leaves the cursor on the record that follows. See
// dbm.Iterator.
func (it *hashIterator) Process(proc dbm.RecordProcessor, writable bool) error {
	tok := it.dbm.meta.RLock()
	defer it.dbm.meta.RUnlock(tok)
	if err := it.checkGeneration(); err != nil {
		return err
	}
	if err := it.dbm.checkWritable(writable); err != nil {
		return err
	}
	for it.bucketIndex >= 0 && it.bucketIndex < it.dbm.numBuckets {
		b := it.dbm.buckets[it.bucketIndex]
		if done, err := it.processBucket(b, proc, writable); done {
			return err
		}
		it.bucketIndex++
		it.pos = 0
	}
	return status.New(status.NotFoundError, "no current record")
}

// processBucket runs the processor on the record under the cursor if the
// current bucket still has one. done is false when the cursor has to move
// on to the next bucket.
func (it *hashIterator) processBucket(b *internal.Bucket, proc dbm.RecordProcessor, writable bool) (bool, error) {
	if writable {
		b.Mu.Lock()
		defer b.Mu.Unlock()
	} else {
		b.Mu.RLock()
		defer b.Mu.RUnlock()
	}
	if it.pos >= len(b.Records) {
		return false, nil
	}
	record := b.Records[it.pos]
	value, action := proc.ProcessFull(record.Key, record.Value)
	switch action {
	case dbm.ActionSet:
		if !writable {
			return true, status.New(status.PreconditionError, "mutation with a read-only processor")
		}
		b.Records[it.pos].Value = append([]byte(nil), value...)
	case dbm.ActionRemove:
		if !writable {
			return true, status.New(status.PreconditionError, "mutation with a read-only processor")
		}
		// the cursor now rests on the record that followed
		b.RemoveRecord(it.pos)
		it.dbm.count.Dec()
	}
	return true, nil
}

// Get returns the current record. See dbm.Iterator.
func (it *hashIterator) Get() ([]byte, []byte, error) {
	var key, value []byte
	err := it.Process(dbm.ProcessorFunc{
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			key = append([]byte(nil), k...)
			value = append([]byte(nil), v...)
			return nil, dbm.ActionNone
		},
	}, false)
	if err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// Release makes the iterator point to no record and always succeeds; the
// iterator only holds locks for the duration of a single call. See
// dbm.Iterator.
func (it *hashIterator) Release() error {
	it.bucketIndex = -1
	return nil
}

var _ dbm.Iterator = (*hashIterator)(nil)
