package internal

import (
	"bytes"
	"github.com/cespare/xxhash/v2"
	"sync"
)

// --------------------------------------------------------------------------
// Record Type (one key-value pair)
// --------------------------------------------------------------------------

// Record is one live key-value pair. Both slices are owned by the bucket
// chain; callers receive views that are only valid under the bucket lock.
type Record struct {
	Key   []byte
	Value []byte
}

// --------------------------------------------------------------------------
// Bucket Type (one slot of the hash table)
// --------------------------------------------------------------------------

// Bucket owns the chain of records whose keys hash to its slot. The chain
// keeps insertion order; every mutation happens under Mu.
type Bucket struct {
	Mu      sync.RWMutex
	Records []Record
}

// FindRecord returns the chain position of the key, or -1.
func (b *Bucket) FindRecord(key []byte) int {
	for i := range b.Records {
		if bytes.Equal(b.Records[i].Key, key) {
			return i
		}
	}
	return -1
}

// RemoveRecord splices position i out of the chain, preserving the order
// of the records behind it.
func (b *Bucket) RemoveRecord(i int) {
	b.Records = append(b.Records[:i], b.Records[i+1:]...)
}

// NewBuckets allocates a fresh bucket array of the given size.
func NewBuckets(n int64) []*Bucket {
	buckets := make([]*Bucket, n)
	for i := range buckets {
		buckets[i] = &Bucket{}
	}
	return buckets
}

// BucketIndex returns the slot of a key in a table of numBuckets slots.
//
// Thread-safety: This function is thread-safe and can be called concurrently.
func BucketIndex(key []byte, numBuckets int64) int64 {
	return int64(xxhash.Sum64(key) % uint64(numBuckets))
}
