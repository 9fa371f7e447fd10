package hash

import (
	"bytes"
	"fmt"
	"github.com/ValentinKolb/eDBM/lib/dbm"
	"github.com/ValentinKolb/eDBM/lib/dbm/hash/internal"
	"github.com/ValentinKolb/eDBM/lib/dbm/util"
	"github.com/ValentinKolb/eDBM/lib/file"
	"github.com/ValentinKolb/eDBM/lib/status"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"math"
	"sort"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// DefaultNumBuckets is the bucket count used when none is given.
	DefaultNumBuckets int64 = 1048583

	// inspectSampleBuckets bounds the bucket sample of an Inspect report.
	inspectSampleBuckets = 4096
)

var rebuildCounter = metrics.GetOrCreateCounter("edbm_hash_rebuilds_total")

// --------------------------------------------------------------------------
// Core HashDBM structure
// --------------------------------------------------------------------------

// HashDBM is the in-memory hash-bucket database manager.
//
// One read-biased metadata lock guards the structural state (bucket array,
// bucket count, generation); each bucket carries its own lock for its
// chain. Record operations take the metadata lock in shared mode and the
// bucket lock in the mode dictated by the writable flag, so readers and
// writers of different buckets never contend.
type HashDBM struct {
	meta       *xsync.RBMutex
	buckets    []*internal.Bucket
	numBuckets int64
	count      *xsync.Counter
	generation atomic.Int64

	// file binding
	file     file.File
	path     string
	open     bool
	writable bool
}

// New creates a database manager backed by a MemoryMapParallelFile.
// numBuckets -1 selects the default of 1048583 buckets.
func New(numBuckets int64) *HashDBM {
	return NewWithFile(file.NewMemoryMapParallelFile(), numBuckets)
}

// NewWithFile creates a database manager that persists through the given
// file. numBuckets -1 selects the default of 1048583 buckets.
func NewWithFile(f file.File, numBuckets int64) *HashDBM {
	if numBuckets < 1 {
		numBuckets = DefaultNumBuckets
	}
	return &HashDBM{
		meta:       xsync.NewRBMutex(),
		buckets:    internal.NewBuckets(numBuckets),
		numBuckets: numBuckets,
		count:      xsync.NewCounter(),
		file:       f,
	}
}

// checkKey rejects keys the record format cannot represent.
func checkKey(key []byte) error {
	if int64(len(key)) > math.MaxInt32 {
		return status.New(status.InvalidArgumentError, "too long key")
	}
	return nil
}

// checkWritable rejects mutations on a database opened read-only. A
// database without a bound file is always writable.
func (h *HashDBM) checkWritable(writable bool) error {
	if writable && h.open && !h.writable {
		return status.New(status.PreconditionError, "not writable database")
	}
	return nil
}

// --------------------------------------------------------------------------
// Record Processing
// --------------------------------------------------------------------------

// Process invokes the matching processor callback for the key's record
// site and applies the returned action. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Process(key []byte, proc dbm.RecordProcessor, writable bool) error {
	if err := checkKey(key); err != nil {
		return err
	}
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if err := h.checkWritable(writable); err != nil {
		return err
	}
	b := h.buckets[internal.BucketIndex(key, h.numBuckets)]
	if writable {
		b.Mu.Lock()
		defer b.Mu.Unlock()
	} else {
		b.Mu.RLock()
		defer b.Mu.RUnlock()
	}
	return h.processLocked(b, key, proc, writable)
}

// processLocked runs the processor on the record site and applies the
// action. The caller holds the bucket lock in the right mode.
func (h *HashDBM) processLocked(b *internal.Bucket, key []byte, proc dbm.RecordProcessor, writable bool) error {
	i := b.FindRecord(key)
	var (
		value  []byte
		action dbm.Action
	)
	if i >= 0 {
		value, action = proc.ProcessFull(key, b.Records[i].Value)
	} else {
		value, action = proc.ProcessEmpty(key)
	}
	switch action {
	case dbm.ActionNone:
		return nil
	case dbm.ActionSet:
		if !writable {
			return status.New(status.PreconditionError, "mutation with a read-only processor")
		}
		// copy so the processor can reuse its buffer after the call
		valueCopy := append([]byte(nil), value...)
		if i >= 0 {
			b.Records[i].Value = valueCopy
		} else {
			b.Records = append(b.Records, internal.Record{
				Key:   append([]byte(nil), key...),
				Value: valueCopy,
			})
			h.count.Inc()
		}
	case dbm.ActionRemove:
		if !writable {
			return status.New(status.PreconditionError, "mutation with a read-only processor")
		}
		if i >= 0 {
			b.RemoveRecord(i)
			h.count.Dec()
		}
	}
	return nil
}

// lockBuckets locks the given bucket indices in ascending order and
// returns the matching unlock function. Indices must be sorted and unique.
func (h *HashDBM) lockBuckets(indices []int64, writable bool) func() {
	for _, idx := range indices {
		if writable {
			h.buckets[idx].Mu.Lock()
		} else {
			h.buckets[idx].Mu.RLock()
		}
	}
	return func() {
		for i := len(indices) - 1; i >= 0; i-- {
			if writable {
				h.buckets[indices[i]].Mu.Unlock()
			} else {
				h.buckets[indices[i]].Mu.RUnlock()
			}
		}
	}
}

// canonicalBucketSet computes the sorted, deduplicated bucket indices of
// a key set. Locking always follows this order, so two concurrent
// multi-record operations can never deadlock.
func (h *HashDBM) canonicalBucketSet(keys [][]byte) []int64 {
	indices := make([]int64, 0, len(keys))
	for _, key := range keys {
		indices = append(indices, internal.BucketIndex(key, h.numBuckets))
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	unique := indices[:0]
	for i, idx := range indices {
		if i == 0 || idx != unique[len(unique)-1] {
			unique = append(unique, idx)
		}
	}
	return unique
}

// ProcessMulti applies multiple single-key processings atomically with
// respect to each other. See dbm.DBM.
//
// Once a mutation has committed, a later callback error is reported but
// earlier mutations stay; all-or-nothing only holds up to the first
// mutation.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) ProcessMulti(pairs []dbm.KeyProcPair, writable bool) error {
	keys := make([][]byte, len(pairs))
	for i, pair := range pairs {
		if err := checkKey(pair.Key); err != nil {
			return err
		}
		keys[i] = pair.Key
	}
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if err := h.checkWritable(writable); err != nil {
		return err
	}
	unlock := h.lockBuckets(h.canonicalBucketSet(keys), writable)
	defer unlock()
	for _, pair := range pairs {
		b := h.buckets[internal.BucketIndex(pair.Key, h.numBuckets)]
		if err := h.processLocked(b, pair.Key, pair.Proc, writable); err != nil {
			return err
		}
	}
	return nil
}

// ProcessEach invokes ProcessEmpty once, ProcessFull for every record in
// bucket-major insertion order, and ProcessEmpty once more. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) ProcessEach(proc dbm.RecordProcessor, writable bool) error {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if err := h.checkWritable(writable); err != nil {
		return err
	}
	proc.ProcessEmpty([]byte{})
	for _, b := range h.buckets {
		if err := h.processEachBucket(b, proc, writable); err != nil {
			return err
		}
	}
	proc.ProcessEmpty([]byte{})
	return nil
}

func (h *HashDBM) processEachBucket(b *internal.Bucket, proc dbm.RecordProcessor, writable bool) error {
	if writable {
		b.Mu.Lock()
		defer b.Mu.Unlock()
	} else {
		b.Mu.RLock()
		defer b.Mu.RUnlock()
	}
	for i := 0; i < len(b.Records); {
		value, action := proc.ProcessFull(b.Records[i].Key, b.Records[i].Value)
		switch action {
		case dbm.ActionSet:
			if !writable {
				return status.New(status.PreconditionError, "mutation with a read-only processor")
			}
			b.Records[i].Value = append([]byte(nil), value...)
			i++
		case dbm.ActionRemove:
			if !writable {
				return status.New(status.PreconditionError, "mutation with a read-only processor")
			}
			// the next record shifts into position i, keep i
			b.RemoveRecord(i)
			h.count.Dec()
		default:
			i++
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Record Operations
// --------------------------------------------------------------------------

// Get retrieves the value of a record. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Get(key []byte) ([]byte, error) {
	proc := &dbm.GetProc{}
	if err := h.Process(key, proc, false); err != nil {
		return nil, err
	}
	if !proc.Found {
		return nil, status.New(status.NotFoundError, "no matching record")
	}
	return proc.Value, nil
}

// Set stores a record, overwriting an existing value. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Set(key, value []byte) error {
	return h.Process(key, &dbm.SetProc{Value: value}, true)
}

// Remove deletes a record. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Remove(key []byte) error {
	proc := &dbm.RemoveProc{}
	if err := h.Process(key, proc, true); err != nil {
		return err
	}
	if !proc.Removed {
		return status.New(status.NotFoundError, "no matching record")
	}
	return nil
}

// Append extends a record to old-value, delimiter, value. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Append(key, value, delim []byte) error {
	return h.Process(key, &dbm.AppendProc{Value: value, Delim: delim}, true)
}

// Increment adds inc to the 8 byte big-endian integer value of the
// record. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Increment(key []byte, inc, initial int64) (int64, error) {
	proc := &dbm.IncrementProc{Inc: inc, Init: initial}
	if err := h.Process(key, proc, true); err != nil {
		return 0, err
	}
	if proc.Err != nil {
		return 0, proc.Err
	}
	return proc.Current, nil
}

// CompareExchange sets the record to desired only if the current value
// equals expected. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) CompareExchange(key, expected, desired []byte) error {
	proc := &dbm.CompareExchangeProc{Expected: expected, Desired: desired}
	if err := h.Process(key, proc, true); err != nil {
		return err
	}
	if !proc.Matched {
		return status.New(status.InfeasibleError, "the record doesn't match the expectation")
	}
	return nil
}

// GetMulti retrieves multiple records atomically. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) GetMulti(keys ...[]byte) (map[string][]byte, error) {
	procs := make([]*dbm.GetProc, len(keys))
	pairs := make([]dbm.KeyProcPair, len(keys))
	for i, key := range keys {
		procs[i] = &dbm.GetProc{}
		pairs[i] = dbm.KeyProcPair{Key: key, Proc: procs[i]}
	}
	if err := h.ProcessMulti(pairs, false); err != nil {
		return nil, err
	}
	records := make(map[string][]byte, len(keys))
	var err error
	for i, proc := range procs {
		if proc.Found {
			records[string(keys[i])] = proc.Value
		} else {
			err = status.New(status.NotFoundError, "missing records")
		}
	}
	return records, err
}

// SetMulti stores multiple records atomically. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) SetMulti(records map[string][]byte) error {
	pairs := make([]dbm.KeyProcPair, 0, len(records))
	for key, value := range records {
		pairs = append(pairs, dbm.KeyProcPair{Key: []byte(key), Proc: &dbm.SetProc{Value: value}})
	}
	return h.ProcessMulti(pairs, true)
}

// RemoveMulti deletes multiple records atomically. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) RemoveMulti(keys ...[]byte) error {
	procs := make([]*dbm.RemoveProc, len(keys))
	pairs := make([]dbm.KeyProcPair, len(keys))
	for i, key := range keys {
		procs[i] = &dbm.RemoveProc{}
		pairs[i] = dbm.KeyProcPair{Key: key, Proc: procs[i]}
	}
	if err := h.ProcessMulti(pairs, true); err != nil {
		return err
	}
	for _, proc := range procs {
		if !proc.Removed {
			return status.New(status.NotFoundError, "missing records")
		}
	}
	return nil
}

// AppendMulti extends multiple records atomically. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) AppendMulti(records map[string][]byte, delim []byte) error {
	pairs := make([]dbm.KeyProcPair, 0, len(records))
	for key, value := range records {
		pairs = append(pairs, dbm.KeyProcPair{
			Key:  []byte(key),
			Proc: &dbm.AppendProc{Value: value, Delim: delim},
		})
	}
	return h.ProcessMulti(pairs, true)
}

// CompareExchangeMulti checks every expectation and, only if all hold,
// applies every desire. All involved buckets stay locked from the first
// check to the last application, so the whole exchange is atomic. See
// dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) CompareExchangeMulti(expected, desired []dbm.KeyValuePair) error {
	keys := make([][]byte, 0, len(expected)+len(desired))
	for _, record := range expected {
		if err := checkKey(record.Key); err != nil {
			return err
		}
		keys = append(keys, record.Key)
	}
	for _, record := range desired {
		if err := checkKey(record.Key); err != nil {
			return err
		}
		keys = append(keys, record.Key)
	}
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if err := h.checkWritable(true); err != nil {
		return err
	}
	unlock := h.lockBuckets(h.canonicalBucketSet(keys), true)
	defer unlock()

	// phase one: every expectation must hold
	for _, record := range expected {
		b := h.buckets[internal.BucketIndex(record.Key, h.numBuckets)]
		i := b.FindRecord(record.Key)
		matched := false
		if record.Value == nil {
			matched = i < 0
		} else {
			matched = i >= 0 && bytes.Equal(b.Records[i].Value, record.Value)
		}
		if !matched {
			return status.New(status.InfeasibleError, "the record doesn't match the expectation")
		}
	}

	// phase two: apply every desire
	for _, record := range desired {
		b := h.buckets[internal.BucketIndex(record.Key, h.numBuckets)]
		i := b.FindRecord(record.Key)
		if record.Value == nil {
			if i >= 0 {
				b.RemoveRecord(i)
				h.count.Dec()
			}
			continue
		}
		valueCopy := append([]byte(nil), record.Value...)
		if i >= 0 {
			b.Records[i].Value = valueCopy
		} else {
			b.Records = append(b.Records, internal.Record{
				Key:   append([]byte(nil), record.Key...),
				Value: valueCopy,
			})
			h.count.Inc()
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Count returns the exact number of live records. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Count() (int64, error) {
	return h.count.Value(), nil
}

// Clear drops all records and invalidates iterators. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Clear() error {
	h.meta.Lock()
	defer h.meta.Unlock()
	h.buckets = internal.NewBuckets(h.numBuckets)
	h.count.Reset()
	h.generation.Add(1)
	return nil
}

// Rebuild rebuilds the hash table with an implicit bucket count. See
// dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Rebuild() error {
	return h.RebuildAdvanced(-1)
}

// RebuildAdvanced rebuilds the hash table online. The whole structure is
// swapped under the exclusive metadata lock; the operation is O(count)
// and pre-existing iterators fail gracefully afterwards. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) RebuildAdvanced(numBuckets int64) error {
	h.meta.Lock()
	defer h.meta.Unlock()
	if numBuckets < 1 {
		wanted := h.count.Value() * 2
		if wanted < DefaultNumBuckets {
			wanted = DefaultNumBuckets
		}
		numBuckets = util.NextPrime(wanted)
	}
	newBuckets := internal.NewBuckets(numBuckets)
	for _, b := range h.buckets {
		for _, record := range b.Records {
			nb := newBuckets[internal.BucketIndex(record.Key, numBuckets)]
			nb.Records = append(nb.Records, record)
		}
	}
	h.buckets = newBuckets
	h.numBuckets = numBuckets
	h.generation.Add(1)
	rebuildCounter.Inc()
	return nil
}

// ShouldBeRebuilt reports whether the load factor left its sweet spot.
// See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) ShouldBeRebuilt() (bool, error) {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	count := h.count.Value()
	return count > h.numBuckets*2 || (h.numBuckets > 8 && count < h.numBuckets/8), nil
}

// --------------------------------------------------------------------------
// Lifecycle and Persistence
// --------------------------------------------------------------------------

// Open binds the database to a file, loading existing records. See
// dbm.DBM.
//
// Thread-safety: This method must not race with any other method.
func (h *HashDBM) Open(path string, writable bool, options file.OpenOptions) error {
	h.meta.Lock()
	defer h.meta.Unlock()
	if h.open {
		return status.New(status.PreconditionError, "opened database")
	}
	if err := h.file.Open(path, writable, options); err != nil {
		return err
	}
	size, err := h.file.GetSize()
	if err != nil {
		return status.Join(err, h.file.Close())
	}
	if size > 0 {
		if err := h.importRecords(size); err != nil {
			return status.Join(err, h.file.Close())
		}
	}
	h.path = path
	h.open = true
	h.writable = writable
	return nil
}

// Close synchronizes a writable database and unbinds the file. See
// dbm.DBM.
//
// Thread-safety: This method must not race with any other method.
func (h *HashDBM) Close() error {
	h.meta.Lock()
	defer h.meta.Unlock()
	var errs []error
	if !h.open {
		return status.New(status.PreconditionError, "not opened database")
	}
	if h.writable {
		errs = append(errs, h.exportRecords(true))
	}
	errs = append(errs, h.file.Close())
	h.path = ""
	h.open = false
	h.writable = false
	return status.Join(errs...)
}

// Synchronize serializes the current snapshot to the bound file. Without
// a bound file it is a successful no-op. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Synchronize(hard bool, proc dbm.FileProcessor) error {
	h.meta.Lock()
	defer h.meta.Unlock()
	if !h.open {
		return nil
	}
	if !h.writable {
		return status.New(status.PreconditionError, "not writable database")
	}
	if err := h.exportRecords(hard); err != nil {
		return err
	}
	if proc != nil {
		proc(h.path)
	}
	return nil
}

// GetFileSize returns the size of the bound file. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) GetFileSize() (int64, error) {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if !h.open {
		return 0, status.New(status.PreconditionError, "not opened database")
	}
	return h.file.GetSize()
}

// GetFilePath returns the path of the bound file. See dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) GetFilePath() (string, error) {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	if !h.open {
		return "", status.New(status.PreconditionError, "not opened database")
	}
	return h.path, nil
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// Inspect returns name/value properties describing the database,
// including distribution statistics over a bounded bucket sample. See
// dbm.DBM.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (h *HashDBM) Inspect() []dbm.Property {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)

	sample := h.numBuckets
	if sample > inspectSampleBuckets {
		sample = inspectSampleBuckets
	}
	chainLengths := make([]float64, 0, sample)
	for i := int64(0); i < sample; i++ {
		b := h.buckets[i]
		b.Mu.RLock()
		chainLengths = append(chainLengths, float64(len(b.Records)))
		b.Mu.RUnlock()
	}
	distribution := util.NewDistributionStats(chainLengths)

	return []dbm.Property{
		{Name: "class", Value: "HashDBM"},
		{Name: "num_buckets", Value: fmt.Sprintf("%d", h.numBuckets)},
		{Name: "num_records", Value: fmt.Sprintf("%d", h.count.Value())},
		{Name: "generation", Value: fmt.Sprintf("%d", h.generation.Load())},
		{Name: "path", Value: h.path},
		{Name: "open", Value: fmt.Sprintf("%t", h.open)},
		{Name: "writable", Value: fmt.Sprintf("%t", h.writable)},
		{Name: "healthy", Value: "true"},
		{Name: "load_mean", Value: fmt.Sprintf("%.3f", distribution.Mean)},
		{Name: "load_max", Value: fmt.Sprintf("%.0f", distribution.Max)},
		{Name: "distribution_quality", Value: fmt.Sprintf("%.3f", distribution.DistributionQuality)},
	}
}

// IsOpen reports whether a file is bound. See dbm.DBM.
func (h *HashDBM) IsOpen() bool {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	return h.open
}

// IsWritable reports whether the bound file is writable. See dbm.DBM.
func (h *HashDBM) IsWritable() bool {
	tok := h.meta.RLock()
	defer h.meta.RUnlock(tok)
	return h.open && h.writable
}

// IsHealthy always reports true; the in-memory store cannot break. See
// dbm.DBM.
func (h *HashDBM) IsHealthy() bool {
	return true
}

// IsOrdered always reports false. See dbm.DBM.
func (h *HashDBM) IsOrdered() bool {
	return false
}

// MakeIterator creates an iterator pointing to no record. See dbm.DBM.
func (h *HashDBM) MakeIterator() dbm.Iterator {
	return &hashIterator{
		dbm:         h,
		generation:  h.generation.Load(),
		bucketIndex: -1,
	}
}

var _ dbm.DBM = (*HashDBM)(nil)
