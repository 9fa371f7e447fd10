package async

import (
	"github.com/ValentinKolb/eDBM/lib/dbm"
	"github.com/ValentinKolb/eDBM/lib/status"
	"github.com/VictoriaMetrics/metrics"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Constants and Metrics
// --------------------------------------------------------------------------

// queueCapacityPerWorker sizes the bounded task queue.
const queueCapacityPerWorker = 128

var (
	submittedCounter = metrics.GetOrCreateCounter("edbm_async_tasks_submitted_total")
	completedCounter = metrics.GetOrCreateCounter("edbm_async_tasks_completed_total")
	cancelledCounter = metrics.GetOrCreateCounter("edbm_async_tasks_cancelled_total")
)

// --------------------------------------------------------------------------
// Core AsyncDBM structure
// --------------------------------------------------------------------------

// Postprocessor observes every completed operation with its name and the
// status the underlying database returned.
type Postprocessor func(name string, err error)

// AsyncDBM wraps a database with a worker pool. Each operation mirrors
// the synchronous surface but returns a future instead of a result.
//
// Thread-safety: all methods except Close are thread-safe and can be
// called concurrently. Close must not race with submissions.
type AsyncDBM struct {
	dbm      dbm.DBM
	queue    *taskQueue
	postproc atomic.Pointer[Postprocessor]
}

// New creates an adapter over the database with the given number of
// worker goroutines (at least one).
func New(database dbm.DBM, numWorkerThreads int) *AsyncDBM {
	if numWorkerThreads < 1 {
		numWorkerThreads = 1
	}
	return &AsyncDBM{
		dbm:   database,
		queue: newTaskQueue(numWorkerThreads, numWorkerThreads*queueCapacityPerWorker),
	}
}

// SetCommonPostprocessor installs the hook called after every task. A nil
// processor uninstalls it.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (a *AsyncDBM) SetCommonPostprocessor(proc Postprocessor) {
	if proc == nil {
		a.postproc.Store(nil)
		return
	}
	a.postproc.Store(&proc)
}

// Close drains the task queue up to maxWait. Tasks still queued past the
// deadline surface CancelledError through their futures.
func (a *AsyncDBM) Close(maxWait time.Duration) {
	a.queue.stop(maxWait)
}

func (a *AsyncDBM) postprocess(name string, err error) {
	if proc := a.postproc.Load(); proc != nil {
		(*proc)(name, err)
	}
}

func cancelledStatus() error {
	return status.New(status.CancelledError, "dropped task")
}

// submit packages fn into a task, enqueues it and returns the future.
// Submission blocks while the queue is full.
func submit[T any](a *AsyncDBM, name string, fn func() (T, error)) *Future[T] {
	f := newFuture[T]()
	t := &task{
		run: func() {
			value, err := fn()
			a.postprocess(name, err)
			completedCounter.Inc()
			f.set(value, err)
		},
		cancel: func() {
			var zero T
			cancelledCounter.Inc()
			f.set(zero, cancelledStatus())
		},
	}
	submittedCounter.Inc()
	a.queue.add(t)
	return f
}

// --------------------------------------------------------------------------
// Record Operations
// --------------------------------------------------------------------------

// Get retrieves the value of a record.
func (a *AsyncDBM) Get(key []byte) *Future[[]byte] {
	keyCopy := cloneBytes(key)
	return submit(a, "Get", func() ([]byte, error) {
		return a.dbm.Get(keyCopy)
	})
}

// GetMulti retrieves multiple records atomically.
func (a *AsyncDBM) GetMulti(keys ...[]byte) *Future[map[string][]byte] {
	keysCopy := cloneByteSlices(keys)
	return submit(a, "GetMulti", func() (map[string][]byte, error) {
		return a.dbm.GetMulti(keysCopy...)
	})
}

// Set stores a record, overwriting an existing value.
func (a *AsyncDBM) Set(key, value []byte) *Future[struct{}] {
	keyCopy, valueCopy := cloneBytes(key), cloneBytes(value)
	return submit(a, "Set", func() (struct{}, error) {
		return struct{}{}, a.dbm.Set(keyCopy, valueCopy)
	})
}

// SetMulti stores multiple records atomically.
func (a *AsyncDBM) SetMulti(records map[string][]byte) *Future[struct{}] {
	recordsCopy := cloneRecordMap(records)
	return submit(a, "SetMulti", func() (struct{}, error) {
		return struct{}{}, a.dbm.SetMulti(recordsCopy)
	})
}

// Remove deletes a record.
func (a *AsyncDBM) Remove(key []byte) *Future[struct{}] {
	keyCopy := cloneBytes(key)
	return submit(a, "Remove", func() (struct{}, error) {
		return struct{}{}, a.dbm.Remove(keyCopy)
	})
}

// RemoveMulti deletes multiple records atomically.
func (a *AsyncDBM) RemoveMulti(keys ...[]byte) *Future[struct{}] {
	keysCopy := cloneByteSlices(keys)
	return submit(a, "RemoveMulti", func() (struct{}, error) {
		return struct{}{}, a.dbm.RemoveMulti(keysCopy...)
	})
}

// Append extends a record to old-value, delimiter, value.
func (a *AsyncDBM) Append(key, value, delim []byte) *Future[struct{}] {
	keyCopy, valueCopy, delimCopy := cloneBytes(key), cloneBytes(value), cloneBytes(delim)
	return submit(a, "Append", func() (struct{}, error) {
		return struct{}{}, a.dbm.Append(keyCopy, valueCopy, delimCopy)
	})
}

// AppendMulti extends multiple records atomically.
func (a *AsyncDBM) AppendMulti(records map[string][]byte, delim []byte) *Future[struct{}] {
	recordsCopy, delimCopy := cloneRecordMap(records), cloneBytes(delim)
	return submit(a, "AppendMulti", func() (struct{}, error) {
		return struct{}{}, a.dbm.AppendMulti(recordsCopy, delimCopy)
	})
}

// CompareExchange sets the record to desired only if the current value
// equals expected. The nil-as-absent convention is preserved by the
// argument copies.
func (a *AsyncDBM) CompareExchange(key, expected, desired []byte) *Future[struct{}] {
	keyCopy, expectedCopy, desiredCopy := cloneBytes(key), cloneBytes(expected), cloneBytes(desired)
	return submit(a, "CompareExchange", func() (struct{}, error) {
		return struct{}{}, a.dbm.CompareExchange(keyCopy, expectedCopy, desiredCopy)
	})
}

// CompareExchangeMulti checks every expectation and, only if all hold,
// applies every desire.
func (a *AsyncDBM) CompareExchangeMulti(expected, desired []dbm.KeyValuePair) *Future[struct{}] {
	expectedCopy, desiredCopy := clonePairs(expected), clonePairs(desired)
	return submit(a, "CompareExchangeMulti", func() (struct{}, error) {
		return struct{}{}, a.dbm.CompareExchangeMulti(expectedCopy, desiredCopy)
	})
}

// Increment adds inc to the 8 byte big-endian integer value of the
// record.
func (a *AsyncDBM) Increment(key []byte, inc, initial int64) *Future[int64] {
	keyCopy := cloneBytes(key)
	return submit(a, "Increment", func() (int64, error) {
		return a.dbm.Increment(keyCopy, inc, initial)
	})
}

// --------------------------------------------------------------------------
// Maintenance Operations
// --------------------------------------------------------------------------

// Clear drops all records.
func (a *AsyncDBM) Clear() *Future[struct{}] {
	return submit(a, "Clear", func() (struct{}, error) {
		return struct{}{}, a.dbm.Clear()
	})
}

// Rebuild rebuilds the database.
func (a *AsyncDBM) Rebuild() *Future[struct{}] {
	return submit(a, "Rebuild", func() (struct{}, error) {
		return struct{}{}, a.dbm.Rebuild()
	})
}

// Synchronize serializes the current snapshot to the bound file.
func (a *AsyncDBM) Synchronize(hard bool, proc dbm.FileProcessor) *Future[struct{}] {
	return submit(a, "Synchronize", func() (struct{}, error) {
		return struct{}{}, a.dbm.Synchronize(hard, proc)
	})
}

// --------------------------------------------------------------------------
// Argument Copies
// --------------------------------------------------------------------------
//
// Submissions own their arguments: every view is rebuilt against a copy
// before the caller regains control, so the worker never observes caller
// mutations. A nil slice stays nil and an empty slice stays non-nil to
// preserve absence semantics.

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func cloneByteSlices(bs [][]byte) [][]byte {
	clones := make([][]byte, len(bs))
	for i, b := range bs {
		clones[i] = cloneBytes(b)
	}
	return clones
}

func cloneRecordMap(records map[string][]byte) map[string][]byte {
	clones := make(map[string][]byte, len(records))
	for key, value := range records {
		clones[key] = cloneBytes(value)
	}
	return clones
}

func clonePairs(pairs []dbm.KeyValuePair) []dbm.KeyValuePair {
	clones := make([]dbm.KeyValuePair, len(pairs))
	for i, pair := range pairs {
		clones[i] = dbm.KeyValuePair{Key: cloneBytes(pair.Key), Value: cloneBytes(pair.Value)}
	}
	return clones
}
