package dbm

import (
	"github.com/ValentinKolb/eDBM/lib/file"
)

// --------------------------------------------------------------------------
// Record Processor Protocol
// --------------------------------------------------------------------------

// Action is the verdict of a processor callback for the record site it was
// invoked on.
type Action int

const (
	// ActionNone leaves the record site untouched.
	ActionNone Action = iota
	// ActionSet stores the returned value at the record site.
	ActionSet
	// ActionRemove deletes the record; on an empty site it is a no-op.
	ActionRemove
)

// RecordProcessor is the capability mediating every record access. The
// engine guarantees that for a given record site at most one callback runs
// at any time (the site's bucket is locked for the duration of the call).
//
// The key and value slices are only valid during the callback; a processor
// that wants to keep them must copy. The returned value is copied by the
// engine before the callback's buffers are released.
type RecordProcessor interface {
	// ProcessFull is invoked when a record with the key exists.
	ProcessFull(key, value []byte) ([]byte, Action)

	// ProcessEmpty is invoked when no such record exists. ActionSet
	// inserts; ActionRemove is a no-op.
	ProcessEmpty(key []byte) ([]byte, Action)
}

// ProcessorFunc adapts plain closures to the RecordProcessor interface.
// A nil field behaves like returning ActionNone.
type ProcessorFunc struct {
	Full  func(key, value []byte) ([]byte, Action)
	Empty func(key []byte) ([]byte, Action)
}

func (p ProcessorFunc) ProcessFull(key, value []byte) ([]byte, Action) {
	if p.Full == nil {
		return nil, ActionNone
	}
	return p.Full(key, value)
}

func (p ProcessorFunc) ProcessEmpty(key []byte) ([]byte, Action) {
	if p.Empty == nil {
		return nil, ActionNone
	}
	return p.Empty(key)
}

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// FileProcessor is called during Synchronize with the path of the database
// file while the file content is in the synchronized state.
type FileProcessor func(path string)

// KeyProcPair binds a key to the processor handling its record site.
type KeyProcPair struct {
	Key  []byte
	Proc RecordProcessor
}

// KeyValuePair is a record image. A nil Value marks absence: as an
// expectation it means "no record", as a desire it means "remove". An
// empty but non-nil Value is a present record with an empty value.
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// Property is one name/value line of an Inspect report.
type Property struct {
	Name  string
	Value string
}

// --------------------------------------------------------------------------
// DBM Interface
// --------------------------------------------------------------------------

// DBM is the database manager contract. All record operations are
// thread-safe; Open and Close must not race with other operations.
//
// Keys and values are opaque byte strings; key equality is byte-wise.
// Every fallible method returns a *status.Status error; nil is success.
type DBM interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// Open binds the database to a file. An existing file is parsed and
	// re-materialized; a missing file is created when writable.
	Open(path string, writable bool, options file.OpenOptions) error

	// Close unbinds the file. A writable database synchronizes first.
	Close() error

	// --------------------------------------------------------------------------
	// Record Processing
	// --------------------------------------------------------------------------

	// Process invokes the matching processor callback for the key's record
	// site and applies the returned action. A mutating action under
	// writable=false fails with PreconditionError.
	Process(key []byte, proc RecordProcessor, writable bool) error

	// ProcessMulti applies multiple single-key processings atomically with
	// respect to each other: all affected buckets are locked in canonical
	// order before any callback runs.
	ProcessMulti(pairs []KeyProcPair, writable bool) error

	// ProcessEach invokes ProcessEmpty with an empty key once, then
	// ProcessFull for every record in bucket-major insertion order, then
	// ProcessEmpty once more. Mutations apply in-line.
	ProcessEach(proc RecordProcessor, writable bool) error

	// --------------------------------------------------------------------------
	// Record Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value of a record. Missing records yield a
	// NotFoundError.
	Get(key []byte) ([]byte, error)

	// Set stores a record, overwriting an existing value.
	Set(key, value []byte) error

	// Remove deletes a record. Missing records yield a NotFoundError.
	Remove(key []byte) error

	// Append extends a record to old-value, delimiter, value; a missing
	// record is set to value without the delimiter.
	Append(key, value, delim []byte) error

	// Increment treats the value as an 8 byte big-endian signed integer,
	// adds inc (missing records start at initial) and returns the result.
	// An existing value of any other width is an InvalidArgumentError.
	Increment(key []byte, inc, initial int64) (int64, error)

	// CompareExchange sets the record to desired only if the current value
	// equals expected. A nil expected means "absent"; a nil desired means
	// "remove". A mismatch yields an InfeasibleError.
	CompareExchange(key, expected, desired []byte) error

	// GetMulti retrieves multiple records atomically. Found records are
	// returned; any missing key makes the overall status NotFoundError.
	GetMulti(keys ...[]byte) (map[string][]byte, error)

	// SetMulti stores multiple records atomically.
	SetMulti(records map[string][]byte) error

	// RemoveMulti deletes multiple records atomically. Any missing key
	// makes the overall status NotFoundError.
	RemoveMulti(keys ...[]byte) error

	// AppendMulti extends multiple records atomically.
	AppendMulti(records map[string][]byte, delim []byte) error

	// CompareExchangeMulti checks every expectation and, only if all hold,
	// applies every desire, all under one atomic scope.
	CompareExchangeMulti(expected, desired []KeyValuePair) error

	// --------------------------------------------------------------------------
	// Maintenance
	// --------------------------------------------------------------------------

	// Count returns the exact number of live records.
	Count() (int64, error)

	// GetFileSize returns the size of the bound file.
	GetFileSize() (int64, error)

	// GetFilePath returns the path of the bound file.
	GetFilePath() (string, error)

	// Clear drops all records and invalidates iterators.
	Clear() error

	// Rebuild rebuilds the hash table with an implicit bucket count.
	Rebuild() error

	// RebuildAdvanced rebuilds with the given bucket count; -1 chooses an
	// implicit one.
	RebuildAdvanced(numBuckets int64) error

	// ShouldBeRebuilt reports whether the load factor left its sweet spot.
	ShouldBeRebuilt() (bool, error)

	// Synchronize serializes the current snapshot to the bound file. If
	// hard is true the data reaches the device. The file processor, when
	// given, observes the synchronized file.
	Synchronize(hard bool, proc FileProcessor) error

	// --------------------------------------------------------------------------
	// Introspection
	// --------------------------------------------------------------------------

	// Inspect returns name/value properties describing the database.
	Inspect() []Property

	// IsOpen reports whether a file is bound.
	IsOpen() bool

	// IsWritable reports whether the bound file is writable.
	IsWritable() bool

	// IsHealthy reports whether the database can serve operations.
	IsHealthy() bool

	// IsOrdered reports whether ordered iteration is supported.
	IsOrdered() bool

	// MakeIterator creates an iterator pointing to no record.
	MakeIterator() Iterator
}

// --------------------------------------------------------------------------
// Iterator Interface
// --------------------------------------------------------------------------

// Iterator walks the records of a database. One iterator must not be
// shared by multiple goroutines. When the database is cleared or rebuilt,
// operations on pre-existing iterators fail gracefully with NotFoundError.
type Iterator interface {
	// First positions the iterator at the first record. It succeeds even
	// on an empty database.
	First() error

	// Last is only supported by ordered databases.
	Last() error

	// Jump positions the iterator at the record of the key; a missing key
	// yields a NotFoundError.
	Jump(key []byte) error

	// JumpLower is only supported by ordered databases.
	JumpLower(key []byte, inclusive bool) error

	// JumpUpper is only supported by ordered databases.
	JumpUpper(key []byte, inclusive bool) error

	// Next moves to the following record. Moving past the last record
	// does not fail; the iterator just stops pointing at a record.
	Next() error

	// Previous is only supported by ordered databases.
	Previous() error

	// Process invokes ProcessFull on the current record and applies the
	// action. If the current record was removed, the iterator advances to
	// the next record.
	Process(proc RecordProcessor, writable bool) error

	// Get returns the current record.
	Get() (key []byte, value []byte, err error)

	// Release returns any resources the iterator holds. Calling it on an
	// iterator that holds none is a successful no-op.
	Release() error
}
