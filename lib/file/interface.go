package file

import "os"

// --------------------------------------------------------------------------
// Open Options
// --------------------------------------------------------------------------

// OpenOptions is a bitmask of flags for opening a file.
type OpenOptions int32

const (
	// OpenDefault means no special behavior.
	OpenDefault OpenOptions = 0
	// OpenNoCreate means a missing file is not created.
	OpenNoCreate OpenOptions = 1 << iota
	// OpenTruncate means an existing file is truncated on open.
	OpenTruncate
	// OpenNoLock means the advisory whole-file lock is skipped.
	OpenNoLock
	// OpenNoWait means opening fails immediately if the lock is contended.
	OpenNoWait
	// OpenSync means every close and synchronize reaches the device.
	OpenSync
)

// --------------------------------------------------------------------------
// Allocation Defaults
// --------------------------------------------------------------------------

const (
	// DefaultAllocInitSize is the initial mapping size of a writable file.
	DefaultAllocInitSize int64 = 1 << 20
	// DefaultAllocIncFactor is the growth factor of the mapping size.
	DefaultAllocIncFactor float64 = 2.0
)

// pageSize is the allocation granularity of the platform.
var pageSize = int64(os.Getpagesize())

// --------------------------------------------------------------------------
// Zone
// --------------------------------------------------------------------------

// Zone is a scoped window into a mapped file. The byte slice stays valid
// until Release is called; Release returns the lock taken at creation and
// must run on every path.
type Zone interface {
	// Offset returns the position of the window in the file.
	Offset() int64

	// Bytes returns the window itself. Mutating it is only allowed for
	// zones created writable.
	Bytes() []byte

	// Release returns the lock protecting the mapping.
	Release()
}

// --------------------------------------------------------------------------
// File Interface
// --------------------------------------------------------------------------

// File is the storage contract consumed by the database managers.
// Implementations in this package are memory-mapped; alternate
// implementations only have to preserve the semantics, not the mapping.
//
// Thread-safety: all methods except Open and Close can be called
// concurrently. Open and Close must not race with any other method.
type File interface {
	// Open opens or creates the file at path, honoring the option flags.
	Open(path string, writable bool, options OpenOptions) error

	// Close releases the mapping, the advisory lock and the handle. All
	// cleanup failures are accumulated into the returned status.
	Close() error

	// MakeZone creates a zone of the given size. A writable zone with a
	// negative offset reserves a slot at the tail of the file.
	MakeZone(writable bool, off int64, size int64) (Zone, error)

	// Read fills buf with the bytes at off. Reading past the end of the
	// file yields an InfeasibleError.
	Read(off int64, buf []byte) error

	// ReadSimple reads size bytes at off, returning nil on any failure.
	ReadSimple(off int64, size int64) []byte

	// Write stores buf at off, growing the file if needed.
	Write(off int64, buf []byte) error

	// Append stores buf at the end of the file and returns its offset.
	Append(buf []byte) (int64, error)

	// Expand reserves inc bytes at the tail without writing them and
	// returns the pre-expansion size.
	Expand(inc int64) (int64, error)

	// Truncate sets the file size, remapping as needed.
	Truncate(size int64) error

	// TruncateFakely adjusts only the logical size. It fails with an
	// InfeasibleError if size exceeds the mapped extent.
	TruncateFakely(size int64) error

	// Synchronize trims the mapping watermark to the logical size and
	// resizes the on-disk file. If hard is true, the mapping and the file
	// buffers are flushed to the device.
	Synchronize(hard bool, off int64, size int64) error

	// GetSize returns the logical size of the file.
	GetSize() (int64, error)

	// SetAllocationStrategy adjusts the growth policy. It fails if the
	// file is already open.
	SetAllocationStrategy(initSize int64, incFactor float64) error

	// CopyProperties copies the allocation strategy to another file.
	CopyProperties(other File) error

	// LockMemory pins the mapping into RAM. This platform treats it as a
	// successful no-op.
	LockMemory(size int64) error

	// GetPath returns the path the file was opened with.
	GetPath() (string, error)

	// Rename renames the underlying file, keeping it open.
	Rename(newPath string) error

	// DisablePathOperations makes GetPath and Rename fail from now on.
	DisablePathOperations() error

	// MakeFile creates a new unopened file of the same concrete type with
	// the same allocation strategy.
	MakeFile() File
}
