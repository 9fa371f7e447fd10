package file

import (
	"github.com/ValentinKolb/eDBM/lib/status"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// MemoryMapParallelFile
// --------------------------------------------------------------------------

// MemoryMapParallelFile is the fine-grained mmap file. The logical and the
// mapped size are atomics, so appends reserve their slot with a CAS loop
// and take the mutex exclusively only when the mapping has to grow. The
// mutex is only exclusive for structural operations that replace the
// mapping; zones of either kind
// hold it in shared mode so a remap can never invalidate their window.
type MemoryMapParallelFile struct {
	mu             sync.RWMutex
	m              *mapping // nil while closed
	fileSize       atomic.Int64
	mapSize        atomic.Int64
	allocInitSize  int64
	allocIncFactor float64
	pathDisabled   bool
	failed         bool // permanent state after a remap failure
}

// NewMemoryMapParallelFile creates an unopened file with the default
// allocation strategy.
func NewMemoryMapParallelFile() *MemoryMapParallelFile {
	return &MemoryMapParallelFile{
		allocInitSize:  DefaultAllocInitSize,
		allocIncFactor: DefaultAllocIncFactor,
	}
}

// Open opens or creates the file at path. See File.Open.
func (f *MemoryMapParallelFile) Open(path string, writable bool, options OpenOptions) error {
	if f.m != nil {
		return status.New(status.PreconditionError, "opened file")
	}
	m, err := openMapping(path, writable, options, f.allocInitSize)
	if err != nil {
		return err
	}
	f.m = m
	f.fileSize.Store(m.fileSize)
	f.mapSize.Store(m.mapSize)
	f.pathDisabled = false
	f.failed = false
	return nil
}

// Close unmaps, truncates to the logical size, unlocks and closes. See
// File.Close.
func (f *MemoryMapParallelFile) Close() error {
	if f.m == nil {
		return status.New(status.PreconditionError, "not opened file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.m.close(f.fileSize.Load())
	f.m = nil
	f.fileSize.Store(0)
	f.mapSize.Store(0)
	return err
}

// check validates the open state under no particular lock.
func (f *MemoryMapParallelFile) check() error {
	if f.failed {
		return status.New(status.PreconditionError, "file in failed state")
	}
	if f.m == nil {
		return status.New(status.PreconditionError, "not opened file")
	}
	return nil
}

// allocateSpace grows the mapping so that minSize bytes are addressable.
// Double-checked locking: the cheap atomic test runs before and after the
// exclusive acquisition.
func (f *MemoryMapParallelFile) allocateSpace(minSize int64) error {
	if minSize <= f.mapSize.Load() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if minSize <= f.mapSize.Load() {
		return nil
	}
	newMapSize := maxInt64(minSize, int64(float64(f.mapSize.Load())*f.allocIncFactor))
	newMapSize = alignNumber(maxInt64(newMapSize, pageSize), pageSize)
	if err := f.m.remap(newMapSize); err != nil {
		// the mapping is gone; poison the file so later operations fail
		// with a precondition instead of touching freed memory
		f.m.fh.Close()
		f.m = nil
		f.failed = true
		return err
	}
	f.mapSize.Store(newMapSize)
	return nil
}

// --------------------------------------------------------------------------
// Zones
// --------------------------------------------------------------------------

type parallelZone struct {
	f    *MemoryMapParallelFile
	off  int64
	size int64
}

func (z *parallelZone) Offset() int64 { return z.off }

func (z *parallelZone) Bytes() []byte {
	if z.size == 0 || z.f.m == nil || z.f.m.mem == nil {
		return nil
	}
	return z.f.m.mem[z.off : z.off+z.size]
}

func (z *parallelZone) Release() {
	z.f.mu.RUnlock()
}

// MakeZone creates a scoped window. A writable zone with off < 0 reserves
// its slot at the tail: the CAS loop lifts fileSize from old to old+size
// after allocateSpace guarantees the room, which makes concurrent appends
// wait-free with pairwise disjoint offsets. See File.MakeZone.
func (f *MemoryMapParallelFile) MakeZone(writable bool, off int64, size int64) (Zone, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	if writable {
		if !f.m.writable {
			return nil, status.New(status.PreconditionError, "not writable file")
		}
		if off < 0 {
			for {
				oldFileSize := f.fileSize.Load()
				endPosition := oldFileSize + size
				if err := f.allocateSpace(endPosition); err != nil {
					return nil, err
				}
				if f.fileSize.CompareAndSwap(oldFileSize, endPosition) {
					off = oldFileSize
					break
				}
			}
		} else {
			endPosition := off + size
			if err := f.allocateSpace(endPosition); err != nil {
				return nil, err
			}
			for {
				oldFileSize := f.fileSize.Load()
				if endPosition <= oldFileSize || f.fileSize.CompareAndSwap(oldFileSize, endPosition) {
					break
				}
			}
		}
		for {
			f.mu.RLock()
			if f.m == nil {
				f.mu.RUnlock()
				return nil, status.New(status.PreconditionError, "file in failed state")
			}
			if off+size <= int64(len(f.m.mem)) {
				break
			}
			// a concurrent truncate moved the mapping under the
			// reservation; regrow and take the shared lock again
			f.mu.RUnlock()
			if err := f.allocateSpace(off + size); err != nil {
				return nil, err
			}
		}
		return &parallelZone{f: f, off: off, size: size}, nil
	}
	if off < 0 {
		return nil, status.New(status.PreconditionError, "negative offset")
	}
	// reader zones validate under the shared lock so a truncate cannot
	// invalidate the window between the check and the acquisition
	f.mu.RLock()
	if err := f.check(); err != nil {
		f.mu.RUnlock()
		return nil, err
	}
	fileSize := f.fileSize.Load()
	if off > fileSize {
		f.mu.RUnlock()
		return nil, status.New(status.InfeasibleError, "excessive offset")
	}
	size = minInt64(size, fileSize-off)
	return &parallelZone{f: f, off: off, size: size}, nil
}

// --------------------------------------------------------------------------
// Positional I/O
// --------------------------------------------------------------------------

// Read fills buf with the bytes at off. See File.Read.
func (f *MemoryMapParallelFile) Read(off int64, buf []byte) error {
	zone, err := f.MakeZone(false, off, int64(len(buf)))
	if err != nil {
		return err
	}
	defer zone.Release()
	window := zone.Bytes()
	if len(window) != len(buf) {
		return status.New(status.InfeasibleError, "excessive size")
	}
	copy(buf, window)
	return nil
}

// ReadSimple reads size bytes at off, nil on any failure. See
// File.ReadSimple.
func (f *MemoryMapParallelFile) ReadSimple(off int64, size int64) []byte {
	buf := make([]byte, size)
	if err := f.Read(off, buf); err != nil {
		return nil
	}
	return buf
}

// Write stores buf at off. See File.Write.
func (f *MemoryMapParallelFile) Write(off int64, buf []byte) error {
	zone, err := f.MakeZone(true, off, int64(len(buf)))
	if err != nil {
		return err
	}
	defer zone.Release()
	copy(zone.Bytes(), buf)
	return nil
}

// Append stores buf at the tail and returns its offset. See File.Append.
func (f *MemoryMapParallelFile) Append(buf []byte) (int64, error) {
	zone, err := f.MakeZone(true, -1, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	defer zone.Release()
	copy(zone.Bytes(), buf)
	return zone.Offset(), nil
}

// Expand reserves inc bytes at the tail. See File.Expand.
func (f *MemoryMapParallelFile) Expand(inc int64) (int64, error) {
	zone, err := f.MakeZone(true, -1, inc)
	if err != nil {
		return 0, err
	}
	defer zone.Release()
	return zone.Offset(), nil
}

// --------------------------------------------------------------------------
// Size Management
// --------------------------------------------------------------------------

// Truncate sets the file size and remaps. See File.Truncate.
func (f *MemoryMapParallelFile) Truncate(size int64) error {
	if err := f.check(); err != nil {
		return err
	}
	if !f.m.writable {
		return status.New(status.PreconditionError, "not writable file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	newMapSize := alignNumber(maxInt64(maxInt64(size, pageSize), f.allocInitSize), pageSize)
	if err := f.m.remap(newMapSize); err != nil {
		f.m.fh.Close()
		f.m = nil
		f.failed = true
		return err
	}
	f.mapSize.Store(newMapSize)
	f.fileSize.Store(size)
	return nil
}

// TruncateFakely adjusts only the logical size. See File.TruncateFakely.
func (f *MemoryMapParallelFile) TruncateFakely(size int64) error {
	if err := f.check(); err != nil {
		return err
	}
	if size > f.mapSize.Load() {
		return status.New(status.InfeasibleError, "unable to increase the file size")
	}
	f.fileSize.Store(size)
	return nil
}

// Synchronize clamps the mapping watermark to the logical size and resizes
// the on-disk file; hard also flushes the mapping and the file buffers.
// See File.Synchronize.
func (f *MemoryMapParallelFile) Synchronize(hard bool, off int64, size int64) error {
	if err := f.check(); err != nil {
		return err
	}
	if !f.m.writable {
		return status.New(status.PreconditionError, "not writable file")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	var errs []error
	fileSize := f.fileSize.Load()
	f.mapSize.Store(fileSize)
	f.m.mapSize = fileSize
	if err := f.m.shrinkDisk(fileSize); err != nil {
		errs = append(errs, err)
	}
	if hard || f.m.options&OpenSync != 0 {
		if err := f.m.flush(fileSize); err != nil {
			errs = append(errs, err)
		}
	}
	return status.Join(errs...)
}

// GetSize returns the logical size. See File.GetSize.
func (f *MemoryMapParallelFile) GetSize() (int64, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return f.fileSize.Load(), nil
}

// --------------------------------------------------------------------------
// Properties
// --------------------------------------------------------------------------

// SetAllocationStrategy adjusts the growth policy of an unopened file. See
// File.SetAllocationStrategy.
func (f *MemoryMapParallelFile) SetAllocationStrategy(initSize int64, incFactor float64) error {
	if f.m != nil {
		return status.New(status.PreconditionError, "already opened file")
	}
	if initSize < 1 || incFactor <= 1 {
		return status.New(status.InvalidArgumentError, "invalid allocation strategy")
	}
	f.allocInitSize = initSize
	f.allocIncFactor = incFactor
	return nil
}

// CopyProperties copies the allocation strategy to another file. See
// File.CopyProperties.
func (f *MemoryMapParallelFile) CopyProperties(other File) error {
	return other.SetAllocationStrategy(f.allocInitSize, f.allocIncFactor)
}

// LockMemory is a successful no-op on this platform. See File.LockMemory.
func (f *MemoryMapParallelFile) LockMemory(size int64) error {
	return nil
}

// GetPath returns the path the file was opened with. See File.GetPath.
func (f *MemoryMapParallelFile) GetPath() (string, error) {
	if err := f.check(); err != nil {
		return "", err
	}
	if f.pathDisabled {
		return "", status.New(status.PreconditionError, "disabled path operations")
	}
	return f.m.path, nil
}

// Rename renames the underlying file. See File.Rename.
func (f *MemoryMapParallelFile) Rename(newPath string) error {
	if err := f.check(); err != nil {
		return err
	}
	if f.pathDisabled {
		return status.New(status.PreconditionError, "disabled path operations")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := renamePath(f.m.path, newPath); err != nil {
		return err
	}
	f.m.path = newPath
	return nil
}

// DisablePathOperations makes GetPath and Rename fail from now on. See
// File.DisablePathOperations.
func (f *MemoryMapParallelFile) DisablePathOperations() error {
	if err := f.check(); err != nil {
		return err
	}
	f.pathDisabled = true
	return nil
}

// MakeFile creates a new unopened file of the same type. See File.MakeFile.
func (f *MemoryMapParallelFile) MakeFile() File {
	return &MemoryMapParallelFile{
		allocInitSize:  f.allocInitSize,
		allocIncFactor: f.allocIncFactor,
	}
}

var _ File = (*MemoryMapParallelFile)(nil)
