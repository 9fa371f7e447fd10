package file

import (
	"github.com/ValentinKolb/eDBM/lib/status"
	"sync"
)

// --------------------------------------------------------------------------
// MemoryMapAtomicFile
// --------------------------------------------------------------------------

// MemoryMapAtomicFile is the coarse-grained mmap file. One mutex guards all
// state: writer zones hold it exclusively, reader zones share it, so resize
// and zone pointer access can never race. The contract is identical to the
// Parallel variant from the caller's perspective.
type MemoryMapAtomicFile struct {
	mu             sync.RWMutex
	m              *mapping // nil while closed
	fileSize       int64
	mapSize        int64
	allocInitSize  int64
	allocIncFactor float64
	pathDisabled   bool
	failed         bool
}

// NewMemoryMapAtomicFile creates an unopened file with the default
// allocation strategy.
func NewMemoryMapAtomicFile() *MemoryMapAtomicFile {
	return &MemoryMapAtomicFile{
		allocInitSize:  DefaultAllocInitSize,
		allocIncFactor: DefaultAllocIncFactor,
	}
}

// Open opens or creates the file at path. See File.Open.
func (f *MemoryMapAtomicFile) Open(path string, writable bool, options OpenOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m != nil {
		return status.New(status.PreconditionError, "opened file")
	}
	m, err := openMapping(path, writable, options, f.allocInitSize)
	if err != nil {
		return err
	}
	f.m = m
	f.fileSize = m.fileSize
	f.mapSize = m.mapSize
	f.pathDisabled = false
	f.failed = false
	return nil
}

// Close unmaps, truncates to the logical size, unlocks and closes. See
// File.Close.
func (f *MemoryMapAtomicFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		return status.New(status.PreconditionError, "not opened file")
	}
	err := f.m.close(f.fileSize)
	f.m = nil
	f.fileSize = 0
	f.mapSize = 0
	return err
}

// checkLocked validates the open state. The caller holds the mutex.
func (f *MemoryMapAtomicFile) checkLocked() error {
	if f.failed {
		return status.New(status.PreconditionError, "file in failed state")
	}
	if f.m == nil {
		return status.New(status.PreconditionError, "not opened file")
	}
	return nil
}

// allocateSpaceLocked grows the mapping under the already-held exclusive
// mutex.
func (f *MemoryMapAtomicFile) allocateSpaceLocked(minSize int64) error {
	if minSize <= f.mapSize {
		return nil
	}
	newMapSize := maxInt64(minSize, int64(float64(f.mapSize)*f.allocIncFactor))
	newMapSize = alignNumber(maxInt64(newMapSize, pageSize), pageSize)
	if err := f.m.remap(newMapSize); err != nil {
		f.m.fh.Close()
		f.m = nil
		f.failed = true
		return err
	}
	f.mapSize = newMapSize
	return nil
}

// --------------------------------------------------------------------------
// Zones
// --------------------------------------------------------------------------

type atomicZone struct {
	f        *MemoryMapAtomicFile
	off      int64
	size     int64
	writable bool
}

func (z *atomicZone) Offset() int64 { return z.off }

func (z *atomicZone) Bytes() []byte {
	if z.size == 0 || z.f.m == nil || z.f.m.mem == nil {
		return nil
	}
	return z.f.m.mem[z.off : z.off+z.size]
}

func (z *atomicZone) Release() {
	if z.writable {
		z.f.mu.Unlock()
	} else {
		z.f.mu.RUnlock()
	}
}

// MakeZone creates a scoped window. Writer zones serialize behind the
// exclusive mutex; there is no CAS loop because nothing else can move the
// file size while the zone exists. See File.MakeZone.
func (f *MemoryMapAtomicFile) MakeZone(writable bool, off int64, size int64) (Zone, error) {
	if writable {
		f.mu.Lock()
		if err := f.checkLocked(); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if !f.m.writable {
			f.mu.Unlock()
			return nil, status.New(status.PreconditionError, "not writable file")
		}
		if off < 0 {
			off = f.fileSize
		}
		endPosition := off + size
		if err := f.allocateSpaceLocked(endPosition); err != nil {
			f.mu.Unlock()
			return nil, err
		}
		if endPosition > f.fileSize {
			f.fileSize = endPosition
		}
		return &atomicZone{f: f, off: off, size: size, writable: true}, nil
	}
	f.mu.RLock()
	if err := f.checkLocked(); err != nil {
		f.mu.RUnlock()
		return nil, err
	}
	if off < 0 {
		f.mu.RUnlock()
		return nil, status.New(status.PreconditionError, "negative offset")
	}
	if off > f.fileSize {
		f.mu.RUnlock()
		return nil, status.New(status.InfeasibleError, "excessive offset")
	}
	size = minInt64(size, f.fileSize-off)
	return &atomicZone{f: f, off: off, size: size}, nil
}

// --------------------------------------------------------------------------
// Positional I/O
// --------------------------------------------------------------------------

// Read fills buf with the bytes at off. See File.Read.
func (f *MemoryMapAtomicFile) Read(off int64, buf []byte) error {
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
func (f *MemoryMapAtomicFile) ReadSimple(off int64, size int64) []byte {
	buf := make([]byte, size)
	if err := f.Read(off, buf); err != nil {
		return nil
	}
	return buf
}

// Write stores buf at off. See File.Write.
func (f *MemoryMapAtomicFile) Write(off int64, buf []byte) error {
	zone, err := f.MakeZone(true, off, int64(len(buf)))
	if err != nil {
		return err
	}
	defer zone.Release()
	copy(zone.Bytes(), buf)
	return nil
}

// Append stores buf at the tail and returns its offset. See File.Append.
func (f *MemoryMapAtomicFile) Append(buf []byte) (int64, error) {
	zone, err := f.MakeZone(true, -1, int64(len(buf)))
	if err != nil {
		return 0, err
	}
	defer zone.Release()
	copy(zone.Bytes(), buf)
	return zone.Offset(), nil
}

// Expand reserves inc bytes at the tail. See File.Expand.
func (f *MemoryMapAtomicFile) Expand(inc int64) (int64, error) {
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
func (f *MemoryMapAtomicFile) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if !f.m.writable {
		return status.New(status.PreconditionError, "not writable file")
	}
	newMapSize := alignNumber(maxInt64(maxInt64(size, pageSize), f.allocInitSize), pageSize)
	if err := f.m.remap(newMapSize); err != nil {
		f.m.fh.Close()
		f.m = nil
		f.failed = true
		return err
	}
	f.mapSize = newMapSize
	f.fileSize = size
	return nil
}

// TruncateFakely adjusts only the logical size. See File.TruncateFakely.
func (f *MemoryMapAtomicFile) TruncateFakely(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if size > f.mapSize {
		return status.New(status.InfeasibleError, "unable to increase the file size")
	}
	f.fileSize = size
	return nil
}

// Synchronize clamps the mapping watermark to the logical size and resizes
// the on-disk file; hard also flushes. See File.Synchronize.
func (f *MemoryMapAtomicFile) Synchronize(hard bool, off int64, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if !f.m.writable {
		return status.New(status.PreconditionError, "not writable file")
	}
	var errs []error
	f.mapSize = f.fileSize
	if err := f.m.shrinkDisk(f.fileSize); err != nil {
		errs = append(errs, err)
	}
	if hard || f.m.options&OpenSync != 0 {
		if err := f.m.flush(f.fileSize); err != nil {
			errs = append(errs, err)
		}
	}
	return status.Join(errs...)
}

// GetSize returns the logical size. See File.GetSize.
func (f *MemoryMapAtomicFile) GetSize() (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkLocked(); err != nil {
		return 0, err
	}
	return f.fileSize, nil
}

// --------------------------------------------------------------------------
// Properties
// --------------------------------------------------------------------------

// SetAllocationStrategy adjusts the growth policy of an unopened file. See
// File.SetAllocationStrategy.
func (f *MemoryMapAtomicFile) SetAllocationStrategy(initSize int64, incFactor float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
func (f *MemoryMapAtomicFile) CopyProperties(other File) error {
	f.mu.RLock()
	initSize, incFactor := f.allocInitSize, f.allocIncFactor
	f.mu.RUnlock()
	return other.SetAllocationStrategy(initSize, incFactor)
}

// LockMemory is a successful no-op on this platform. See File.LockMemory.
func (f *MemoryMapAtomicFile) LockMemory(size int64) error {
	return nil
}

// GetPath returns the path the file was opened with. See File.GetPath.
func (f *MemoryMapAtomicFile) GetPath() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkLocked(); err != nil {
		return "", err
	}
	if f.pathDisabled {
		return "", status.New(status.PreconditionError, "disabled path operations")
	}
	return f.m.path, nil
}

// Rename renames the underlying file. See File.Rename.
func (f *MemoryMapAtomicFile) Rename(newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	if f.pathDisabled {
		return status.New(status.PreconditionError, "disabled path operations")
	}
	if err := renamePath(f.m.path, newPath); err != nil {
		return err
	}
	f.m.path = newPath
	return nil
}

// DisablePathOperations makes GetPath and Rename fail from now on. See
// File.DisablePathOperations.
func (f *MemoryMapAtomicFile) DisablePathOperations() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkLocked(); err != nil {
		return err
	}
	f.pathDisabled = true
	return nil
}

// MakeFile creates a new unopened file of the same type. See File.MakeFile.
func (f *MemoryMapAtomicFile) MakeFile() File {
	return &MemoryMapAtomicFile{
		allocInitSize:  f.allocInitSize,
		allocIncFactor: f.allocIncFactor,
	}
}

var _ File = (*MemoryMapAtomicFile)(nil)
