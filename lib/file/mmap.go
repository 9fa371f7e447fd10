package file

import (
	"github.com/ValentinKolb/eDBM/lib/status"
	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
	"os"
)

// --------------------------------------------------------------------------
// Shared Mapping Helpers
// --------------------------------------------------------------------------

// alignNumber rounds n up to the next multiple of align.
func alignNumber(n, align int64) int64 {
	return (n + align - 1) / align * align
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// mapping bundles the state both mmap variants establish on open.
type mapping struct {
	fh       *os.File
	path     string
	fileSize int64
	mem      mmap.MMap // nil represents the empty read-only state
	mapSize  int64
	writable bool
	options  OpenOptions
}

// openMapping opens or creates the file, takes the advisory lock, queries
// the size and maps the region. A zero-size read-only file stays unmapped;
// the nil slice is the explicit empty state.
func openMapping(path string, writable bool, options OpenOptions, allocInitSize int64) (*mapping, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
		if options&OpenNoCreate == 0 {
			flags |= os.O_CREATE
		}
		if options&OpenTruncate != 0 {
			flags |= os.O_TRUNC
		}
	}
	fh, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, status.FromSysError("open", err)
	}

	// advisory whole-file lock
	if options&OpenNoLock == 0 {
		how := unix.LOCK_SH
		if writable {
			how = unix.LOCK_EX
		}
		if options&OpenNoWait != 0 {
			how |= unix.LOCK_NB
		}
		if err := unix.Flock(int(fh.Fd()), how); err != nil {
			ferr := status.FromSysError("flock", err)
			fh.Close()
			return nil, ferr
		}
	}

	info, err := fh.Stat()
	if err != nil {
		serr := status.FromSysError("fstat", err)
		fh.Close()
		return nil, serr
	}
	fileSize := info.Size()

	mapSize := fileSize
	if writable {
		mapSize = alignNumber(maxInt64(maxInt64(mapSize, allocInitSize), pageSize), pageSize)
		if err := unix.Ftruncate(int(fh.Fd()), mapSize); err != nil {
			terr := status.FromSysError("ftruncate", err)
			fh.Close()
			return nil, terr
		}
	}

	var mem mmap.MMap
	if mapSize > 0 {
		prot := mmap.RDONLY
		if writable {
			prot = mmap.RDWR
		}
		mem, err = mmap.MapRegion(fh, int(mapSize), prot, 0, 0)
		if err != nil {
			merr := status.FromSysError("mmap", err)
			fh.Close()
			return nil, merr
		}
	}

	return &mapping{
		fh:       fh,
		path:     path,
		fileSize: fileSize,
		mem:      mem,
		mapSize:  mapSize,
		writable: writable,
		options:  options,
	}, nil
}

// remap replaces the current region with one of newMapSize bytes. The
// on-disk file is extended first so every mapped page is backed.
func (m *mapping) remap(newMapSize int64) error {
	if _, err := m.fh.WriteAt([]byte{0}, newMapSize-1); err != nil {
		return status.FromSysError("pwrite", err)
	}
	if m.mem != nil {
		if err := m.mem.Unmap(); err != nil {
			m.mem = nil
			return status.FromSysError("munmap", err)
		}
		m.mem = nil
	}
	mem, err := mmap.MapRegion(m.fh, int(newMapSize), mmap.RDWR, 0, 0)
	if err != nil {
		return status.FromSysError("mmap", err)
	}
	m.mem = mem
	m.mapSize = newMapSize
	return nil
}

// shrinkDisk resizes the on-disk file without touching the region.
func (m *mapping) shrinkDisk(size int64) error {
	if err := unix.Ftruncate(int(m.fh.Fd()), size); err != nil {
		return status.FromSysError("ftruncate", err)
	}
	return nil
}

// flush forces the dirty pages up to size and then the file buffers to the
// device.
func (m *mapping) flush(size int64) error {
	var errs []error
	if m.mem != nil && size > 0 {
		n := minInt64(size, int64(len(m.mem)))
		if err := unix.Msync(m.mem[:n], unix.MS_SYNC); err != nil {
			errs = append(errs, status.FromSysError("msync", err))
		}
	}
	if err := unix.Fsync(int(m.fh.Fd())); err != nil {
		errs = append(errs, status.FromSysError("fsync", err))
	}
	return status.Join(errs...)
}

// renamePath renames the on-disk file, wrapping the OS error.
func renamePath(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return status.FromSysError("rename", err)
	}
	return nil
}

// close unmaps, truncates a writable file back to its logical size,
// releases the lock and closes the handle, accumulating every failure.
func (m *mapping) close(fileSize int64) error {
	var errs []error
	if m.mem != nil {
		if err := m.mem.Unmap(); err != nil {
			errs = append(errs, status.FromSysError("munmap", err))
		}
		m.mem = nil
	}
	if m.writable {
		if err := unix.Ftruncate(int(m.fh.Fd()), fileSize); err != nil {
			errs = append(errs, status.FromSysError("ftruncate", err))
		}
		if m.options&OpenSync != 0 {
			if err := unix.Fsync(int(m.fh.Fd())); err != nil {
				errs = append(errs, status.FromSysError("fsync", err))
			}
		}
	}
	if m.options&OpenNoLock == 0 {
		if err := unix.Flock(int(m.fh.Fd()), unix.LOCK_UN); err != nil {
			errs = append(errs, status.FromSysError("flock", err))
		}
	}
	if err := m.fh.Close(); err != nil {
		errs = append(errs, status.FromSysError("close", err))
	}
	return status.Join(errs...)
}
