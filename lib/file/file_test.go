package file

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/eDBM/lib/status"
	"github.com/stretchr/testify/require"
)

// fileFactories runs every test against both locking disciplines.
var fileFactories = map[string]func() File{
	"Parallel": func() File { return NewMemoryMapParallelFile() },
	"Atomic":   func() File { return NewMemoryMapAtomicFile() },
}

func TestBasics(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()

			require.NoError(t, f.Open(path, true, OpenDefault))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(0), size)

			off, err := f.Append([]byte("hello"))
			require.NoError(t, err)
			require.Equal(t, int64(0), off)

			require.NoError(t, f.Write(2, []byte("LL")))

			buf := make([]byte, 5)
			require.NoError(t, f.Read(0, buf))
			require.Equal(t, []byte("heLLo"), buf)
			require.Equal(t, []byte("LL"), f.ReadSimple(2, 2))

			got, err := f.GetPath()
			require.NoError(t, err)
			require.Equal(t, path, got)

			require.NoError(t, f.Close())

			// after close of a writable file the on-disk length equals the
			// logical size
			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, int64(5), info.Size())

			// reopen read-only
			require.NoError(t, f.Open(path, false, OpenDefault))
			size, err = f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(5), size)

			// reading past the end is infeasible
			err = f.Read(3, make([]byte, 10))
			require.True(t, status.Is(err, status.InfeasibleError), "got %v", err)
			err = f.Read(6, make([]byte, 1))
			require.True(t, status.Is(err, status.InfeasibleError), "got %v", err)
			require.Nil(t, f.ReadSimple(3, 10))

			// writing to a read-only file is a precondition error
			err = f.Write(0, []byte("x"))
			require.True(t, status.Is(err, status.PreconditionError), "got %v", err)

			require.NoError(t, f.Close())
		})
	}
}

func TestNotOpened(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			f := factory()
			_, err := f.GetSize()
			require.True(t, status.Is(err, status.PreconditionError))
			err = f.Read(0, make([]byte, 1))
			require.True(t, status.Is(err, status.PreconditionError))
			_, err = f.Append([]byte("x"))
			require.True(t, status.Is(err, status.PreconditionError))
			err = f.Close()
			require.True(t, status.Is(err, status.PreconditionError))
			_, err = f.GetPath()
			require.True(t, status.Is(err, status.PreconditionError))
		})
	}
}

func TestOpenOptions(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			// NoCreate refuses to create a missing file
			f := factory()
			err := f.Open(filepath.Join(dir, "missing"), true, OpenNoCreate)
			require.True(t, status.Is(err, status.NotFoundError), "got %v", err)

			// Truncate drops existing content
			path := filepath.Join(dir, "data")
			require.NoError(t, os.WriteFile(path, []byte("old content"), 0644))
			require.NoError(t, f.Open(path, true, OpenTruncate))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(0), size)
			require.NoError(t, f.Close())
		})
	}
}

func TestZeroSizeReadOnly(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "empty")
			require.NoError(t, os.WriteFile(path, nil, 0644))

			f := factory()
			require.NoError(t, f.Open(path, false, OpenDefault))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(0), size)

			// a zero-length read at offset zero succeeds on the empty state
			require.NoError(t, f.Read(0, nil))
			require.Nil(t, f.ReadSimple(0, 1))

			require.NoError(t, f.Close())
		})
	}
}

func TestExplicitOffsetGrowth(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			require.NoError(t, f.Write(100, []byte("tail!")))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(105), size)

			// the gap reads as zero bytes
			buf := make([]byte, 100)
			require.NoError(t, f.Read(0, buf))
			require.Equal(t, make([]byte, 100), buf)
			require.Equal(t, []byte("tail!"), f.ReadSimple(100, 5))

			require.NoError(t, f.Close())
		})
	}
}

func TestExpand(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			_, err := f.Append([]byte("0123456789"))
			require.NoError(t, err)

			oldSize, err := f.Expand(32)
			require.NoError(t, err)
			require.Equal(t, int64(10), oldSize)

			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(42), size)

			require.NoError(t, f.Close())
		})
	}
}

func TestTruncate(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			_, err := f.Append(bytes.Repeat([]byte("x"), 1000))
			require.NoError(t, err)

			require.NoError(t, f.Truncate(10))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(10), size)

			err = f.Read(0, make([]byte, 11))
			require.True(t, status.Is(err, status.InfeasibleError))

			// grow again through truncate
			require.NoError(t, f.Truncate(20))
			size, err = f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(20), size)

			require.NoError(t, f.Close())
		})
	}
}

func TestTruncateFakely(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			_, err := f.Append([]byte("0123456789"))
			require.NoError(t, err)

			// above the mapped extent the fake truncate is infeasible
			err = f.TruncateFakely(DefaultAllocInitSize * 16)
			require.True(t, status.Is(err, status.InfeasibleError), "got %v", err)

			require.NoError(t, f.TruncateFakely(4))
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(4), size)
			require.Equal(t, []byte("0123"), f.ReadSimple(0, 4))

			require.NoError(t, f.Close())
		})
	}
}

func TestSynchronize(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			_, err := f.Append([]byte("payload"))
			require.NoError(t, err)
			require.NoError(t, f.Synchronize(true, 0, 0))

			// the on-disk length matches the logical size while still open
			info, err := os.Stat(path)
			require.NoError(t, err)
			require.Equal(t, int64(7), info.Size())

			// the mapping grows again after the watermark clamp
			_, err = f.Append([]byte(" more"))
			require.NoError(t, err)
			require.Equal(t, []byte("payload more"), f.ReadSimple(0, 12))

			require.NoError(t, f.Close())
		})
	}
}

func TestRenameAndDisablePathOperations(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "data")
			newPath := filepath.Join(dir, "renamed")

			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))
			_, err := f.Append([]byte("x"))
			require.NoError(t, err)

			require.NoError(t, f.Rename(newPath))
			got, err := f.GetPath()
			require.NoError(t, err)
			require.Equal(t, newPath, got)

			require.NoError(t, f.DisablePathOperations())
			_, err = f.GetPath()
			require.True(t, status.Is(err, status.PreconditionError))
			err = f.Rename(path)
			require.True(t, status.Is(err, status.PreconditionError))

			require.NoError(t, f.Close())
			_, err = os.Stat(newPath)
			require.NoError(t, err)
		})
	}
}

func TestAllocationStrategy(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			f := factory()
			require.NoError(t, f.SetAllocationStrategy(4096, 1.5))

			err := f.SetAllocationStrategy(0, 2)
			require.True(t, status.Is(err, status.InvalidArgumentError))
			err = f.SetAllocationStrategy(4096, 1)
			require.True(t, status.Is(err, status.InvalidArgumentError))

			other := f.MakeFile()
			require.NoError(t, f.CopyProperties(other))

			path := filepath.Join(t.TempDir(), "data")
			require.NoError(t, f.Open(path, true, OpenDefault))
			// adjusting the strategy of an open file is a precondition error
			err = f.SetAllocationStrategy(4096, 2)
			require.True(t, status.Is(err, status.PreconditionError))
			require.NoError(t, f.Close())
		})
	}
}

func TestLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")

	first := NewMemoryMapParallelFile()
	require.NoError(t, first.Open(path, true, OpenDefault))

	// a second writer with NoWait fails immediately on the advisory lock
	second := NewMemoryMapParallelFile()
	err := second.Open(path, true, OpenNoWait)
	require.Error(t, err)

	// NoLock skips the advisory lock entirely
	third := NewMemoryMapParallelFile()
	require.NoError(t, third.Open(path, true, OpenNoLock|OpenNoCreate))
	require.NoError(t, third.Close())

	require.NoError(t, first.Close())
}

func TestZoneAppend(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			require.NoError(t, f.Open(path, true, OpenDefault))

			zone, err := f.MakeZone(true, -1, 4)
			require.NoError(t, err)
			copy(zone.Bytes(), "abcd")
			require.Equal(t, int64(0), zone.Offset())
			zone.Release()

			zone, err = f.MakeZone(false, 0, 4)
			require.NoError(t, err)
			require.Equal(t, []byte("abcd"), zone.Bytes())
			zone.Release()

			// a reader zone clamps to the logical size
			zone, err = f.MakeZone(false, 2, 100)
			require.NoError(t, err)
			require.Equal(t, []byte("cd"), zone.Bytes())
			zone.Release()

			require.NoError(t, f.Close())
		})
	}
}

func TestLockMemory(t *testing.T) {
	f := NewMemoryMapParallelFile()
	require.NoError(t, f.LockMemory(1<<20))
}

func TestGrowthAcrossRemaps(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "data")
			f := factory()
			// a tiny initial allocation forces several remaps
			require.NoError(t, f.SetAllocationStrategy(4096, 2))
			require.NoError(t, f.Open(path, true, OpenDefault))

			payload := bytes.Repeat([]byte("0123456789abcdef"), 64) // 1 KiB
			for i := 0; i < 64; i++ {
				off, err := f.Append(payload)
				require.NoError(t, err)
				require.Equal(t, int64(i*len(payload)), off)
			}
			size, err := f.GetSize()
			require.NoError(t, err)
			require.Equal(t, int64(64*len(payload)), size)

			for i := 0; i < 64; i++ {
				require.Equal(t, payload, f.ReadSimple(int64(i*len(payload)), int64(len(payload))), "chunk %d", i)
			}
			require.NoError(t, f.Close())
		})
	}
}

func TestMakeFile(t *testing.T) {
	for name, factory := range fileFactories {
		t.Run(name, func(t *testing.T) {
			f := factory()
			clone := f.MakeFile()
			require.NotNil(t, clone)
			// the clone is unopened
			_, err := clone.GetSize()
			require.True(t, status.Is(err, status.PreconditionError))
			require.Equal(t, fmt.Sprintf("%T", f), fmt.Sprintf("%T", clone))
		})
	}
}
