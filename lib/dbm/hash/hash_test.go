package hash

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/eDBM/lib/dbm"
	dbmtesting "github.com/ValentinKolb/eDBM/lib/dbm/testing"
	"github.com/ValentinKolb/eDBM/lib/file"
	"github.com/ValentinKolb/eDBM/lib/status"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func Test(t *testing.T) {
	dbmtesting.RunDBMTests(t, "HashDBM", func() dbm.DBM {
		return New(97)
	})
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	database := New(97)
	require.NoError(t, database.Open(path, true, file.OpenDefault))
	require.True(t, database.IsOpen())
	require.True(t, database.IsWritable())
	require.NoError(t, database.Set([]byte("x"), []byte("v")))
	require.NoError(t, database.Close())
	require.False(t, database.IsOpen())

	// reopen read-only with a different bucket count
	reopened := New(131)
	require.NoError(t, reopened.Open(path, false, file.OpenDefault))
	require.True(t, reopened.IsOpen())
	require.False(t, reopened.IsWritable())

	value, err := reopened.Get([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	// the iterator yields exactly the one record
	iter := reopened.MakeIterator()
	require.NoError(t, iter.First())
	key, value, err := iter.Get()
	require.NoError(t, err)
	require.Equal(t, []byte("x"), key)
	require.Equal(t, []byte("v"), value)
	require.NoError(t, iter.Next())
	_, _, err = iter.Get()
	require.True(t, status.Is(err, status.NotFoundError))

	// mutations on a read-only database are rejected
	err = reopened.Set([]byte("y"), []byte("w"))
	require.True(t, status.Is(err, status.PreconditionError))

	require.NoError(t, reopened.Close())
}

func TestFileRoundTripMany(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	records := map[string][]byte{
		"":       []byte("empty key"),
		"empty":  {},
		"binary": {0, 1, 2, 0xff, 0xfe},
	}
	for i := 0; i < 500; i++ {
		records[fmt.Sprintf("key-%d", i)] = []byte(fmt.Sprintf("value-%d", i))
	}

	database := New(97)
	require.NoError(t, database.Open(path, true, file.OpenDefault))
	for key, value := range records {
		require.NoError(t, database.Set([]byte(key), value))
	}
	require.NoError(t, database.Close())

	reopened := New(-1)
	require.NoError(t, reopened.Open(path, false, file.OpenDefault))
	count, err := reopened.Count()
	require.NoError(t, err)
	require.Equal(t, int64(len(records)), count)
	for key, value := range records {
		got, err := reopened.Get([]byte(key))
		require.NoError(t, err, "key %q", key)
		require.Equal(t, value, got, "key %q", key)
	}
	require.NoError(t, reopened.Close())
}

func TestSynchronize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	database := New(97)
	require.NoError(t, database.Open(path, true, file.OpenDefault))
	require.NoError(t, database.Set([]byte("a"), []byte("1")))
	require.NoError(t, database.Set([]byte("b"), []byte("2")))

	// the file processor observes the synchronized file
	var observed string
	require.NoError(t, database.Synchronize(false, func(p string) {
		observed = p
	}))
	require.Equal(t, path, observed)

	// synchronize is idempotent: identical on-disk state after each call
	first, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, database.Synchronize(false, nil))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)

	size, err := database.GetFileSize()
	require.NoError(t, err)
	require.Equal(t, int64(len(first)), size)

	require.NoError(t, database.Close())
}

func TestSynchronizeWithoutFile(t *testing.T) {
	database := New(97)
	require.NoError(t, database.Set([]byte("a"), []byte("1")))
	// without a bound file, synchronize has nothing to do
	require.NoError(t, database.Synchronize(true, nil))
}

func TestOpenMissingReadOnly(t *testing.T) {
	database := New(97)
	err := database.Open(filepath.Join(t.TempDir(), "missing"), false, file.OpenDefault)
	require.True(t, status.Is(err, status.NotFoundError), "got %v", err)
	require.False(t, database.IsOpen())
}

func TestOpenBrokenData(t *testing.T) {
	dir := t.TempDir()

	cases := map[string][]byte{
		"short-header": []byte("Tkrz"),
		"bad-magic":    append([]byte("WRONGMAG"), make([]byte, 8)...),
		"bad-version":  append([]byte("TkrzTINY"), 99, 0, 0, 0, 0, 0, 0, 9),
		"truncated-record": append(
			append([]byte("TkrzTINY"), 1, 0, 0, 0, 0, 0, 0, 97),
			// claims a 100 byte key but provides nothing
			100, 0),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, data, 0644))
			database := New(97)
			err := database.Open(path, false, file.OpenDefault)
			require.True(t, status.Is(err, status.BrokenDataError), "got %v", err)
			require.False(t, database.IsOpen())
		})
	}
}

func TestGetFileStateWithoutFile(t *testing.T) {
	database := New(97)
	_, err := database.GetFileSize()
	require.True(t, status.Is(err, status.PreconditionError))
	_, err = database.GetFilePath()
	require.True(t, status.Is(err, status.PreconditionError))
	err = database.Close()
	require.True(t, status.Is(err, status.PreconditionError))
}

func TestShouldBeRebuilt(t *testing.T) {
	database := New(16)

	// an empty table with more than 8 buckets is oversized
	tobe, err := database.ShouldBeRebuilt()
	require.NoError(t, err)
	require.True(t, tobe)

	for i := 0; i < 16; i++ {
		require.NoError(t, database.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}
	tobe, err = database.ShouldBeRebuilt()
	require.NoError(t, err)
	require.False(t, tobe)

	for i := 16; i < 40; i++ {
		require.NoError(t, database.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}
	tobe, err = database.ShouldBeRebuilt()
	require.NoError(t, err)
	require.True(t, tobe)
}

func TestRebuildAdvancedImplicitSizing(t *testing.T) {
	database := New(7)
	for i := 0; i < 100; i++ {
		require.NoError(t, database.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))
	}
	require.NoError(t, database.RebuildAdvanced(-1))

	props := map[string]string{}
	for _, prop := range database.Inspect() {
		props[prop.Name] = prop.Value
	}
	// the implicit size is at least the default bucket count
	require.Equal(t, fmt.Sprintf("%d", DefaultNumBuckets), props["num_buckets"])
	count, err := database.Count()
	require.NoError(t, err)
	require.Equal(t, int64(100), count)
}

func TestConcurrentOperations(t *testing.T) {
	database := New(97)
	const (
		workers = 8
		perW    = 200
	)

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < perW; i++ {
				key := []byte(fmt.Sprintf("w%d-key-%d", w, i))
				if err := database.Set(key, []byte("v")); err != nil {
					return err
				}
				if _, err := database.Get(key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	count, err := database.Count()
	require.NoError(t, err)
	require.Equal(t, int64(workers*perW), count)
}

func TestConcurrentIncrement(t *testing.T) {
	database := New(97)
	const (
		workers = 8
		perW    = 100
	)

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < perW; i++ {
				if _, err := database.Increment([]byte("counter"), 1, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	current, err := database.Increment([]byte("counter"), 0, 0)
	require.NoError(t, err)
	require.Equal(t, int64(workers*perW), current)
}

func TestConcurrentProcessMulti(t *testing.T) {
	database := New(13)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}

	// overlapping key sets in opposite submission order must not deadlock
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				pairs := make([]dbm.KeyProcPair, len(keys))
				for j := range keys {
					k := keys[j]
					if w%2 == 1 {
						k = keys[len(keys)-1-j]
					}
					pairs[j] = dbm.KeyProcPair{Key: k, Proc: &dbm.SetProc{Value: []byte{byte(w)}}}
				}
				if err := database.ProcessMulti(pairs, true); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	count, err := database.Count()
	require.NoError(t, err)
	require.Equal(t, int64(len(keys)), count)
}
