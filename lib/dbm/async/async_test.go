package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/eDBM/lib/dbm"
	"github.com/ValentinKolb/eDBM/lib/dbm/hash"
	"github.com/ValentinKolb/eDBM/lib/status"
	"github.com/stretchr/testify/require"
)

// postprocLog collects post-processor observations.
type postprocLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *postprocLog) record(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s:%s", name, status.Get(err)))
}

func (l *postprocLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func TestSetThenGet(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 2)
	defer adapter.Close(time.Second)

	log := &postprocLog{}
	adapter.SetCommonPostprocessor(log.record)

	// waiting on the first handle orders the dependent operation
	_, err := adapter.Set([]byte("k"), []byte("v")).Get()
	require.NoError(t, err)

	value, err := adapter.Get([]byte("k")).Get()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)

	require.Equal(t, []string{"Set:SUCCESS", "Get:SUCCESS"}, log.snapshot())
}

func TestStatusPassthrough(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 2)
	defer adapter.Close(time.Second)

	log := &postprocLog{}
	adapter.SetCommonPostprocessor(log.record)

	_, err := adapter.Get([]byte("missing")).Get()
	require.True(t, status.Is(err, status.NotFoundError))
	require.Equal(t, []string{"Get:NOT_FOUND_ERROR"}, log.snapshot())
}

func TestOperationSurface(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 4)
	defer adapter.Close(time.Second)

	_, err := adapter.SetMulti(map[string][]byte{"a": []byte("1"), "b": []byte("2")}).Get()
	require.NoError(t, err)

	records, err := adapter.GetMulti([]byte("a"), []byte("b")).Get()
	require.NoError(t, err)
	require.Equal(t, []byte("1"), records["a"])

	_, err = adapter.Append([]byte("a"), []byte("X"), []byte("|")).Get()
	require.NoError(t, err)

	_, err = adapter.AppendMulti(map[string][]byte{"c": []byte("Y")}, []byte("|")).Get()
	require.NoError(t, err)

	current, err := adapter.Increment([]byte("n"), 3, 0).Get()
	require.NoError(t, err)
	require.Equal(t, int64(3), current)

	_, err = adapter.CompareExchange([]byte("cas"), nil, []byte("v")).Get()
	require.NoError(t, err)

	_, err = adapter.CompareExchangeMulti(
		[]dbm.KeyValuePair{{Key: []byte("cas"), Value: []byte("v")}},
		[]dbm.KeyValuePair{{Key: []byte("cas"), Value: nil}},
	).Get()
	require.NoError(t, err)

	_, err = adapter.Remove([]byte("a")).Get()
	require.NoError(t, err)

	_, err = adapter.RemoveMulti([]byte("b"), []byte("c")).Get()
	require.NoError(t, err)

	_, err = adapter.Rebuild().Get()
	require.NoError(t, err)

	_, err = adapter.Synchronize(false, nil).Get()
	require.NoError(t, err)

	_, err = adapter.Clear().Get()
	require.NoError(t, err)

	count, err := database.Count()
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestSingleWorkerFIFO(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 1)
	defer adapter.Close(time.Second)

	// with one worker the submission order is the execution order
	for i := 0; i < 100; i++ {
		adapter.Set([]byte("k"), []byte(fmt.Sprintf("%d", i)))
	}
	value, err := adapter.Get([]byte("k")).Get()
	require.NoError(t, err)
	require.Equal(t, []byte("99"), value)
}

func TestArgumentsAreCopied(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 1)
	defer adapter.Close(time.Second)

	key := []byte("k")
	value := []byte("original")
	future := adapter.Set(key, value)
	// the caller may reuse its buffers immediately
	copy(value, "clobber!")
	_, err := future.Get()
	require.NoError(t, err)

	got, err := adapter.Get(key).Get()
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got)
}

// slowDBM delays reads so the queue backs up during shutdown tests.
type slowDBM struct {
	*hash.HashDBM
	delay time.Duration
}

func (s *slowDBM) Get(key []byte) ([]byte, error) {
	time.Sleep(s.delay)
	return s.HashDBM.Get(key)
}

func TestCloseDrains(t *testing.T) {
	database := hash.New(97)
	adapter := New(database, 2)

	futures := make([]*Future[struct{}], 0, 50)
	for i := 0; i < 50; i++ {
		futures = append(futures, adapter.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	adapter.Close(5 * time.Second)

	for _, future := range futures {
		_, err := future.Get()
		require.NoError(t, err)
	}
	count, err := database.Count()
	require.NoError(t, err)
	require.Equal(t, int64(50), count)
}

func TestCloseDeadlineCancels(t *testing.T) {
	database := &slowDBM{HashDBM: hash.New(97), delay: 100 * time.Millisecond}
	adapter := New(database, 1)

	futures := make([]*Future[[]byte], 0, 20)
	for i := 0; i < 20; i++ {
		futures = append(futures, adapter.Get([]byte("k")))
	}
	adapter.Close(50 * time.Millisecond)

	var cancelled int
	for _, future := range futures {
		if _, err := future.Get(); status.Is(err, status.CancelledError) {
			cancelled++
		}
	}
	require.Greater(t, cancelled, 0, "expected dropped tasks past the drain deadline")

	// submissions after close complete immediately with CancelledError
	_, err := adapter.Get([]byte("k")).Get()
	require.True(t, status.Is(err, status.CancelledError))
}

func TestFutureWait(t *testing.T) {
	database := &slowDBM{HashDBM: hash.New(97), delay: 200 * time.Millisecond}
	adapter := New(database, 1)
	defer adapter.Close(time.Second)

	future := adapter.Get([]byte("k"))
	require.False(t, future.Wait(10*time.Millisecond))
	require.True(t, future.Wait(2*time.Second))

	select {
	case <-future.Done():
	default:
		t.Error("Done channel must be closed after completion")
	}
}
