package testing

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ValentinKolb/eDBM/lib/dbm"
	"github.com/ValentinKolb/eDBM/lib/status"
)

// DBMFactory creates a fresh instance of a DBM implementation.
type DBMFactory func() dbm.DBM

// RunDBMTests runs the conformance suite for a DBM implementation.
func RunDBMTests(t *testing.T, name string, factory DBMFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Remove", func(t *testing.T) {
			testRemove(t, factory())
		})

		t.Run("Append", func(t *testing.T) {
			testAppend(t, factory())
		})

		t.Run("Increment", func(t *testing.T) {
			testIncrement(t, factory())
		})

		t.Run("CompareExchange", func(t *testing.T) {
			testCompareExchange(t, factory())
		})

		t.Run("CountInvariant", func(t *testing.T) {
			testCountInvariant(t, factory())
		})

		t.Run("Process", func(t *testing.T) {
			testProcess(t, factory())
		})

		t.Run("ProcessMulti", func(t *testing.T) {
			testProcessMulti(t, factory())
		})

		t.Run("ProcessEach", func(t *testing.T) {
			testProcessEach(t, factory())
		})

		t.Run("MultiOperations", func(t *testing.T) {
			testMultiOperations(t, factory())
		})

		t.Run("Iterator", func(t *testing.T) {
			testIterator(t, factory())
		})

		t.Run("RebuildPreservesContents", func(t *testing.T) {
			testRebuildPreservesContents(t, factory())
		})

		t.Run("GenerationInvalidation", func(t *testing.T) {
			testGenerationInvalidation(t, factory())
		})

		t.Run("Introspection", func(t *testing.T) {
			testIntrospection(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database dbm.DBM) {
	testKey := []byte("test-key")
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if err := database.Set(testKey, testValue1); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := database.Get(testKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	// overwrite
	if err := database.Set(testKey, testValue2); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	result, err = database.Get(testKey)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	// missing key
	if _, err := database.Get([]byte("missing")); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func testRemove(t *testing.T, database dbm.DBM) {
	testKey := []byte("test-key")

	if err := database.Set(testKey, []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := database.Remove(testKey); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := database.Get(testKey); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError after Remove, got %v", err)
	}
	if err := database.Remove(testKey); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError for second Remove, got %v", err)
	}
}

func testAppend(t *testing.T, database dbm.DBM) {
	if err := database.Set([]byte("α"), []byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := database.Set([]byte("β"), []byte("2")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := database.Append([]byte("α"), []byte("X"), []byte("|")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	result, err := database.Get([]byte("α"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "1|X" {
		t.Errorf("Expected value 1|X, got %s", result)
	}

	count, err := database.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}

	// append to a missing record sets the value without the delimiter
	if err := database.Append([]byte("γ"), []byte("Y"), []byte("|")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	result, err = database.Get([]byte("γ"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "Y" {
		t.Errorf("Expected value Y, got %s", result)
	}
}

func testIncrement(t *testing.T, database dbm.DBM) {
	current, err := database.Increment([]byte("k"), 3, 0)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if current != 3 {
		t.Errorf("Expected 3, got %d", current)
	}

	current, err = database.Increment([]byte("k"), 3, 0)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if current != 6 {
		t.Errorf("Expected 6, got %d", current)
	}

	value, err := database.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	expected := []byte{0, 0, 0, 0, 0, 0, 0, 6}
	if !bytes.Equal(value, expected) {
		t.Errorf("Expected big-endian %v, got %v", expected, value)
	}

	// a value of any other width is rejected
	if err := database.Set([]byte("text"), []byte("abc")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := database.Increment([]byte("text"), 1, 0); !status.Is(err, status.InvalidArgumentError) {
		t.Errorf("Expected InvalidArgumentError, got %v", err)
	}
}

func testCompareExchange(t *testing.T, database dbm.DBM) {
	key := []byte("k")

	if err := database.CompareExchange(key, nil, []byte("v")); err != nil {
		t.Fatalf("CompareExchange expected to insert: %v", err)
	}
	if err := database.CompareExchange(key, nil, []byte("w")); !status.Is(err, status.InfeasibleError) {
		t.Errorf("Expected InfeasibleError, got %v", err)
	}
	value, err := database.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("Expected value v, got %s", value)
	}
	if err := database.CompareExchange(key, []byte("v"), nil); err != nil {
		t.Fatalf("CompareExchange expected to remove: %v", err)
	}
	if _, err := database.Get(key); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func testCountInvariant(t *testing.T, database dbm.DBM) {
	assertCount := func(expected int64) {
		t.Helper()
		count, err := database.Count()
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if count != expected {
			t.Errorf("Expected count %d, got %d", expected, count)
		}
	}

	assertCount(0)
	for i := 0; i < 100; i++ {
		if err := database.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	assertCount(100)

	// overwrites must not change the count
	for i := 0; i < 50; i++ {
		if err := database.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("w")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	assertCount(100)

	for i := 0; i < 30; i++ {
		if err := database.Remove([]byte(fmt.Sprintf("key-%d", i))); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
	}
	assertCount(70)

	if err := database.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	assertCount(0)
}

func testProcess(t *testing.T, database dbm.DBM) {
	key := []byte("key")

	// a mutating action under writable=false must fail
	err := database.Process(key, dbm.ProcessorFunc{
		Empty: func(k []byte) ([]byte, dbm.Action) {
			return []byte("v"), dbm.ActionSet
		},
	}, false)
	if !status.Is(err, status.PreconditionError) {
		t.Errorf("Expected PreconditionError, got %v", err)
	}
	if _, err := database.Get(key); !status.Is(err, status.NotFoundError) {
		t.Errorf("Mutation must not have been applied, got %v", err)
	}

	// insert through ProcessEmpty
	err = database.Process(key, dbm.ProcessorFunc{
		Empty: func(k []byte) ([]byte, dbm.Action) {
			return []byte("v"), dbm.ActionSet
		},
	}, true)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// observe and replace through ProcessFull
	err = database.Process(key, dbm.ProcessorFunc{
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			if string(v) != "v" {
				t.Errorf("Expected value v, got %s", v)
			}
			return []byte("w"), dbm.ActionSet
		},
	}, true)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	value, err := database.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "w" {
		t.Errorf("Expected value w, got %s", value)
	}

	// remove through ProcessFull
	err = database.Process(key, dbm.ProcessorFunc{
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			return nil, dbm.ActionRemove
		},
	}, true)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := database.Get(key); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func testProcessMulti(t *testing.T, database dbm.DBM) {
	// move a value from one record to another in one atomic scope
	if err := database.Set([]byte("from"), []byte("payload")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var carried []byte
	pairs := []dbm.KeyProcPair{
		{Key: []byte("from"), Proc: dbm.ProcessorFunc{
			Full: func(k, v []byte) ([]byte, dbm.Action) {
				carried = append([]byte(nil), v...)
				return nil, dbm.ActionRemove
			},
		}},
		{Key: []byte("to"), Proc: dbm.ProcessorFunc{
			Empty: func(k []byte) ([]byte, dbm.Action) {
				return carried, dbm.ActionSet
			},
		}},
	}
	if err := database.ProcessMulti(pairs, true); err != nil {
		t.Fatalf("ProcessMulti failed: %v", err)
	}

	if _, err := database.Get([]byte("from")); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
	value, err := database.Get([]byte("to"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "payload" {
		t.Errorf("Expected value payload, got %s", value)
	}

	// identical keys hit the same bucket without deadlocking
	samePairs := []dbm.KeyProcPair{
		{Key: []byte("dup"), Proc: &dbm.SetProc{Value: []byte("1")}},
		{Key: []byte("dup"), Proc: &dbm.SetProc{Value: []byte("2")}},
	}
	if err := database.ProcessMulti(samePairs, true); err != nil {
		t.Fatalf("ProcessMulti failed: %v", err)
	}
	value, err = database.Get([]byte("dup"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "2" {
		t.Errorf("Expected value 2, got %s", value)
	}
}

func testProcessEach(t *testing.T, database dbm.DBM) {
	records := map[string]string{"a": "1", "b": "2", "c": "3"}
	for key, value := range records {
		if err := database.Set([]byte(key), []byte(value)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var emptyCalls, fullCalls int
	seen := map[string]string{}
	err := database.ProcessEach(dbm.ProcessorFunc{
		Empty: func(k []byte) ([]byte, dbm.Action) {
			emptyCalls++
			return nil, dbm.ActionNone
		},
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			fullCalls++
			seen[string(k)] = string(v)
			return nil, dbm.ActionNone
		},
	}, false)
	if err != nil {
		t.Fatalf("ProcessEach failed: %v", err)
	}
	if emptyCalls != 2 {
		t.Errorf("Expected 2 ProcessEmpty calls, got %d", emptyCalls)
	}
	if fullCalls != len(records) {
		t.Errorf("Expected %d ProcessFull calls, got %d", len(records), fullCalls)
	}
	for key, value := range records {
		if seen[key] != value {
			t.Errorf("Expected to see %s=%s, got %s", key, value, seen[key])
		}
	}

	// in-line removal of every record with an odd value
	err = database.ProcessEach(dbm.ProcessorFunc{
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			if (v[0]-'0')%2 == 1 {
				return nil, dbm.ActionRemove
			}
			return nil, dbm.ActionNone
		},
	}, true)
	if err != nil {
		t.Fatalf("ProcessEach failed: %v", err)
	}
	count, err := database.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected count 1, got %d", count)
	}
	if _, err := database.Get([]byte("b")); err != nil {
		t.Errorf("Expected record b to survive, got %v", err)
	}
}

func testMultiOperations(t *testing.T, database dbm.DBM) {
	if err := database.SetMulti(map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
		"c": []byte("3"),
	}); err != nil {
		t.Fatalf("SetMulti failed: %v", err)
	}

	records, err := database.GetMulti([]byte("a"), []byte("b"), []byte("c"))
	if err != nil {
		t.Fatalf("GetMulti failed: %v", err)
	}
	if len(records) != 3 || string(records["b"]) != "2" {
		t.Errorf("Unexpected GetMulti result: %v", records)
	}

	// any missing key surfaces NotFoundError next to the found records
	records, err = database.GetMulti([]byte("a"), []byte("missing"))
	if !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
	if string(records["a"]) != "1" {
		t.Errorf("Expected found records to be returned, got %v", records)
	}

	if err := database.AppendMulti(map[string][]byte{
		"a": []byte("X"),
		"d": []byte("Y"),
	}, []byte("|")); err != nil {
		t.Fatalf("AppendMulti failed: %v", err)
	}
	value, err := database.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "1|X" {
		t.Errorf("Expected value 1|X, got %s", value)
	}

	if err := database.RemoveMulti([]byte("a"), []byte("b")); err != nil {
		t.Fatalf("RemoveMulti failed: %v", err)
	}
	count, err := database.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected count 2, got %d", count)
	}

	// all-or-nothing exchange over multiple records
	err = database.CompareExchangeMulti(
		[]dbm.KeyValuePair{
			{Key: []byte("c"), Value: []byte("3")},
			{Key: []byte("missing"), Value: nil},
		},
		[]dbm.KeyValuePair{
			{Key: []byte("c"), Value: nil},
			{Key: []byte("e"), Value: []byte("5")},
		},
	)
	if err != nil {
		t.Fatalf("CompareExchangeMulti failed: %v", err)
	}
	if _, err := database.Get([]byte("c")); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
	if value, err := database.Get([]byte("e")); err != nil || string(value) != "5" {
		t.Errorf("Expected e=5, got %s (%v)", value, err)
	}

	// a failed expectation must leave everything untouched
	err = database.CompareExchangeMulti(
		[]dbm.KeyValuePair{{Key: []byte("e"), Value: []byte("wrong")}},
		[]dbm.KeyValuePair{{Key: []byte("e"), Value: nil}},
	)
	if !status.Is(err, status.InfeasibleError) {
		t.Errorf("Expected InfeasibleError, got %v", err)
	}
	if value, err := database.Get([]byte("e")); err != nil || string(value) != "5" {
		t.Errorf("Expected e=5 to survive, got %s (%v)", value, err)
	}
}

func testIterator(t *testing.T, database dbm.DBM) {
	iter := database.MakeIterator()

	// First succeeds even on an empty database; Get then finds no record
	if err := iter.First(); err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if _, _, err := iter.Get(); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	records := map[string]string{"a": "1", "b": "2", "c": "3"}
	for key, value := range records {
		if err := database.Set([]byte(key), []byte(value)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	// a full walk visits every record exactly once
	seen := map[string]string{}
	iter = database.MakeIterator()
	if err := iter.First(); err != nil {
		t.Fatalf("First failed: %v", err)
	}
	for {
		key, value, err := iter.Get()
		if status.Is(err, status.NotFoundError) {
			break
		}
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		seen[string(key)] = string(value)
		if err := iter.Next(); err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	if len(seen) != len(records) {
		t.Errorf("Expected %d records, got %d", len(records), len(seen))
	}
	for key, value := range records {
		if seen[key] != value {
			t.Errorf("Expected to visit %s=%s, got %s", key, value, seen[key])
		}
	}

	// Jump positions at an exact record
	if err := iter.Jump([]byte("b")); err != nil {
		t.Fatalf("Jump failed: %v", err)
	}
	key, value, err := iter.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(key) != "b" || string(value) != "2" {
		t.Errorf("Expected b=2, got %s=%s", key, value)
	}
	if err := iter.Jump([]byte("missing")); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	// removal under the cursor advances to the next record
	if err := iter.Jump([]byte("b")); err != nil {
		t.Fatalf("Jump failed: %v", err)
	}
	if err := iter.Process(dbm.ProcessorFunc{
		Full: func(k, v []byte) ([]byte, dbm.Action) {
			return nil, dbm.ActionRemove
		},
	}, true); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := database.Get([]byte("b")); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}

	// ordered movements are not supported
	if err := iter.Last(); !status.Is(err, status.NotImplementedError) {
		t.Errorf("Expected NotImplementedError, got %v", err)
	}
	if err := iter.Previous(); !status.Is(err, status.NotImplementedError) {
		t.Errorf("Expected NotImplementedError, got %v", err)
	}
	if err := iter.JumpLower([]byte("a"), true); !status.Is(err, status.NotImplementedError) {
		t.Errorf("Expected NotImplementedError, got %v", err)
	}
	if err := iter.JumpUpper([]byte("a"), true); !status.Is(err, status.NotImplementedError) {
		t.Errorf("Expected NotImplementedError, got %v", err)
	}

	// a released iterator points to no record
	if err := iter.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
	if _, _, err := iter.Get(); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError after Release, got %v", err)
	}
}

func testRebuildPreservesContents(t *testing.T, database dbm.DBM) {
	records := map[string][]byte{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		records[key] = []byte(fmt.Sprintf("value-%d", i))
		if err := database.Set([]byte(key), records[key]); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	if err := database.RebuildAdvanced(31); err != nil {
		t.Fatalf("RebuildAdvanced failed: %v", err)
	}

	count, err := database.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != int64(len(records)) {
		t.Errorf("Expected count %d, got %d", len(records), count)
	}
	for key, value := range records {
		got, err := database.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get %s failed after rebuild: %v", key, err)
		}
		if !bytes.Equal(got, value) {
			t.Errorf("Expected %s=%s, got %s", key, value, got)
		}
	}
}

func testGenerationInvalidation(t *testing.T, database dbm.DBM) {
	if err := database.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	iter := database.MakeIterator()
	if err := iter.First(); err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if err := database.Rebuild(); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if _, _, err := iter.Get(); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError after Rebuild, got %v", err)
	}
	if err := iter.Next(); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError after Rebuild, got %v", err)
	}

	iter = database.MakeIterator()
	if err := iter.First(); err != nil {
		t.Fatalf("First failed: %v", err)
	}
	if err := database.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, _, err := iter.Get(); !status.Is(err, status.NotFoundError) {
		t.Errorf("Expected NotFoundError after Clear, got %v", err)
	}
}

func testIntrospection(t *testing.T, database dbm.DBM) {
	if database.IsOrdered() {
		t.Error("Expected an unordered database")
	}
	if !database.IsHealthy() {
		t.Error("Expected a healthy database")
	}
	if database.IsOpen() {
		t.Error("Expected no bound file")
	}

	props := map[string]string{}
	for _, prop := range database.Inspect() {
		props[prop.Name] = prop.Value
	}
	for _, name := range []string{"class", "num_buckets", "num_records", "path", "open", "writable", "healthy"} {
		if _, ok := props[name]; !ok {
			t.Errorf("Expected Inspect to report %s", name)
		}
	}
	if props["healthy"] != "true" {
		t.Errorf("Expected healthy=true, got %s", props["healthy"])
	}
}
