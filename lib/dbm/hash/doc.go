// Package hash implements the in-memory, hash-bucketed database manager.
//
// Records live in bucket chains chosen by hashing the key; collisions
// chain in insertion order. All record access runs through the record
// processor protocol under the record's bucket lock, which makes every
// single-key operation linearizable per bucket. Multi-key operations lock
// their bucket set in canonical order, so cross-bucket atomicity composes
// without deadlocks. The table can be rebuilt online; rebuilds bump a
// generation counter that gracefully invalidates open iterators.
//
// The database is usable without a file. When opened with a path, the
// records are loaded from the file on open and serialized back on close
// and synchronize, through the file.File contract (memory-mapped by
// default).
//
// Thread-safety: all operations except Open and Close are thread-safe and
// can be called concurrently.
package hash
