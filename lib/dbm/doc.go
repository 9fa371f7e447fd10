// Package dbm defines the contract every database manager in this module
// satisfies, together with the record-processor protocol that mediates all
// record access.
//
// The package focuses on:
//   - A unified DBM interface for record operations, persistence and
//     introspection
//   - The RecordProcessor capability: a pair of callbacks invoked under the
//     record's bucket lock, returning the action to apply atomically
//   - Standard processors that express Get, Set, Remove, Append, Increment
//     and CompareExchange as thin derivations of Process
//   - The Iterator contract; unordered implementations answer the ordered
//     movements with NotImplementedError
//
// Implementations live in subpackages (hash) and adapters next to them
// (async). The interface-driven approach allows applications to swap the
// storage engine without code changes, exactly like the file back-ends can
// be swapped underneath an engine.
package dbm
