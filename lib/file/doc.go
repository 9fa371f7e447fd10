// Package file provides the growable file abstraction the database managers
// store their data in, together with two memory-mapped implementations.
//
// The File interface exposes positional reads and writes, tail appends and
// reservation, truncation, durability control and an allocation strategy.
// Zero-copy access happens through zones: scoped windows into the mapped
// region that hold the lock protecting the mapping for exactly their own
// lifetime and must be released on every path.
//
// Two implementations share the contract and differ only in their locking
// discipline:
//
//   - MemoryMapParallelFile: atomic size counters plus one shared mutex that
//     is only taken exclusively for structural remaps. Appends reserve their
//     slot with a CAS loop, so many reader and writer zones can address
//     disjoint regions of the file concurrently.
//
//   - MemoryMapAtomicFile: one mutex guards everything; writer zones hold it
//     exclusively, reader zones share it. Lower throughput, no atomicity
//     races between resize and zone pointer access.
package file
