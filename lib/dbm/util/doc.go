// Package util provides utility components for database manager
// implementations.
//
// The package contains:
//   - primes: prime sizing for hash table rebuilds
//   - statistics: distribution metrics over bucket chain lengths, used by
//     the Inspect reports to judge how evenly records spread over buckets
package util
