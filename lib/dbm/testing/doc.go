// Package testing provides a shared conformance suite for implementations
// of the dbm.DBM interface.
//
// The suite is factory-driven: every subtest receives a fresh database
// from the provided factory, so the same behavior checks run against any
// engine and any bucket configuration. Engine-specific behavior (file
// binding, rebuild policies) is tested next to the engines themselves.
package testing
