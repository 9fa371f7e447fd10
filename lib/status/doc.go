// Package status provides the result type shared by all eDBM components.
//
// Every fallible operation in this module returns an error whose concrete
// type is *Status: a code describing the kind of outcome plus an optional
// human-readable message. Statuses are always returned, never panicked, and
// cleanup paths that can fail multiple times accumulate their failures into
// a single status with Join.
//
// The package contains:
//   - Code: the enumeration of result kinds (NotFoundError, InfeasibleError, ...)
//   - Status: the error-compatible carrier of a code and a message
//   - FromSysError: wrapping of OS errnos with the name of the failing syscall
package status
