// Package async provides an adapter that offloads database operations to
// a worker pool and hands back futures for the eventual results.
//
// Every operation packages its arguments by value into a closure task,
// submits it to a bounded queue and returns immediately. Worker
// goroutines dequeue in FIFO order, run the operation against the
// underlying database and fulfill the future; a configurable common
// post-processor observes every completed operation with its name and
// status.
//
// There is no cross-operation ordering guarantee for a single caller:
// two submissions may run on different workers. A caller that needs one
// operation to happen before a dependent one waits on the first future
// before submitting the second.
//
// Tasks are not cancelable once submitted. Close drains the queue up to
// a caller-provided deadline; tasks still queued past it are completed
// with CancelledError.
package async
