// Package rtms owns the runtime process-management interface boundary.
//
// Ownership boundary:
// - shared vocabulary types (namespaces, procs, info lists, status codes)
//
// - the asynchronous Client contract consumed by the attach subsystem
//
// - the event handler chain shared by every Client implementation
//
// - the JSON-line transport adapter used by the tool binaries
//
// Callback contract: every asynchronous operation invokes its completion
// callback exactly once, on a goroutine owned by the implementation.
// Delivery-style callbacks (IO streams, event handlers) may fire an unbounded
// number of times until explicitly stopped or deregistered.
//
// rtms does not own orchestration policy. See internal/attach.
package rtms
