// Package attach owns debugger-attachment orchestration.
//
// Ownership boundary:
// - launcher-to-application namespace resolution
//
// - per-node debugger daemon spawning
//
// - forwarded output capture and buffering
//
// - daemon termination watching and release-token correlation
//
// Lifecycle order:
// - resolve -> spawn -> pull io -> watch -> wait -> stop io -> print
//
// Every asynchronous runtime call is paired with a rendezvous so the
// orchestration goroutine never returns control before the matching
// completion callback fires. There is no cancellation of submitted
// operations; aborting a wait abandons the attach attempt, it does not undo
// the submission.
//
// attach does not own the runtime interface contract. See internal/rtms.
package attach
