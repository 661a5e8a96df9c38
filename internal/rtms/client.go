package rtms

// QueryCallback completes a Query with the result list.
type QueryCallback func(status Status, results []Info)

// SpawnCallback completes a Spawn with the launched collective's namespace.
type SpawnCallback func(status Status, ns Namespace)

// RegCallback completes a registration-style operation with a handler
// reference used for later deregistration. Implementations may invoke a
// registration callback more than once; consumers must tolerate that.
type RegCallback func(status Status, ref uint64)

// OpCallback completes an operation that carries no payload.
type OpCallback func(status Status)

// IOCallback delivers one forwarded output chunk. Deliveries for a single
// registration are serialized by the implementation.
type IOCallback func(source Proc, channel IOChannel, payload []byte)

// EventCallback handles one event notification. The handler must invoke done
// exactly once: StatusEventActionComplete stops the dispatch chain, any other
// status lets the next installed handler run.
type EventCallback func(ev EventNotification, done func(Status))

// Client is the asynchronous runtime process-management interface.
//
// A nil submission error only means the request was handed to the runtime;
// the outcome always arrives through the completion callback, invoked exactly
// once on a runtime-owned goroutine. There is no cancellation: once submitted,
// an operation can only be waited out.
type Client interface {
	// Query resolves a key set against the runtime's knowledge.
	Query(q Query, cb QueryCallback) error

	// Spawn submits one or more applications plus placement directives.
	Spawn(apps []App, directives []Info, cb SpawnCallback) error

	// PullIO registers interest in forwarded output of source. stream may be
	// invoked zero or more times after reg completes, until StopIO.
	PullIO(source Proc, channels IOChannel, directives []Info, stream IOCallback, reg RegCallback) error

	// StopIO ends a PullIO registration by its handler reference.
	StopIO(ref uint64, cb OpCallback) error

	// RegisterEventHandler installs handler for the given event codes. An
	// empty code list installs a default (catch-all) handler, consulted after
	// every code-specific one.
	RegisterEventHandler(codes []Status, directives []Info, handler EventCallback, reg RegCallback) error

	// DeregisterEventHandler removes an installed event handler.
	DeregisterEventHandler(ref uint64, cb OpCallback) error

	// Finalize tears down the client connection. Outstanding delivery
	// callbacks stop; completion callbacks already earned may be dropped.
	Finalize() error
}
