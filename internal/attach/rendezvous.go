package attach

import (
	"context"
	"sync"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// rendezvous turns an asynchronous completion callback into a blocking wait
// point. resolve may be invoked more than once (registration callbacks can
// re-enter); only the first invocation carries, the rest report false.
type rendezvous struct {
	once sync.Once
	done chan rendezvousResult
}

type rendezvousResult struct {
	status rtms.Status
	ref    uint64
}

func newRendezvous() *rendezvous {
	return &rendezvous{done: make(chan rendezvousResult, 1)}
}

func (r *rendezvous) resolve(status rtms.Status, ref uint64) bool {
	first := false
	r.once.Do(func() {
		first = true
		r.done <- rendezvousResult{status: status, ref: ref}
	})
	return first
}

// wait blocks until resolve fires or ctx ends. Cancellation abandons only
// the wait; the submitted operation cannot be recalled.
func (r *rendezvous) wait(ctx context.Context) (rendezvousResult, error) {
	select {
	case res := <-r.done:
		return res, nil
	case <-ctx.Done():
		return rendezvousResult{}, ctx.Err()
	}
}
