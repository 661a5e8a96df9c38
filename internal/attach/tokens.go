package attach

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// Watch states for one release token.
const (
	watchRegistering int32 = iota
	watchWatching
	watchSignaled
)

// ReleaseToken correlates one termination watch with the orchestration
// goroutine blocked on it. It is signaled at most once and never leaves the
// signaled state.
type ReleaseToken struct {
	Namespace rtms.Namespace

	once  sync.Once
	done  chan struct{}
	state atomic.Int32

	mu            sync.Mutex
	exitCode      int64
	exitCodeGiven bool
}

func newReleaseToken(ns rtms.Namespace) *ReleaseToken {
	return &ReleaseToken{Namespace: ns, done: make(chan struct{})}
}

func (t *ReleaseToken) markWatching() {
	t.state.CompareAndSwap(watchRegistering, watchWatching)
}

func (t *ReleaseToken) signal(exitCode int64, given bool) {
	t.once.Do(func() {
		t.mu.Lock()
		t.exitCode = exitCode
		t.exitCodeGiven = given
		t.mu.Unlock()
		if prev := t.state.Swap(watchSignaled); prev == watchRegistering {
			log.Debug().Str("nspace", string(t.Namespace)).
				Msg("termination arrived before watch registration settled")
		}
		close(t.done)
	})
}

// Wait blocks until the termination callback signals the token.
func (t *ReleaseToken) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ReleaseToken) Signaled() bool {
	return t.state.Load() == watchSignaled
}

// ExitCode reports the daemon job's exit code when the resource manager
// provided one.
func (t *ReleaseToken) ExitCode() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode, t.exitCodeGiven
}

// tokenRegistry maps correlation ids, smuggled through event registration
// info lists, back to live release tokens. A token stays registered until
// the waiter has observed its signal.
type tokenRegistry struct {
	mu   sync.Mutex
	seq  uint64
	toks map[uint64]*ReleaseToken
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{toks: make(map[uint64]*ReleaseToken)}
}

func (r *tokenRegistry) add(t *ReleaseToken) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.toks[r.seq] = t
	return r.seq
}

func (r *tokenRegistry) lookup(id uint64) (*ReleaseToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.toks[id]
	return t, ok
}

func (r *tokenRegistry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.toks, id)
}
