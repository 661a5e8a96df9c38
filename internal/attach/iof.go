package attach

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// sentinel terminates the accumulator after every append. It is a safe-print
// terminator, never part of the forwarded data.
const sentinel byte = 0x00

// Accumulator buffers forwarded daemon output. It grows monotonically and is
// re-terminated with one sentinel byte after every append, so its size is
// always the sum of appended payloads plus one.
//
// Deliveries are serialized upstream (one transport reader per registration);
// the lock here exists for concurrent observers, not to order writers.
type Accumulator struct {
	mu  sync.Mutex
	buf []byte
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Append(payload []byte) {
	if len(payload) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) > 0 {
		a.buf = a.buf[:len(a.buf)-1]
	}
	a.buf = append(a.buf, payload...)
	a.buf = append(a.buf, sentinel)
}

// Size reports the buffered byte count including the trailing sentinel,
// zero when nothing has arrived.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// String returns the forwarded data without the sentinel.
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) == 0 {
		return ""
	}
	return string(a.buf[:len(a.buf)-1])
}

// Forwarder owns the pull registration for one daemon's stdout/stderr and
// the accumulator those streams land in.
type Forwarder struct {
	client rtms.Client
	acc    *Accumulator

	registered atomic.Bool
	handlerID  atomic.Uint64
	reg        *rendezvous
}

func newForwarder(client rtms.Client) *Forwarder {
	return &Forwarder{
		client: client,
		acc:    NewAccumulator(),
		// The registration rendezvous outlives Register: the runtime may
		// re-enter the registration callback later and it must find a live
		// referent, not a destroyed one.
		reg: newRendezvous(),
	}
}

// Register pulls the daemon's stdout and stderr and blocks until the
// registration callback reports a handler id.
func (f *Forwarder) Register(ctx context.Context, daemon rtms.Proc) error {
	directives := []rtms.Info{rtms.FlagInfo(rtms.KeyIOFRedirect)}
	err := f.client.PullIO(daemon, rtms.ChannelStdout|rtms.ChannelStderr,
		directives, f.deliver, f.registrationDone)
	if err != nil {
		return err
	}
	res, err := f.reg.wait(ctx)
	if err != nil {
		return err
	}
	if res.status != rtms.StatusOK {
		return statusErr(ErrRegistrationFailed, "io pull registration", res.status)
	}
	log.Info().Uint64("handler", res.ref).Str("source", daemon.String()).
		Msg("forwarded io registered")
	return nil
}

func (f *Forwarder) deliver(source rtms.Proc, channel rtms.IOChannel, payload []byte) {
	log.Debug().Str("source", source.String()).Str("channel", channel.String()).
		Int("bytes", len(payload)).Msg("forwarded io chunk")
	f.acc.Append(payload)
}

func (f *Forwarder) registrationDone(status rtms.Status, ref uint64) {
	if !f.registered.CompareAndSwap(false, true) {
		log.Debug().Uint64("handler", ref).Msg("io registration callback re-entered")
		f.reg.resolve(status, ref)
		return
	}
	f.handlerID.Store(ref)
	f.reg.resolve(status, ref)
}

// Stop deregisters the pull handler. Best effort: the completion may or may
// not land before process exit, its status is only logged.
func (f *Forwarder) Stop() {
	if !f.registered.Load() {
		return
	}
	ref := f.handlerID.Load()
	err := f.client.StopIO(ref, func(status rtms.Status) {
		log.Info().Uint64("handler", ref).Str("status", status.String()).
			Msg("io pull deregistration completed")
	})
	if err != nil {
		log.Warn().Err(err).Uint64("handler", ref).Msg("io pull deregistration failed to submit")
	}
}

// Output returns everything captured so far, sentinel excluded.
func (f *Forwarder) Output() string {
	return f.acc.String()
}

// BufferedSize reports captured bytes including the trailing sentinel.
func (f *Forwarder) BufferedSize() int {
	return f.acc.Size()
}
