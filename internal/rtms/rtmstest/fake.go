// Package rtmstest provides a scripted in-memory runtime for exercising the
// attach subsystem without a live endpoint. Completion callbacks fire on
// their own goroutines, matching the Client contract; delivery helpers run on
// the caller's goroutine so tests control interleaving.
package rtmstest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

type Fake struct {
	QueryStatus    rtms.Status
	QueryResults   []rtms.Info
	SpawnStatus    rtms.Status
	SpawnNamespace rtms.Namespace
	PullIOStatus   rtms.Status
	StopIOStatus   rtms.Status
	RegisterStatus rtms.Status
	DeregStatus    rtms.Status

	// DoubleRegCallback makes PullIO invoke its registration callback twice,
	// the way some runtimes re-enter registration callbacks.
	DoubleRegCallback bool

	chain  *rtms.HandlerChain
	refSeq atomic.Uint64

	mu        sync.Mutex
	calls     []string
	spawnDirs []rtms.Info
	spawnApps []rtms.App
	ioStreams map[uint64]rtms.IOCallback
	finalized bool

	wg sync.WaitGroup
}

var _ rtms.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		QueryStatus:    rtms.StatusOK,
		SpawnStatus:    rtms.StatusOK,
		SpawnNamespace: "daemon.0",
		PullIOStatus:   rtms.StatusOK,
		StopIOStatus:   rtms.StatusOK,
		RegisterStatus: rtms.StatusOK,
		DeregStatus:    rtms.StatusOK,
		chain:          rtms.NewHandlerChain(),
		ioStreams:      make(map[uint64]rtms.IOCallback),
	}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

// Calls returns the operation names submitted so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// SpawnRequest returns the apps and directives of the last Spawn submission.
func (f *Fake) SpawnRequest() ([]rtms.App, []rtms.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rtms.App(nil), f.spawnApps...), append([]rtms.Info(nil), f.spawnDirs...)
}

func (f *Fake) Query(q rtms.Query, cb rtms.QueryCallback) error {
	f.record(rtms.OpQuery)
	status, results := f.QueryStatus, append([]rtms.Info(nil), f.QueryResults...)
	f.async(func() { cb(status, results) })
	return nil
}

func (f *Fake) Spawn(apps []rtms.App, directives []rtms.Info, cb rtms.SpawnCallback) error {
	f.record(rtms.OpSpawn)
	f.mu.Lock()
	f.spawnApps = append([]rtms.App(nil), apps...)
	f.spawnDirs = append([]rtms.Info(nil), directives...)
	f.mu.Unlock()
	status, ns := f.SpawnStatus, f.SpawnNamespace
	f.async(func() { cb(status, ns) })
	return nil
}

func (f *Fake) PullIO(source rtms.Proc, channels rtms.IOChannel, directives []rtms.Info, stream rtms.IOCallback, reg rtms.RegCallback) error {
	f.record(rtms.OpPullIO)
	status := f.PullIOStatus
	ref := f.refSeq.Add(1)
	if status == rtms.StatusOK {
		f.mu.Lock()
		f.ioStreams[ref] = stream
		f.mu.Unlock()
	}
	double := f.DoubleRegCallback
	f.async(func() {
		reg(status, ref)
		if double {
			reg(status, ref)
		}
	})
	return nil
}

func (f *Fake) StopIO(ref uint64, cb rtms.OpCallback) error {
	f.record(rtms.OpStopIO)
	f.mu.Lock()
	delete(f.ioStreams, ref)
	f.mu.Unlock()
	status := f.StopIOStatus
	if cb != nil {
		f.async(func() { cb(status) })
	}
	return nil
}

func (f *Fake) RegisterEventHandler(codes []rtms.Status, directives []rtms.Info, handler rtms.EventCallback, reg rtms.RegCallback) error {
	f.record(rtms.OpRegisterEvent)
	status := f.RegisterStatus
	var ref uint64
	if status == rtms.StatusOK {
		ref = f.chain.Register(codes, directives, handler)
	}
	f.async(func() { reg(status, ref) })
	return nil
}

func (f *Fake) DeregisterEventHandler(ref uint64, cb rtms.OpCallback) error {
	f.record(rtms.OpDeregisterEvent)
	f.chain.Deregister(ref)
	status := f.DeregStatus
	if cb != nil {
		f.async(func() { cb(status) })
	}
	return nil
}

func (f *Fake) Finalize() error {
	f.record(rtms.OpFinalize)
	f.mu.Lock()
	f.finalized = true
	f.mu.Unlock()
	f.wg.Wait()
	return nil
}

func (f *Fake) Finalized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalized
}

// DeliverIO pushes one forwarded chunk to the stream registered under ref.
func (f *Fake) DeliverIO(ref uint64, source rtms.Proc, channel rtms.IOChannel, payload []byte) error {
	f.mu.Lock()
	stream, ok := f.ioStreams[ref]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("rtmstest: no io stream registered under ref %d", ref)
	}
	stream(source, channel, payload)
	return nil
}

// DeliverIOAll pushes one chunk to every registered stream.
func (f *Fake) DeliverIOAll(source rtms.Proc, channel rtms.IOChannel, payload []byte) {
	f.mu.Lock()
	streams := make([]rtms.IOCallback, 0, len(f.ioStreams))
	for _, s := range f.ioStreams {
		streams = append(streams, s)
	}
	f.mu.Unlock()
	for _, s := range streams {
		s(source, channel, payload)
	}
}

// EmitEvent dispatches one notification through the handler chain on the
// caller's goroutine.
func (f *Fake) EmitEvent(code rtms.Status, source rtms.Proc, info []rtms.Info) {
	f.chain.Dispatch(rtms.EventNotification{Code: code, Source: source, Info: info})
}

func (f *Fake) async(fn func()) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		fn()
	}()
}
