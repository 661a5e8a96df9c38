package rtms

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// handlerEntry is one installed event handler plus its registration
// directives. Directives travel back to the handler inside each delivered
// notification, which is how return-token correlation works.
type handlerEntry struct {
	ref        uint64
	codes      []Status
	directives []Info
	handler    EventCallback
}

func (e *handlerEntry) matches(ev EventNotification) bool {
	if len(e.codes) > 0 {
		found := false
		for _, c := range e.codes {
			if c == ev.Code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if in, ok := LookupInfo(e.directives, KeyEventAffectedProc); ok {
		want, ok := in.AsProc()
		if !ok {
			return false
		}
		affected := ev.Source
		if ai, ok := LookupInfo(ev.Info, KeyEventAffectedProc); ok {
			if p, ok := ai.AsProc(); ok {
				affected = p
			}
		}
		if want.Namespace != affected.Namespace {
			return false
		}
		if want.Rank != WildcardRank && want.Rank != affected.Rank {
			return false
		}
	}
	return true
}

// HandlerChain dispatches event notifications to installed handlers,
// code-specific handlers before defaults, in registration order, stopping
// when a handler acknowledges with StatusEventActionComplete.
type HandlerChain struct {
	mu      sync.Mutex
	nextRef uint64
	entries []*handlerEntry
}

func NewHandlerChain() *HandlerChain {
	return &HandlerChain{}
}

func (c *HandlerChain) Register(codes []Status, directives []Info, handler EventCallback) uint64 {
	c.mu.Lock()
	c.nextRef++
	ref := c.nextRef
	c.mu.Unlock()
	c.RegisterWithRef(ref, codes, directives, handler)
	return ref
}

// RegisterWithRef installs a handler under a caller-chosen reference. Callers
// own uniqueness of the reference space they use.
func (c *HandlerChain) RegisterWithRef(ref uint64, codes []Status, directives []Info, handler EventCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, &handlerEntry{
		ref:        ref,
		codes:      append([]Status(nil), codes...),
		directives: append([]Info(nil), directives...),
		handler:    handler,
	})
}

func (c *HandlerChain) Deregister(ref uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.ref == ref {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch delivers ev through the chain. Each handler's done ack is awaited
// before the next handler runs; the second and later acks from one handler
// are dropped.
func (c *HandlerChain) Dispatch(ev EventNotification) {
	c.mu.Lock()
	ordered := make([]*handlerEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if len(e.codes) > 0 && e.matches(ev) {
			ordered = append(ordered, e)
		}
	}
	for _, e := range c.entries {
		if len(e.codes) == 0 && e.matches(ev) {
			ordered = append(ordered, e)
		}
	}
	c.mu.Unlock()

	if len(ordered) == 0 {
		log.Debug().Str("code", ev.Code.String()).Msg("event with no installed handler dropped")
		return
	}

	for _, e := range ordered {
		delivered := ev
		if len(e.directives) > 0 {
			delivered.Info = append(append([]Info(nil), ev.Info...), e.directives...)
		}
		ack := make(chan Status, 1)
		var once sync.Once
		e.handler(delivered, func(st Status) {
			once.Do(func() { ack <- st })
		})
		if st := <-ack; st == StatusEventActionComplete {
			return
		}
	}
}
