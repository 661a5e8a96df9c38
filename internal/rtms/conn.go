package rtms

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/observability"
)

var (
	ErrConnClosed    = errors.New("rtms: connection closed")
	ErrDialFailed    = errors.New("rtms: dial failed")
	ErrBadServerLine = errors.New("rtms: malformed server line")
)

// pendingOp is one submitted request awaiting its completion envelope.
type pendingOp struct {
	op       string
	started  time.Time
	complete func(ServerEnvelope)
	ioStream IOCallback
	evRef    uint64
}

// Conn is the JSON-line transport implementation of Client.
//
// One reader goroutine owns the socket: completion and event callbacks are
// handed to fresh goroutines, IO stream deliveries run on the reader itself
// so chunks for one registration stay serialized in arrival order.
type Conn struct {
	conn  net.Conn
	chain *HandlerChain

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[uint64]*pendingOp
	ioHandlers map[uint64]IOCallback

	idSeq  atomic.Uint64
	refSeq atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ Client = (*Conn)(nil)

// Dial connects to a runtime endpoint and starts the reader.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("%w: address required", ErrDialFailed)
	}
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	c := &Conn{
		conn:       nc,
		chain:      NewHandlerChain(),
		pending:    make(map[uint64]*pendingOp),
		ioHandlers: make(map[uint64]IOCallback),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Conn) Query(q Query, cb QueryCallback) error {
	if len(q.Keys) == 0 {
		return fmt.Errorf("rtms: query requires at least one key")
	}
	quals, err := EncodeInfos(q.Qualifiers)
	if err != nil {
		return err
	}
	return c.submit(RequestEnvelope{
		Op:    OpQuery,
		Query: &QueryWire{Keys: append([]string(nil), q.Keys...), Qualifiers: quals},
	}, &pendingOp{
		op: OpQuery,
		complete: func(env ServerEnvelope) {
			results, derr := DecodeInfos(env.Results)
			if derr != nil {
				log.Error().Err(derr).Msg("query completion carried undecodable results")
				cb(ErrStatusGeneral, nil)
				return
			}
			cb(Status(env.Status), results)
		},
	})
}

func (c *Conn) Spawn(apps []App, directives []Info, cb SpawnCallback) error {
	for _, a := range apps {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("rtms: %w", err)
		}
	}
	dirs, err := EncodeInfos(directives)
	if err != nil {
		return err
	}
	return c.submit(RequestEnvelope{
		Op:         OpSpawn,
		Apps:       EncodeApps(apps),
		Directives: dirs,
	}, &pendingOp{
		op: OpSpawn,
		complete: func(env ServerEnvelope) {
			cb(Status(env.Status), Namespace(env.Namespace))
		},
	})
}

func (c *Conn) PullIO(source Proc, channels IOChannel, directives []Info, stream IOCallback, reg RegCallback) error {
	if stream == nil {
		return fmt.Errorf("rtms: pull_io requires a stream callback")
	}
	dirs, err := EncodeInfos(directives)
	if err != nil {
		return err
	}
	src := source
	return c.submit(RequestEnvelope{
		Op:         OpPullIO,
		Source:     &src,
		Channels:   uint8(channels),
		Directives: dirs,
	}, &pendingOp{
		op:       OpPullIO,
		ioStream: stream,
		complete: func(env ServerEnvelope) {
			reg(Status(env.Status), env.Ref)
		},
	})
}

func (c *Conn) StopIO(ref uint64, cb OpCallback) error {
	return c.submit(RequestEnvelope{
		Op:  OpStopIO,
		Ref: ref,
	}, &pendingOp{
		op: OpStopIO,
		complete: func(env ServerEnvelope) {
			c.mu.Lock()
			delete(c.ioHandlers, ref)
			c.mu.Unlock()
			if cb != nil {
				cb(Status(env.Status))
			}
		},
	})
}

func (c *Conn) RegisterEventHandler(codes []Status, directives []Info, handler EventCallback, reg RegCallback) error {
	if handler == nil {
		return fmt.Errorf("rtms: register_event requires a handler")
	}
	dirs, err := EncodeInfos(directives)
	if err != nil {
		return err
	}
	wireCodes := make([]int32, 0, len(codes))
	for _, code := range codes {
		wireCodes = append(wireCodes, int32(code))
	}
	ref := c.refSeq.Add(1)
	codesCopy := append([]Status(nil), codes...)
	dirsCopy := append([]Info(nil), directives...)
	return c.submit(RequestEnvelope{
		Op:         OpRegisterEvent,
		Codes:      wireCodes,
		Directives: dirs,
		Ref:        ref,
	}, &pendingOp{
		op:    OpRegisterEvent,
		evRef: ref,
		complete: func(env ServerEnvelope) {
			st := Status(env.Status)
			if st == StatusOK {
				c.chain.RegisterWithRef(ref, codesCopy, dirsCopy, handler)
			}
			reg(st, ref)
		},
	})
}

func (c *Conn) DeregisterEventHandler(ref uint64, cb OpCallback) error {
	return c.submit(RequestEnvelope{
		Op:  OpDeregisterEvent,
		Ref: ref,
	}, &pendingOp{
		op: OpDeregisterEvent,
		complete: func(env ServerEnvelope) {
			c.chain.Deregister(ref)
			if cb != nil {
				cb(Status(env.Status))
			}
		},
	})
}

func (c *Conn) Finalize() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	line, _ := json.Marshal(RequestEnvelope{ID: c.idSeq.Add(1), Op: OpFinalize})
	line = append(line, '\n')
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = c.conn.Write(line)
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Conn) submit(req RequestEnvelope, op *pendingOp) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	req.ID = c.idSeq.Add(1)
	if err := req.Validate(); err != nil {
		return fmt.Errorf("rtms: %w", err)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	op.started = time.Now()

	c.mu.Lock()
	c.pending[req.ID] = op
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.conn.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("rtms: submit %s: %w", req.Op, err)
	}
	log.Debug().Str("op", req.Op).Uint64("id", req.ID).Msg("runtime request submitted")
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !c.closed.Load() {
				log.Warn().Err(err).Msg("runtime connection reader stopped")
				c.failPending(ErrStatusUnreachable)
			}
			return
		}
		var env ServerEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Error().Err(fmt.Errorf("%w: %v", ErrBadServerLine, err)).
				Msg("dropping malformed server line")
			continue
		}
		switch env.Stream {
		case "":
			c.handleCompletion(env)
		case StreamIO:
			c.handleIO(env)
		case StreamEvent:
			c.handleEvent(env)
		default:
			log.Error().Str("stream", env.Stream).Msg("dropping unknown stream envelope")
		}
	}
}

func (c *Conn) handleCompletion(env ServerEnvelope) {
	c.mu.Lock()
	op, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	// A pull_io stream must be routable before any chunk behind this
	// completion is read, so the handler is installed here, not in the
	// callback goroutine.
	if ok && op.ioStream != nil && Status(env.Status) == StatusOK {
		c.ioHandlers[env.Ref] = op.ioStream
	}
	c.mu.Unlock()
	if !ok {
		log.Error().Uint64("id", env.ID).Msg("completion for unknown request dropped")
		return
	}
	observability.RecordRuntimeOp(op.op, Status(env.Status).String(), time.Since(op.started))
	go op.complete(env)
}

func (c *Conn) handleIO(env ServerEnvelope) {
	c.mu.Lock()
	handler, ok := c.ioHandlers[env.Ref]
	c.mu.Unlock()
	if !ok {
		log.Debug().Uint64("ref", env.Ref).Msg("io chunk with no registered handler dropped")
		return
	}
	src := Proc{}
	if env.Source != nil {
		src = *env.Source
	}
	observability.RecordForwardedBytes(IOChannel(env.Channel).String(), len(env.Payload))
	handler(src, IOChannel(env.Channel), env.Payload)
}

func (c *Conn) handleEvent(env ServerEnvelope) {
	info, err := DecodeInfos(env.Info)
	if err != nil {
		log.Error().Err(err).Msg("dropping event with undecodable info list")
		return
	}
	ev := EventNotification{Code: Status(env.Code), Info: info}
	if env.Source != nil {
		ev.Source = *env.Source
	}
	observability.RecordRuntimeEvent(ev.Code.String())
	go c.chain.Dispatch(ev)
}

func (c *Conn) failPending(st Status) {
	c.mu.Lock()
	stalled := make([]*pendingOp, 0, len(c.pending))
	for id, op := range c.pending {
		stalled = append(stalled, op)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	for _, op := range stalled {
		go op.complete(ServerEnvelope{Status: int32(st)})
	}
}
