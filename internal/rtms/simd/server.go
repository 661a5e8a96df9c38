// Package simd is a local stand-in for the runtime process manager: it
// answers namespace queries from a configured table, executes spawn requests
// as child processes, forwards their stdout/stderr as io streams, and emits
// a job-terminated event when a child exits. It exists for development and
// end-to-end exercise of the tool, not for production placement.
package simd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

type Config struct {
	ListenAddr string
	// Namespaces maps a launcher namespace to the comma-delimited
	// known-namespaces answer for it.
	Namespaces map[string]string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:7800",
		Namespaces: map[string]string{},
	}
}

type Server struct {
	cfg      Config
	spawnSeq atomic.Uint64
}

func New(cfg Config) *Server {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	return &Server{cfg: cfg}
}

// ListenAndServe accepts tool connections until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("runtime simulator listening")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// toolConn is the per-connection simulator state.
type toolConn struct {
	srv  *Server
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	ioSeq    uint64
	ioRefs   map[uint64]rtms.Namespace // pull registrations by ref
	backlog  map[rtms.Namespace][]ioChunk
	children sync.WaitGroup
}

type ioChunk struct {
	source  rtms.Proc
	channel rtms.IOChannel
	payload []byte
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	tc := &toolConn{
		srv:     s,
		conn:    conn,
		ioRefs:  make(map[uint64]rtms.Namespace),
		backlog: make(map[rtms.Namespace][]ioChunk),
	}
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Err(err).Msg("tool connection closed")
			}
			tc.children.Wait()
			return
		}
		var req rtms.RequestEnvelope
		if err := json.Unmarshal(line, &req); err != nil {
			log.Error().Err(err).Msg("dropping malformed tool request")
			continue
		}
		if req.Op == rtms.OpFinalize {
			tc.children.Wait()
			return
		}
		tc.handle(ctx, req)
	}
}

func (tc *toolConn) handle(ctx context.Context, req rtms.RequestEnvelope) {
	switch req.Op {
	case rtms.OpQuery:
		tc.handleQuery(req)
	case rtms.OpSpawn:
		tc.handleSpawn(ctx, req)
	case rtms.OpPullIO:
		tc.handlePullIO(req)
	case rtms.OpStopIO:
		tc.handleStopIO(req)
	case rtms.OpRegisterEvent, rtms.OpDeregisterEvent:
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.StatusOK), Ref: req.Ref})
	default:
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusNotSupported)})
	}
}

func (tc *toolConn) handleQuery(req rtms.RequestEnvelope) {
	if req.Query == nil || len(req.Query.Keys) == 0 {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusBadParam)})
		return
	}
	wantsNamespaces := false
	for _, k := range req.Query.Keys {
		if k == rtms.KeyQueryNamespaces {
			wantsNamespaces = true
		}
	}
	if !wantsNamespaces {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusNotSupported)})
		return
	}
	launcher := ""
	for _, q := range req.Query.Qualifiers {
		if q.Key == rtms.KeyNamespace && q.Type == "string" {
			launcher = q.Str
		}
	}
	answer, ok := tc.srv.cfg.Namespaces[launcher]
	if !ok {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusNotFound)})
		return
	}
	tc.reply(rtms.ServerEnvelope{
		ID:     req.ID,
		Status: int32(rtms.StatusOK),
		Results: []rtms.InfoWire{{
			Key:  rtms.KeyQueryNamespaces,
			Type: "string",
			Str:  answer,
		}},
	})
}

func (tc *toolConn) handleSpawn(ctx context.Context, req rtms.RequestEnvelope) {
	apps := rtms.DecodeApps(req.Apps)
	if len(apps) != 1 {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusBadParam)})
		return
	}
	app := apps[0]
	if err := app.Validate(); err != nil {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusBadParam)})
		return
	}

	ns := rtms.Namespace(fmt.Sprintf("simd.daemon.%d", tc.srv.spawnSeq.Add(1)))
	var args []string
	if len(app.Argv) > 1 {
		args = app.Argv[1:]
	}
	cmd := exec.CommandContext(ctx, app.Cmd, args...)
	cmd.Dir = app.Cwd
	cmd.Env = app.Env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusSpawn)})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusSpawn)})
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Str("cmd", app.Cmd).Msg("spawn request failed to start")
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusSpawn)})
		return
	}
	log.Info().Str("nspace", string(ns)).Str("cmd", app.Cmd).Int("pid", cmd.Process.Pid).
		Msg("spawned child for tool")
	tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.StatusOK), Namespace: string(ns)})

	source := rtms.Proc{Namespace: ns, Rank: 0}
	var streams sync.WaitGroup
	streams.Add(2)
	tc.children.Add(1)
	go func() {
		defer streams.Done()
		tc.pumpIO(source, rtms.ChannelStdout, stdout)
	}()
	go func() {
		defer streams.Done()
		tc.pumpIO(source, rtms.ChannelStderr, stderr)
	}()
	go func() {
		defer tc.children.Done()
		streams.Wait()
		exitCode := 0
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = 1
			}
		}
		tc.reply(rtms.ServerEnvelope{
			Stream: rtms.StreamEvent,
			Code:   int32(rtms.EventJobTerminated),
			Source: &rtms.Proc{Namespace: ns, Rank: rtms.WildcardRank},
			Info: []rtms.InfoWire{
				{Key: rtms.KeyExitCode, Type: "int", Num: int64(exitCode)},
				{Key: rtms.KeyEventAffectedProc, Type: "proc",
					Proc: &rtms.Proc{Namespace: ns, Rank: rtms.WildcardRank}},
			},
		})
	}()
}

// pumpIO relays one child stream, buffering chunks until a pull
// registration for the namespace exists.
func (tc *toolConn) pumpIO(source rtms.Proc, channel rtms.IOChannel, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			payload := append([]byte(nil), buf[:n]...)
			tc.deliverOrBuffer(ioChunk{source: source, channel: channel, payload: payload})
		}
		if err != nil {
			return
		}
	}
}

func (tc *toolConn) deliverOrBuffer(chunk ioChunk) {
	tc.mu.Lock()
	ref, ok := tc.refFor(chunk.source.Namespace)
	if !ok {
		tc.backlog[chunk.source.Namespace] = append(tc.backlog[chunk.source.Namespace], chunk)
		tc.mu.Unlock()
		return
	}
	tc.mu.Unlock()
	tc.sendChunk(ref, chunk)
}

// refFor must be called with tc.mu held.
func (tc *toolConn) refFor(ns rtms.Namespace) (uint64, bool) {
	for ref, registered := range tc.ioRefs {
		if registered == ns {
			return ref, true
		}
	}
	return 0, false
}

func (tc *toolConn) handlePullIO(req rtms.RequestEnvelope) {
	if req.Source == nil {
		tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.ErrStatusBadParam)})
		return
	}
	ns := req.Source.Namespace
	tc.mu.Lock()
	tc.ioSeq++
	ref := tc.ioSeq
	buffered := tc.backlog[ns]
	delete(tc.backlog, ns)
	// The completion and the backlog go out before the registration becomes
	// visible; with tc.mu held across all three, a live chunk routed by ref
	// cannot overtake either on the wire.
	tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(rtms.StatusOK), Ref: ref})
	for _, chunk := range buffered {
		tc.sendChunk(ref, chunk)
	}
	tc.ioRefs[ref] = ns
	tc.mu.Unlock()
}

func (tc *toolConn) handleStopIO(req rtms.RequestEnvelope) {
	tc.mu.Lock()
	_, ok := tc.ioRefs[req.Ref]
	delete(tc.ioRefs, req.Ref)
	tc.mu.Unlock()
	status := rtms.StatusOK
	if !ok {
		status = rtms.ErrStatusNotFound
	}
	tc.reply(rtms.ServerEnvelope{ID: req.ID, Status: int32(status)})
}

func (tc *toolConn) sendChunk(ref uint64, chunk ioChunk) {
	src := chunk.source
	tc.reply(rtms.ServerEnvelope{
		Stream:  rtms.StreamIO,
		Ref:     ref,
		Source:  &src,
		Channel: uint8(chunk.channel),
		Payload: chunk.payload,
	})
}

func (tc *toolConn) reply(env rtms.ServerEnvelope) {
	line, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("simulator reply marshal failed")
		return
	}
	line = append(line, '\n')
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if _, err := tc.conn.Write(line); err != nil {
		log.Debug().Err(err).Msg("simulator reply write failed")
	}
}
