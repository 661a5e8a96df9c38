package attach

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calyxhpc/attachctl/internal/rtms"
)

// Attach phases, observable through Snapshot.
const (
	PhaseIdle       = "idle"
	PhaseResolving  = "resolving"
	PhaseSpawning   = "spawning"
	PhaseForwarding = "forwarding"
	PhaseWatching   = "watching"
	PhaseTerminated = "terminated"
	PhaseFailed     = "failed"
)

// Config carries the tool-side attach settings.
type Config struct {
	// DaemonExec is the debugger daemon executable submitted to the runtime.
	DaemonExec string
	// DaemonHost is the placement target host directive.
	DaemonHost string
	// Cwd overrides the daemon working directory; empty means the tool's.
	Cwd string
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.DaemonExec) == "" {
		c.DaemonExec = "./daemon"
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DaemonExec) == "" {
		return fmt.Errorf("attach config missing daemon exec")
	}
	if strings.TrimSpace(c.DaemonHost) == "" {
		return fmt.Errorf("attach config missing daemon host")
	}
	return nil
}

// Snapshot is one observer view of a session.
type Snapshot struct {
	Phase           string         `json:"phase"`
	Launcher        rtms.Namespace `json:"launcher,omitempty"`
	Application     rtms.Namespace `json:"application,omitempty"`
	DaemonNamespace rtms.Namespace `json:"daemon,omitempty"`
	BufferedBytes   int            `json:"buffered_bytes"`
	ExitCode        *int64         `json:"exit_code,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
}

// Session owns the state of one attach operation: the resolved namespaces,
// the forwarded-output buffer, and the release-token registry. All state is
// threaded through the session, never process-wide.
type Session struct {
	client    rtms.Client
	cfg       Config
	forwarder *Forwarder
	tokens    *tokenRegistry

	defaultRef atomic.Uint64
	phase      atomic.Value

	mu        sync.Mutex
	launcher  rtms.Namespace
	appNS     rtms.Namespace
	daemonNS  rtms.Namespace
	token     *ReleaseToken
	startedAt time.Time
}

func NewSession(client rtms.Client, cfg Config) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		client:    client,
		cfg:       cfg,
		forwarder: newForwarder(client),
		tokens:    newTokenRegistry(),
	}
	s.phase.Store(PhaseIdle)
	return s, nil
}

// Attach runs the full orchestration flow against a running job and blocks
// until the spawned daemon collective terminates. Every step either succeeds
// or abandons the whole attempt; nothing is retried.
func (s *Session) Attach(ctx context.Context, launcher rtms.Namespace) error {
	if err := launcher.Validate(); err != nil {
		return fmt.Errorf("attach: launcher namespace: %w", err)
	}
	s.mu.Lock()
	s.launcher = launcher
	s.startedAt = time.Now()
	s.mu.Unlock()

	err := s.attach(ctx, launcher)
	if err != nil {
		s.phase.Store(PhaseFailed)
		return err
	}
	s.phase.Store(PhaseTerminated)
	return nil
}

func (s *Session) attach(ctx context.Context, launcher rtms.Namespace) error {
	s.phase.Store(PhaseResolving)
	appNS, err := s.resolveApplicationNamespace(ctx, launcher)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.appNS = appNS
	s.mu.Unlock()

	s.phase.Store(PhaseSpawning)
	daemonNS, err := s.spawnDaemon(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.daemonNS = daemonNS
	s.mu.Unlock()
	daemon := rtms.WildcardProc(daemonNS)

	s.phase.Store(PhaseForwarding)
	if err := s.forwarder.Register(ctx, daemon); err != nil {
		return err
	}

	token, id, err := s.watchTermination(ctx, daemon)
	if err != nil {
		return err
	}
	// The registry entry is only needed while a notification may still need
	// correlating; once the wait is over it comes out either way.
	defer s.tokens.remove(id)
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.phase.Store(PhaseWatching)
	log.Info().Str("nspace", string(daemonNS)).Msg("waiting for debugger daemon to complete")
	if err := token.Wait(ctx); err != nil {
		return err
	}
	if code, given := token.ExitCode(); given {
		log.Info().Str("nspace", string(daemonNS)).Int64("exit_code", code).
			Msg("debugger daemon terminated")
	} else {
		log.Info().Str("nspace", string(daemonNS)).Msg("debugger daemon terminated")
	}
	return nil
}

// Detach unwinds the io pull registration and the catch-all notification
// handler. Best effort by contract: neither completion is awaited.
func (s *Session) Detach() {
	s.forwarder.Stop()
	if ref := s.defaultRef.Load(); ref != 0 {
		err := s.client.DeregisterEventHandler(ref, func(status rtms.Status) {
			log.Debug().Uint64("handler", ref).Str("status", status.String()).
				Msg("default handler deregistered")
		})
		if err != nil {
			log.Warn().Err(err).Msg("default handler deregistration failed")
		}
	}
}

// AppNamespace returns the resolved application namespace.
func (s *Session) AppNamespace() rtms.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appNS
}

// DaemonNamespace returns the spawned daemon collective's namespace.
func (s *Session) DaemonNamespace() rtms.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daemonNS
}

// ForwardedOutput returns everything the daemon wrote so far.
func (s *Session) ForwardedOutput() string {
	return s.forwarder.Output()
}

// PrintForwardedOutput writes the buffered daemon output once, in full.
// Callers invoke it only after the watched job terminated so live status
// lines never interleave with it.
func (s *Session) PrintForwardedOutput(w io.Writer) {
	out := s.forwarder.Output()
	if out == "" {
		return
	}
	fmt.Fprintf(w, "Forwarded daemon output:\n%s", out)
	if !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, "End forwarded output")
}

// Snapshot reports the session state for observers.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:           s.phase.Load().(string),
		Launcher:        s.launcher,
		Application:     s.appNS,
		DaemonNamespace: s.daemonNS,
		BufferedBytes:   s.forwarder.BufferedSize(),
		StartedAt:       s.startedAt,
	}
	if s.token != nil {
		if code, given := s.token.ExitCode(); given {
			c := code
			snap.ExitCode = &c
		}
	}
	return snap
}
