package attach

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calyxhpc/attachctl/internal/rtms"
	"github.com/calyxhpc/attachctl/internal/rtms/rtmstest"
	"github.com/calyxhpc/attachctl/internal/testutil/testlog"
)

// attachFixture drives one full attach flow: the fake terminates the daemon
// as soon as its io pull registration lands.
func attachFixture(t *testing.T) (*rtmstest.Fake, *Session) {
	t.Helper()
	fake := rtmstest.New()
	fake.QueryResults = []rtms.Info{rtms.StringInfo(rtms.KeyQueryNamespaces, "app123,daemon456")}
	fake.SpawnNamespace = "daemon.9"
	return fake, newTestSession(t, fake)
}

// awaitWatching polls until the session has installed its termination watch,
// so emitted events cannot race the registration.
func awaitWatching(s *Session) {
	for s.Snapshot().Phase != PhaseWatching {
		time.Sleep(time.Millisecond)
	}
}

func TestAttachFullFlow(t *testing.T) {
	testlog.Start(t)

	fake, s := attachFixture(t)
	if err := s.RegisterDefaultHandler(context.Background()); err != nil {
		t.Fatalf("default handler: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Output arrives before termination; the flow prints it only after.
		awaitWatching(s)
		fake.DeliverIOAll(rtms.Proc{Namespace: "daemon.9", Rank: 0}, rtms.ChannelStdout, []byte("daemon says hi\n"))
		fake.EmitEvent(rtms.EventJobTerminated,
			rtms.Proc{Namespace: "daemon.9", Rank: 0},
			[]rtms.Info{rtms.IntInfo(rtms.KeyExitCode, 0)})
	}()

	if err := s.Attach(context.Background(), "launcher.0"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	wg.Wait()

	if s.AppNamespace() != "app123" {
		t.Fatalf("app namespace = %q, want app123", s.AppNamespace())
	}
	if s.DaemonNamespace() != "daemon.9" {
		t.Fatalf("daemon namespace = %q, want daemon.9", s.DaemonNamespace())
	}
	if got := s.ForwardedOutput(); got != "daemon says hi\n" {
		t.Fatalf("forwarded output = %q", got)
	}

	snap := s.Snapshot()
	if snap.Phase != PhaseTerminated {
		t.Fatalf("phase = %q, want %q", snap.Phase, PhaseTerminated)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Fatalf("snapshot exit code = %v, want 0", snap.ExitCode)
	}

	// The correlation entry is dropped once the wait is over.
	s.tokens.mu.Lock()
	left := len(s.tokens.toks)
	s.tokens.mu.Unlock()
	if left != 0 {
		t.Fatalf("%d token entries left registered after a completed attach", left)
	}
}

func TestAttachOperationOrder(t *testing.T) {
	testlog.Start(t)

	fake, s := attachFixture(t)

	go func() {
		awaitWatching(s)
		fake.EmitEvent(rtms.EventJobTerminated, rtms.Proc{Namespace: "daemon.9", Rank: 0}, nil)
	}()

	if err := s.Attach(context.Background(), "launcher.0"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	want := []string{rtms.OpQuery, rtms.OpSpawn, rtms.OpPullIO, rtms.OpRegisterEvent}
	calls := fake.Calls()
	if len(calls) < len(want) {
		t.Fatalf("calls = %v, want prefix %v", calls, want)
	}
	for i, op := range want {
		if calls[i] != op {
			t.Fatalf("call %d = %q, want %q (all: %v)", i, calls[i], op, calls)
		}
	}
}

func TestAttachRejectsEmptyLauncher(t *testing.T) {
	testlog.Start(t)

	_, s := attachFixture(t)
	if err := s.Attach(context.Background(), "  "); err == nil {
		t.Fatalf("attach accepted a blank launcher namespace")
	}
}

func TestAttachQueryFailure(t *testing.T) {
	testlog.Start(t)

	fake, s := attachFixture(t)
	fake.QueryStatus = rtms.ErrStatusNotFound

	err := s.Attach(context.Background(), "launcher.0")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("attach error = %v, want ErrMalformedResponse", err)
	}
	if got := s.Snapshot().Phase; got != PhaseFailed {
		t.Fatalf("phase = %q, want %q", got, PhaseFailed)
	}
	for _, op := range fake.Calls() {
		if op == rtms.OpSpawn {
			t.Fatalf("spawn submitted after a failed namespace query, calls = %v", fake.Calls())
		}
	}
}

func TestPrintForwardedOutput(t *testing.T) {
	testlog.Start(t)

	fake, s := attachFixture(t)
	go func() {
		awaitWatching(s)
		fake.DeliverIOAll(rtms.Proc{Namespace: "daemon.9", Rank: 0}, rtms.ChannelStdout, []byte("line one\n"))
		fake.EmitEvent(rtms.EventJobTerminated, rtms.Proc{Namespace: "daemon.9", Rank: 0}, nil)
	}()
	if err := s.Attach(context.Background(), "launcher.0"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var sb strings.Builder
	s.PrintForwardedOutput(&sb)
	got := sb.String()
	if !strings.Contains(got, "Forwarded daemon output:\nline one\n") {
		t.Fatalf("printed %q", got)
	}
	if !strings.Contains(got, "End forwarded output") {
		t.Fatalf("printed output missing trailer: %q", got)
	}
}

func TestPrintForwardedOutputEmpty(t *testing.T) {
	testlog.Start(t)

	_, s := attachFixture(t)
	var sb strings.Builder
	s.PrintForwardedOutput(&sb)
	if sb.Len() != 0 {
		t.Fatalf("printed %q for an empty buffer", sb.String())
	}
}

func TestSessionConfigValidation(t *testing.T) {
	testlog.Start(t)

	if _, err := NewSession(rtmstest.New(), Config{DaemonExec: "./daemon"}); err == nil {
		t.Fatalf("session accepted config without a daemon host")
	}
	s, err := NewSession(rtmstest.New(), Config{DaemonHost: "node01"})
	if err != nil {
		t.Fatalf("defaulted config rejected: %v", err)
	}
	if s.cfg.DaemonExec != "./daemon" {
		t.Fatalf("daemon exec default = %q", s.cfg.DaemonExec)
	}
}

func TestDetachDeregistersDefaultHandler(t *testing.T) {
	testlog.Start(t)

	fake, s := attachFixture(t)
	if err := s.RegisterDefaultHandler(context.Background()); err != nil {
		t.Fatalf("register default handler: %v", err)
	}
	if s.defaultRef.Load() == 0 {
		t.Fatalf("default handler ref not recorded after registration")
	}

	s.Detach()
	fake.Finalize()

	var deregistered bool
	for _, op := range fake.Calls() {
		if op == rtms.OpDeregisterEvent {
			deregistered = true
		}
	}
	if !deregistered {
		t.Fatalf("detach never deregistered the default handler, calls = %v", fake.Calls())
	}
}

func TestDefaultHandlerAcknowledges(t *testing.T) {
	testlog.Start(t)

	var ack rtms.Status
	defaultNotification(rtms.EventNotification{Code: rtms.EventJobTerminated}, func(st rtms.Status) { ack = st })
	if ack != rtms.StatusOK {
		t.Fatalf("default handler ack = %v, want StatusOK", ack)
	}
}
