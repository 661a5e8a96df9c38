package attach

import (
	"context"
	"errors"
	"testing"

	"github.com/calyxhpc/attachctl/internal/rtms"
	"github.com/calyxhpc/attachctl/internal/rtms/rtmstest"
	"github.com/calyxhpc/attachctl/internal/testutil/testlog"
)

func TestSpawnDaemonDirectives(t *testing.T) {
	testlog.Start(t)

	fake := rtmstest.New()
	fake.SpawnNamespace = "daemon.7"
	s := newTestSession(t, fake)
	s.mu.Lock()
	s.appNS = "app123"
	s.mu.Unlock()

	ns, err := s.spawnDaemon(context.Background())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ns != "daemon.7" {
		t.Fatalf("spawned namespace = %q, want %q", ns, "daemon.7")
	}

	apps, directives := fake.SpawnRequest()
	if len(apps) != 1 {
		t.Fatalf("spawn submitted %d apps, want 1", len(apps))
	}
	app := apps[0]
	if app.Cmd != "./daemon" || app.MaxProcs != 1 {
		t.Fatalf("app = %+v, want cmd ./daemon maxprocs 1", app)
	}
	if app.Cwd != "/tmp" {
		t.Fatalf("app cwd = %q, want configured /tmp", app.Cwd)
	}

	expect := map[string]any{
		rtms.KeyHost:            "node01",
		rtms.KeyMapBy:           rtms.MapByNode,
		rtms.KeyDebuggerDaemon:  true,
		rtms.KeyDebugTarget:     "app123",
		rtms.KeyFwdStdout:       true,
		rtms.KeyFwdStderr:       true,
		rtms.KeyRequestorIsTool: true,
	}
	if len(directives) != len(expect) {
		t.Fatalf("spawn carried %d directives, want %d: %+v", len(directives), len(expect), directives)
	}
	for key, want := range expect {
		in, ok := rtms.LookupInfo(directives, key)
		if !ok {
			t.Fatalf("directive %q missing", key)
		}
		if in.Value != want {
			t.Fatalf("directive %q = %v, want %v", key, in.Value, want)
		}
	}
}

func TestSpawnDaemonFailureStopsFlow(t *testing.T) {
	testlog.Start(t)

	fake := rtmstest.New()
	fake.QueryResults = []rtms.Info{rtms.StringInfo(rtms.KeyQueryNamespaces, "app123,daemon456")}
	fake.SpawnStatus = rtms.ErrStatusSpawn
	s := newTestSession(t, fake)

	err := s.Attach(context.Background(), "launcher.0")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("attach error = %v, want ErrSpawnFailed", err)
	}

	for _, op := range fake.Calls() {
		if op == rtms.OpPullIO || op == rtms.OpRegisterEvent {
			t.Fatalf("operation %q submitted after failed spawn, calls = %v", op, fake.Calls())
		}
	}
	if got := ExitCode(err); got != rtms.ErrStatusSpawn.ExitCode() {
		t.Fatalf("exit code = %d, want %d", got, rtms.ErrStatusSpawn.ExitCode())
	}
}
