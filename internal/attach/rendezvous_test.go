package attach

import (
	"context"
	"testing"
	"time"

	"github.com/calyxhpc/attachctl/internal/rtms"
	"github.com/calyxhpc/attachctl/internal/testutil/testlog"
)

func TestRendezvousFirstResolveWins(t *testing.T) {
	testlog.Start(t)

	rv := newRendezvous()
	if !rv.resolve(rtms.StatusOK, 7) {
		t.Fatalf("first resolve reported false")
	}
	if rv.resolve(rtms.ErrStatusGeneral, 99) {
		t.Fatalf("second resolve reported true")
	}

	res, err := rv.wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.status != rtms.StatusOK || res.ref != 7 {
		t.Fatalf("got status=%v ref=%d, want the first resolution", res.status, res.ref)
	}
}

func TestRendezvousWaitBeforeResolve(t *testing.T) {
	testlog.Start(t)

	rv := newRendezvous()
	go func() {
		time.Sleep(10 * time.Millisecond)
		rv.resolve(rtms.ErrStatusSpawn, 3)
	}()
	res, err := rv.wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.status != rtms.ErrStatusSpawn || res.ref != 3 {
		t.Fatalf("got status=%v ref=%d", res.status, res.ref)
	}
}

func TestRendezvousWaitHonorsCancellation(t *testing.T) {
	testlog.Start(t)

	rv := newRendezvous()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rv.wait(ctx); err != context.Canceled {
		t.Fatalf("wait after cancel: got %v, want context.Canceled", err)
	}

	// A late resolve must still be safe and must not block.
	if !rv.resolve(rtms.StatusOK, 1) {
		t.Fatalf("late resolve reported false")
	}
}
