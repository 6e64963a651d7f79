package gate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/developingchet/portfolio-gate/internal/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestSweeper_ClearsExpiredSession(t *testing.T) {
	reg, db, clock := newTestRegistry(t, map[string]string{"alpha": "a"})
	g := mustGate(t, reg, "alice")
	g.Validate("alpha", "a")
	g.Validate("alpha", "wrong")
	store := db.Store("alice")
	clock.Advance(24*time.Hour + time.Second)

	NewSweeper(reg, db, time.Hour, zerolog.Nop()).tick()

	for _, key := range []string{KeySession, KeyAttempts, KeyLockout} {
		if _, ok := store.Raw(key); ok {
			t.Errorf("%s should be cleared by the sweep", key)
		}
	}
	if names, _ := db.Profiles(); len(names) != 0 {
		t.Errorf("emptied profile should be dropped, got %v", names)
	}
}

func TestSweeper_KeepsLiveSession(t *testing.T) {
	reg, db, clock := newTestRegistry(t, map[string]string{"alpha": "a"})
	g := mustGate(t, reg, "alice")
	g.Validate("alpha", "a")
	clock.Advance(time.Hour)

	NewSweeper(reg, db, time.Hour, zerolog.Nop()).tick()

	if !g.HasAccess("alpha") {
		t.Error("live session should survive the sweep")
	}
	if got := promtest.ToFloat64(metrics.Profiles); got != 1 {
		t.Errorf("Profiles gauge: got %v, want 1", got)
	}
}

func TestSweeper_OnlyExpiredProfilesCleared(t *testing.T) {
	reg, db, clock := newTestRegistry(t, map[string]string{"alpha": "a"})
	mustGate(t, reg, "alice").Validate("alpha", "a")
	clock.Advance(23 * time.Hour)
	mustGate(t, reg, "bob").Validate("alpha", "a")
	clock.Advance(2 * time.Hour)

	res, err := reg.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if res.Cleared != 1 || res.Dropped != 1 || res.Remaining != 1 {
		t.Errorf("sweep result: %+v", res)
	}
	if !mustGate(t, reg, "bob").HasAccess("alpha") {
		t.Error("bob's live session should survive")
	}
	if names, _ := db.Profiles(); len(names) != 1 || names[0] != "bob" {
		t.Errorf("profiles after sweep: %v", names)
	}
}

func TestSweeper_NoSessionIsNoop(t *testing.T) {
	reg, db, _ := newTestRegistry(t, map[string]string{"alpha": "a"})
	store := db.Store("alice")
	_ = store.Set(KeyAttempts, "2")

	if mustGate(t, reg, "alice").Sweep() {
		t.Error("Sweep without a session should report nothing cleared")
	}
	NewSweeper(reg, db, time.Hour, zerolog.Nop()).tick()
	if v, _ := store.Raw(KeyAttempts); v != "2" {
		t.Errorf("attempt counter should be untouched without a session, got %q", v)
	}
	if names, _ := db.Profiles(); len(names) != 1 {
		t.Errorf("profile with state should be kept, got %v", names)
	}
}

func TestSweeper_UpdatesDBSizeMetric(t *testing.T) {
	reg, db, _ := newTestRegistry(t, map[string]string{"alpha": "a"})
	db.Size = 4096

	NewSweeper(reg, db, time.Hour, zerolog.Nop()).tick()

	if got := promtest.ToFloat64(metrics.DBSizeBytes); got != 4096 {
		t.Errorf("DBSizeBytes: got %v, want 4096", got)
	}
}

func TestSweeper_ErrorsDoNotPanic(t *testing.T) {
	reg, db, _ := newTestRegistry(t, map[string]string{"alpha": "a"})
	db.SetError("SizeBytes", errors.New("stat failed"))
	db.SetError("Profiles", errors.New("db closed"))
	NewSweeper(reg, db, time.Hour, zerolog.Nop()).tick()
}

func TestSweeper_TickImmediatelyOnStart(t *testing.T) {
	reg, db, clock := newTestRegistry(t, map[string]string{"alpha": "a"})
	store := db.Store("alice")
	raw := fmt.Sprintf(`{"authenticatedPieces":["alpha"],"expiresAt":%d}`, clock.Now().UnixMilli()-1)
	_ = store.Set(KeySession, raw)

	// Use a long ticker interval so the timer doesn't fire during the test
	s := NewSweeper(reg, db, 10*time.Minute, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	<-ctx.Done()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := store.Raw(KeySession); ok {
		t.Error("expired session should have been cleared on the first immediate tick")
	}
}
