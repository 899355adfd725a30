package audit

import (
	"context"
	"testing"
	"time"
)

func TestSweeperDisabled(t *testing.T) {
	if NewSweeper(New(&fakeStore{}), 0, time.Hour).Enabled() {
		t.Fatalf("zero retention must disable the sweeper")
	}
	if NewSweeper(nil, 30, time.Hour).Enabled() {
		t.Fatalf("nil log must disable the sweeper")
	}
	var s *Sweeper
	s.Run(context.Background())
}

func TestSweeperRunSweepsImmediately(t *testing.T) {
	captureLog(t)
	now := time.Now().UTC()
	store := &fakeStore{entries: []Entry{
		{ID: "old", Action: ActionLogin, CreatedAt: now.Add(-100 * 24 * time.Hour)},
	}}
	sw := NewSweeper(New(store), 90, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		remaining := len(store.entries)
		store.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sweeper did not purge on start")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop on cancel")
	}
}

func TestSweepReturnsCount(t *testing.T) {
	captureLog(t)
	now := time.Now().UTC()
	store := &fakeStore{entries: []Entry{
		{ID: "a", Action: ActionLogin, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "b", Action: ActionLogin, CreatedAt: now.Add(-10 * 24 * time.Hour)},
		{ID: "c", Action: ActionLogin, CreatedAt: now},
	}}
	if n := NewSweeper(New(store), 7, time.Hour).Sweep(context.Background()); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
}
