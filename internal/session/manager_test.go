package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/doctalk/internal/observability"
)

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

func TestServeTracksStateAndCleansUp(t *testing.T) {
	m := NewManager(time.Minute, observability.NewMetrics("test"), nil)
	transport := &closeCounter{}

	var id string
	err := m.Serve(context.Background(), "127.0.0.1:1", transport, func(ctx context.Context, h *Handle) error {
		id = h.ID()
		if got := h.State(); got != StateAwaitingSetup {
			t.Fatalf("initial state = %q, want %q", got, StateAwaitingSetup)
		}
		h.SetUser("u1")
		h.SetState(StateActive)

		s, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if s.UserID != "u1" || s.State != StateActive {
			t.Fatalf("unexpected session state: %+v", s)
		}
		if m.ActiveCount() != 1 {
			t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after Serve error = %v, want ErrNotFound", err)
	}
	if transport.n.Load() != 1 {
		t.Fatalf("transport closed %d times, want 1", transport.n.Load())
	}
}

func TestServeRecoversPanicWithoutAffectingOthers(t *testing.T) {
	m := NewManager(0, nil, nil)

	release := make(chan struct{})
	otherDone := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		otherDone <- m.Serve(context.Background(), "", nil, func(ctx context.Context, h *Handle) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	transport := &closeCounter{}
	err := m.Serve(context.Background(), "", transport, func(context.Context, *Handle) error {
		panic("relay bug")
	})
	if !errors.Is(err, ErrPanicked) {
		t.Fatalf("Serve() error = %v, want ErrPanicked", err)
	}
	if transport.n.Load() != 1 {
		t.Fatalf("transport not closed after panic")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want the surviving session", m.ActiveCount())
	}

	close(release)
	if err := <-otherDone; err != nil {
		t.Fatalf("other session error = %v", err)
	}
}

func TestJanitorCancelsIdleSessions(t *testing.T) {
	m := NewManager(30*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- m.Serve(context.Background(), "", nil, func(ctx context.Context, h *Handle) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session was not expired")
	}
}

func TestShutdownCancelsAndRefuses(t *testing.T) {
	m := NewManager(0, nil, nil)
	started := make(chan struct{})
	go func() {
		_ = m.Serve(context.Background(), "", nil, func(ctx context.Context, h *Handle) error {
			close(started)
			<-ctx.Done()
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after shutdown", m.ActiveCount())
	}

	transport := &closeCounter{}
	err := m.Serve(context.Background(), "", transport, func(context.Context, *Handle) error { return nil })
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Serve() after shutdown error = %v, want ErrShuttingDown", err)
	}
	if transport.n.Load() != 1 {
		t.Fatalf("refused transport was not closed")
	}
}

func TestSnapshotOrdersByStart(t *testing.T) {
	m := NewManager(0, nil, nil)
	release := make(chan struct{})
	ready := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_ = m.Serve(context.Background(), "", nil, func(ctx context.Context, h *Handle) error {
				ready <- struct{}{}
				<-release
				return nil
			})
		}()
		<-ready
		time.Sleep(2 * time.Millisecond)
	}
	defer close(release)

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].StartedAt.After(snap[1].StartedAt) {
		t.Fatalf("Snapshot() not ordered: %v then %v", snap[0].StartedAt, snap[1].StartedAt)
	}
	if err := m.End(snap[0].ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if err := m.End("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End(missing) error = %v", err)
	}
}
