package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"leech/pkg/bencode"
)

func announceServer(t *testing.T, interval int64, onEvent func(event string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onEvent != nil {
			onEvent(r.URL.Query().Get("event"))
		}
		d := bencode.NewDict()
		d.Set("interval", interval)
		d.Set("peers", string([]byte{127, 0, 0, 1, 0x1A, 0xE1}))
		body, _ := bencode.Marshal(d)
		w.Write(body)
	}))
}

func TestTrackerRunSendsStartedThenStoppedOnCancel(t *testing.T) {
	var events []string
	srv := announceServer(t, 3600, func(e string) { events = append(events, e) })
	defer srv.Close()

	tr, err := NewTracker(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	var gotPeers int32
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, AnnounceParams{Port: 6881}, nil, func(peers []netip.AddrPort) {
			atomic.AddInt32(&gotPeers, int32(len(peers)))
		}, 0, time.Second, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected Run to return ctx.Err() on cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}

	if len(events) < 2 || events[0] != "started" || events[len(events)-1] != "stopped" {
		t.Fatalf("expected started...stopped event sequence, got %v", events)
	}
	if atomic.LoadInt32(&gotPeers) == 0 {
		t.Fatalf("expected at least one peer from the initial announce")
	}
}

func TestTrackerRunReannouncesAtReportedInterval(t *testing.T) {
	var count int32
	srv := announceServer(t, 1, func(e string) { atomic.AddInt32(&count, 1) })
	defer srv.Close()

	tr, err := NewTracker(srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, AnnounceParams{Port: 6881}, nil, nil, 0, time.Second, 0)
	}()

	// Tracker reports a 1s interval; waiting past that boundary should
	// trigger at least one reannounce beyond the initial "started".
	time.Sleep(1200 * time.Millisecond)
	cancel()
	<-done

	if atomic.LoadInt32(&count) < 2 {
		t.Fatalf("expected at least one reannounce beyond started, got %d events", count)
	}
}

func TestAnnounceIntervalFallsBackAndEnforcesFloor(t *testing.T) {
	zero := &AnnounceResponse{Interval: 0}
	if got := announceInterval(zero, 0, 0); got != defaultAnnounceInterval {
		t.Errorf("interval = %v, want default %v", got, defaultAnnounceInterval)
	}

	tooFast := &AnnounceResponse{Interval: 5 * time.Second}
	if got := announceInterval(tooFast, 30*time.Second, 0); got != 30*time.Second {
		t.Errorf("interval = %v, want floor of 30s", got)
	}

	fine := &AnnounceResponse{Interval: 90 * time.Second}
	if got := announceInterval(fine, 30*time.Second, 0); got != 90*time.Second {
		t.Errorf("interval = %v, want 90s unchanged", got)
	}

	overridden := &AnnounceResponse{Interval: 90 * time.Second}
	if got := announceInterval(overridden, 30*time.Second, 10*time.Second); got != 10*time.Second {
		t.Errorf("interval = %v, want override of 10s", got)
	}
}
