// Package ratelimit throttles the bytes a torrent session pushes to and
// pulls from the wire, independent of how many peer connections are doing
// the pushing and pulling.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a Limiter's egress and ingress byte budgets.
type Config struct {
	// EgressBytesPerSec caps total outbound Piece payload bytes/sec
	// across every peer. 0 means unlimited.
	EgressBytesPerSec int64

	// IngressBytesPerSec caps total inbound Piece payload bytes/sec
	// across every peer. 0 means unlimited.
	IngressBytesPerSec int64
}

// Limiter is a pair of token-bucket limiters, one per direction, shared
// by every peer connection in a session.
type Limiter struct {
	cfg     Config
	egress  *rate.Limiter
	ingress *rate.Limiter
}

// New builds a Limiter from cfg. A zero rate in either direction disables
// throttling for that direction.
func New(cfg Config) *Limiter {
	l := &Limiter{cfg: cfg}

	if cfg.EgressBytesPerSec > 0 {
		l.egress = rate.NewLimiter(rate.Limit(cfg.EgressBytesPerSec), int(cfg.EgressBytesPerSec))
	}
	if cfg.IngressBytesPerSec > 0 {
		l.ingress = rate.NewLimiter(rate.Limit(cfg.IngressBytesPerSec), int(cfg.IngressBytesPerSec))
	}

	return l
}

// ReserveEgress blocks until nbytes of outbound budget is available, or
// ctx is done. A disabled limiter (egress rate of 0) returns immediately.
func (l *Limiter) ReserveEgress(ctx context.Context, nbytes int) error {
	return reserve(ctx, l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of inbound budget is available, or
// ctx is done. A disabled limiter (ingress rate of 0) returns immediately.
func (l *Limiter) ReserveIngress(ctx context.Context, nbytes int) error {
	return reserve(ctx, l.ingress, nbytes)
}

func reserve(ctx context.Context, rl *rate.Limiter, nbytes int) error {
	if rl == nil || nbytes <= 0 {
		return nil
	}
	if nbytes > rl.Burst() {
		return fmt.Errorf("ratelimit: %d bytes exceeds bucket burst of %d", nbytes, rl.Burst())
	}

	r := rl.ReserveN(time.Now(), nbytes)
	if !r.OK() {
		return fmt.Errorf("ratelimit: cannot reserve %d bytes", nbytes)
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
