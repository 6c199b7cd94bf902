package trustedtime

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// InstanceLiveness is the subset of uniquetime.Stamper's contract the
// health gate depends on.
type InstanceLiveness interface {
	IsInstanceIDStillValid() bool
}

// livenessFailsafeTimeout is how long health_live may stay false before
// the failsafe task self-terminates the process (spec.md §4.9).
const livenessFailsafeTimeout = 60 * time.Second

// Health tracks the broker's readiness and liveness predicates: ready
// flips true once the clock has been trusted at least once, and stays
// true only while the clock is still trusted and the instance claim is
// still valid; a failsafe task kills the process if liveness is lost for
// too long.
type Health struct {
	monitor  *Monitor
	instance InstanceLiveness
	logger   *slog.Logger

	everReady atomic.Bool
	exit      func()
}

// NewHealth builds a Health gate. exit is called by the failsafe loop
// after a sustained liveness failure (normally os.Exit, overridable for
// tests).
func NewHealth(monitor *Monitor, instance InstanceLiveness, logger *slog.Logger, exit func()) *Health {
	return &Health{monitor: monitor, instance: instance, logger: logger, exit: exit}
}

// Ready reports health_ready: true once the clock predicate has held for
// the first time and continues to hold, and the instance claim is valid.
func (h *Health) Ready() bool {
	trusted := h.monitor.IsLocalTimeWithinTolerance()
	if trusted {
		h.everReady.Store(true)
	}
	return h.everReady.Load() && trusted && h.instance.IsInstanceIDStillValid()
}

// Live reports health_live: the instance claim is valid and, if the
// clock was ever trusted, still is.
func (h *Health) Live() bool {
	if h.everReady.Load() && !h.monitor.IsLocalTimeWithinTolerance() {
		return false
	}
	return h.instance.IsInstanceIDStillValid()
}

// RunFailsafe watches Live and calls exit after it has stayed false for
// livenessFailsafeTimeout. Returns once ctx is canceled.
func (h *Health) RunFailsafe(ctx context.Context) {
	var sinceUnhealthy time.Time
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.Live() {
			sinceUnhealthy = time.Time{}
			continue
		}
		if sinceUnhealthy.IsZero() {
			sinceUnhealthy = time.Now()
			continue
		}
		if time.Since(sinceUnhealthy) >= livenessFailsafeTimeout {
			h.logger.Error("liveness failsafe triggered, terminating", "since", sinceUnhealthy)
			h.exit()
			return
		}
	}
}
