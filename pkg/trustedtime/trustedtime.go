// Package trustedtime implements spec.md §4.9: an optional NTP probe that
// gates publish against untrusted local clock skew, plus the health/
// liveness predicate the broker's readiness endpoint and failsafe loop
// depend on.
package trustedtime

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// Monitor tracks whether the local system clock is currently within
// tolerance of an NTP server, probing every tolerance/2. When no NTP
// host is configured it always trusts local time, matching the
// original's "disabled" mode.
type Monitor struct {
	enabled   bool
	host      string
	tolerance time.Duration

	withinTolerance atomic.Bool
	logger          *slog.Logger
}

// NewMonitor builds a Monitor. If host is empty, the monitor is disabled
// and TrustedNowMicros always succeeds.
func NewMonitor(host string, tolerance time.Duration, logger *slog.Logger) *Monitor {
	m := &Monitor{
		enabled:   host != "",
		host:      normalizeHost(host),
		tolerance: tolerance,
		logger:    logger,
	}
	if !m.enabled {
		logger.Debug("trusted time will not monitor local system clock accuracy")
	}
	return m
}

func normalizeHost(host string) string {
	if host == "" || strings.Contains(host, ":") {
		return host
	}
	return host + ":123"
}

// Run starts the probe loop. Returns once ctx is canceled. A no-op when
// the monitor is disabled.
func (m *Monitor) Run(ctx context.Context) {
	if !m.enabled {
		return
	}
	interval := m.tolerance / 2
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.probeOnce(interval)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(timeout time.Duration) {
	resp, err := ntp.QueryWithOptions(m.host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		m.logger.Warn("NTP probe failed", "host", m.host, "error", err)
		m.withinTolerance.Store(false)
		return
	}
	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	precision := resp.Precision
	if precision < 0 {
		precision = -precision
	}
	ok := offset+precision < m.tolerance
	m.withinTolerance.Store(ok)
	m.logger.Debug("NTP probe", "host", m.host, "offset", offset, "precision", precision, "tolerance", m.tolerance, "within_tolerance", ok)
}

// IsLocalTimeWithinTolerance reports whether the local clock was within
// tolerance during the last probe (always true when disabled).
func (m *Monitor) IsLocalTimeWithinTolerance() bool {
	return !m.enabled || m.withinTolerance.Load()
}

// TrustedNowMicros returns the local clock in epoch microseconds, or
// false if the clock is not currently trusted.
func (m *Monitor) TrustedNowMicros() (uint64, bool) {
	if !m.IsLocalTimeWithinTolerance() {
		return 0, false
	}
	return uint64(time.Now().UnixMicro()), true
}
