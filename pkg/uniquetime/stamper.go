package uniquetime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// InstanceFacade is the subset of the backend's instance-id lease contract
// the Stamper depends on. Defined here (rather than importing
// pkg/backend) to keep this package free of a dependency on the storage
// facade; pkg/backend.InstanceFacade satisfies it structurally.
type InstanceFacade interface {
	Claim(ctx context.Context, ttlSeconds uint32) (instanceID uint16, err error)
	Refresh(ctx context.Context, ttlSeconds uint32, instanceID uint16) (bool, error)
	Free(ctx context.Context, instanceID uint16) error
	GetOldestInstanceID(ctx context.Context) (instanceID uint16, firstClaimMicros uint64, err error)
}

// ClaimTimeToLiveSeconds is the lease duration of an instance-id claim
// before a dead node's slot becomes reclaimable.
const ClaimTimeToLiveSeconds uint32 = 900

const priorityMaxDelayMicros uint64 = 450_000

// maxUniqueTimestampAttempts bounds the probe loop in GetUniqueTimestamp;
// exceeding it indicates pathological per-process contention.
const maxUniqueTimestampAttempts = 100

// Stamper mints cluster-wide UniqueTimes and keeps this process's
// instance-id claim alive, mirroring the lifecycle of the original
// unique-time stamper: a claim acquired at startup, refreshed on a
// background loop, and released on shutdown.
type Stamper struct {
	instances InstanceFacade
	logger    *slog.Logger

	instanceID uint16

	latestClaimSuccessMicros atomic.Uint64
	markerGenerator          atomic.Uint64

	usedTimestampsMu sync.Mutex
	usedTimestamps   map[uint64]uint64 // time-micros probe value -> marker

	oldestClaimCacheMu    sync.Mutex
	oldestClaimCacheValue uint64
	oldestClaimCheckedAt  uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewStamper claims an instance id and starts the refresh and
// used-timestamp garbage-collection background loops. Call Close to
// release the claim and stop the loops.
func NewStamper(ctx context.Context, instances InstanceFacade, logger *slog.Logger) (*Stamper, error) {
	instanceID, err := instances.Claim(ctx, ClaimTimeToLiveSeconds)
	if err != nil {
		return nil, fmt.Errorf("claiming instance id: %w", err)
	}
	logger.Debug("claimed instance identity", "instance_id", instanceID)

	s := &Stamper{
		instances:      instances,
		logger:         logger,
		instanceID:     instanceID,
		usedTimestamps: make(map[uint64]uint64),
		stopCh:         make(chan struct{}),
	}
	s.latestClaimSuccessMicros.Store(nowMicros())

	go s.refreshLoop()
	go s.purgeLoop()
	return s, nil
}

// InstanceID returns the local instance identifier.
func (s *Stamper) InstanceID() uint16 { return s.instanceID }

// Close releases the instance-id claim and stops background loops.
func (s *Stamper) Close(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if err := s.instances.Free(ctx, s.instanceID); err != nil {
		s.logger.Warn("failed to free instance identity", "instance_id", s.instanceID, "error", err)
		return
	}
	s.logger.Debug("freed instance identity", "instance_id", s.instanceID)
}

// IsInstanceIDStillValid reports whether there is still sufficient time to
// renew the claim before the platform should consider this instance dead.
func (s *Stamper) IsInstanceIDStillValid() bool {
	return s.timeLeftToRefreshMicros() > 60_000_000
}

func (s *Stamper) timeLeftToRefreshMicros() uint64 {
	ttlMicros := uint64(ClaimTimeToLiveSeconds) * 1_000_000
	now := nowMicros()
	latest := s.latestClaimSuccessMicros.Load()
	if latest > now {
		return ttlMicros
	}
	elapsed := now - latest
	if elapsed > ttlMicros {
		return 0
	}
	return ttlMicros - elapsed
}

func (s *Stamper) refreshLoop() {
	for {
		timeLeft := s.timeLeftToRefreshMicros()
		wait := timeLeft * 2 / 3
		if wait < 10_000_000 {
			wait = 10_000_000
		}
		select {
		case <-s.stopCh:
			return
		case <-time.After(time.Duration(wait) * time.Microsecond):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ok, err := s.instances.Refresh(ctx, ClaimTimeToLiveSeconds, s.instanceID)
		cancel()
		if err == nil && ok {
			s.latestClaimSuccessMicros.Store(nowMicros())
			s.logger.Debug("refreshed claimed instance identity", "instance_id", s.instanceID)
		} else {
			// A refresh failure is surfaced only through
			// IsInstanceIDStillValid; the caller's liveness probe
			// is responsible for acting on it.
			s.logger.Error("failed to refresh claimed instance identity", "instance_id", s.instanceID, "error", err)
		}
	}
}

func (s *Stamper) purgeLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		cutoff := nowMicros() - 10_000_000
		s.usedTimestampsMu.Lock()
		for ts := range s.usedTimestamps {
			if ts < cutoff {
				delete(s.usedTimestamps, ts)
			}
		}
		s.usedTimestampsMu.Unlock()
	}
}

// GetUniqueTimestamp transforms an event's publish time into a
// process-unique, then cluster-unique, UniqueTime.
//
// The original implementation derives delay_percent as
// 100 - max(priority, 100), which evaluates to 0 for every priority in the
// documented 0..=100 range and so never actually delays anything — this
// contradicts the worked example where priority 0 must lag priority 100 by
// up to 450ms. This resolves the documented ambiguity by using
// 100 - min(priority, 100) instead, so priority 0 gets the full delay and
// priority 100 gets none.
func (s *Stamper) GetUniqueTimestamp(eventTSMicros uint64, priority uint8) (UniqueTime, error) {
	marker := s.markerGenerator.Add(1)
	for i := uint64(0); i < maxUniqueTimestampAttempts; i++ {
		priorityTS := priorityTimestamp(eventTSMicros+i, priority)

		s.usedTimestampsMu.Lock()
		existing, taken := s.usedTimestamps[priorityTS]
		if !taken {
			s.usedTimestamps[priorityTS] = marker
		}
		s.usedTimestampsMu.Unlock()

		if !taken || existing == marker {
			return New(priorityTS, s.instanceID), nil
		}
	}
	return 0, fmt.Errorf("failed to generate unique timestamp after %d attempts", maxUniqueTimestampAttempts)
}

func priorityTimestamp(eventTS uint64, priority uint8) uint64 {
	p := priority
	if p > 100 {
		p = 100
	}
	delayPercent := uint64(100 - p)
	return eventTS + (delayPercent*priorityMaxDelayMicros)/100
}

// GetOldestFirstClaimTSMicros returns the first-claim time of the oldest
// alive instance, cached for 10ms since it is consulted on hot paths (the
// Consolidator's secret-rotation gate).
func (s *Stamper) GetOldestFirstClaimTSMicros(ctx context.Context) (uint64, error) {
	now := nowMicros()
	s.oldestClaimCacheMu.Lock()
	if s.oldestClaimCheckedAt >= now-10_000 {
		cached := s.oldestClaimCacheValue
		s.oldestClaimCacheMu.Unlock()
		return cached, nil
	}
	s.oldestClaimCacheMu.Unlock()

	_, oldestClaimMicros, err := s.instances.GetOldestInstanceID(ctx)
	if err != nil {
		return 0, err
	}
	s.oldestClaimCacheMu.Lock()
	s.oldestClaimCheckedAt = now
	s.oldestClaimCacheValue = oldestClaimMicros
	s.oldestClaimCacheMu.Unlock()
	return oldestClaimMicros, nil
}

// IsOldestInstance reports whether this process holds the oldest live
// instance claim; used to elect the single Consolidator runner.
func (s *Stamper) IsOldestInstance(ctx context.Context) (bool, error) {
	oldestID, _, err := s.instances.GetOldestInstanceID(ctx)
	if err != nil {
		return false, err
	}
	return oldestID == s.instanceID, nil
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
