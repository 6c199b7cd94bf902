package uniquetime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

type fakeInstances struct {
	mu      sync.Mutex
	claimed map[uint16]bool
	next    uint16
}

func newFakeInstances() *fakeInstances {
	return &fakeInstances{claimed: make(map[uint16]bool)}
}

func (f *fakeInstances) Claim(ctx context.Context, ttlSeconds uint32) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.claimed[id] = true
	return id, nil
}

func (f *fakeInstances) Refresh(ctx context.Context, ttlSeconds uint32, instanceID uint16) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claimed[instanceID], nil
}

func (f *fakeInstances) Free(ctx context.Context, instanceID uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, instanceID)
	return nil
}

func (f *fakeInstances) GetOldestInstanceID(ctx context.Context) (uint16, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest uint16
	for id := range f.claimed {
		if id < oldest || oldest == 0 {
			oldest = id
		}
	}
	return oldest, 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGetUniqueTimestampDistinctAndClaimedInstance(t *testing.T) {
	ctx := context.Background()
	s, err := NewStamper(ctx, newFakeInstances(), testLogger())
	if err != nil {
		t.Fatalf("NewStamper: %v", err)
	}
	defer s.Close(ctx)

	seen := make(map[UniqueTime]bool)
	const n = maxUniqueTimestampAttempts
	for i := 0; i < n; i++ {
		ut, err := s.GetUniqueTimestamp(1_000_000, 50)
		if err != nil {
			t.Fatalf("GetUniqueTimestamp: %v", err)
		}
		if seen[ut] {
			t.Fatalf("duplicate UniqueTime minted: %v", ut)
		}
		seen[ut] = true
		if ut.InstanceID() != s.InstanceID() {
			t.Fatalf("InstanceID() = %d, want %d", ut.InstanceID(), s.InstanceID())
		}
	}
}

func TestGetUniqueTimestampConcurrentDistinct(t *testing.T) {
	ctx := context.Background()
	s, err := NewStamper(ctx, newFakeInstances(), testLogger())
	if err != nil {
		t.Fatalf("NewStamper: %v", err)
	}
	defer s.Close(ctx)

	const goroutines = 20
	const perGoroutine = maxUniqueTimestampAttempts / goroutines
	results := make(chan UniqueTime, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ut, err := s.GetUniqueTimestamp(2_000_000, 50)
				if err != nil {
					t.Error(err)
					return
				}
				results <- ut
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[UniqueTime]bool)
	for ut := range results {
		if seen[ut] {
			t.Fatalf("duplicate UniqueTime minted under concurrency: %v", ut)
		}
		seen[ut] = true
	}
}

func TestPriorityDelayOrdering(t *testing.T) {
	// Priority 0 should be delayed relative to priority 100 for the same
	// event time, matching the broker's worked scenario S2.
	highPriority := priorityTimestamp(1_000_000, 100)
	lowPriority := priorityTimestamp(1_000_000, 0)
	if lowPriority <= highPriority {
		t.Fatalf("priority 0 timestamp %d should exceed priority 100 timestamp %d", lowPriority, highPriority)
	}
	if delay := lowPriority - highPriority; delay != priorityMaxDelayMicros {
		t.Fatalf("priority 0 delay = %d micros, want %d", delay, priorityMaxDelayMicros)
	}
}
