package correlation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/redis/go-redis/v9"
)

// HotlistDurationMicros bounds how long a waiter for a correlation token
// is kept registered before being woken with a miss.
const HotlistDurationMicros uint64 = 10_000_000

const redisChannelPrefix = "fragtale:hotlist:"

type hotlistEntry struct {
	requestTSMicros uint64
	wake            chan struct{}
	woken           sync.Once
}

// Hotlist lets a GET by_correlation_token call block until a matching
// event is published instead of polling.
//
// Unlike the original, which watches for new events by polling a
// Cassandra-backed shard index from an independent service, this
// broker's event-persist path and hotlist live in the same process:
// Notify is called directly by the publish path, so there is nothing to
// poll locally. Redis pub/sub is layered on only to fan that same
// notification out to *other* broker instances, whose local waiters
// would otherwise never hear about it (see DESIGN.md).
type Hotlist struct {
	events backend.EventFacade
	secret []byte
	redis  *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	perTopic map[string]map[string]*hotlistEntry
}

// NewHotlist builds a Hotlist. redisClient may be nil to disable
// cross-instance fan-out (single-instance deployments).
func NewHotlist(events backend.EventFacade, secret []byte, redisClient *redis.Client, logger *slog.Logger) *Hotlist {
	return &Hotlist{
		events:   events,
		secret:   secret,
		redis:    redisClient,
		logger:   logger,
		perTopic: make(map[string]map[string]*hotlistEntry),
	}
}

// Run starts the stale-entry sweeper and, if Redis is configured, the
// cross-instance subscription loop in the background and returns
// immediately; they stop once ctx is canceled.
func (h *Hotlist) Run(ctx context.Context) {
	go h.sweepLoop(ctx)
	if h.redis != nil {
		go h.subscribeLoop(ctx)
	}
}

func (h *Hotlist) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := nowMicros()
		h.mu.Lock()
		for topicID, byToken := range h.perTopic {
			for token, entry := range byToken {
				if entry.requestTSMicros+HotlistDurationMicros < now {
					delete(byToken, token)
					entry.wake()
				}
			}
			if len(byToken) == 0 {
				delete(h.perTopic, topicID)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hotlist) subscribeLoop(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topicID := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			h.wakeLocal(topicID, msg.Payload)
		}
	}
}

func (e *hotlistEntry) wake() {
	e.woken.Do(func() { close(e.wake) })
}

func (h *Hotlist) wakeLocal(topicID, token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	byToken, ok := h.perTopic[topicID]
	if !ok {
		return false
	}
	entry, ok := byToken[token]
	if !ok {
		return false
	}
	delete(byToken, token)
	entry.wake()
	return true
}

// Notify is called from the publish path right after an event carrying
// correlationToken lands in topicID, waking any local or remote waiter.
func (h *Hotlist) Notify(ctx context.Context, topicID, correlationToken string) {
	h.wakeLocal(topicID, correlationToken)
	if h.redis != nil {
		if err := h.redis.Publish(ctx, redisChannelPrefix+topicID, correlationToken).Err(); err != nil {
			h.logger.Warn("publishing hotlist notification", "topic", topicID, "error", err)
		}
	}
}

// GetEventByCorrelationToken validates correlationTokenStr and, if its
// request window hasn't expired, waits for Notify before doing the
// definitive lookup.
func (h *Hotlist) GetEventByCorrelationToken(ctx context.Context, topicID, correlationTokenStr string) (*backend.Event, error) {
	token, err := h.parseAndValidate(correlationTokenStr)
	if err != nil {
		return nil, err
	}
	if token.TimestampMicros+HotlistDurationMicros > nowMicros() {
		entry := &hotlistEntry{requestTSMicros: token.TimestampMicros, wake: make(chan struct{})}
		h.mu.Lock()
		byToken, ok := h.perTopic[topicID]
		if !ok {
			byToken = make(map[string]*hotlistEntry)
			h.perTopic[topicID] = byToken
		}
		byToken[correlationTokenStr] = entry
		h.mu.Unlock()

		select {
		case <-entry.wake:
		case <-ctx.Done():
			h.wakeLocal(topicID, correlationTokenStr)
			return nil, ctx.Err()
		}
	}
	return h.events.EventDocumentByCorrelationToken(ctx, topicID, correlationTokenStr)
}

// ValidateOrMint returns correlationToken unchanged if it parses and
// verifies, otherwise mints a fresh one stamped at eventTSMicros.
func (h *Hotlist) ValidateOrMint(correlationToken string, eventTSMicros uint64) (string, error) {
	if correlationToken != "" {
		if _, err := h.parseAndValidate(correlationToken); err == nil {
			return correlationToken, nil
		}
	}
	token, err := NewToken(h.secret, eventTSMicros)
	if err != nil {
		return "", err
	}
	return token.AsString()
}

func (h *Hotlist) parseAndValidate(s string) (*Token, error) {
	token, err := TokenFromString(s)
	if err != nil {
		return nil, err
	}
	if !token.Verify(h.secret) {
		return nil, broker.New(broker.MalformedIdentifier, "correlation token failed integrity check")
	}
	return token, nil
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
