// Package engine wires every component of spec.md §4 together behind the
// operations the transport layer (§6) calls: publish, subscribe/reserve,
// confirm, and the three read paths. It lives apart from pkg/broker (the
// shared error vocabulary) because pkg/delivery already depends on
// pkg/broker for its error helpers, and the Engine depends on
// pkg/delivery.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/pkg/access"
	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/broker"
	"github.com/mydriatech/fragtale/pkg/correlation"
	"github.com/mydriatech/fragtale/pkg/delivery"
	"github.com/mydriatech/fragtale/pkg/event"
	"github.com/mydriatech/fragtale/pkg/integrity"
	"github.com/mydriatech/fragtale/pkg/metrics"
	"github.com/mydriatech/fragtale/pkg/objectcount"
	"github.com/mydriatech/fragtale/pkg/topic"
	"github.com/mydriatech/fragtale/pkg/trustedtime"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
	"github.com/redis/go-redis/v9"
)

// protectionGroupByMicros is how long a BinaryDigestTree group window
// stays open per topic before it commits (spec.md §9's "builder window").
const protectionGroupByMicros = 64_000

// Engine is the process-scoped singleton every transport handler calls
// into. It owns every background task described in spec.md §5 and is
// threaded explicitly through the HTTP/WS layer rather than reached via
// package-level globals (per spec.md §9's redesign note).
type Engine struct {
	instanceID uint16

	backend     backend.Backend
	stamper     *uniquetime.Stamper
	descriptors *topic.DescriptorCache
	processor   *topic.Processor
	protector   *integrity.Protector
	validator   *integrity.Validator
	hotlist     *correlation.Hotlist
	access      *access.Control
	counts      *objectcount.Tracker
	consumers   *delivery.Registry
	monitor     *trustedtime.Monitor
	health      *trustedtime.Health
	metrics     *metrics.Taps

	logger *slog.Logger
}

// New builds every component described in spec.md §4 from cfg and
// starts their background tasks. The returned Engine owns those tasks'
// lifetime via ctx; call Close on shutdown to release the instance
// claim.
func New(ctx context.Context, cfg *config.Config, b backend.Backend, redisClient *redis.Client, appVersion string, logger *slog.Logger) (*Engine, error) {
	stamper, err := uniquetime.NewStamper(ctx, b.Instance(), logger)
	if err != nil {
		return nil, fmt.Errorf("claiming instance identity: %w", err)
	}
	instanceID := stamper.InstanceID()

	descriptors := topic.NewDescriptorCache(ctx, b.Topic(), logger)
	processor := topic.NewProcessor(descriptors)

	oldestFirstClaim := stamper.GetOldestFirstClaimTSMicros

	// Seed the previous generation (if configured) first, then rotate in
	// the current one; Rotate's current->previous promotion then lands
	// the configured previous generation in the previous slot instead of
	// discarding it.
	var secrets *integrity.Secrets
	if cfg.IntegrityPreviousSecret != "" {
		secrets = integrity.NewSecrets(cfg.IntegrityPreviousOID, []byte(cfg.IntegrityPreviousSecret), 0)
		secrets.Rotate(cfg.IntegrityCurrentOID, []byte(cfg.IntegrityCurrentSecret), uint64(cfg.IntegrityCurrentTS))
	} else {
		secrets = integrity.NewSecrets(cfg.IntegrityCurrentOID, []byte(cfg.IntegrityCurrentSecret), uint64(cfg.IntegrityCurrentTS))
	}

	protector := integrity.NewProtector(b.Integrity(), secrets, oldestFirstClaim, nowMicros, integrity.DigestSHA256, protectionGroupByMicros)
	validator := integrity.NewValidator(b.Integrity(), secrets, nowMicros(), oldestFirstClaim, integrity.DigestSHA256)
	consolidator := integrity.NewConsolidator(b.Topic(), b.Integrity(), protector, validator, stamper, logger, nowMicros)

	correlationSecret := []byte(cfg.CorrelationSecret)
	hotlist := correlation.NewHotlist(b.Event(), correlationSecret, redisClient, logger)

	accessControl := access.New(b.Access(), logger)

	counts := objectcount.New(b.ObjectCount(), instanceID, logger)

	consumers := delivery.NewRegistry(ctx, instanceID, b, counts, validator, logger)

	monitor := trustedtime.NewMonitor(cfg.NTPHost, time.Duration(cfg.ToleranceMicros)*time.Microsecond, logger)
	health := trustedtime.NewHealth(monitor, stamper, logger, func() { os.Exit(1) })

	taps := metrics.New(appVersion)

	e := &Engine{
		instanceID:  instanceID,
		backend:     b,
		stamper:     stamper,
		descriptors: descriptors,
		processor:   processor,
		protector:   protector,
		validator:   validator,
		hotlist:     hotlist,
		access:      accessControl,
		counts:      counts,
		consumers:   consumers,
		monitor:     monitor,
		health:      health,
		metrics:     taps,
		logger:      logger,
	}

	counts.Run(ctx)
	hotlist.Run(ctx)
	consolidator.Run(ctx)
	monitor.Run(ctx)
	go health.RunFailsafe(ctx)

	return e, nil
}

// Close releases this instance's cluster claim. Call during graceful
// shutdown (spec.md §5's exit_hook); every other background task is
// expected to be stopped by cancelling the ctx passed to New.
func (e *Engine) Close(ctx context.Context) {
	e.stamper.Close(ctx)
}

// Metrics exposes the Taps for registration against a Prometheus
// registry at startup.
func (e *Engine) Metrics() *metrics.Taps { return e.metrics }

// Health exposes the readiness/liveness gate for the HTTP health
// endpoints.
func (e *Engine) Health() *trustedtime.Health { return e.health }

// UpsertDescriptor registers or updates an EventDescriptor for a topic,
// creating the topic and its extracted-column indices as needed.
func (e *Engine) UpsertDescriptor(ctx context.Context, identity access.Identity, topicID string, d backend.EventDescriptor) error {
	if err := topic.ValidateTopicID(topicID); err != nil {
		return err
	}
	if err := e.access.AssertAllowedTopicWrite(ctx, identity, topicID); err != nil {
		return err
	}
	if err := e.backend.Topic().EnsureTopicSetup(ctx, topicID); err != nil {
		return broker.Wrap(broker.Unspecified, "ensuring topic setup", err)
	}
	d.Topic = topicID
	if _, err := e.backend.Topic().UpsertEventDescriptor(ctx, d); err != nil {
		return broker.Wrap(broker.EventDescriptorError, "upserting event descriptor", err)
	}
	for _, extractor := range d.Extractors {
		semanticType := extractor.ResultType
		if err := e.backend.Topic().EnsureExtractedColumnAndIndex(ctx, topicID, extractor.ResultName, semanticType); err != nil {
			return broker.Wrap(broker.EventDescriptorError, "ensuring extracted column index", err)
		}
	}
	e.descriptors.ReloadTopic(ctx, topicID)
	return nil
}

// PublishResult is what Publish hands back to the transport layer.
type PublishResult struct {
	UniqueTime       uniquetime.UniqueTime
	EventID          string
	CorrelationToken string
}

// Publish runs the full publish pipeline: access check, trusted-time
// gate, pre-storage validation/extraction, unique-time minting, event
// identity, integrity protection, correlation token mint/validate, and
// persistence; it then wakes the object-count tracker and hotlist.
func (e *Engine) Publish(ctx context.Context, identity access.Identity, topicID string, document []byte, priority int, descriptorVersion *uint64, correlationTokenIn string) (*PublishResult, error) {
	if err := topic.ValidateTopicID(topicID); err != nil {
		return nil, err
	}
	if err := e.access.AssertAllowedTopicWrite(ctx, identity, topicID); err != nil {
		return nil, err
	}
	if err := event.ValidateDocument(document); err != nil {
		return nil, err
	}
	if err := event.ValidatePriority(priority); err != nil {
		return nil, err
	}
	eventTSMicros, trusted := e.monitor.TrustedNowMicros()
	if !trusted {
		return nil, broker.New(broker.TrustedTimeError, "local clock is not currently trusted; refusing to publish")
	}

	result, err := e.processor.ValidateAndExtract(ctx, topicID, string(document), descriptorVersion)
	if err != nil {
		return nil, err
	}

	ut, err := e.stamper.GetUniqueTimestamp(eventTSMicros, uint8(priority))
	if err != nil {
		return nil, broker.Wrap(broker.Unspecified, "minting unique timestamp", err)
	}
	eventID := event.ContentFingerprint(string(document), ut)

	utBytes := ut.AsBytes()
	ref, err := e.protector.DeriveProtection(ctx, topicID, string(document), utBytes[:])
	if err != nil {
		return nil, broker.Wrap(broker.IntegrityProtectionError, "deriving integrity protection", err)
	}
	refJSON, err := ref.AsString()
	if err != nil {
		return nil, broker.Wrap(broker.IntegrityProtectionError, "serializing integrity protection reference", err)
	}

	correlationToken, err := e.hotlist.ValidateOrMint(correlationTokenIn, eventTSMicros)
	if err != nil {
		return nil, err
	}

	ev := backend.Event{
		Topic:             topicID,
		EventID:           eventID,
		UniqueTime:        ut,
		Document:          string(document),
		Priority:          uint8(priority),
		DescriptorVersion: result.DescriptorVersion,
		CorrelationToken:  correlationToken,
		ProtectionRef:     refJSON,
		ExtractedColumns:  result.ExtractedColumns,
	}
	if err := e.backend.Event().EventPersist(ctx, ev); err != nil {
		return nil, broker.Wrap(broker.Unspecified, "persisting event", err)
	}

	e.counts.Inc(topicID, backend.ObjectTypeEvents)
	e.hotlist.Notify(ctx, topicID, correlationToken)
	e.metrics.IncPublished(topicID, len(document))

	return &PublishResult{UniqueTime: ut, EventID: eventID, CorrelationToken: correlationToken}, nil
}

// WaitForCorrelated blocks (up to the hotlist duration) for the event
// carrying correlationToken in topicID, reporting the observed wait to
// the metrics taps.
func (e *Engine) WaitForCorrelated(ctx context.Context, identity access.Identity, topicID, correlationToken string) (*backend.Event, error) {
	if err := e.access.AssertAllowedTopicRead(ctx, identity, topicID); err != nil {
		return nil, err
	}
	start := nowMicros()
	ev, err := e.hotlist.GetEventByCorrelationToken(ctx, topicID, correlationToken)
	e.metrics.ReportCorrelatedWait(topicID, saturatingSub(nowMicros(), start))
	if err != nil || ev == nil {
		return ev, err
	}
	utBytes := ev.UniqueTime.AsBytes()
	if !e.validator.ValidateProtectionRefOfEvent(ctx, topicID, ev.Document, ev.ProtectionRef, utBytes[:]) {
		return nil, broker.New(broker.IntegrityProtectionError, "integrity validation failed for event "+ev.EventID)
	}
	e.auditDeliveredOnce(ctx, identity, topicID, ev)
	return ev, nil
}

// Next reserves and returns the next event for (topicID, consumerID), or
// nil if none is currently available.
func (e *Engine) Next(ctx context.Context, identity access.Identity, topicID, consumerID string, descriptorVersion *uint64) (*backend.EventDeliveryGist, error) {
	if err := topic.ValidateConsumerID(consumerID); err != nil {
		return nil, err
	}
	if err := e.access.AssertAllowedTopicRead(ctx, identity, topicID); err != nil {
		return nil, err
	}
	consumer, err := e.consumers.Get(ctx, topicID, consumerID)
	if err != nil {
		return nil, broker.Wrap(broker.Unspecified, "setting up consumer", err)
	}
	gist, err := consumer.ReserveDeliveryIntent(ctx, descriptorVersion)
	if err != nil {
		return nil, err
	}
	if gist == nil {
		return nil, nil
	}
	e.metrics.IncDelivered(topicID, len(gist.Document))
	e.metrics.ReportPublishToDeliveryLatency(topicID, saturatingSub(nowMicros(), gist.UniqueTime.TimeMicros()))
	return gist, nil
}

// Confirm marks a reserved delivery as done.
func (e *Engine) Confirm(ctx context.Context, identity access.Identity, topicID, consumerID string, ut uniquetime.UniqueTime) error {
	if err := e.access.AssertAllowedTopicRead(ctx, identity, topicID); err != nil {
		return err
	}
	consumer, err := e.consumers.Get(ctx, topicID, consumerID)
	if err != nil {
		return broker.Wrap(broker.Unspecified, "setting up consumer", err)
	}
	if err := consumer.ConfirmDelivery(ctx, ut); err != nil {
		return broker.Wrap(broker.Unspecified, "confirming delivery", err)
	}
	e.counts.Inc(topicID, backend.ObjectTypeDoneDeliveryIntents)
	return nil
}

// GetByID retrieves an event by id and verifies its integrity
// protection still validates before returning it (spec.md S5).
func (e *Engine) GetByID(ctx context.Context, identity access.Identity, topicID, eventID string) (*backend.Event, error) {
	if err := e.access.AssertAllowedTopicRead(ctx, identity, topicID); err != nil {
		return nil, err
	}
	ev, err := e.backend.Event().EventByID(ctx, topicID, eventID)
	if err != nil {
		return nil, broker.Wrap(broker.Unspecified, "loading event", err)
	}
	if ev == nil {
		return nil, nil
	}
	utBytes := ev.UniqueTime.AsBytes()
	if !e.validator.ValidateProtectionRefOfEvent(ctx, topicID, ev.Document, ev.ProtectionRef, utBytes[:]) {
		return nil, broker.New(broker.IntegrityProtectionError, "integrity validation failed for event "+eventID)
	}
	e.auditDeliveredOnce(ctx, identity, topicID, ev)
	return ev, nil
}

// auditDeliveredOnce records an audit-only done delivery intent for a
// retrieval path that bypassed reservation entirely (by-id and
// by-correlation-token lookups, spec.md §4.3), keyed by the caller's own
// identity as the consumer id, and reports the delivery to the metrics
// taps the same way a reserved delivery does. Failures are logged, not
// propagated: the caller already has the validated document in hand.
func (e *Engine) auditDeliveredOnce(ctx context.Context, identity access.Identity, topicID string, ev *backend.Event) {
	consumerID := identity.String()
	deliveryFacade := e.backend.ConsumerDelivery()
	if err := deliveryFacade.EnsureConsumerSetup(ctx, topicID, consumerID); err != nil {
		e.logger.Warn("ensuring consumer setup for audit delivery", "topic", topicID, "consumer", consumerID, "error", err)
		return
	}
	err := deliveryFacade.DeliveryIntentInsertDone(ctx, topicID, consumerID, ev.EventID, ev.UniqueTime, e.instanceID, nil, nowMicros())
	if err != nil {
		e.logger.Warn("inserting audit-only done delivery intent", "topic", topicID, "consumer", consumerID, "error", err)
	}
	e.metrics.IncDelivered(topicID, len(ev.Document))
}

// GetIDsByIndex returns every event id with key under the named
// extracted-column index, newest first.
func (e *Engine) GetIDsByIndex(ctx context.Context, identity access.Identity, topicID, indexName, key string) ([]string, error) {
	if err := e.access.AssertAllowedTopicRead(ctx, identity, topicID); err != nil {
		return nil, err
	}
	ids, err := e.backend.Event().EventIDsByIndex(ctx, topicID, indexName, key)
	if err != nil {
		return nil, broker.Wrap(broker.Unspecified, "listing event ids by index", err)
	}
	return ids, nil
}

func nowMicros() uint64 { return uint64(time.Now().UnixMicro()) }

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
