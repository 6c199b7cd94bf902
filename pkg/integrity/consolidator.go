package integrity

import (
	"context"
	"log/slog"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// OldestInstanceChecker is the subset of uniquetime.Stamper the
// Consolidator needs to elect a single runner cluster-wide.
type OldestInstanceChecker interface {
	IsOldestInstance(ctx context.Context) (bool, error)
}

// Consolidator periodically rolls level-0 (per-event) protections up
// into level-1 and level-2 trees, so that proving an old event's
// integrity touches O(log) rows instead of one row per event forever
// (spec.md §4.5.3). Only the oldest alive instance runs it, since
// consolidation must see a globally consistent view of each bucket.
type Consolidator struct {
	topics    backend.TopicFacade
	integrity backend.IntegrityFacade
	protector *Protector
	validator *Validator
	checker   OldestInstanceChecker
	logger    *slog.Logger

	interval time.Duration
	nowMicros func() uint64
}

// NewConsolidator builds a Consolidator; call Run to start its
// background loop.
func NewConsolidator(topics backend.TopicFacade, integrityFacade backend.IntegrityFacade, protector *Protector, validator *Validator, checker OldestInstanceChecker, logger *slog.Logger, nowMicros func() uint64) *Consolidator {
	return &Consolidator{
		topics:    topics,
		integrity: integrityFacade,
		protector: protector,
		validator: validator,
		checker:   checker,
		logger:    logger,
		interval:  10 * time.Second,
		nowMicros: nowMicros,
	}
}

// Run starts the background consolidation loop; it returns immediately
// and stops when ctx is canceled.
func (c *Consolidator) Run(ctx context.Context) {
	go c.loop(ctx)
}

func (c *Consolidator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		isOldest, err := c.checker.IsOldestInstance(ctx)
		if err != nil {
			c.logger.Warn("checking oldest-instance status for consolidation", "error", err)
			continue
		}
		if !isOldest {
			continue
		}
		c.runOnce(ctx)
	}
}

func (c *Consolidator) runOnce(ctx context.Context) {
	from := ""
	for {
		topicIDs, err := c.topics.GetTopicIDs(ctx, from)
		if err != nil {
			c.logger.Warn("listing topics for consolidation", "error", err)
			return
		}
		for _, topicID := range topicIDs {
			c.consolidateTopic(ctx, topicID)
			from = topicID
		}
		if len(topicIDs) == 0 {
			return
		}
	}
}

// consolidateTopic walks level 0 and then level 1, folding each
// populated bucket into a tree one level up.
func (c *Consolidator) consolidateTopic(ctx context.Context, topicID string) {
	for levelIn := 0; levelIn <= 1; levelIn++ {
		c.consolidateLevel(ctx, topicID, levelIn)
	}
}

func (c *Consolidator) consolidateLevel(ctx context.Context, topicID string, levelIn int) {
	var afterBucket uint64
	for {
		bucket, found, err := c.integrity.NextPopulatedBucket(ctx, levelIn, afterBucket)
		if err != nil {
			c.logger.Warn("finding next consolidation bucket", "topic", topicID, "level", levelIn, "error", err)
			return
		}
		if !found {
			return
		}
		afterBucket = bucket

		rows, err := c.integrity.IterateByLevelAndBucket(ctx, levelIn, bucket)
		if err != nil {
			c.logger.Warn("reading consolidation bucket", "topic", topicID, "level", levelIn, "bucket", bucket, "error", err)
			continue
		}
		members := make([]ConsolidationMember, 0, len(rows))
		for _, row := range rows {
			if row.ProtectionRef != "" {
				continue // already folded into a higher level
			}
			protection, err := ProtectionFromString(row.ProtectionData)
			if err != nil {
				c.logger.Warn("parsing protection during consolidation", "topic", topicID, "error", err)
				continue
			}
			rootHash := hexMustDecode(row.ProtectionID)
			if !c.validator.IsValidIntegrityProtection(ctx, row.ProtectionTS, rootHash, protection) {
				c.logger.Warn("skipping invalid protection during consolidation", "topic", topicID, "protection_id", row.ProtectionID)
				continue
			}
			members = append(members, ConsolidationMember{ProtectionIDHex: row.ProtectionID, ProtectionTSMicros: row.ProtectionTS})
		}
		if len(members) == 0 {
			continue
		}

		levelOut := levelIn + 1
		protectionTSMicros := c.nowMicros()
		proofs := c.protector.BuildConsolidationTree(members, protectionTSMicros)
		for i, p := range proofs {
			if i == 0 {
				if err := c.protector.CreateAndPersistProtection(ctx, topicID, p.RootHash, p.RootProtectionTS, levelOut); err != nil {
					c.logger.Warn("persisting consolidated root", "topic", topicID, "level", levelOut, "error", err)
					continue
				}
			}
			refString, err := p.Reference.AsString()
			if err != nil {
				continue
			}
			if err := c.integrity.SetProtectionRef(ctx, levelIn, protectionBucket(p.Member.ProtectionTSMicros), p.Member.ProtectionIDHex, refString); err != nil {
				c.logger.Warn("pointing consolidated member at parent", "topic", topicID, "error", err)
			}
		}
	}
}
