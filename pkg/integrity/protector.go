package integrity

import (
	"context"
	"sync"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// ProtectionBucketMicros buckets protection rows by a 4 minute interval
// so the consolidator can batch-scan them without an unbounded table
// scan (mirrors the interval the original's consolidator assumes when
// it says "this grabs stuff in at least 4 min intervals").
const ProtectionBucketMicros = 240_000_000

func protectionBucket(tsMicros uint64) uint64 {
	return tsMicros / ProtectionBucketMicros
}

// HashOverProtected computes the leaf value a document/UniqueTime pair
// contributes to a BinaryDigestTree.
func HashOverProtected(alg DigestAlgorithm, document string, uniqueTimeBytes []byte) []byte {
	h, err := newHash(alg)
	if err != nil {
		h, _ = newHash(DigestSHA256)
	}
	h.Write([]byte(document))
	h.Write(uniqueTimeBytes)
	return h.Sum(nil)
}

// OldestFirstClaimFunc returns the earliest first-claim timestamp among
// currently alive instances, used to decide when the previous secret
// generation is safe to drop from new protections.
type OldestFirstClaimFunc func(ctx context.Context) (uint64, error)

// Protector groups events into per-topic BinaryDigestTrees and persists
// MAC-protected root hashes (spec.md §4.5.1).
type Protector struct {
	facade           backend.IntegrityFacade
	secrets          *Secrets
	oldestFirstClaim OldestFirstClaimFunc
	nowMicros        func() uint64
	digestAlgorithm  DigestAlgorithm
	groupByMicros    uint64

	mu       sync.Mutex
	builders map[string]*GroupBuilder
}

// NewProtector builds a Protector. groupByMicros controls how long a
// BinaryDigestTree group window stays open per topic before it commits
// (64ms in the original).
func NewProtector(facade backend.IntegrityFacade, secrets *Secrets, oldestFirstClaim OldestFirstClaimFunc, nowMicros func() uint64, digestAlgorithm DigestAlgorithm, groupByMicros uint64) *Protector {
	return &Protector{
		facade:           facade,
		secrets:          secrets,
		oldestFirstClaim: oldestFirstClaim,
		nowMicros:        nowMicros,
		digestAlgorithm:  digestAlgorithm,
		groupByMicros:    groupByMicros,
		builders:         make(map[string]*GroupBuilder),
	}
}

func (p *Protector) groupBuilderFor(topicID string) *GroupBuilder {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.builders[topicID]
	if !ok {
		b = NewGroupBuilder(p.digestAlgorithm, p.groupByMicros)
		p.builders[topicID] = b
	}
	return b
}

// DeriveProtection groups document's leaf hash into topicID's current
// tree and returns the Reference the event row should store as its
// protection_ref. The caller that happens to end up building the tree
// also persists its root-level protection (level 0); every other caller
// only pays for the wait and the proof lookup.
func (p *Protector) DeriveProtection(ctx context.Context, topicID string, document string, uniqueTimeBytes []byte) (Reference, error) {
	member := HashOverProtected(p.digestAlgorithm, document, uniqueTimeBytes)
	builder := p.groupBuilderFor(topicID)
	rootHash, proof, createdTSMicros := builder.GetProofOfInclusion(p.nowMicros, member)
	if rootHash != nil {
		if err := p.CreateAndPersistProtection(ctx, topicID, rootHash, createdTSMicros, 0); err != nil {
			return Reference{}, err
		}
	}
	return NewReference(proof, createdTSMicros), nil
}

// CreateAndPersistProtection MACs protectedHash with the current (and,
// unless stale, previous) secret generation and writes the resulting row.
func (p *Protector) CreateAndPersistProtection(ctx context.Context, topicID string, protectedHash []byte, protectionTSMicros uint64, level int) error {
	currentOID, currentSecret, currentTSMicros := p.secrets.Current()
	previousOID, previousSecret := p.secrets.Previous()
	if oldest, err := p.oldestFirstClaim(ctx); err == nil && currentTSMicros <= oldest {
		// No instance still running predates the current generation, so no
		// instance will ever need the previous secret to validate this row.
		previousOID, previousSecret = "", nil
	}
	protection, err := Protect(protectedHash, currentOID, currentSecret, previousOID, previousSecret)
	if err != nil {
		return err
	}
	serialized, err := protection.AsString()
	if err != nil {
		return err
	}
	row := backend.IntegrityRow{
		Level:              level,
		ProtectionTSBucket: protectionBucket(protectionTSMicros),
		ProtectionID:       protection.ProtectedHashHex(),
		ProtectionTS:       protectionTSMicros,
		ProtectionData:     serialized,
	}
	_ = topicID // integrity rows are not currently topic-partitioned; see DESIGN.md
	return p.facade.InsertProtection(ctx, row)
}

// ConsolidationMember is one protection row fed into a higher-level tree
// during consolidation.
type ConsolidationMember struct {
	ProtectionIDHex    string
	ProtectionTSMicros uint64
}

// ConsolidatedProof is what BuildConsolidationTree hands back for a
// single consolidated member: its own reference (to be stored as the
// row's new protection_ref) plus the tree's root hash. Every member
// carries the root hash; IsTreeRoot marks the first member, and that root
// hash must itself be protected and persisted one level up.
type ConsolidatedProof struct {
	Member             ConsolidationMember
	Reference          Reference
	IsTreeRoot         bool
	RootHash           []byte
	RootProtectionTS   uint64
}

// BuildConsolidationTree builds one BinaryDigestTree directly over
// already-collected members (no grouping window: consolidation already
// decided its membership) and returns every member's proof against it.
func (p *Protector) BuildConsolidationTree(members []ConsolidationMember, protectionTSMicros uint64) []ConsolidatedProof {
	if len(members) == 0 {
		return nil
	}
	leaves := make([][]byte, len(members))
	for i, m := range members {
		leaves[i] = hexMustDecode(m.ProtectionIDHex)
	}
	tree := NewBinaryDigestTree(p.digestAlgorithm, leaves)
	out := make([]ConsolidatedProof, len(members))
	for i, m := range members {
		proof := tree.Proof(i)
		out[i] = ConsolidatedProof{
			Member:           m,
			Reference:        NewReference(proof, protectionTSMicros),
			IsTreeRoot:       i == 0,
			RootHash:         tree.RootHash(),
			RootProtectionTS: protectionTSMicros,
		}
	}
	return out
}
