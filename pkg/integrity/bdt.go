// Package integrity groups events into Binary Digest Trees and protects
// the resulting root hashes with shared secrets, so a consumer can later
// prove that a delivered document is authentic and unaltered (spec.md
// §4.5).
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sync"
	"time"
)

// DigestAlgorithm identifies a hash function usable both for a
// BinaryDigestTree and for hashing the protected member value itself.
type DigestAlgorithm string

const (
	// DigestSHA256 is the default digest used for new trees.
	DigestSHA256 DigestAlgorithm = "sha256"
	DigestSHA512 DigestAlgorithm = "sha512"
)

func newHash(alg DigestAlgorithm) (hash.Hash, error) {
	switch alg {
	case DigestSHA256, "":
		return sha256.New(), nil
	case DigestSHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %s", alg)
	}
}

// combine hashes left||right into a single node value.
func combine(alg DigestAlgorithm, left, right []byte) []byte {
	h, err := newHash(alg)
	if err != nil {
		panic(err)
	}
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// ProofStep is one level of an inclusion proof: the sibling hash and
// whether the sibling sits to the left of the member's running hash.
type ProofStep struct {
	SiblingLeft bool
	Sibling     []byte
}

// Proof lets a holder of a member value recompute the tree's root hash
// without holding the whole tree.
type Proof struct {
	DigestAlgorithm DigestAlgorithm
	Steps           []ProofStep
}

// RootHashForMember recomputes the root hash a member belongs to, given
// its inclusion proof. Returns nil if the proof names an unsupported
// digest algorithm.
func RootHashForMember(proof Proof, member []byte) []byte {
	if _, err := newHash(proof.DigestAlgorithm); err != nil {
		return nil
	}
	current := member
	for _, step := range proof.Steps {
		if step.SiblingLeft {
			current = combine(proof.DigestAlgorithm, step.Sibling, current)
		} else {
			current = combine(proof.DigestAlgorithm, current, step.Sibling)
		}
	}
	return current
}

// BinaryDigestTree is a Merkle tree over a fixed set of member leaves,
// duplicating the last leaf up a level whenever a level has an odd count.
type BinaryDigestTree struct {
	alg    DigestAlgorithm
	levels [][][]byte // levels[0] = leaves (the members themselves)
}

// NewBinaryDigestTree builds a tree over members. members must be
// non-empty; order determines leaf position and therefore each proof.
func NewBinaryDigestTree(alg DigestAlgorithm, members [][]byte) *BinaryDigestTree {
	leaves := make([][]byte, len(members))
	copy(leaves, members)
	t := &BinaryDigestTree{alg: alg, levels: [][][]byte{leaves}}
	level := leaves
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, combine(alg, level[i], level[i+1]))
			} else {
				// odd tail: duplicate the lone node as its own sibling
				next = append(next, combine(alg, level[i], level[i]))
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

// RootHash returns the tree's single root node.
func (t *BinaryDigestTree) RootHash() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Proof returns the inclusion proof for the member at leaf index idx.
func (t *BinaryDigestTree) Proof(idx int) Proof {
	steps := make([]ProofStep, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 {
			if idx+1 < len(level) {
				steps = append(steps, ProofStep{SiblingLeft: false, Sibling: level[idx+1]})
			} else {
				// odd tail: the lone node was duplicated as its own sibling
				steps = append(steps, ProofStep{SiblingLeft: false, Sibling: level[idx]})
			}
		} else {
			steps = append(steps, ProofStep{SiblingLeft: true, Sibling: level[idx-1]})
		}
		idx /= 2
	}
	return Proof{DigestAlgorithm: t.alg, Steps: steps}
}

// groupStaging accumulates members submitted during one grouping window.
type groupStaging struct {
	members   [][]byte
	createdTS uint64
	tree      *BinaryDigestTree
	ready     chan struct{}
}

// GroupBuilder batches members arriving within a short window into one
// BinaryDigestTree. The first caller in a window becomes the "root
// owner": it sleeps out the window, builds the tree over everyone who
// joined, and releases every other waiter. Go has no destructor to hook
// a release on scope-exit the way the original's Drop impl does, so the
// owner releases explicitly (via a deferred call) once the tree is
// built.
type GroupBuilder struct {
	alg           DigestAlgorithm
	groupByMicros uint64

	mu      sync.Mutex
	staging *groupStaging
}

// NewGroupBuilder returns a builder that groups members arriving within
// groupByMicros of each other into a single tree.
func NewGroupBuilder(alg DigestAlgorithm, groupByMicros uint64) *GroupBuilder {
	return &GroupBuilder{alg: alg, groupByMicros: groupByMicros}
}

// GetProofOfInclusion submits member for grouping and blocks until its
// tree is built, returning the member's inclusion proof and the group's
// creation timestamp. rootHash is non-nil only for the caller that ended
// up building the tree (the "designated committer" in the original);
// every other caller gets a nil rootHash but an equally valid proof.
func (g *GroupBuilder) GetProofOfInclusion(nowMicros func() uint64, member []byte) (rootHash []byte, proof Proof, createdTSMicros uint64) {
	g.mu.Lock()
	isOwner := g.staging == nil
	if isOwner {
		g.staging = &groupStaging{createdTS: nowMicros(), ready: make(chan struct{})}
	}
	staging := g.staging
	idx := len(staging.members)
	staging.members = append(staging.members, member)
	g.mu.Unlock()

	if !isOwner {
		<-staging.ready
		return nil, staging.tree.Proof(idx), staging.createdTS
	}

	// Keep the window open for group_by_micros so late joiners land in
	// this group instead of starting a fresh one.
	time.Sleep(time.Duration(g.groupByMicros) * time.Microsecond)

	g.mu.Lock()
	g.staging = nil
	g.mu.Unlock()

	tree := NewBinaryDigestTree(g.alg, staging.members)
	staging.tree = tree
	close(staging.ready)
	return tree.RootHash(), tree.Proof(idx), staging.createdTS
}
