// Package mem implements the backend.Backend facade entirely in process
// memory, guarded by mutexes. It is grounded on the layout of the original
// in-memory reference store (one InMemTopic per topic, holding its own
// events/consumers/indices), reworked as ordinary Go maps since the
// standard library has no lock-free skip-map equivalent; mutation rate in
// tests and single-node deployments does not warrant one.
package mem

import (
	"errors"
	"sort"
	"sync"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

// ErrNotFound is not returned by this package's lookups, which report a
// miss as a nil/false result instead.
var ErrNotFound = errors.New("mem: not found")

// Backend is the in-memory implementation of backend.Backend.
type Backend struct {
	mu     sync.RWMutex
	topics map[string]*topicState

	instanceMu sync.Mutex
	instances  map[uint16]instanceClaim

	integrityMu sync.Mutex
	// integrity[level][bucket][protectionID]
	integrity map[int]map[uint64]map[string]*backend.IntegrityRow

	accessMu sync.Mutex
	grants   map[string]backend.ResourceGrant

	descriptorsMu sync.Mutex
	descriptors   map[string][]backend.EventDescriptor // by topic, ordered by version asc

	objectCountMu sync.Mutex
	objectCounts  map[objectCountKey]backend.ObjectCountRow
}

type instanceClaim struct {
	firstClaimMicros uint64
	expiresMicros    uint64
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		topics:      make(map[string]*topicState),
		instances:   make(map[uint16]instanceClaim),
		integrity:   make(map[int]map[uint64]map[string]*backend.IntegrityRow),
		grants:      make(map[string]backend.ResourceGrant),
		descriptors: make(map[string][]backend.EventDescriptor),
		objectCounts: make(map[objectCountKey]backend.ObjectCountRow),
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) topic(topicID string) *topicState {
	b.mu.RLock()
	t, ok := b.topics[topicID]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topicID]; ok {
		return t
	}
	t = newTopicState()
	b.topics[topicID] = t
	return t
}

func (b *Backend) Topic() backend.TopicFacade                       { return (*topicFacade)(b) }
func (b *Backend) Event() backend.EventFacade                       { return (*eventFacade)(b) }
func (b *Backend) Index() backend.IndexFacade                       { return (*indexFacade)(b) }
func (b *Backend) ConsumerDelivery() backend.ConsumerDeliveryFacade { return (*consumerDeliveryFacade)(b) }
func (b *Backend) Instance() backend.InstanceFacade                 { return (*instanceFacade)(b) }
func (b *Backend) Integrity() backend.IntegrityFacade               { return (*integrityFacade)(b) }
func (b *Backend) Access() backend.AccessFacade                     { return (*accessFacade)(b) }
func (b *Backend) ObjectCount() backend.ObjectCountFacade           { return (*objectCountFacade)(b) }

// topicState mirrors the original InMemTopic: all state scoped to one
// topic, guarded by a single mutex since contention is not the concern of
// this implementation.
type topicState struct {
	mu sync.Mutex

	eventsByUT   map[uniquetime.UniqueTime]*backend.Event
	eventUTOrder []uniquetime.UniqueTime // kept sorted ascending
	utByEventID  map[string][]uniquetime.UniqueTime
	utByCorrToken map[string]uniquetime.UniqueTime

	consumers map[string]*consumerState

	// indices[column][key] -> set of (eventID, ut)
	indices map[string]map[string]map[uniquetime.UniqueTime]string

	bucketsByShelf map[uint16]map[uint64]bool
}

func newTopicState() *topicState {
	return &topicState{
		eventsByUT:     make(map[uniquetime.UniqueTime]*backend.Event),
		utByEventID:    make(map[string][]uniquetime.UniqueTime),
		utByCorrToken:  make(map[string]uniquetime.UniqueTime),
		consumers:      make(map[string]*consumerState),
		indices:        make(map[string]map[string]map[uniquetime.UniqueTime]string),
		bucketsByShelf: make(map[uint16]map[uint64]bool),
	}
}

type consumerState struct {
	attempted uniquetime.UniqueTime
	done      uniquetime.UniqueTime
	hasAttempted bool
	hasDone      bool
	latestDescriptorVersion *uint64
	lastUpdateTS uint64
	// intents[unique_time] -> list of per-instance intents
	intents map[uniquetime.UniqueTime][]*backend.DeliveryIntent
}

func newConsumerState() *consumerState {
	return &consumerState{intents: make(map[uniquetime.UniqueTime][]*backend.DeliveryIntent)}
}

// insertSortedUT inserts ut into an ascending-sorted slice if not already present.
func insertSortedUT(slice []uniquetime.UniqueTime, ut uniquetime.UniqueTime) []uniquetime.UniqueTime {
	i := sort.Search(len(slice), func(i int) bool { return slice[i] >= ut })
	if i < len(slice) && slice[i] == ut {
		return slice
	}
	slice = append(slice, 0)
	copy(slice[i+1:], slice[i:])
	slice[i] = ut
	return slice
}
