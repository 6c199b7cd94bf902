package mem

import (
	"context"
	"sort"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type topicFacade Backend

func (f *topicFacade) b() *Backend { return (*Backend)(f) }

func (f *topicFacade) EnsureTopicSetup(ctx context.Context, topicID string) error {
	f.b().topic(topicID)
	return nil
}

func (f *topicFacade) GetTopicIDs(ctx context.Context, from string) ([]string, error) {
	b := f.b()
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		if id > from {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *topicFacade) UpsertEventDescriptor(ctx context.Context, d backend.EventDescriptor) (bool, error) {
	b := f.b()
	b.descriptorsMu.Lock()
	defer b.descriptorsMu.Unlock()
	existing := b.descriptors[d.Topic]
	if len(existing) > 0 && existing[len(existing)-1].Version >= d.Version {
		return false, nil
	}
	b.descriptors[d.Topic] = append(existing, d)
	return true, nil
}

func (f *topicFacade) ListDescriptors(ctx context.Context, topicID string, minVersion uint64) ([]backend.EventDescriptor, error) {
	b := f.b()
	b.descriptorsMu.Lock()
	defer b.descriptorsMu.Unlock()
	var out []backend.EventDescriptor
	for _, d := range b.descriptors[topicID] {
		if d.Version >= minVersion {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *topicFacade) LatestDescriptor(ctx context.Context, topicID string) (*backend.EventDescriptor, error) {
	b := f.b()
	b.descriptorsMu.Lock()
	defer b.descriptorsMu.Unlock()
	list := b.descriptors[topicID]
	if len(list) == 0 {
		return nil, nil
	}
	d := list[len(list)-1]
	return &d, nil
}

func (f *topicFacade) EnsureExtractedColumnAndIndex(ctx context.Context, topicID, name, semanticType string) error {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.indices[name]; !ok {
		t.indices[name] = make(map[string]map[uniquetime.UniqueTime]string)
	}
	return nil
}
