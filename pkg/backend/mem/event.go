package mem

import (
	"context"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type eventFacade Backend

func (f *eventFacade) b() *Backend { return (*Backend)(f) }

func (f *eventFacade) EventPersist(ctx context.Context, e backend.Event) error {
	t := f.b().topic(e.Topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	ev := e
	t.eventsByUT[e.UniqueTime] = &ev
	t.eventUTOrder = insertSortedUT(t.eventUTOrder, e.UniqueTime)
	t.utByEventID[e.EventID] = append(t.utByEventID[e.EventID], e.UniqueTime)
	if e.CorrelationToken != "" {
		t.utByCorrToken[e.CorrelationToken] = e.UniqueTime
	}
	for column, value := range e.ExtractedColumns {
		key := value.Text
		if value.IsBigInt {
			key = bigIntKey(value.BigInt)
		}
		byKey, ok := t.indices[column]
		if !ok {
			byKey = make(map[string]map[uniquetime.UniqueTime]string)
			t.indices[column] = byKey
		}
		byUT, ok := byKey[key]
		if !ok {
			byUT = make(map[uniquetime.UniqueTime]string)
			byKey[key] = byUT
		}
		byUT[e.UniqueTime] = e.EventID
	}

	shelf := e.UniqueTime.Shelf()
	bucket := e.UniqueTime.Bucket()
	buckets, ok := t.bucketsByShelf[shelf]
	if !ok {
		buckets = make(map[uint64]bool)
		t.bucketsByShelf[shelf] = buckets
	}
	buckets[bucket] = true
	return nil
}

func bigIntKey(v int64) string {
	// decimal string form; sufficient as an index key.
	if v == 0 {
		return "0"
	}
	neg := v < 0
	var buf [20]byte
	i := len(buf)
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (f *eventFacade) EventByID(ctx context.Context, topicID, eventID string) (*backend.Event, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	uts := t.utByEventID[eventID]
	if len(uts) == 0 {
		return nil, nil
	}
	ev, ok := t.eventsByUT[uts[len(uts)-1]]
	if !ok {
		return nil, nil
	}
	out := *ev
	return &out, nil
}

func (f *eventFacade) EventByIDAndUniqueTime(ctx context.Context, topicID, eventID string, ut uniquetime.UniqueTime) (*backend.Event, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.eventsByUT[ut]
	if !ok || ev.EventID != eventID {
		return nil, nil
	}
	out := *ev
	return &out, nil
}

func (f *eventFacade) EventIDsByIndex(ctx context.Context, topicID, indexName, key string) ([]string, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	byUT, ok := t.indices[indexName][key]
	if !ok {
		return nil, nil
	}
	uts := make([]uniquetime.UniqueTime, 0, len(byUT))
	for ut := range byUT {
		uts = append(uts, ut)
	}
	// newest first
	for i := 0; i < len(uts); i++ {
		for j := i + 1; j < len(uts); j++ {
			if uts[j] > uts[i] {
				uts[i], uts[j] = uts[j], uts[i]
			}
		}
	}
	ids := make([]string, 0, len(uts))
	for _, ut := range uts {
		ids = append(ids, byUT[ut])
	}
	return ids, nil
}

func (f *eventFacade) EventDocumentByCorrelationToken(ctx context.Context, topicID, token string) (*backend.Event, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	ut, ok := t.utByCorrToken[token]
	if !ok {
		return nil, nil
	}
	ev, ok := t.eventsByUT[ut]
	if !ok {
		return nil, nil
	}
	out := *ev
	return &out, nil
}
