package mem

import (
	"context"
	"time"

	"github.com/mydriatech/fragtale/pkg/backend"
)

// objectCountLeaseSeconds mirrors spec.md §4.8's ~600s lease: a row older
// than this is treated as belonging to a dead instance and excluded from
// the sum.
const objectCountLeaseSeconds = 600

type objectCountKey struct {
	topic      string
	objectType backend.ObjectType
	instanceID uint16
}

type objectCountFacade Backend

func (f *objectCountFacade) b() *Backend { return (*Backend)(f) }

func (f *objectCountFacade) ObjectCountUpsert(ctx context.Context, topicID string, objectType backend.ObjectType, instanceID uint16, count int64) error {
	b := f.b()
	b.objectCountMu.Lock()
	defer b.objectCountMu.Unlock()
	if b.objectCounts == nil {
		b.objectCounts = make(map[objectCountKey]backend.ObjectCountRow)
	}
	key := objectCountKey{topic: topicID, objectType: objectType, instanceID: instanceID}
	b.objectCounts[key] = backend.ObjectCountRow{
		Topic:      topicID,
		ObjectType: objectType,
		InstanceID: instanceID,
		Count:      count,
		BucketTS:   nowMicros(),
	}
	return nil
}

func (f *objectCountFacade) ObjectCountByTopicAndType(ctx context.Context, topicID string, objectType backend.ObjectType) ([]backend.ObjectCountRow, error) {
	b := f.b()
	b.objectCountMu.Lock()
	defer b.objectCountMu.Unlock()
	cutoff := nowMicros() - objectCountLeaseSeconds*uint64(time.Second/time.Microsecond)
	out := make([]backend.ObjectCountRow, 0, len(b.objectCounts))
	for key, row := range b.objectCounts {
		if key.topic != topicID || key.objectType != objectType {
			continue
		}
		if row.BucketTS < cutoff {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}
