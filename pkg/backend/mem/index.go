package mem

import (
	"context"
	"sort"

	"github.com/mydriatech/fragtale/pkg/backend"
	"github.com/mydriatech/fragtale/pkg/uniquetime"
)

type indexFacade Backend

func (f *indexFacade) b() *Backend { return (*Backend)(f) }

func (f *indexFacade) SelectNextEventIDs(ctx context.Context, topicID string, bucket uint64, low uniquetime.UniqueTime, max int) ([]backend.NextEventRow, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.eventUTOrder), func(i int) bool { return t.eventUTOrder[i] > low })
	var out []backend.NextEventRow
	for ; i < len(t.eventUTOrder) && len(out) < max; i++ {
		ut := t.eventUTOrder[i]
		if ut.Bucket() != bucket {
			if ut.Bucket() > bucket {
				break
			}
			continue
		}
		ev := t.eventsByUT[ut]
		out = append(out, backend.NextEventRow{
			UniqueTime:        ut,
			EventID:           ev.EventID,
			DescriptorVersion: ev.DescriptorVersion,
			CorrelationToken:  ev.CorrelationToken,
		})
	}
	return out, nil
}

func (f *indexFacade) SelectNextBucketsInShelf(ctx context.Context, topicID string, shelf uint16, afterBucket uint64, max int) ([]uint64, error) {
	t := f.b().topic(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()

	buckets, ok := t.bucketsByShelf[shelf]
	if !ok {
		return nil, nil
	}
	all := make([]uint64, 0, len(buckets))
	for bucket := range buckets {
		if bucket > afterBucket {
			all = append(all, bucket)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}
