package pebblecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/0xmhha/chainindexer/pkg/engine"
)

const prefixSubscription = "/subscription/"

// SubscriptionStore implements engine.SubscriptionStore on the same
// pebble handle as Cache, per spec §6.3 ("may share the cache's
// backend").
type SubscriptionStore struct {
	db *pebble.DB
}

// NewSubscriptionStore wraps an already-open Cache's database handle.
func NewSubscriptionStore(c *Cache) *SubscriptionStore {
	return &SubscriptionStore{db: c.db}
}

func subscriptionKey(id string) []byte {
	return []byte(prefixSubscription + id)
}

// All implements engine.SubscriptionStore, returning every persisted
// subscription.
func (s *SubscriptionStore) All(ctx context.Context) ([]engine.StoredSubscription, error) {
	lower := []byte(prefixSubscription)
	upper := append([]byte{}, lower...)
	upper = append(upper, 0xff)

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebblecache: subscription iterator: %w", err)
	}
	defer iter.Close()

	var out []engine.StoredSubscription
	for iter.First(); iter.Valid(); iter.Next() {
		var st engine.StoredSubscription
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			return nil, fmt.Errorf("pebblecache: decode subscription: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Save implements engine.SubscriptionStore, overwriting the persisted
// record for each subscription in subs via a single batch.
func (s *SubscriptionStore) Save(ctx context.Context, subs []engine.StoredSubscription) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, st := range subs {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("pebblecache: encode subscription %s: %w", st.ID, err)
		}
		if err := batch.Set(subscriptionKey(st.ID), data, nil); err != nil {
			return fmt.Errorf("pebblecache: batch set subscription %s: %w", st.ID, err)
		}
	}
	return batch.Commit(pebble.Sync)
}
