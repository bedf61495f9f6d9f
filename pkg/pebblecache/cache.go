// Package pebblecache is the reference engine.Cache implementation on
// cockroachdb/pebble, grounded on the teacher's storage/pebble.go (DB
// lifecycle) and storage/schema.go (fixed-width, lexicographically
// sortable key encoding).
package pebblecache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
	"github.com/0xmhha/chainindexer/pkg/engine"
)

const (
	prefixLogRange  = "/logrange/"
	prefixCallCache = "/call/"
)

// Cache implements engine.Cache on a single pebble database. Log ranges
// are stored per (address, fromBlock) with the range's toBlock and
// payload encoded in the value, so a lookup is a prefix scan over the
// address's ranges in ascending fromBlock order.
type Cache struct {
	db *pebble.DB
}

// Config configures Open.
type Config struct {
	Path string

	// CacheSizeMB sizes pebble's block cache. Defaults to 64MB.
	CacheSizeMB int
}

// Open opens (creating if necessary) a pebble database at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pebblecache: path cannot be empty")
	}
	cacheSizeMB := cfg.CacheSizeMB
	if cacheSizeMB <= 0 {
		cacheSizeMB = 64
	}

	db, err := pebble.Open(cfg.Path, &pebble.Options{
		Cache: pebble.NewCache(int64(cacheSizeMB) << 20),
	})
	if err != nil {
		return nil, fmt.Errorf("pebblecache: open %s: %w", cfg.Path, err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database. It also closes the subscription
// store opened on the same handle via NewSubscriptionStore.
func (c *Cache) Close() error {
	return c.db.Close()
}

// logRangeRecord is the JSON payload stored for a cached range.
type logRangeRecord struct {
	From uint64             `json:"from"`
	To   uint64             `json:"to"`
	Logs []chaintypes.Log   `json:"logs"`
}

// logRangeKey is sortable by address then fromBlock, so a range scan over
// one address yields ranges in ascending fromBlock order.
func logRangeKey(address common.Address, from uint64) []byte {
	key := make([]byte, 0, len(prefixLogRange)+len(address)+8)
	key = append(key, prefixLogRange...)
	key = append(key, address.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, from)
	return key
}

func logRangeScanBounds(address common.Address) (lower, upper []byte) {
	lower = append([]byte(prefixLogRange), address.Bytes()...)
	upper = make([]byte, len(lower))
	copy(upper, lower)
	upper = append(upper, 0xff)
	return lower, upper
}

// GetLogRange implements engine.Cache. It returns the first cached range,
// in ascending fromBlock order, that starts at or before to and ends at or
// after from, clamped to [from, to], satisfying "a covered sub-range within
// the requested range" (spec §4.F). Other overlapping ranges are not
// merged in.
func (c *Cache) GetLogRange(ctx context.Context, address common.Address, from, to uint64) ([]chaintypes.Log, uint64, uint64, bool, error) {
	lower, upper := logRangeScanBounds(address)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, 0, 0, false, fmt.Errorf("pebblecache: get log range iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec logRangeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, 0, 0, false, fmt.Errorf("pebblecache: decode log range: %w", err)
		}
		if rec.To < from || rec.From > to {
			continue
		}
		coveredFrom := rec.From
		if coveredFrom < from {
			coveredFrom = from
		}
		coveredTo := rec.To
		if coveredTo > to {
			coveredTo = to
		}
		filtered := make([]chaintypes.Log, 0, len(rec.Logs))
		for _, l := range rec.Logs {
			if l.BlockNumber >= coveredFrom && l.BlockNumber <= coveredTo {
				filtered = append(filtered, l)
			}
		}
		return filtered, coveredFrom, coveredTo, true, nil
	}
	return nil, 0, 0, false, nil
}

// PutLogRange implements engine.Cache, recording that [from, to] is now
// fully known for address.
func (c *Cache) PutLogRange(ctx context.Context, address common.Address, from, to uint64, logs []chaintypes.Log) error {
	rec := logRangeRecord{From: from, To: to, Logs: logs}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pebblecache: encode log range: %w", err)
	}
	if err := c.db.Set(logRangeKey(address, from), data, pebble.Sync); err != nil {
		return fmt.Errorf("pebblecache: put log range: %w", err)
	}
	return nil
}

func callKey(call engine.ContractCall) []byte {
	key := make([]byte, 0, len(prefixCallCache)+len(call.Address)+8+len(call.Data))
	key = append(key, prefixCallCache...)
	key = append(key, call.Address.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, call.BlockNumber)
	key = append(key, call.Data...)
	return key
}

// GetCallResult implements engine.Cache.
func (c *Cache) GetCallResult(ctx context.Context, call engine.ContractCall) ([]byte, bool, error) {
	value, closer, err := c.db.Get(callKey(call))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebblecache: get call result: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

// PutCallResult implements engine.Cache.
func (c *Cache) PutCallResult(ctx context.Context, call engine.ContractCall, result []byte) error {
	if err := c.db.Set(callKey(call), result, pebble.Sync); err != nil {
		return fmt.Errorf("pebblecache: put call result: %w", err)
	}
	return nil
}
