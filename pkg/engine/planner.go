package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// planner implements the fetch planner (spec §4.F): for each live
// subscription, it determines which block ranges still need fetching,
// serves them through the cache when one is configured, and pushes
// decoded-pending events onto the queue. It never advances a
// subscription's FetchedToBlock itself — that is the indexer core's job,
// once planning for the whole batch succeeds.
type planner struct {
	client  RPCClient
	cache   Cache
	logger  *zap.Logger
	metrics *Metrics
}

func newPlanner(client RPCClient, cache Cache, logger *zap.Logger, metrics *Metrics) *planner {
	return &planner{client: client, cache: cache, logger: logger, metrics: metrics}
}

// planAll runs getSubscriptionEvents for every subscription that has not
// yet fetched up to min(targetBlock, toBlock), pushing pending events onto
// q. It returns the first error encountered; per spec §4.F, a partially
// failed planning pass must not let the indexer advance FetchedToBlock.
func (p *planner) planAll(ctx context.Context, subs map[string]*Subscription, targetBlock uint64, q *eventQueue) error {
	for _, sub := range subs {
		if sub.complete() {
			continue
		}

		upper := targetBlock
		if !sub.ToBlock.Latest && sub.ToBlock.Height < upper {
			upper = sub.ToBlock.Height
		}

		if sub.FetchedToBlock >= int64(upper) {
			continue
		}

		from := sub.FromBlock
		if sub.FetchedToBlock+1 > int64(from) {
			from = uint64(sub.FetchedToBlock + 1)
		}
		if from > upper {
			continue
		}

		if err := p.planSubscription(ctx, sub, from, upper, q); err != nil {
			return fmt.Errorf("engine: plan subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

func (p *planner) planSubscription(ctx context.Context, sub *Subscription, from, to uint64, q *eventQueue) error {
	topics := sub.ABI.EventTopics()

	push := func(logs []chaintypes.Log) {
		for _, l := range logs {
			q.queue(pendingEvent{
				log:            l,
				subscriptionID: sub.ID,
				contractName:   sub.ContractName,
				abi:            sub.ABI,
			})
		}
	}

	return p.cacheThroughRange(ctx, sub.ContractAddress, topics, from, to, push)
}

// cacheThroughRange implements the cache-through read for range [from, to]
// described in spec §4.F: consult the cache, recurse on any uncovered
// sub-ranges, and fall back to RPC (with adaptive range splitting on
// range-too-wide) for ranges the cache can't serve.
func (p *planner) cacheThroughRange(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64, push func([]chaintypes.Log)) error {
	if p.cache == nil {
		return p.fetchRPCWithSplit(ctx, address, topics, from, to, push)
	}

	logs, coveredFrom, coveredTo, ok, err := p.cache.GetLogRange(ctx, address, from, to)
	if err != nil {
		return fmt.Errorf("cache get range [%d,%d]: %w", from, to, err)
	}

	if !ok {
		// Full miss: fetch the whole range from RPC, caching each
		// sub-range the RPC accepted under its own bounds.
		if p.metrics != nil {
			p.metrics.cacheMiss.Inc()
		}
		_, err := p.fetchRPCWithSplitCaching(ctx, address, topics, from, to, push)
		return err
	}

	if p.metrics != nil {
		p.metrics.cacheHit.Inc()
	}

	push(filterByTopics(logs, topics))

	if from < coveredFrom {
		if err := p.cacheThroughRange(ctx, address, topics, from, coveredFrom-1, push); err != nil {
			return err
		}
	}
	if coveredTo < to {
		if err := p.cacheThroughRange(ctx, address, topics, coveredTo+1, to, push); err != nil {
			return err
		}
	}
	return nil
}

// fetchRPCWithSplitCaching fetches [from,to] via RPC (splitting on
// range-too-wide), inserting each successfully-fetched sub-range into the
// cache under its own exact bounds as it resolves, and pushes the events.
// A bisected fetch therefore produces one cache insert per accepted
// sub-range rather than one insert spanning the whole original request
// (spec §4.F scenario 2).
func (p *planner) fetchRPCWithSplitCaching(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64, push func([]chaintypes.Log)) ([]chaintypes.Log, error) {
	logs, err := p.getLogsSplitCaching(ctx, address, topics, from, to)
	if err != nil {
		return nil, err
	}
	push(logs)
	return logs, nil
}

// getLogsSplitCaching is getLogsSplit with a cache write at every leaf of
// the bisection: each sub-range that an RPC call actually accepts is
// cached under its own [from,to] bounds the moment it succeeds.
func (p *planner) getLogsSplitCaching(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64) ([]chaintypes.Log, error) {
	logs, err := p.client.GetLogs(ctx, chaintypes.LogFilter{
		Address:   address,
		Topics:    topics,
		FromBlock: from,
		ToBlock:   to,
	})
	if err == nil {
		if p.cache != nil {
			if err := p.cache.PutLogRange(ctx, address, from, to, logs); err != nil {
				return nil, fmt.Errorf("cache put range [%d,%d]: %w", from, to, err)
			}
		}
		return logs, nil
	}

	if !errors.Is(err, ErrRangeTooWide) || from == to {
		return nil, err
	}

	p.logger.Debug("range too wide, splitting",
		zap.Uint64("from", from), zap.Uint64("to", to))
	if p.metrics != nil {
		p.metrics.rangeSplits.Inc()
	}

	mid := from + (to-from)/2
	left, err := p.getLogsSplitCaching(ctx, address, topics, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := p.getLogsSplitCaching(ctx, address, topics, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// fetchRPCWithSplit is used when no cache is configured: fetch straight
// from RPC with adaptive splitting, no cache writes.
func (p *planner) fetchRPCWithSplit(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64, push func([]chaintypes.Log)) error {
	logs, err := p.getLogsSplit(ctx, address, topics, from, to)
	if err != nil {
		return err
	}
	push(logs)
	return nil
}

// getLogsSplit fetches [from,to] from the RPC client, bisecting on
// ErrRangeTooWide (spec §4.F "adaptive range splitting") until every
// sub-range of size 1 succeeds or a different error occurs.
func (p *planner) getLogsSplit(ctx context.Context, address common.Address, topics []common.Hash, from, to uint64) ([]chaintypes.Log, error) {
	logs, err := p.client.GetLogs(ctx, chaintypes.LogFilter{
		Address:   address,
		Topics:    topics,
		FromBlock: from,
		ToBlock:   to,
	})
	if err == nil {
		return logs, nil
	}

	if !errors.Is(err, ErrRangeTooWide) || from == to {
		return nil, err
	}

	p.logger.Debug("range too wide, splitting",
		zap.Uint64("from", from), zap.Uint64("to", to))
	if p.metrics != nil {
		p.metrics.rangeSplits.Inc()
	}

	mid := from + (to-from)/2
	left, err := p.getLogsSplit(ctx, address, topics, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := p.getLogsSplit(ctx, address, topics, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// filterByTopics keeps only logs whose topic-0 is in topics. The cache is
// always consulted with topic0=None (spec §4.F); this applies the
// planner-side filter when the cache backend doesn't do it itself.
func filterByTopics(logs []chaintypes.Log, topics []common.Hash) []chaintypes.Log {
	if len(topics) == 0 {
		return logs
	}
	want := make(map[common.Hash]struct{}, len(topics))
	for _, t := range topics {
		want[t] = struct{}{}
	}
	out := make([]chaintypes.Log, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		if _, ok := want[l.Topics[0]]; ok {
			out = append(out, l)
		}
	}
	return out
}
