package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/internal/logger"
)

// processor implements the event processor (spec §4.P): drains the queue
// in strict cross-subscription order, deduplicates against each
// subscription's cursor, decodes, dispatches to user handlers, and
// advances cursors — stopping early if a handler added a new subscription
// mid-batch.
type processor struct {
	logger  *zap.Logger
	emitter *emitter
	reader  *contractReader
	metrics *Metrics
}

func newProcessor(logger *zap.Logger, emitter *emitter, reader *contractReader, metrics *Metrics) *processor {
	return &processor{logger: logger, emitter: emitter, reader: reader, metrics: metrics}
}

// processResult is the return value of processEvents (spec §4.P "Return").
type processResult struct {
	indexedToBlock      int64
	indexedToLogIndex   uint
	hasNewSubscriptions bool
}

// subscribeFn is how the processor asks the indexer to register a new
// subscription from within a handler. It must insert into the same live
// subs map the processor was given.
type subscribeFn func(opts SubscribeOptions) (*Subscription, error)

// processEvents drains q for every event with blockNumber <= targetBlock,
// in order, dispatching to handlers. userCtx is the caller-supplied
// context threaded through to handlers (spec §4.P inputs).
func (p *processor) processEvents(
	ctx context.Context,
	userCtx context.Context,
	q *eventQueue,
	targetBlock uint64,
	subs map[string]*Subscription,
	subscribe subscribeFn,
) (processResult, error) {
	hasNewSubscriptions := false

	for {
		head, ok := q.peek()
		if !ok || head.log.BlockNumber > targetBlock {
			break
		}
		evt, _ := q.take()

		sub, exists := subs[evt.subscriptionID]
		if !exists {
			// Subscription was logically removed; drop the event.
			continue
		}

		if alreadyDispatched(evt, sub) {
			continue
		}

		decoded, err := evt.abi.DecodeLog(evt.log)
		if err != nil {
			subLogger := logger.WithContractName(logger.WithSubscriptionID(p.logger, sub.ID), evt.contractName)
			subLogger.Warn("failed to decode event, skipping",
				zap.Uint64("block", evt.log.BlockNumber),
				zap.Uint("logIndex", evt.log.LogIndex),
				zap.Error(err),
			)
			sub.IndexedToBlock = int64(evt.log.BlockNumber)
			sub.IndexedToLogIndex = evt.log.LogIndex
			continue
		}

		event := Event{
			Log:            evt.log,
			SubscriptionID: evt.subscriptionID,
			ContractName:   evt.contractName,
			EventName:      decoded.EventName,
			Args:           decoded.Args,
		}

		hc := HandlerContext{
			Event:   event,
			Context: userCtx,
			ReadContract: func(readCtx context.Context, args ReadContractArgs) ([]byte, error) {
				return p.reader.read(readCtx, args)
			},
			SubscribeToContract: func(opts SubscribeOptions) (*Subscription, error) {
				newSub, err := subscribe(opts)
				if err == nil {
					hasNewSubscriptions = true
				}
				return newSub, err
			},
		}

		if err := p.emitter.dispatch(hc); err != nil {
			return processResult{}, err
		}

		sub.IndexedToBlock = int64(evt.log.BlockNumber)
		sub.IndexedToLogIndex = evt.log.LogIndex
		if p.metrics != nil {
			p.metrics.eventsDispatched.Inc()
		}

		if hasNewSubscriptions {
			break
		}
	}

	watermarkBlock, watermarkLogIndex := watermark(subs)

	return processResult{
		indexedToBlock:      watermarkBlock,
		indexedToLogIndex:   watermarkLogIndex,
		hasNewSubscriptions: hasNewSubscriptions,
	}, nil
}

// alreadyDispatched implements the dedup point of spec §4.P step 2:
// (event.blockNumber, event.logIndex) <= (sub.indexedToBlock,
// sub.indexedToLogIndex).
func alreadyDispatched(evt pendingEvent, sub *Subscription) bool {
	eb := int64(evt.log.BlockNumber)
	if eb < sub.IndexedToBlock {
		return true
	}
	if eb > sub.IndexedToBlock {
		return false
	}
	return evt.log.LogIndex <= sub.IndexedToLogIndex
}

// watermark returns the min (IndexedToBlock, IndexedToLogIndex) across all
// live subscriptions — the point up to which every subscription is known
// indexed (spec §4.P "Return").
func watermark(subs map[string]*Subscription) (int64, uint) {
	first := true
	var block int64
	var logIndex uint
	for _, sub := range subs {
		if first || sub.IndexedToBlock < block || (sub.IndexedToBlock == block && sub.IndexedToLogIndex < logIndex) {
			block = sub.IndexedToBlock
			logIndex = sub.IndexedToLogIndex
			first = false
		}
	}
	return block, logIndex
}
