package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/internal/logger"
	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// targetMode distinguishes the two ways a run can be driven, per spec §4.I:
// watch() tracks the chain head forever; indexToBlock(n) stops at a
// concrete height.
type targetMode int

const (
	targetLatest targetMode = iota
	targetConcrete
)

// stateKind tags the three states of the indexer's run loop (spec §9
// design note: model the states as a tagged variant rather than nullable
// fields on one record).
type stateKind int

const (
	stateInitial stateKind = iota
	stateRunning
	stateStopped
)

// runningState carries the fields that exist only while state == running.
type runningState struct {
	mode           targetMode
	concreteTarget uint64
	completion     *Completion // non-nil only for indexToBlock runs
}

// tickOutcome tells loop() what to do after a tick returns.
type tickOutcome int

const (
	tickContinueAfterInterval tickOutcome = iota
	tickContinueImmediate
	tickStopped
)

// Config configures a new Indexer.
type Config struct {
	Client   RPCClient
	Cache    Cache             // optional
	Store    SubscriptionStore // optional
	Registry *abicodec.Registry
	Logger   *zap.Logger // optional, defaults to a no-op logger
	Metrics  *Metrics    // optional, defaults to disabled

	// PollInterval is how long to wait between ticks once caught up to
	// the chain head. Defaults to 1000ms.
	PollInterval time.Duration

	// UserContext is threaded through to event handlers as
	// HandlerContext.Context. Defaults to context.Background().
	UserContext context.Context
}

// Indexer is the indexer core (spec §4.I): a single-threaded cooperative
// state machine that drives the fetch planner and event processor across
// poll ticks. Exported methods may be called from any goroutine other than
// the tick's own: a single mutex serializes tick execution against
// subscription-map mutations and is held while event handlers and the
// progress/error callbacks of a tick run, so Stop and SubscribeToContract
// called from inside one of those block forever. Stop blocks until any
// in-flight tick has completed rather than interrupting it (spec §7).
type Indexer struct {
	client   RPCClient
	cache    Cache
	store    SubscriptionStore
	registry *abicodec.Registry
	logger   *zap.Logger
	emitter  *emitter
	metrics  *Metrics

	pollInterval time.Duration
	userCtx      context.Context

	planner   *planner
	processor *processor
	reader    *contractReader
	queue     *eventQueue

	mu      sync.Mutex
	state   stateKind
	running *runningState
	subs    map[string]*Subscription

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewIndexer builds an Indexer in the initial state. Call Watch or
// IndexToBlock to start it.
func NewIndexer(cfg Config) *Indexer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	userCtx := cfg.UserContext
	if userCtx == nil {
		userCtx = context.Background()
	}

	em := newEmitter()
	reader := newContractReader(cfg.Client, cfg.Cache, logger)

	return &Indexer{
		client:       cfg.Client,
		cache:        cfg.Cache,
		store:        cfg.Store,
		registry:     cfg.Registry,
		logger:       logger,
		emitter:      em,
		metrics:      cfg.Metrics,
		pollInterval: pollInterval,
		userCtx:      userCtx,
		planner:      newPlanner(cfg.Client, cfg.Cache, logger, cfg.Metrics),
		processor:    newProcessor(logger, em, reader, cfg.Metrics),
		reader:       reader,
		queue:        newEventQueue(),
		state:        stateInitial,
		subs:         make(map[string]*Subscription),
	}
}

// Watch starts the indexer tracking the chain head indefinitely. It
// returns once the run loop has been started; use OnError/OnProgress to
// observe it.
func (idx *Indexer) Watch() error {
	idx.mu.Lock()
	if idx.state != stateInitial {
		idx.mu.Unlock()
		return ErrAlreadyRunning
	}

	if err := idx.loadSubscriptionsLocked(); err != nil {
		idx.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	idx.runCtx = ctx
	idx.runCancel = cancel
	idx.state = stateRunning
	idx.running = &runningState{mode: targetLatest}
	idx.mu.Unlock()

	idx.emitter.emitStarted()
	go idx.loop()
	return nil
}

// IndexToBlock runs the indexer until every subscription has caught up to
// target (resolved once, up front, via GetLastBlockNumber if target is the
// "latest" sentinel) and then stops. The returned Completion resolves with
// nil on success or the error that aborted the run.
func (idx *Indexer) IndexToBlock(ctx context.Context, target chaintypes.BlockTag) (*Completion, error) {
	idx.mu.Lock()
	if idx.state != stateInitial {
		idx.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	if err := idx.loadSubscriptionsLocked(); err != nil {
		idx.mu.Unlock()
		return nil, err
	}

	var resolved uint64
	if target.Latest {
		h, err := idx.client.GetLastBlockNumber(ctx)
		if err != nil {
			idx.mu.Unlock()
			return nil, fmt.Errorf("engine: resolve target block: %w", err)
		}
		resolved = h
	} else {
		resolved = target.Height
	}

	runCtx, cancel := context.WithCancel(context.Background())
	idx.runCtx = runCtx
	idx.runCancel = cancel
	idx.state = stateRunning
	completion := newCompletion()
	idx.running = &runningState{mode: targetConcrete, concreteTarget: resolved, completion: completion}
	idx.mu.Unlock()

	idx.emitter.emitStarted()
	go idx.loop()
	return completion, nil
}

// Stop cancels the next scheduled tick. It blocks until any tick already
// in flight finishes, then transitions to stopped. It does not interrupt
// an in-flight tick (spec §7). The Completion of an IndexToBlock run
// resolves with nil.
func (idx *Indexer) Stop() error {
	idx.mu.Lock()
	if idx.state != stateRunning {
		idx.mu.Unlock()
		return ErrNotRunning
	}
	idx.state = stateStopped
	cancel := idx.runCancel
	rs := idx.running
	idx.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	idx.emitter.emitStopped()
	if rs != nil && rs.completion != nil {
		rs.completion.finish(nil)
	}
	return nil
}

// SubscribeToContract registers a new subscription. It takes the indexer's
// mutex, which a running tick holds while handlers run, so calling it from
// inside an event handler blocks forever; handlers register subscriptions
// through HandlerContext.SubscribeToContract instead.
func (idx *Indexer) SubscribeToContract(opts SubscribeOptions) (*Subscription, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.subscribeLocked(opts)
}

func (idx *Indexer) subscribeLocked(opts SubscribeOptions) (*Subscription, error) {
	contractABI, ok := idx.registry.Get(opts.ContractName)
	if !ok {
		return nil, fmt.Errorf("engine: subscribe to %s: %w", opts.ContractName, ErrUnknownContract)
	}
	sub := newSubscription(opts, contractABI)
	idx.subs[sub.ID] = sub
	return sub, nil
}

// ReadContract performs a cache-through contract-state read (spec §4.C).
// It does not touch subscription state and is safe to call concurrently
// with a running tick.
func (idx *Indexer) ReadContract(ctx context.Context, args ReadContractArgs) ([]byte, error) {
	return idx.reader.read(ctx, args)
}

func (idx *Indexer) OnEvent(h EventHandler)            { idx.emitter.OnEvent(h) }
func (idx *Indexer) On(contractName, eventName string, h EventHandler) {
	idx.emitter.On(contractName, eventName, h)
}
func (idx *Indexer) OnStarted(f func())             { idx.emitter.OnStarted(f) }
func (idx *Indexer) OnStopped(f func())              { idx.emitter.OnStopped(f) }
func (idx *Indexer) OnError(f func(error))           { idx.emitter.OnError(f) }
func (idx *Indexer) OnProgress(f func(ProgressInfo)) { idx.emitter.OnProgress(f) }

func (idx *Indexer) loadSubscriptionsLocked() error {
	if idx.store == nil {
		return nil
	}
	stored, err := idx.store.All(context.Background())
	if err != nil {
		return fmt.Errorf("engine: load subscriptions: %w", err)
	}
	for _, st := range stored {
		contractABI, ok := idx.registry.Get(st.ContractName)
		if !ok {
			logger.WithContractName(idx.logger, st.ContractName).Warn(
				"dropping stored subscription for unknown contract",
				zap.String("id", st.ID))
			continue
		}
		idx.subs[st.ID] = fromStored(st, contractABI)
	}
	return nil
}

// loop drives ticks until a tick reports tickStopped or the run context is
// canceled while waiting out the polling interval.
func (idx *Indexer) loop() {
	for {
		outcome := idx.runTick(idx.runCtx)
		switch outcome {
		case tickStopped:
			return
		case tickContinueImmediate:
			continue
		case tickContinueAfterInterval:
			select {
			case <-time.After(idx.pollInterval):
			case <-idx.runCtx.Done():
				return
			}
		}
	}
}

// runTick executes one full poll tick (spec §4.I steps 1-8) under idx.mu,
// so that Stop (which also takes idx.mu) can only proceed once any
// in-flight tick has finished.
func (idx *Indexer) runTick(ctx context.Context) tickOutcome {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state != stateRunning {
		return tickStopped
	}
	rs := idx.running

	if idx.metrics != nil {
		idx.metrics.ticks.Inc()
	}

	// Step 1: resolve targetBlock.
	targetBlock, err := idx.resolveTargetLocked(ctx, rs)
	if err != nil {
		return idx.handleTickErrorLocked(rs, err)
	}

	// Step 2: invoke the fetch planner.
	if err := idx.planner.planAll(ctx, idx.subs, targetBlock, idx.queue); err != nil {
		return idx.handleTickErrorLocked(rs, err)
	}

	// Step 3: every subscription's fetchedToBlock = its effective upper
	// bound for this tick.
	for _, sub := range idx.subs {
		sub.FetchedToBlock = int64(subUpperBound(sub, targetBlock))
	}

	subscribeFn := func(opts SubscribeOptions) (*Subscription, error) {
		return idx.subscribeLocked(opts)
	}

	// Step 4: invoke the event processor.
	result, err := idx.processor.processEvents(ctx, idx.userCtx, idx.queue, targetBlock, idx.subs, subscribeFn)
	if err != nil {
		return idx.handleTickErrorLocked(rs, err)
	}

	// Step 5: set every not-yet-complete subscription's cursors to the
	// processor's watermark. Subscriptions that already reached their
	// concrete toBlock are left untouched so they are never re-planned
	// (spec §3 invariant 4).
	for _, sub := range idx.subs {
		if sub.complete() {
			continue
		}
		sub.IndexedToBlock = result.indexedToBlock
		sub.IndexedToLogIndex = result.indexedToLogIndex
	}

	if idx.metrics != nil {
		idx.metrics.queueDepth.Set(float64(idx.queue.size()))
	}

	if result.hasNewSubscriptions {
		// Step 6: persist and reschedule immediately without emitting
		// progress — the batch is incomplete.
		if err := idx.persistLocked(ctx); err != nil {
			return idx.handleTickErrorLocked(rs, err)
		}
		return tickContinueImmediate
	}

	// Step 7: the queue drained fully for every subscription up to its own
	// upper bound — mark each one fully caught up.
	for _, sub := range idx.subs {
		if sub.complete() {
			continue
		}
		sub.IndexedToBlock = int64(subUpperBound(sub, targetBlock))
		sub.IndexedToLogIndex = 0
	}

	idx.emitter.emitProgress(ProgressInfo{
		CurrentBlock:       targetBlock,
		TargetBlock:        targetBlock,
		PendingEventsCount: idx.queue.size(),
	})

	if err := idx.persistLocked(ctx); err != nil {
		return idx.handleTickErrorLocked(rs, err)
	}

	if rs.mode == targetConcrete && targetBlock >= rs.concreteTarget {
		idx.transitionStoppedLocked()
		if rs.completion != nil {
			rs.completion.finish(nil)
		}
		return tickStopped
	}

	// Step 8: schedule the next tick after the polling interval.
	return tickContinueAfterInterval
}

func (idx *Indexer) resolveTargetLocked(ctx context.Context, rs *runningState) (uint64, error) {
	if rs.mode == targetConcrete {
		return rs.concreteTarget, nil
	}
	return idx.client.GetLastBlockNumber(ctx)
}

func (idx *Indexer) persistLocked(ctx context.Context) error {
	if idx.store == nil {
		return nil
	}
	out := make([]StoredSubscription, 0, len(idx.subs))
	for _, sub := range idx.subs {
		out = append(out, sub.toStored())
	}
	if err := idx.store.Save(ctx, out); err != nil {
		return fmt.Errorf("engine: persist subscriptions: %w", err)
	}
	return nil
}

// handleTickErrorLocked implements the error-propagation split of spec §7:
// a watch() run reports the error and keeps ticking; an indexToBlock() run
// rejects its completion and stops.
func (idx *Indexer) handleTickErrorLocked(rs *runningState, err error) tickOutcome {
	if rs.mode == targetConcrete {
		idx.transitionStoppedLocked()
		if rs.completion != nil {
			rs.completion.finish(err)
		}
		return tickStopped
	}
	idx.emitter.emitError(err)
	return tickContinueAfterInterval
}

func (idx *Indexer) transitionStoppedLocked() {
	idx.state = stateStopped
	if idx.runCancel != nil {
		idx.runCancel()
	}
	idx.emitter.emitStopped()
}
