package engine

import (
	"context"
	"sync"
)

// EventHandler receives a decoded event. Handlers are awaited serially
// (spec §5) — the processor never calls the next handler before the
// current one returns.
type EventHandler func(HandlerContext) error

// HandlerContext is what a user handler receives, per spec §4.P step 4.
type HandlerContext struct {
	Event   Event
	Context context.Context

	// ReadContract performs a cache-through contract-state read. Safe to
	// call re-entrantly from within a handler.
	ReadContract func(ctx context.Context, args ReadContractArgs) ([]byte, error)

	// SubscribeToContract registers a new subscription. Calling this from
	// a handler forces the processor to stop draining and the indexer to
	// re-plan immediately (spec §4.P step 6, §9 "handler re-entrancy").
	SubscribeToContract func(opts SubscribeOptions) (*Subscription, error)
}

// ProgressInfo is the payload of the progress signal.
type ProgressInfo struct {
	CurrentBlock       uint64
	TargetBlock        uint64
	PendingEventsCount int
}

// emitter is the dynamic dispatch-by-key registry described in spec §9
// "dynamic event dispatch by key": a generic `event` channel plus a
// separate registry keyed by "{contractName}:{eventName}". Grounded on
// the teacher's subscriber-registry shape (pkg/events/bus.go) but
// simplified to synchronous, serially-awaited callbacks since the engine
// is a single cooperative task (spec §5).
type emitter struct {
	mu sync.Mutex

	onStarted []func()
	onStopped []func()
	onError   []func(error)
	onProgress []func(ProgressInfo)

	onEvent []EventHandler
	onKeyed map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{onKeyed: make(map[string][]EventHandler)}
}

func (e *emitter) OnStarted(f func())               { e.mu.Lock(); e.onStarted = append(e.onStarted, f); e.mu.Unlock() }
func (e *emitter) OnStopped(f func())                { e.mu.Lock(); e.onStopped = append(e.onStopped, f); e.mu.Unlock() }
func (e *emitter) OnError(f func(error))              { e.mu.Lock(); e.onError = append(e.onError, f); e.mu.Unlock() }
func (e *emitter) OnProgress(f func(ProgressInfo))    { e.mu.Lock(); e.onProgress = append(e.onProgress, f); e.mu.Unlock() }

// OnEvent registers a handler for every decoded event, regardless of
// contract/event name.
func (e *emitter) OnEvent(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = append(e.onEvent, h)
}

// On registers a handler keyed by "{contractName}:{eventName}".
func (e *emitter) On(contractName, eventName string, h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := contractName + ":" + eventName
	e.onKeyed[key] = append(e.onKeyed[key], h)
}

func (e *emitter) emitStarted() {
	e.mu.Lock()
	fs := append([]func(){}, e.onStarted...)
	e.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

func (e *emitter) emitStopped() {
	e.mu.Lock()
	fs := append([]func(){}, e.onStopped...)
	e.mu.Unlock()
	for _, f := range fs {
		f()
	}
}

func (e *emitter) emitError(err error) {
	e.mu.Lock()
	fs := append([]func(error){}, e.onError...)
	e.mu.Unlock()
	for _, f := range fs {
		f(err)
	}
}

func (e *emitter) emitProgress(p ProgressInfo) {
	e.mu.Lock()
	fs := append([]func(ProgressInfo){}, e.onProgress...)
	e.mu.Unlock()
	for _, f := range fs {
		f(p)
	}
}

// dispatch invokes the generic handlers then the keyed handlers for
// hc.Event, serially, stopping at (and returning) the first error.
func (e *emitter) dispatch(hc HandlerContext) error {
	e.mu.Lock()
	generic := append([]EventHandler{}, e.onEvent...)
	keyed := append([]EventHandler{}, e.onKeyed[hc.Event.ContractName+":"+hc.Event.EventName]...)
	e.mu.Unlock()

	for _, h := range generic {
		if err := h(hc); err != nil {
			return err
		}
	}
	for _, h := range keyed {
		if err := h(hc); err != nil {
			return err
		}
	}
	return nil
}
