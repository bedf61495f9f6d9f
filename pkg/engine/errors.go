package engine

import "errors"

// Sentinel errors surfaced by the public API. Wrapped errors from
// collaborators should be checked against these with errors.Is.
var (
	// ErrRangeTooWide is returned by an RPCClient.GetLogs implementation
	// when the provider refuses to serve the requested range. The fetch
	// planner catches this locally and bisects; only a refusal of a
	// single-block range is returned from the tick as an error.
	ErrRangeTooWide = errors.New("engine: rpc range too wide")

	// ErrUnknownContract is returned synchronously by SubscribeToContract
	// when contractName has no entry in the ABI registry.
	ErrUnknownContract = errors.New("engine: unknown contract name")

	// ErrNotRunning is returned by Stop when the engine is not in the
	// running state.
	ErrNotRunning = errors.New("engine: not running")

	// ErrAlreadyRunning is returned by Watch/IndexToBlock when the engine
	// has already left the initial state.
	ErrAlreadyRunning = errors.New("engine: already running or stopped")
)
