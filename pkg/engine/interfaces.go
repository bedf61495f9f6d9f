package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// RPCClient is the abstract JSON-RPC transport the engine consumes. The
// concrete implementation (retry/backoff framing, concurrency limiting,
// range-too-wide detection) lives outside the core — see
// pkg/rpctransport for the reference implementation.
type RPCClient interface {
	GetLastBlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter chaintypes.LogFilter) ([]chaintypes.Log, error)
	ReadContract(ctx context.Context, call ContractCall) ([]byte, error)
}

// ContractCall is the argument to RPCClient.ReadContract / Cache call-result
// keys: an eth_call-equivalent at a specific block height.
type ContractCall struct {
	Address     common.Address
	BlockNumber uint64
	Data        []byte
}

// Cache is the optional range-keyed event store and call-result store
// described in spec §3/§6.2. All methods are failable; the engine treats
// the cache as best-effort in the sense that a nil Cache is valid, but
// once configured its errors propagate rather than being swallowed.
type Cache interface {
	// GetLogRange returns the logs known for some covered sub-range
	// [coveredFrom, coveredTo] within [from, to] (both inclusive), with
	// from <= coveredFrom <= coveredTo <= to. ok is false on a full miss.
	GetLogRange(ctx context.Context, address common.Address, from, to uint64) (logs []chaintypes.Log, coveredFrom, coveredTo uint64, ok bool, err error)

	// PutLogRange stores logs for the exact range [from, to], asserting
	// that range is now fully known to the cache.
	PutLogRange(ctx context.Context, address common.Address, from, to uint64, logs []chaintypes.Log) error

	// GetCallResult returns a cached eth_call result, if any.
	GetCallResult(ctx context.Context, call ContractCall) (result []byte, ok bool, err error)

	// PutCallResult stores an eth_call result.
	PutCallResult(ctx context.Context, call ContractCall, result []byte) error
}

// StoredSubscription is the durable projection of a Subscription persisted
// by a SubscriptionStore. fetchedToBlock is intentionally absent — it is
// always recomputed as -1 on load, per spec §6.3.
type StoredSubscription struct {
	ID                string
	ContractName      string
	ContractAddress   common.Address
	FromBlock         uint64
	ToBlock           chaintypes.BlockTag
	IndexedToBlock    int64
	IndexedToLogIndex uint
}

// SubscriptionStore is the optional durable cursor store described in
// spec §6.3.
type SubscriptionStore interface {
	All(ctx context.Context) ([]StoredSubscription, error)
	Save(ctx context.Context, subs []StoredSubscription) error
}
