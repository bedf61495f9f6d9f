package engine

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// Subscription is a per-contract cursor and filter tracked by the engine.
// It is mutated only by the indexer core between suspension points (see
// spec §5); callers never write to it directly.
type Subscription struct {
	ID              string
	ContractName    string
	ContractAddress common.Address
	ABI             *abicodec.ABI

	FromBlock uint64
	ToBlock   chaintypes.BlockTag

	// FetchedToBlock is the highest block whose logs have been placed on
	// the queue. -1 means nothing has been fetched yet.
	FetchedToBlock int64

	// IndexedToBlock is the highest block whose events have been fully
	// dispatched. Initialized to FromBlock-1.
	IndexedToBlock int64

	// IndexedToLogIndex is the last dispatched log index within
	// IndexedToBlock.
	IndexedToLogIndex uint
}

// SubscribeOptions configures a new subscription via SubscribeToContract.
type SubscribeOptions struct {
	// ID overrides the default (checksummed contract address) id.
	ID string

	ContractName    string
	ContractAddress common.Address

	// FromBlock defaults to 0.
	FromBlock uint64

	// ToBlock defaults to the "latest" sentinel.
	ToBlock chaintypes.BlockTag
}

// newSubscription builds a Subscription from opts with spec-mandated
// defaults: fromBlock=0, toBlock=latest, indexedToBlock=fromBlock-1,
// fetchedToBlock=-1, indexedToLogIndex=0.
func newSubscription(opts SubscribeOptions, abi *abicodec.ABI) *Subscription {
	id := opts.ID
	if id == "" {
		id = opts.ContractAddress.Hex()
	}

	toBlock := opts.ToBlock
	if toBlock == (chaintypes.BlockTag{}) {
		toBlock = chaintypes.Latest
	}

	return &Subscription{
		ID:                id,
		ContractName:      opts.ContractName,
		ContractAddress:   opts.ContractAddress,
		ABI:               abi,
		FromBlock:         opts.FromBlock,
		ToBlock:           toBlock,
		FetchedToBlock:    -1,
		IndexedToBlock:    int64(opts.FromBlock) - 1,
		IndexedToLogIndex: 0,
	}
}

// subUpperBound returns the effective upper bound for sub given the tick's
// targetBlock: min(targetBlock, sub.ToBlock) when ToBlock is concrete.
func subUpperBound(sub *Subscription, targetBlock uint64) uint64 {
	if !sub.ToBlock.Latest && sub.ToBlock.Height < targetBlock {
		return sub.ToBlock.Height
	}
	return targetBlock
}

// complete reports whether the subscription has a concrete toBlock that has
// been fully indexed (spec §3 invariant 4).
func (s *Subscription) complete() bool {
	if s.ToBlock.Latest {
		return false
	}
	return uint64(s.IndexedToBlock) >= s.ToBlock.Height && s.IndexedToBlock >= 0
}

// toStored projects the subscription to its durable form. fetchedToBlock is
// deliberately dropped per spec §6.3.
func (s *Subscription) toStored() StoredSubscription {
	return StoredSubscription{
		ID:                s.ID,
		ContractName:      s.ContractName,
		ContractAddress:   s.ContractAddress,
		FromBlock:         s.FromBlock,
		ToBlock:           s.ToBlock,
		IndexedToBlock:    s.IndexedToBlock,
		IndexedToLogIndex: s.IndexedToLogIndex,
	}
}

// fromStored rebuilds a live Subscription from its durable form on load,
// recomputing FetchedToBlock as -1 per spec §6.3.
func fromStored(st StoredSubscription, abi *abicodec.ABI) *Subscription {
	return &Subscription{
		ID:                st.ID,
		ContractName:      st.ContractName,
		ContractAddress:   st.ContractAddress,
		ABI:               abi,
		FromBlock:         st.FromBlock,
		ToBlock:            st.ToBlock,
		FetchedToBlock:    -1,
		IndexedToBlock:    st.IndexedToBlock,
		IndexedToLogIndex: st.IndexedToLogIndex,
	}
}
