// Package chaintypes defines the wire-level data model shared by the
// indexing engine and its RPC transport / cache collaborators.
package chaintypes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BlockTag is either a concrete height or the "latest" sentinel.
type BlockTag struct {
	// Latest is true when this tag refers to the chain head rather than a
	// concrete height.
	Latest bool
	Height uint64
}

// Concrete returns a BlockTag pinned to height.
func Concrete(height uint64) BlockTag {
	return BlockTag{Height: height}
}

// Latest is the "latest" sentinel BlockTag.
var Latest = BlockTag{Latest: true}

// Resolve returns the tag's height, substituting head when the tag is
// the latest sentinel.
func (t BlockTag) Resolve(head uint64) uint64 {
	if t.Latest {
		return head
	}
	return t.Height
}

func (t BlockTag) String() string {
	if t.Latest {
		return "latest"
	}
	return new(big.Int).SetUint64(t.Height).String()
}

// Log is the decoded wire shape of an on-chain event log as received from
// an RPC provider, before ABI decoding.
type Log struct {
	Address     common.Address
	BlockHash   common.Hash
	BlockNumber uint64
	LogIndex    uint
	TxHash      common.Hash
	TxIndex     uint
	Topics      []common.Hash
	Data        []byte
}

// Key returns the (block, logIndex) ordering key used for cross-subscription
// merge ordering.
func (l Log) Key() (uint64, uint) {
	return l.BlockNumber, l.LogIndex
}

// LogFilter describes a getLogs request. Address may name a single
// contract; Topics is a single topic-0 disjunction list (position 0 only —
// the engine never filters on further topic positions).
type LogFilter struct {
	Address   common.Address
	Topics    []common.Hash
	FromBlock uint64
	ToBlock   uint64
}
