package engine

import (
	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// pendingEvent is the envelope the fetch planner pushes onto the queue.
// Decoding is deferred until dispatch (spec §4.F step 4).
type pendingEvent struct {
	log            chaintypes.Log
	subscriptionID string
	contractName   string
	abi            *abicodec.ABI
}

// Event is the decoded event a user handler receives.
type Event struct {
	Log            chaintypes.Log
	SubscriptionID string
	ContractName   string
	EventName      string
	Args           map[string]interface{}
}

// less implements the queue's total order: (blockNumber, logIndex,
// subscriptionId) ascending, per spec §4.Q.
func (p pendingEvent) less(other pendingEvent) bool {
	if p.log.BlockNumber != other.log.BlockNumber {
		return p.log.BlockNumber < other.log.BlockNumber
	}
	if p.log.LogIndex != other.log.LogIndex {
		return p.log.LogIndex < other.log.LogIndex
	}
	return p.subscriptionID < other.subscriptionID
}
