package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// fakeRPCClient is an in-memory RPCClient. getLogsFunc lets tests inject
// range-too-wide / transient failures per call.
type fakeRPCClient struct {
	mu            sync.Mutex
	lastBlock     uint64
	logs          []chaintypes.Log
	getLogsFunc   func(filter chaintypes.LogFilter) ([]chaintypes.Log, error)
	readContractFn func(call ContractCall) ([]byte, error)
	getLogsCalls  int
}

func newFakeRPCClient() *fakeRPCClient {
	return &fakeRPCClient{}
}

func (f *fakeRPCClient) GetLastBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBlock, nil
}

func (f *fakeRPCClient) GetLogs(ctx context.Context, filter chaintypes.LogFilter) ([]chaintypes.Log, error) {
	f.mu.Lock()
	f.getLogsCalls++
	f.mu.Unlock()

	if f.getLogsFunc != nil {
		return f.getLogsFunc(filter)
	}

	var out []chaintypes.Log
	for _, l := range f.logs {
		if l.Address != filter.Address {
			continue
		}
		if l.BlockNumber < filter.FromBlock || l.BlockNumber > filter.ToBlock {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeRPCClient) ReadContract(ctx context.Context, call ContractCall) ([]byte, error) {
	if f.readContractFn != nil {
		return f.readContractFn(call)
	}
	return []byte{}, nil
}

// fakeCache is an in-memory Cache: a range store (populated via seed or
// PutLogRange) plus a call-result store keyed by address, block and data.
type fakeCache struct {
	mu          sync.Mutex
	ranges      map[common.Address][]cachedRange
	callResults map[string][]byte
	calls       []string
}

type cachedRange struct {
	from, to uint64
	logs     []chaintypes.Log
}

func newFakeCache() *fakeCache {
	return &fakeCache{ranges: make(map[common.Address][]cachedRange), callResults: make(map[string][]byte)}
}

func callResultKey(call ContractCall) string {
	return fmt.Sprintf("%s:%d:%x", call.Address.Hex(), call.BlockNumber, call.Data)
}

func (c *fakeCache) seed(address common.Address, from, to uint64, logs []chaintypes.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges[address] = append(c.ranges[address], cachedRange{from: from, to: to, logs: logs})
}

func (c *fakeCache) GetLogRange(ctx context.Context, address common.Address, from, to uint64) ([]chaintypes.Log, uint64, uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "get")

	for _, r := range c.ranges[address] {
		if r.to < from || r.from > to {
			continue
		}
		coveredFrom := r.from
		if coveredFrom < from {
			coveredFrom = from
		}
		coveredTo := r.to
		if coveredTo > to {
			coveredTo = to
		}
		var filtered []chaintypes.Log
		for _, l := range r.logs {
			if l.BlockNumber >= coveredFrom && l.BlockNumber <= coveredTo {
				filtered = append(filtered, l)
			}
		}
		return filtered, coveredFrom, coveredTo, true, nil
	}
	return nil, 0, 0, false, nil
}

func (c *fakeCache) PutLogRange(ctx context.Context, address common.Address, from, to uint64, logs []chaintypes.Log) error {
	c.seed(address, from, to, logs)
	return nil
}

func (c *fakeCache) GetCallResult(ctx context.Context, call ContractCall) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.callResults[callResultKey(call)]
	return result, ok, nil
}

func (c *fakeCache) PutCallResult(ctx context.Context, call ContractCall, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callResults[callResultKey(call)] = result
	return nil
}

// fakeStore is an in-memory SubscriptionStore.
type fakeStore struct {
	mu   sync.Mutex
	subs map[string]StoredSubscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]StoredSubscription)}
}

func (s *fakeStore) All(ctx context.Context) ([]StoredSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredSubscription, 0, len(s.subs))
	for _, st := range s.subs {
		out = append(out, st)
	}
	return out, nil
}

func (s *fakeStore) Save(ctx context.Context, subs []StoredSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range subs {
		s.subs[st.ID] = st
	}
	return nil
}
