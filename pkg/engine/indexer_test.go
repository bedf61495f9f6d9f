package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

func newRegistryWithERC20() *abicodec.Registry {
	registry := abicodec.NewRegistry()
	if err := registry.Register("erc20", erc20ABIJSON); err != nil {
		panic(err)
	}
	return registry
}

func TestIndexToBlock_SingleContractFreshSync(t *testing.T) {
	contract := common.HexToAddress("0x1111111111111111111111111111111111111111")
	alice := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	client := newFakeRPCClient()
	client.lastBlock = 10
	client.logs = []chaintypes.Log{
		transferLog(contract, 2, 0, alice, bob, 100),
		transferLog(contract, 2, 1, bob, alice, 50),
		transferLog(contract, 5, 0, alice, bob, 25),
	}

	registry := newRegistryWithERC20()

	idx := NewIndexer(Config{
		Client:   client,
		Registry: registry,
	})

	_, err := idx.SubscribeToContract(SubscribeOptions{
		ContractName:    "erc20",
		ContractAddress: contract,
		FromBlock:       0,
	})
	require.NoError(t, err)

	var events []Event
	idx.OnEvent(func(hc HandlerContext) error {
		events = append(events, hc.Event)
		return nil
	})

	var progress []ProgressInfo
	idx.OnProgress(func(p ProgressInfo) { progress = append(progress, p) })

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(10))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Log.BlockNumber)
	assert.Equal(t, uint(0), events[0].Log.LogIndex)
	assert.Equal(t, uint64(2), events[1].Log.BlockNumber)
	assert.Equal(t, uint(1), events[1].Log.LogIndex)
	assert.Equal(t, uint64(5), events[2].Log.BlockNumber)
	assert.Equal(t, "Transfer", events[0].EventName)
	assert.Equal(t, alice, events[0].Args["from"])

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, uint64(10), last.CurrentBlock)
	assert.Equal(t, uint64(10), last.TargetBlock)
}

func TestPlanner_RangeTooWideBisects(t *testing.T) {
	contract := common.HexToAddress("0x2222222222222222222222222222222222222222")
	alice := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	allLogs := []chaintypes.Log{
		transferLog(contract, 1, 0, alice, bob, 1),
		transferLog(contract, 4, 0, alice, bob, 2),
		transferLog(contract, 9, 0, alice, bob, 3),
	}

	client := newFakeRPCClient()
	client.lastBlock = 10
	client.getLogsFunc = func(filter chaintypes.LogFilter) ([]chaintypes.Log, error) {
		if filter.ToBlock-filter.FromBlock > 3 {
			return nil, ErrRangeTooWide
		}
		var out []chaintypes.Log
		for _, l := range allLogs {
			if l.BlockNumber >= filter.FromBlock && l.BlockNumber <= filter.ToBlock {
				out = append(out, l)
			}
		}
		return out, nil
	}

	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Registry: registry})

	_, err := idx.SubscribeToContract(SubscribeOptions{
		ContractName:    "erc20",
		ContractAddress: contract,
		FromBlock:       0,
	})
	require.NoError(t, err)

	var events []Event
	idx.OnEvent(func(hc HandlerContext) error {
		events = append(events, hc.Event)
		return nil
	})

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(10))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Log.BlockNumber)
	assert.Equal(t, uint64(4), events[1].Log.BlockNumber)
	assert.Equal(t, uint64(9), events[2].Log.BlockNumber)
}

func TestPlanner_CachePartialHit(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")
	alice := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	cached := transferLog(contract, 3, 0, alice, bob, 7)
	fresh := transferLog(contract, 8, 0, alice, bob, 8)

	cache := newFakeCache()
	cache.seed(contract, 0, 5, []chaintypes.Log{cached})

	client := newFakeRPCClient()
	client.lastBlock = 10
	client.logs = []chaintypes.Log{fresh}

	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Cache: cache, Registry: registry})

	_, err := idx.SubscribeToContract(SubscribeOptions{
		ContractName:    "erc20",
		ContractAddress: contract,
		FromBlock:       0,
	})
	require.NoError(t, err)

	var events []Event
	idx.OnEvent(func(hc HandlerContext) error {
		events = append(events, hc.Event)
		return nil
	})

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(10))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[0].Log.BlockNumber)
	assert.Equal(t, uint64(8), events[1].Log.BlockNumber)
	assert.Equal(t, 1, client.getLogsCalls, "only the uncovered tail [6,10] should hit rpc")
}

func TestProcessor_TwoSubscriptionCrossOrdering(t *testing.T) {
	contractA := common.HexToAddress("0x4444444444444444444444444444444444444444")
	contractB := common.HexToAddress("0x5555555555555555555555555555555555555555")
	alice := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	client := newFakeRPCClient()
	client.lastBlock = 10
	client.logs = []chaintypes.Log{
		transferLog(contractA, 3, 1, alice, bob, 1),
		transferLog(contractB, 3, 0, bob, alice, 2),
		transferLog(contractA, 7, 0, alice, bob, 3),
	}

	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Registry: registry})

	_, err := idx.SubscribeToContract(SubscribeOptions{ID: "A", ContractName: "erc20", ContractAddress: contractA})
	require.NoError(t, err)
	_, err = idx.SubscribeToContract(SubscribeOptions{ID: "B", ContractName: "erc20", ContractAddress: contractB})
	require.NoError(t, err)

	var order []string
	idx.OnEvent(func(hc HandlerContext) error {
		order = append(order, hc.Event.SubscriptionID)
		return nil
	})

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(10))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	// Block 3: B's logIndex 0 sorts before A's logIndex 1; block 7 comes last.
	require.Equal(t, []string{"B", "A", "A"}, order)
}

func TestProcessor_HandlerAddsSubscriptionMidBatch(t *testing.T) {
	contractA := common.HexToAddress("0x6666666666666666666666666666666666666666")
	contractC := common.HexToAddress("0x7777777777777777777777777777777777777777")
	alice := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	client := newFakeRPCClient()
	client.lastBlock = 10
	client.logs = []chaintypes.Log{
		transferLog(contractA, 3, 0, alice, bob, 1),
		transferLog(contractA, 3, 1, bob, alice, 2),
		transferLog(contractC, 6, 0, alice, bob, 3),
	}

	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Registry: registry})

	_, err := idx.SubscribeToContract(SubscribeOptions{ID: "A", ContractName: "erc20", ContractAddress: contractA})
	require.NoError(t, err)

	subscribed := false
	var order []string
	idx.OnEvent(func(hc HandlerContext) error {
		order = append(order, hc.Event.SubscriptionID+":"+itoaBlock(hc.Event.Log.BlockNumber))
		if !subscribed {
			subscribed = true
			_, err := hc.SubscribeToContract(SubscribeOptions{ID: "C", ContractName: "erc20", ContractAddress: contractC})
			if err != nil {
				return err
			}
		}
		return nil
	})

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(10))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	require.Equal(t, []string{"A:3", "A:3", "C:6"}, order)
}

func TestWatch_ErrNotRunning_ErrAlreadyRunning(t *testing.T) {
	client := newFakeRPCClient()
	client.lastBlock = 1
	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Registry: registry, PollInterval: 10 * time.Millisecond})

	require.ErrorIs(t, idx.Stop(), ErrNotRunning)

	require.NoError(t, idx.Watch())
	require.ErrorIs(t, idx.Watch(), ErrAlreadyRunning)

	require.NoError(t, idx.Stop())
}

func TestIndexToBlock_TickErrorRejectsCompletion(t *testing.T) {
	client := newFakeRPCClient()
	client.lastBlock = 5
	client.getLogsFunc = func(filter chaintypes.LogFilter) ([]chaintypes.Log, error) {
		return nil, errors.New("boom: upstream exploded")
	}

	registry := newRegistryWithERC20()
	idx := NewIndexer(Config{Client: client, Registry: registry})

	_, err := idx.SubscribeToContract(SubscribeOptions{ContractName: "erc20", ContractAddress: common.HexToAddress("0x8888888888888888888888888888888888888888")})
	require.NoError(t, err)

	completion, err := idx.IndexToBlock(context.Background(), chaintypes.Concrete(5))
	require.NoError(t, err)

	err = completion.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func itoaBlock(n uint64) string {
	digits := []byte{}
	if n == 0 {
		return "0"
	}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
