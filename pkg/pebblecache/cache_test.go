package pebblecache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
	"github.com/0xmhha/chainindexer/pkg/engine"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Path: filepath.Join(t.TempDir(), "cache")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestCache_GetLogRange_MissWhenEmpty(t *testing.T) {
	c := openTestCache(t)
	address := common.HexToAddress("0x1111111111111111111111111111111111111111")

	_, _, _, ok, err := c.GetLogRange(context.Background(), address, 0, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutAndGetLogRange_ExactMatch(t *testing.T) {
	c := openTestCache(t)
	address := common.HexToAddress("0x2222222222222222222222222222222222222222")
	logs := []chaintypes.Log{{Address: address, BlockNumber: 5, LogIndex: 0}}

	require.NoError(t, c.PutLogRange(context.Background(), address, 0, 10, logs))

	got, coveredFrom, coveredTo, ok, err := c.GetLogRange(context.Background(), address, 0, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), coveredFrom)
	assert.Equal(t, uint64(10), coveredTo)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].BlockNumber)
}

func TestCache_GetLogRange_ClampsToRequestedBounds(t *testing.T) {
	c := openTestCache(t)
	address := common.HexToAddress("0x3333333333333333333333333333333333333333")
	logs := []chaintypes.Log{
		{Address: address, BlockNumber: 2, LogIndex: 0},
		{Address: address, BlockNumber: 8, LogIndex: 0},
	}
	require.NoError(t, c.PutLogRange(context.Background(), address, 0, 10, logs))

	got, coveredFrom, coveredTo, ok, err := c.GetLogRange(context.Background(), address, 3, 6)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), coveredFrom)
	assert.Equal(t, uint64(6), coveredTo)
	assert.Empty(t, got, "neither stored log falls inside the clamped [3,6] window")
}

func TestCache_CallResult_RoundTrip(t *testing.T) {
	c := openTestCache(t)
	call := engine.ContractCall{
		Address:     common.HexToAddress("0x4444444444444444444444444444444444444444"),
		BlockNumber: 12,
		Data:        []byte{0x01, 0x02},
	}

	_, ok, err := c.GetCallResult(context.Background(), call)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.PutCallResult(context.Background(), call, []byte{0xca, 0xfe}))

	got, ok, err := c.GetCallResult(context.Background(), call)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xca, 0xfe}, got)
}

func TestSubscriptionStore_SaveAndAll(t *testing.T) {
	c := openTestCache(t)
	store := NewSubscriptionStore(c)

	subs := []engine.StoredSubscription{
		{ID: "a", ContractName: "erc20", FromBlock: 0, IndexedToBlock: 5},
		{ID: "b", ContractName: "erc20", FromBlock: 10, IndexedToBlock: 20},
	}
	require.NoError(t, store.Save(context.Background(), subs))

	got, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := make(map[string]engine.StoredSubscription, len(got))
	for _, s := range got {
		byID[s.ID] = s
	}
	assert.Equal(t, int64(5), byID["a"].IndexedToBlock)
	assert.Equal(t, int64(20), byID["b"].IndexedToBlock)
}

func TestSubscriptionStore_SaveOverwritesExisting(t *testing.T) {
	c := openTestCache(t)
	store := NewSubscriptionStore(c)

	require.NoError(t, store.Save(context.Background(), []engine.StoredSubscription{
		{ID: "a", IndexedToBlock: 5},
	}))
	require.NoError(t, store.Save(context.Background(), []engine.StoredSubscription{
		{ID: "a", IndexedToBlock: 9},
	}))

	got, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].IndexedToBlock)
}
