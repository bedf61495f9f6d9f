package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0xmhha/chainindexer/pkg/abicodec"
	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

const erc20ABIJSON = `[
	{"type":"event","name":"Transfer","inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var transferTopic0 = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

func mustERC20ABI() *abicodec.ABI {
	a, err := abicodec.Parse("erc20", erc20ABIJSON)
	if err != nil {
		panic(err)
	}
	return a
}

func transferLog(address common.Address, block uint64, logIndex uint, from, to common.Address, value int64) chaintypes.Log {
	data, err := abi.Arguments{{Type: mustUint256Type()}}.Pack(big.NewInt(value))
	if err != nil {
		panic(err)
	}
	return chaintypes.Log{
		Address:     address,
		BlockNumber: block,
		LogIndex:    logIndex,
		Topics: []common.Hash{
			transferTopic0,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

func mustUint256Type() abi.Type {
	t, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return t
}
