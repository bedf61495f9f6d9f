package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0xmhha/chainindexer/pkg/abicodec"
)

// ReadContractArgs is the input to a cache-through contract-state read
// (spec §4.C).
type ReadContractArgs struct {
	Contract     *abicodec.ABI
	FunctionName string
	Address      common.Address
	BlockNumber  uint64
	Args         []interface{}
}

// contractReader implements the idempotent, cache-backed readContract path
// (spec §4.C). The cache is never written on failure.
type contractReader struct {
	client RPCClient
	cache  Cache
	logger *zap.Logger
}

func newContractReader(client RPCClient, cache Cache, logger *zap.Logger) *contractReader {
	return &contractReader{client: client, cache: cache, logger: logger}
}

// read performs the contract call, returning the raw return bytes. Callers
// decode via args.Contract.Unpack.
func (r *contractReader) read(ctx context.Context, args ReadContractArgs) ([]byte, error) {
	data, err := args.Contract.Pack(args.FunctionName, args.Args...)
	if err != nil {
		return nil, fmt.Errorf("readContract: encode call data: %w", err)
	}

	call := ContractCall{Address: args.Address, BlockNumber: args.BlockNumber, Data: data}

	if r.cache != nil {
		if cached, ok, err := r.cache.GetCallResult(ctx, call); err != nil {
			return nil, fmt.Errorf("readContract: cache get: %w", err)
		} else if ok {
			return cached, nil
		}
	}

	result, err := r.client.ReadContract(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("readContract: rpc call: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.PutCallResult(ctx, call, result); err != nil {
			return nil, fmt.Errorf("readContract: cache put: %w", err)
		}
	}

	return result, nil
}
