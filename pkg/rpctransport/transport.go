// Package rpctransport is the reference engine.RPCClient implementation:
// an Ethereum JSON-RPC transport with retry-with-backoff, range-too-wide
// detection, and a concurrency-limiting wrapper, grounded on the
// teacher's pkg/client/client.go (connection handling) and
// pkg/rpcproxy/proxy.go (rate limiting, worker bounding).
package rpctransport

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
	"github.com/0xmhha/chainindexer/pkg/engine"
)

// rangeTooWideSubstrings lists provider error fragments (lower-cased) that
// mean "this getLogs range is too large, ask for less". Every public RPC
// provider phrases this differently, so the list is intentionally
// extensible rather than exhaustive.
var rangeTooWideSubstrings = []string{
	"query returned more than",
	"log response size exceeded",
	"block range is too large",
	"exceeds the range",
	"range too large",
	"limit exceeded",
	"too many blocks requested",
}

func classifyRangeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range rangeTooWideSubstrings {
		if strings.Contains(msg, frag) {
			return fmt.Errorf("%w: %v", engine.ErrRangeTooWide, err)
		}
	}
	return err
}

// Config configures a Transport.
type Config struct {
	Endpoint string
	Logger   *zap.Logger

	// MaxRetries bounds retry attempts for transient RPC errors. Defaults
	// to 5.
	MaxRetries int

	// RetryDelay is the fixed delay between retries. Defaults to 1s.
	RetryDelay time.Duration

	// Concurrency bounds the number of in-flight RPC calls. Defaults to 5.
	Concurrency int

	// RateLimit bounds requests per second. A zero value disables rate
	// limiting.
	RateLimit float64
}

// Transport is the concrete engine.RPCClient: an ethclient-backed
// connection with retry/backoff framing and a bounded concurrency gate.
// Range-too-wide responses are translated to engine.ErrRangeTooWide so
// the fetch planner can bisect locally.
type Transport struct {
	eth    *ethclient.Client
	rpc    *rpc.Client
	logger *zap.Logger

	maxRetries int
	retryDelay time.Duration

	sem     chan struct{}
	limiter *rate.Limiter
}

// Dial connects to cfg.Endpoint and verifies the connection, mirroring the
// teacher's client.NewClient dial-then-ping sequence.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("rpctransport: endpoint cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("rpctransport: dial %s: %w", cfg.Endpoint, err)
	}
	ethClient := ethclient.NewClient(rpcClient)

	if _, err := ethClient.ChainID(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("rpctransport: ping %s: %w", cfg.Endpoint, err)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	logger.Info("rpctransport connected", zap.String("endpoint", cfg.Endpoint))

	return &Transport{
		eth:        ethClient,
		rpc:        rpcClient,
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		sem:        make(chan struct{}, concurrency),
		limiter:    limiter,
	}, nil
}

// Close releases the underlying RPC connection.
func (t *Transport) Close() {
	t.rpc.Close()
}

// acquire blocks until a concurrency slot (and, if configured, a rate
// limiter token) is available.
func (t *Transport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			<-t.sem
			return err
		}
	}
	return nil
}

func (t *Transport) release() {
	<-t.sem
}

// withRetry retries fn up to maxRetries times with a fixed delay between
// attempts, per spec §6.1. Range-too-wide errors are never retried — they
// are returned immediately so the caller can bisect instead.
func (t *Transport) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if classified := classifyRangeError(err); classified != err {
			return classified
		}
		lastErr = err
		if attempt == t.maxRetries {
			break
		}
		t.logger.Debug("rpc call failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-time.After(t.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("rpctransport: %s failed after %d attempts: %w", op, t.maxRetries+1, lastErr)
}

// GetLastBlockNumber implements engine.RPCClient.
func (t *Transport) GetLastBlockNumber(ctx context.Context) (uint64, error) {
	if err := t.acquire(ctx); err != nil {
		return 0, err
	}
	defer t.release()

	var result uint64
	err := t.withRetry(ctx, "eth_blockNumber", func() error {
		n, err := t.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		result = n
		return nil
	})
	return result, err
}

// GetLogs implements engine.RPCClient. A provider "range too wide" style
// error is returned wrapped in engine.ErrRangeTooWide without retrying so
// the fetch planner can bisect the range.
func (t *Transport) GetLogs(ctx context.Context, filter chaintypes.LogFilter) ([]chaintypes.Log, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(filter.FromBlock),
		ToBlock:   new(big.Int).SetUint64(filter.ToBlock),
		Addresses: []common.Address{filter.Address},
	}
	if len(filter.Topics) > 0 {
		query.Topics = [][]common.Hash{filter.Topics}
	}

	var result []chaintypes.Log
	err := t.withRetry(ctx, "eth_getLogs", func() error {
		logs, err := t.eth.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		result = make([]chaintypes.Log, len(logs))
		for i, l := range logs {
			topics := make([]common.Hash, len(l.Topics))
			copy(topics, l.Topics)
			result[i] = chaintypes.Log{
				Address:     l.Address,
				BlockHash:   l.BlockHash,
				BlockNumber: l.BlockNumber,
				LogIndex:    l.Index,
				TxHash:      l.TxHash,
				TxIndex:     l.TxIndex,
				Topics:      topics,
				Data:        l.Data,
			}
		}
		return nil
	})
	return result, err
}

// ReadContract implements engine.RPCClient via eth_call at call.BlockNumber.
func (t *Transport) ReadContract(ctx context.Context, call engine.ContractCall) ([]byte, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	msg := ethereum.CallMsg{To: &call.Address, Data: call.Data}
	blockNumber := new(big.Int).SetUint64(call.BlockNumber)

	var result []byte
	err := t.withRetry(ctx, "eth_call", func() error {
		out, err := t.eth.CallContract(ctx, msg, blockNumber)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	return result, err
}
