// Package abicodec wraps go-ethereum's ABI codec with the registry and
// decode helpers the engine needs: per-contract event schemas keyed by
// name, topic-0 hash extraction for getLogs filters, and log decoding.
package abicodec

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainindexer/pkg/chaintypes"
)

// ABI wraps a parsed contract ABI with its declared event topic-0 hashes.
type ABI struct {
	Name       string
	parsed     abi.ABI
	eventTopic0 []common.Hash
}

// Parse parses the given JSON ABI under contractName.
func Parse(contractName, abiJSON string) (*ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("abicodec: parse %s: %w", contractName, err)
	}

	topics := make([]common.Hash, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		topics = append(topics, ev.ID)
	}

	return &ABI{Name: contractName, parsed: parsed, eventTopic0: topics}, nil
}

// EventTopics returns the topic-0 hash of every event declared in the ABI.
// This is the single topic-position-0 disjunction the fetch planner uses
// to compose getLogs filters.
func (a *ABI) EventTopics() []common.Hash {
	return a.eventTopic0
}

// HasTopic reports whether topic0 is a known event signature for this ABI.
func (a *ABI) HasTopic(topic0 common.Hash) bool {
	_, err := a.parsed.EventByID(topic0)
	return err == nil
}

// DecodedEvent is the result of decoding a Log against an ABI.
type DecodedEvent struct {
	EventName string
	Args      map[string]interface{}
}

// DecodeLog decodes log against the ABI's matching event (by topic-0).
// Returns an error if the topic is unknown or the payload doesn't match
// the declared event shape.
func (a *ABI) DecodeLog(log chaintypes.Log) (*DecodedEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("abicodec: log has no topics")
	}

	event, err := a.parsed.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("abicodec: unknown event for topic %s: %w", log.Topics[0].Hex(), err)
	}

	args := make(map[string]interface{})

	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("abicodec: log has %d topics, event %s needs %d indexed", len(log.Topics), event.RawName, len(indexed))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("abicodec: decode indexed args for %s: %w", event.RawName, err)
		}
	}

	var nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
		}
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, log.Data); err != nil {
			return nil, fmt.Errorf("abicodec: decode data args for %s: %w", event.RawName, err)
		}
	}

	return &DecodedEvent{EventName: event.RawName, Args: args}, nil
}

// Pack encodes call data for functionName with args, for readContract.
func (a *ABI) Pack(functionName string, args ...interface{}) ([]byte, error) {
	data, err := a.parsed.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack %s: %w", functionName, err)
	}
	return data, nil
}

// Unpack decodes the return data of functionName into a value slice.
func (a *ABI) Unpack(functionName string, data []byte) ([]interface{}, error) {
	out, err := a.parsed.Unpack(functionName, data)
	if err != nil {
		return nil, fmt.Errorf("abicodec: unpack %s: %w", functionName, err)
	}
	return out, nil
}

// Registry maps contract names to parsed ABIs, the lookup structure
// subscribeToContract validates against.
type Registry struct {
	byName map[string]*ABI
}

// NewRegistry creates an empty ABI registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*ABI)}
}

// Register adds or replaces the ABI for contractName.
func (r *Registry) Register(contractName, abiJSON string) error {
	parsed, err := Parse(contractName, abiJSON)
	if err != nil {
		return err
	}
	r.byName[contractName] = parsed
	return nil
}

// Get returns the ABI registered under contractName.
func (r *Registry) Get(contractName string) (*ABI, bool) {
	a, ok := r.byName[contractName]
	return a, ok
}
