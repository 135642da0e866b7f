package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"credit-ledger-indexer/internal/domain"
)

// TransferSingleEvent is the name of the consumed ERC-1155 event.
const TransferSingleEvent = "TransferSingle"

// StandardERC1155ABI is the TransferSingle fragment of the ERC-1155 standard.
// It is used when a project carries no ABI.
const StandardERC1155ABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "TransferSingle",
	"inputs": [
		{"indexed": true,  "name": "operator", "type": "address"},
		{"indexed": true,  "name": "from",     "type": "address"},
		{"indexed": true,  "name": "to",       "type": "address"},
		{"indexed": false, "name": "id",       "type": "uint256"},
		{"indexed": false, "name": "value",    "type": "uint256"}
	]
}]`

// transferSingleTypes lists the expected input types in declaration order:
// operator, from, to, id, value.
var transferSingleTypes = []string{"address", "address", "address", "uint256", "uint256"}

// TransferSingleDecoder decodes TransferSingle logs described by a contract ABI.
type TransferSingleDecoder struct {
	event   abi.Event
	indexed abi.Arguments
	names   []string
}

// NewTransferSingleDecoder builds a decoder from a JSON ABI. An empty schema
// selects StandardERC1155ABI. Inputs are matched by position, so contracts may
// name or index them differently as long as the types agree.
func NewTransferSingleDecoder(schema json.RawMessage) (*TransferSingleDecoder, error) {
	raw := bytes.TrimSpace(schema)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte(StandardERC1155ABI)
	}

	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	event, ok := parsed.Events[TransferSingleEvent]
	if !ok {
		return nil, fmt.Errorf("abi has no %s event", TransferSingleEvent)
	}
	if event.Anonymous {
		return nil, fmt.Errorf("%s event is anonymous", TransferSingleEvent)
	}
	if len(event.Inputs) != len(transferSingleTypes) {
		return nil, fmt.Errorf("%s has %d inputs, want %d",
			TransferSingleEvent, len(event.Inputs), len(transferSingleTypes))
	}

	names := make([]string, len(event.Inputs))
	seen := make(map[string]bool, len(event.Inputs))
	for i, in := range event.Inputs {
		if got := in.Type.String(); got != transferSingleTypes[i] {
			return nil, fmt.Errorf("%s input %d has type %s, want %s",
				TransferSingleEvent, i, got, transferSingleTypes[i])
		}
		if in.Name == "" || seen[in.Name] {
			return nil, fmt.Errorf("%s input %d has empty or duplicate name", TransferSingleEvent, i)
		}
		seen[in.Name] = true
		names[i] = in.Name
	}

	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}

	return &TransferSingleDecoder{event: event, indexed: indexed, names: names}, nil
}

// Topic returns the event signature hash (topic0).
func (d *TransferSingleDecoder) Topic() common.Hash {
	return d.event.ID
}

// Decode extracts the TransferSingle tuple from a log.
// Returns ErrNotTransferSingle if topic0 does not match.
func (d *TransferSingleDecoder) Decode(log types.Log) (*domain.RawTransfer, error) {
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return nil, ErrNotTransferSingle
	}
	if len(log.Topics)-1 != len(d.indexed) {
		return nil, fmt.Errorf("log has %d indexed topics, want %d", len(log.Topics)-1, len(d.indexed))
	}

	values := make(map[string]interface{}, len(d.names))
	if err := abi.ParseTopicsIntoMap(values, d.indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	if err := d.event.Inputs.UnpackIntoMap(values, log.Data); err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}

	raw := &domain.RawTransfer{
		Ref: domain.EventRef{
			Contract:    log.Address,
			BlockNumber: log.BlockNumber,
			TxHash:      log.TxHash,
			LogIndex:    log.Index,
		},
	}

	var err error
	if raw.Operator, err = addressValue(values, d.names[0]); err != nil {
		return nil, err
	}
	if raw.From, err = addressValue(values, d.names[1]); err != nil {
		return nil, err
	}
	if raw.To, err = addressValue(values, d.names[2]); err != nil {
		return nil, err
	}
	if raw.TokenID, err = uintValue(values, d.names[3]); err != nil {
		return nil, err
	}
	if raw.Value, err = uintValue(values, d.names[4]); err != nil {
		return nil, err
	}

	return raw, nil
}

func addressValue(values map[string]interface{}, name string) (common.Address, error) {
	addr, ok := values[name].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("input %q: unexpected value %T", name, values[name])
	}
	return addr, nil
}

func uintValue(values map[string]interface{}, name string) (*big.Int, error) {
	v, ok := values[name].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("input %q: unexpected value %T", name, values[name])
	}
	return v, nil
}
