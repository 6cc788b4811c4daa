// Copyright 2024 The Torii Authors
// This file is part of Torii.
//
// Torii is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Torii is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Torii. If not, see <http://www.gnu.org/licenses/>.

// Package erc1155 decodes and persists semi-fungible-token TransferSingle/TransferBatch/
// ApprovalForAll events, denormalizing TransferBatch into one envelope per (id, amount)
// pair, and maintains per-(token, wallet, token_id) balances with the same
// fetch-on-negative-inventory reconciliation as erc20.
package erc1155

import (
	"fmt"
	"math/big"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

var (
	TransferSingleTypeID  = envelope.NewTypeId("erc1155.transfer_single")
	TransferBatchTypeID   = envelope.NewTypeId("erc1155.transfer_batch")
	ApprovalForAllTypeID  = envelope.NewTypeId("erc1155.approval_for_all")
)

var (
	transferSingleSelector  = felt.MustFromHex("0x182d859c0807ba9db63baf8b9d9fdbfeb885d820be6e206b9dab626d995c433")
	transferBatchSelector   = felt.MustFromHex("0x2563683c757f3abe19c4b7237e2285d8993417ddffe0b54a19eb212ea574b08")
	approvalForAllSelector  = felt.MustFromHex("0x6ad9ed7b6318f1bcffefe19df9aeb40d22c36bed567e1925a5ccde0536edd")
)

// TransferSingle is a decoded ERC-1155 TransferSingle event.
type TransferSingle struct {
	Operator        felt.Felt
	From            felt.Felt
	To              felt.Felt
	ID              felt.U256
	Value           felt.U256
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (TransferSingle) EnvelopeTypeId() envelope.TypeId { return TransferSingleTypeID }

// TransferBatch is one (id, value) pair denormalized out of an on-chain TransferBatch
// event; BatchIndex is the pair's position in the original batch.
type TransferBatch struct {
	Operator        felt.Felt
	From            felt.Felt
	To              felt.Felt
	ID              felt.U256
	Value           felt.U256
	BatchIndex      uint32
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (TransferBatch) EnvelopeTypeId() envelope.TypeId { return TransferBatchTypeID }

// OperatorApproval is a decoded ApprovalForAll event.
type OperatorApproval struct {
	Owner           felt.Felt
	Operator        felt.Felt
	Approved        bool
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (OperatorApproval) EnvelopeTypeId() envelope.TypeId { return ApprovalForAllTypeID }

// Decoder recognizes ERC-1155 TransferSingle, TransferBatch and ApprovalForAll events,
// tolerating modern (keys) and legacy (data-only) encodings.
type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) DecoderName() string { return "erc1155" }

func (d *Decoder) DecodeEvent(ev rpcclient.EmittedEvent) []envelope.Envelope {
	if len(ev.Keys) == 0 {
		return nil
	}
	switch {
	case ev.Keys[0].Cmp(transferSingleSelector) == 0:
		return d.decodeTransferSingle(ev)
	case ev.Keys[0].Cmp(transferBatchSelector) == 0:
		return d.decodeTransferBatch(ev)
	case ev.Keys[0].Cmp(approvalForAllSelector) == 0:
		return d.decodeApprovalForAll(ev)
	default:
		return nil
	}
}

func blockNumberOf(ev rpcclient.EmittedEvent) uint64 {
	if ev.BlockNumber != nil {
		return *ev.BlockNumber
	}
	return 0
}

func twoFelts128(low, high felt.Felt) felt.U256 {
	return felt.U256FromParts(feltToBig(low), feltToBig(high))
}

func feltToBig(f felt.Felt) *big.Int {
	b := f.Bytes32()
	return new(big.Int).SetBytes(b[:])
}

func (d *Decoder) decodeTransferSingle(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var operator, from, to felt.Felt
	var id, value felt.U256

	switch {
	case len(ev.Keys) == 4 && len(ev.Data) == 4:
		operator, from, to = ev.Keys[1], ev.Keys[2], ev.Keys[3]
		id = twoFelts128(ev.Data[0], ev.Data[1])
		value = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) == 1 && len(ev.Data) == 7:
		operator, from, to = ev.Data[0], ev.Data[1], ev.Data[2]
		id = twoFelts128(ev.Data[3], ev.Data[4])
		value = twoFelts128(ev.Data[5], ev.Data[6])
	case len(ev.Keys) == 4 && len(ev.Data) == 2:
		operator, from, to = ev.Keys[1], ev.Keys[2], ev.Keys[3]
		id = felt.U256FromParts(feltToBig(ev.Data[0]), big.NewInt(0))
		value = felt.U256FromParts(feltToBig(ev.Data[1]), big.NewInt(0))
	default:
		log.Warn("erc1155: malformed TransferSingle event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := blockNumberOf(ev)
	transfer := TransferSingle{
		Operator: operator, From: from, To: to, ID: id, Value: value,
		Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash,
	}
	metadata := map[string]string{
		"token":        ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":      ev.TransactionHash.Hex(),
	}
	id2 := fmt.Sprintf("erc1155_transfer_single_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id2, transfer, metadata)}
}

// decodeTransferBatch parses the on-chain array-of-ids/array-of-values encoding and
// denormalizes it into one envelope per (id, value) pair, matching the reference
// decoder's zip-and-enumerate.
func (d *Decoder) decodeTransferBatch(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var operator, from, to felt.Felt
	dataOffset := 0

	switch {
	case len(ev.Keys) == 4:
		operator, from, to = ev.Keys[1], ev.Keys[2], ev.Keys[3]
	case len(ev.Keys) == 1 && len(ev.Data) >= 3:
		operator, from, to = ev.Data[0], ev.Data[1], ev.Data[2]
		dataOffset = 3
	default:
		log.Warn("erc1155: malformed TransferBatch event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	if len(ev.Data) <= dataOffset {
		return nil
	}
	idsLen := int(ev.Data[dataOffset].Uint64())
	dataOffset++

	ids := make([]felt.U256, 0, idsLen)
	for i := 0; i < idsLen; i++ {
		if dataOffset+i*2+1 >= len(ev.Data) {
			break
		}
		ids = append(ids, twoFelts128(ev.Data[dataOffset+i*2], ev.Data[dataOffset+i*2+1]))
	}
	dataOffset += idsLen * 2

	if len(ev.Data) <= dataOffset {
		return nil
	}
	valuesLen := int(ev.Data[dataOffset].Uint64())
	dataOffset++

	values := make([]felt.U256, 0, valuesLen)
	for i := 0; i < valuesLen; i++ {
		if dataOffset+i*2+1 >= len(ev.Data) {
			break
		}
		values = append(values, twoFelts128(ev.Data[dataOffset+i*2], ev.Data[dataOffset+i*2+1]))
	}

	blockNumber := blockNumberOf(ev)
	n := len(ids)
	if len(values) < n {
		n = len(values)
	}

	envelopes := make([]envelope.Envelope, 0, n)
	for i := 0; i < n; i++ {
		transfer := TransferBatch{
			Operator: operator, From: from, To: to,
			ID: ids[i], Value: values[i], BatchIndex: uint32(i),
			Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash,
		}
		metadata := map[string]string{
			"token":        ev.FromAddress.Hex(),
			"block_number": fmt.Sprintf("%d", blockNumber),
			"tx_hash":      ev.TransactionHash.Hex(),
			"batch_index":  fmt.Sprintf("%d", i),
		}
		id := fmt.Sprintf("erc1155_transfer_batch_%d_%s_%d", blockNumber, ev.TransactionHash.Hex(), i)
		envelopes = append(envelopes, envelope.New(id, transfer, metadata))
	}
	return envelopes
}

func (d *Decoder) decodeApprovalForAll(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var owner, operator felt.Felt
	var approved bool

	switch {
	case len(ev.Keys) == 3 && len(ev.Data) == 1:
		owner, operator = ev.Keys[1], ev.Keys[2]
		approved = !ev.Data[0].IsZero()
	case len(ev.Keys) == 1 && len(ev.Data) == 3:
		owner, operator = ev.Data[0], ev.Data[1]
		approved = !ev.Data[2].IsZero()
	default:
		log.Warn("erc1155: malformed ApprovalForAll event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := blockNumberOf(ev)
	approval := OperatorApproval{Owner: owner, Operator: operator, Approved: approved, Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	metadata := map[string]string{
		"token":        ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":      ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc1155_approval_for_all_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, approval, metadata)}
}
