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

// Package erc20 decodes and persists fungible-token Transfer/Approval events, maintaining
// per-wallet balances reconciled against the chain on first observation of a gap.
package erc20

import (
	"fmt"
	"math/big"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

var (
	TransferTypeID = envelope.NewTypeId("erc20.transfer")
	ApprovalTypeID = envelope.NewTypeId("erc20.approval")
)

// transferSelector is sn_keccak("Transfer").
var transferSelector = felt.MustFromHex("0x99cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9")

// approvalSelector is sn_keccak("Approval").
var approvalSelector = felt.MustFromHex("0x134692b230b9e1ffa39098904722134159652b09c5bc41d88d6698779d228ff")

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	From            felt.Felt
	To              felt.Felt
	Amount          felt.U256
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (Transfer) EnvelopeTypeId() envelope.TypeId { return TransferTypeID }

// Approval is a decoded ERC-20 Approval event.
type Approval struct {
	Owner           felt.Felt
	Spender         felt.Felt
	Amount          felt.U256
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (Approval) EnvelopeTypeId() envelope.TypeId { return ApprovalTypeID }

// Decoder recognizes ERC-20 Transfer and Approval events, tolerating every on-chain
// encoding variant the shape can legally take.
type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) DecoderName() string { return "erc20" }

func (d *Decoder) DecodeEvent(ev rpcclient.EmittedEvent) []envelope.Envelope {
	if len(ev.Keys) == 0 {
		return nil
	}
	switch {
	case ev.Keys[0].Cmp(transferSelector) == 0:
		return d.decodeTransfer(ev)
	case ev.Keys[0].Cmp(approvalSelector) == 0:
		return d.decodeApproval(ev)
	default:
		return nil
	}
}

// twoFelts128 decodes (low, high) into a U256, clipping out-of-range halves rather than
// panicking.
func twoFelts128(low, high felt.Felt) felt.U256 {
	return felt.U256FromParts(feltToBig(low), feltToBig(high))
}

func feltToBig(f felt.Felt) *big.Int {
	b := f.Bytes32()
	return new(big.Int).SetBytes(b[:])
}

func oneFelt(amount felt.Felt) felt.U256 {
	return felt.U256FromParts(feltToBig(amount), big.NewInt(0))
}

func (d *Decoder) decodeTransfer(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var from, to felt.Felt
	var amount felt.U256

	switch {
	case len(ev.Keys) == 5 && len(ev.Data) == 0:
		from, to = ev.Keys[1], ev.Keys[2]
		amount = twoFelts128(ev.Keys[3], ev.Keys[4])
	case len(ev.Keys) == 4 && len(ev.Data) == 0:
		from, to = ev.Keys[1], ev.Keys[2]
		amount = oneFelt(ev.Keys[3])
	case len(ev.Keys) == 1 && len(ev.Data) == 4:
		from, to = ev.Data[0], ev.Data[1]
		amount = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) == 3 && len(ev.Data) == 2:
		from, to = ev.Keys[1], ev.Keys[2]
		amount = twoFelts128(ev.Data[0], ev.Data[1])
	case len(ev.Keys) == 3 && len(ev.Data) == 1:
		from, to = ev.Keys[1], ev.Keys[2]
		amount = oneFelt(ev.Data[0])
	case len(ev.Keys) == 1 && len(ev.Data) == 3:
		from, to = ev.Data[0], ev.Data[1]
		amount = oneFelt(ev.Data[2])
	case len(ev.Keys) == 3 && len(ev.Data) == 0:
		from, to = ev.Keys[1], ev.Keys[2]
		amount = felt.ZeroU256
	default:
		log.Warn("erc20: malformed Transfer event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := uint64(0)
	if ev.BlockNumber != nil {
		blockNumber = *ev.BlockNumber
	}

	transfer := Transfer{
		From:            from,
		To:              to,
		Amount:          amount,
		Token:           ev.FromAddress,
		BlockNumber:     blockNumber,
		TransactionHash: ev.TransactionHash,
	}

	metadata := map[string]string{
		"token":      ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":    ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc20_transfer_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, transfer, metadata)}
}

func (d *Decoder) decodeApproval(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var owner, spender felt.Felt
	var amount felt.U256

	switch {
	case len(ev.Keys) == 5 && len(ev.Data) == 0:
		owner, spender = ev.Keys[1], ev.Keys[2]
		amount = twoFelts128(ev.Keys[3], ev.Keys[4])
	case len(ev.Keys) == 4 && len(ev.Data) == 0:
		owner, spender = ev.Keys[1], ev.Keys[2]
		amount = oneFelt(ev.Keys[3])
	case len(ev.Keys) == 1 && len(ev.Data) == 4:
		owner, spender = ev.Data[0], ev.Data[1]
		amount = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) == 3 && len(ev.Data) == 2:
		owner, spender = ev.Keys[1], ev.Keys[2]
		amount = twoFelts128(ev.Data[0], ev.Data[1])
	case len(ev.Keys) == 3 && len(ev.Data) == 1:
		owner, spender = ev.Keys[1], ev.Keys[2]
		amount = oneFelt(ev.Data[0])
	case len(ev.Keys) == 1 && len(ev.Data) == 3:
		owner, spender = ev.Data[0], ev.Data[1]
		amount = oneFelt(ev.Data[2])
	case len(ev.Keys) == 3 && len(ev.Data) == 0:
		owner, spender = ev.Keys[1], ev.Keys[2]
		amount = felt.ZeroU256
	default:
		log.Warn("erc20: malformed Approval event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := uint64(0)
	if ev.BlockNumber != nil {
		blockNumber = *ev.BlockNumber
	}

	approval := Approval{
		Owner:           owner,
		Spender:         spender,
		Amount:          amount,
		Token:           ev.FromAddress,
		BlockNumber:     blockNumber,
		TransactionHash: ev.TransactionHash,
	}

	metadata := map[string]string{
		"token":      ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":    ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc20_approval_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, approval, metadata)}
}
