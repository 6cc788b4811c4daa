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

// Package erc721 decodes and persists non-fungible-token Transfer/Approval/
// ApprovalForAll events plus the EIP-4906 metadata-update events, tracking the current
// owner of each token id. Unlike erc20/erc1155, ownership needs no reconciliation: the
// latest Transfer for a token id is authoritative by construction.
package erc721

import (
	"fmt"
	"math/big"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

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

var (
	TransferTypeID             = envelope.NewTypeId("erc721.transfer")
	ApprovalTypeID             = envelope.NewTypeId("erc721.approval")
	ApprovalForAllTypeID       = envelope.NewTypeId("erc721.approval_for_all")
	MetadataUpdateTypeID       = envelope.NewTypeId("erc721.metadata_update")
	BatchMetadataUpdateTypeID  = envelope.NewTypeId("erc721.batch_metadata_update")
)

var (
	transferSelector            = felt.MustFromHex("0x99cd8bde557814842a3121e8ddfd433a539b8c9f14bf31ebf108d12e6196e9")
	approvalSelector            = felt.MustFromHex("0x134692b230b9e1ffa39098904722134159652b09c5bc41d88d6698779d228ff")
	approvalForAllSelector      = felt.MustFromHex("0x6ad9ed7b6318f1bcffefe19df9aeb40d22c36bed567e1925a5ccde0536edd")
	metadataUpdateSelector      = felt.MustFromHex("0x290118457a640990dbcdeb696bd7f53f1d7d71d19b7d566efd42da398c908d3")
	batchMetadataUpdateSelector = felt.MustFromHex("0x1c4b44cdf38132fae9c07f76b8f19f308ade7e854721488329fba793ccbe122")
)

// Transfer is a decoded ERC-721 Transfer event.
type Transfer struct {
	From            felt.Felt
	To              felt.Felt
	TokenID         felt.U256
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (Transfer) EnvelopeTypeId() envelope.TypeId { return TransferTypeID }

// Approval is a decoded single-token Approval event.
type Approval struct {
	Owner           felt.Felt
	Approved        felt.Felt
	TokenID         felt.U256
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (Approval) EnvelopeTypeId() envelope.TypeId { return ApprovalTypeID }

// ApprovalForAll is a decoded operator-approval event.
type ApprovalForAll struct {
	Owner           felt.Felt
	Operator        felt.Felt
	Approved        bool
	Token           felt.Felt
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (ApprovalForAll) EnvelopeTypeId() envelope.TypeId { return ApprovalForAllTypeID }

// MetadataUpdate is a decoded EIP-4906 single-token metadata refresh signal.
type MetadataUpdate struct {
	Token           felt.Felt
	TokenID         felt.U256
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (MetadataUpdate) EnvelopeTypeId() envelope.TypeId { return MetadataUpdateTypeID }

// BatchMetadataUpdate is a decoded EIP-4906 token-range metadata refresh signal.
type BatchMetadataUpdate struct {
	Token           felt.Felt
	FromTokenID     felt.U256
	ToTokenID       felt.U256
	BlockNumber     uint64
	TransactionHash felt.Felt
}

func (BatchMetadataUpdate) EnvelopeTypeId() envelope.TypeId { return BatchMetadataUpdateTypeID }

// Decoder recognizes ERC-721 Transfer/Approval/ApprovalForAll and EIP-4906
// MetadataUpdate/BatchMetadataUpdate events, tolerating both the modern (keys-only) and
// legacy (data-only) OpenZeppelin encodings.
type Decoder struct{}

func NewDecoder() *Decoder { return &Decoder{} }

func (d *Decoder) DecoderName() string { return "erc721" }

func (d *Decoder) DecodeEvent(ev rpcclient.EmittedEvent) []envelope.Envelope {
	if len(ev.Keys) == 0 {
		return nil
	}
	switch {
	case ev.Keys[0].Cmp(transferSelector) == 0:
		return d.decodeTransfer(ev)
	case ev.Keys[0].Cmp(approvalSelector) == 0:
		return d.decodeApproval(ev)
	case ev.Keys[0].Cmp(approvalForAllSelector) == 0:
		return d.decodeApprovalForAll(ev)
	case ev.Keys[0].Cmp(metadataUpdateSelector) == 0:
		return d.decodeMetadataUpdate(ev)
	case ev.Keys[0].Cmp(batchMetadataUpdateSelector) == 0:
		return d.decodeBatchMetadataUpdate(ev)
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

func (d *Decoder) decodeTransfer(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var from, to felt.Felt
	var tokenID felt.U256

	switch {
	case len(ev.Keys) == 5 && len(ev.Data) == 0:
		from, to = ev.Keys[1], ev.Keys[2]
		tokenID = twoFelts128(ev.Keys[3], ev.Keys[4])
	case len(ev.Keys) == 1 && len(ev.Data) == 4:
		from, to = ev.Data[0], ev.Data[1]
		tokenID = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) == 4 && len(ev.Data) == 0:
		from, to = ev.Keys[1], ev.Keys[2]
		tokenID = oneFelt(ev.Keys[3])
	case len(ev.Keys) == 1 && len(ev.Data) == 3:
		from, to = ev.Data[0], ev.Data[1]
		tokenID = oneFelt(ev.Data[2])
	default:
		log.Warn("erc721: malformed Transfer event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := blockNumberOf(ev)
	transfer := Transfer{From: from, To: to, TokenID: tokenID, Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	metadata := map[string]string{
		"token":        ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":      ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc721_transfer_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, transfer, metadata)}
}

func (d *Decoder) decodeApproval(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var owner, approved felt.Felt
	var tokenID felt.U256

	switch {
	case len(ev.Keys) == 5 && len(ev.Data) == 0:
		owner, approved = ev.Keys[1], ev.Keys[2]
		tokenID = twoFelts128(ev.Keys[3], ev.Keys[4])
	case len(ev.Keys) == 1 && len(ev.Data) == 4:
		owner, approved = ev.Data[0], ev.Data[1]
		tokenID = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) == 4 && len(ev.Data) == 0:
		owner, approved = ev.Keys[1], ev.Keys[2]
		tokenID = oneFelt(ev.Keys[3])
	case len(ev.Keys) == 1 && len(ev.Data) == 3:
		owner, approved = ev.Data[0], ev.Data[1]
		tokenID = oneFelt(ev.Data[2])
	default:
		log.Warn("erc721: malformed Approval event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := blockNumberOf(ev)
	approval := Approval{Owner: owner, Approved: approved, TokenID: tokenID, Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	metadata := map[string]string{
		"token":        ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":      ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc721_approval_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, approval, metadata)}
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
		log.Warn("erc721: malformed ApprovalForAll event",
			"token", ev.FromAddress.Hex(), "keys_len", len(ev.Keys), "data_len", len(ev.Data))
		return nil
	}

	blockNumber := blockNumberOf(ev)
	approval := ApprovalForAll{Owner: owner, Operator: operator, Approved: approved, Token: ev.FromAddress, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	metadata := map[string]string{
		"token":        ev.FromAddress.Hex(),
		"block_number": fmt.Sprintf("%d", blockNumber),
		"tx_hash":      ev.TransactionHash.Hex(),
	}
	id := fmt.Sprintf("erc721_approval_for_all_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, approval, metadata)}
}

func (d *Decoder) decodeMetadataUpdate(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var tokenID felt.U256
	switch {
	case len(ev.Data) >= 2:
		tokenID = twoFelts128(ev.Data[0], ev.Data[1])
	case len(ev.Keys) >= 3:
		tokenID = twoFelts128(ev.Keys[1], ev.Keys[2])
	case len(ev.Data) == 1:
		tokenID = oneFelt(ev.Data[0])
	case len(ev.Keys) == 2:
		tokenID = oneFelt(ev.Keys[1])
	default:
		log.Warn("erc721: malformed MetadataUpdate event", "token", ev.FromAddress.Hex())
		return nil
	}

	blockNumber := blockNumberOf(ev)
	update := MetadataUpdate{Token: ev.FromAddress, TokenID: tokenID, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	id := fmt.Sprintf("erc721_metadata_update_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, update, nil)}
}

func (d *Decoder) decodeBatchMetadataUpdate(ev rpcclient.EmittedEvent) []envelope.Envelope {
	var from, to felt.U256
	switch {
	case len(ev.Data) >= 4:
		from = twoFelts128(ev.Data[0], ev.Data[1])
		to = twoFelts128(ev.Data[2], ev.Data[3])
	case len(ev.Keys) >= 5:
		from = twoFelts128(ev.Keys[1], ev.Keys[2])
		to = twoFelts128(ev.Keys[3], ev.Keys[4])
	default:
		log.Warn("erc721: malformed BatchMetadataUpdate event", "token", ev.FromAddress.Hex())
		return nil
	}

	blockNumber := blockNumberOf(ev)
	update := BatchMetadataUpdate{Token: ev.FromAddress, FromTokenID: from, ToTokenID: to, BlockNumber: blockNumber, TransactionHash: ev.TransactionHash}
	id := fmt.Sprintf("erc721_batch_metadata_update_%d_%s", blockNumber, ev.TransactionHash.Hex())
	return []envelope.Envelope{envelope.New(id, update, nil)}
}
