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

// Package rpcclient describes the chain JSON-RPC surface the ETL engine consumes: the
// Provider interface and its wire types, which the extractor/registry/decoder packages
// depend on (and fake in their tests). HTTPProvider (httpprovider.go) is the concrete
// Provider, speaking JSON-RPC over HTTP to a Starknet full node.
package rpcclient

import (
	"context"

	"github.com/dojoengine/torii-go/internal/felt"
)

// EmittedEvent is a single decoded event as returned by starknet_getEvents or found in
// a block's transaction receipts.
type EmittedEvent struct {
	FromAddress     felt.Felt
	Keys            []felt.Felt
	Data            []felt.Felt
	BlockHash       *felt.Felt
	BlockNumber     *uint64
	TransactionHash felt.Felt
}

// BlockWithReceipts is a fetched block plus every transaction's receipt, the unit the
// block-range extractor fetches in batches.
type BlockWithReceipts struct {
	Number     uint64
	Hash       felt.Felt
	ParentHash felt.Felt
	Timestamp  uint64
	Receipts   []TransactionReceipt
}

// TransactionReceipt carries one transaction's events plus enough context to build a
// TransactionContext (sender, calldata) and to surface declared classes / deployed
// contracts for this block.
type TransactionReceipt struct {
	TransactionHash   felt.Felt
	SenderAddress     *felt.Felt
	Calldata          []felt.Felt
	Events            []EmittedEvent
	DeclaredClasses   []felt.Felt
	DeployedContracts []felt.Felt
}

// EventFilter selects events for starknet_getEvents.
type EventFilter struct {
	FromBlock         uint64
	ToBlock           uint64
	ContractAddress   felt.Felt
	ContinuationToken string
	ChunkSize         uint64
}

// EventPage is one page of a (possibly paginated) starknet_getEvents response.
type EventPage struct {
	Events            []EmittedEvent
	ContinuationToken string // empty means no further pages
}

// FunctionCall is a starknet_call request against a contract's view function.
type FunctionCall struct {
	ContractAddress    felt.Felt
	EntryPointSelector felt.Felt
	Calldata           []felt.Felt
}

// ContractClass is the ABI-bearing class returned by starknet_getClass, already parsed
// down to the function/event name sets the identification rules need.
type ContractClass struct {
	ClassHash felt.Felt
	Functions map[string]struct{}
	Events    map[string]struct{}
}

// HasFunction reports whether the class's ABI declares a function with this name.
func (c ContractClass) HasFunction(name string) bool {
	_, ok := c.Functions[name]
	return ok
}

// HasEvent reports whether the class's ABI declares an event with this name.
func (c ContractClass) HasEvent(name string) bool {
	_, ok := c.Events[name]
	return ok
}

// BatchRequest is one call within a JSON-RPC batch. Kind selects which Provider method
// semantics apply; exactly one of the typed fields is populated per Kind.
type BatchRequest struct {
	Kind            BatchRequestKind
	GetBlock        *GetBlockRequest
	GetEvents       *EventFilter
	GetClassHashAt  *felt.Felt
	GetClass        *felt.Felt // class hash
	Call            *FunctionCall
}

// BatchRequestKind discriminates a BatchRequest/BatchResponse pair.
type BatchRequestKind int

const (
	KindGetBlockWithReceipts BatchRequestKind = iota
	KindGetEvents
	KindGetClassHashAt
	KindGetClass
	KindCall
)

// GetBlockRequest selects a single block by number for a batched block fetch.
type GetBlockRequest struct {
	BlockNumber uint64
}

// BatchResponse is the typed result of one BatchRequest. Only one of the fields is
// populated, matching Kind; Err is set when this particular slot of the batch failed
// without failing the whole batch (the SRC-5 aggregator call is the one path in this
// system that tolerates per-item failure within a single non-batched starknet_call;
// whole JSON-RPC batches fail atomically per §6).
type BatchResponse struct {
	Kind      BatchRequestKind
	Block     *BlockWithReceipts
	Events    *EventPage
	ClassHash *felt.Felt
	Class     *ContractClass
	CallResult []felt.Felt
	Err       error
}

// Provider is the chain JSON-RPC surface the ETL engine depends on. It intentionally
// exposes only the handful of methods §6 names, kept concrete (no generic type
// parameter) so callers can hold it as a plain interface value.
type Provider interface {
	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (uint64, error)

	// BatchRequests executes a single JSON-RPC batch (one HTTP POST carrying every
	// request). The whole batch can fail (network/transport error); individual
	// slots do not carry independent success/failure beyond what BatchResponse.Err
	// represents for call-shaped failures inside an otherwise-successful batch.
	BatchRequests(ctx context.Context, reqs []BatchRequest) ([]BatchResponse, error)

	// GetEvents performs one (possibly paginated) starknet_getEvents call.
	GetEvents(ctx context.Context, filter EventFilter) (EventPage, error)

	// Call performs a single starknet_call against a contract view function.
	Call(ctx context.Context, call FunctionCall, blockNumber *uint64) ([]felt.Felt, error)

	// GetBlockWithReceipts fetches one block and every transaction's receipt.
	GetBlockWithReceipts(ctx context.Context, blockNumber uint64) (BlockWithReceipts, error)

	// GetClassHashAt / GetClass identify a contract's class for ABI heuristics.
	GetClassHashAt(ctx context.Context, contract felt.Felt) (felt.Felt, error)
	GetClass(ctx context.Context, classHash felt.Felt) (ContractClass, error)
}
