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

// Package extractor implements the ETL pipeline's chain-reading half: the block-range,
// event-filtered and composite extractors, each producing ExtractionBatch values with
// persistent, restart-durable cursors.
package extractor

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// waitRateLimit blocks until limiter admits one RPC call. A nil limiter never blocks,
// so extractors default to unlimited issue rate and only shape traffic when a caller
// opts in via BlockRangeConfig.Limiter / EventExtractorConfig.Limiter.
func waitRateLimit(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// BlockContext carries the block metadata an event was emitted in.
type BlockContext struct {
	Number     uint64
	Hash       felt.Felt
	ParentHash felt.Felt
	Timestamp  uint64
}

// TransactionContext carries the transaction metadata an event was emitted by.
type TransactionContext struct {
	Hash        felt.Felt
	BlockNumber uint64
	Sender      *felt.Felt
	Calldata    []felt.Felt
}

// ExtractionBatch is one cycle's output from an extractor: events plus deduplicated
// block/transaction context plus a cursor. Every event's FromAddress/BlockNumber appear
// as keys in Blocks; every event's TransactionHash appears in Transactions when the
// extractor has transaction context available.
type ExtractionBatch struct {
	Events            []rpcclient.EmittedEvent
	Blocks            map[uint64]BlockContext
	Transactions      map[felt.Felt]TransactionContext
	DeclaredClasses   []felt.Felt
	DeployedContracts []felt.Felt

	// Cursor is the checkpoint to persist after this batch is successfully applied
	// to every sink. Nil means "nothing new to commit" (e.g. an empty follow-mode
	// probe that made no progress).
	Cursor *string

	// ChainHead is the latest known chain tip observed while building this batch,
	// used for the sinks' live-broadcast gate.
	ChainHead *uint64
}

// Empty returns a batch with no events and no cursor to commit.
func Empty() ExtractionBatch {
	return ExtractionBatch{
		Blocks:       map[uint64]BlockContext{},
		Transactions: map[felt.Felt]TransactionContext{},
	}
}

// IsEmpty reports whether the batch produced no events.
func (b ExtractionBatch) IsEmpty() bool {
	return len(b.Events) == 0
}

// MaxBlock returns the highest block number touched by this batch's events, used by the
// live-broadcast gate (chain_head - max_block <= LIVE_THRESHOLD_BLOCKS).
func (b ExtractionBatch) MaxBlock() (uint64, bool) {
	var max uint64
	found := false
	for n := range b.Blocks {
		if !found || n > max {
			max = n
			found = true
		}
	}
	return max, found
}

// IsLive reports whether this batch is recent enough to broadcast, per the live
// threshold gate in §4.F.
func (b ExtractionBatch) IsLive(liveThresholdBlocks uint64) bool {
	if b.ChainHead == nil {
		return false
	}
	max, ok := b.MaxBlock()
	if !ok {
		return false
	}
	if *b.ChainHead < max {
		return true
	}
	return *b.ChainHead-max <= liveThresholdBlocks
}

// Extractor produces ExtractionBatch values from a chain source with a persistent,
// restart-durable cursor.
type Extractor interface {
	// Extract fetches the next batch. cursor is only consulted on the very first
	// call of a freshly constructed extractor (to resume from a checkpoint); after
	// that the extractor tracks its own progress internally.
	Extract(ctx context.Context, cursor *string, db *enginedb.DB) (ExtractionBatch, error)

	// IsFinished reports whether this extractor has exhausted its configured range
	// and will never produce another non-empty batch.
	IsFinished() bool

	// CommitCursor persists cursor as this extractor's restart checkpoint.
	CommitCursor(ctx context.Context, cursor string, db *enginedb.DB) error
}
