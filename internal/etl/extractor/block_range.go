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

package extractor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

const blockRangeStateKey = "last_block"
const blockRangeExtractorType = "block_range"

// prefetchTask is one in-flight speculative block-window fetch.
type prefetchTask struct {
	fromBlock uint64
	nextBlock uint64 // current_block value once this task is popped
	result    ExtractionBatch
}

// BlockRangeConfig parameterizes a BlockRangeExtractor.
type BlockRangeConfig struct {
	FromBlock          uint64
	ToBlock            *uint64 // nil == follow chain head indefinitely
	BatchSize          uint64
	MaxInflightBatches int
	Retry              retry.Policy

	// Limiter caps the rate at which this extractor issues RPC calls, independent of
	// MaxInflightBatches' concurrency cap. Nil means unlimited.
	Limiter *rate.Limiter
}

// BlockRangeExtractor fetches whole blocks with receipts in contiguous windows, either
// over a fixed [from, to] range or following the chain head indefinitely.
type BlockRangeExtractor struct {
	cfg      BlockRangeConfig
	provider rpcclient.Provider

	currentBlock      uint64
	reachedEnd        bool
	started           bool
	fifo              []prefetchTask
	nextScheduleBlock uint64
	lastChainHead     uint64
}

// NewBlockRangeExtractor constructs a extractor reading from provider per cfg.
func NewBlockRangeExtractor(provider rpcclient.Provider, cfg BlockRangeConfig) *BlockRangeExtractor {
	if cfg.MaxInflightBatches < 1 {
		cfg.MaxInflightBatches = 1
	}
	return &BlockRangeExtractor{cfg: cfg, provider: provider}
}

func (e *BlockRangeExtractor) IsFinished() bool {
	return e.reachedEnd
}

// CommitCursor persists cursor. An empty cursor (as passed by CompositeExtractor) persists
// this extractor's own progress instead: the last block it has moved past.
func (e *BlockRangeExtractor) CommitCursor(ctx context.Context, cursor string, db *enginedb.DB) error {
	if cursor == "" {
		if !e.started || e.currentBlock == 0 {
			return nil
		}
		cursor = fmt.Sprintf("block:%d", e.currentBlock-1)
	}
	return db.SetExtractorState(ctx, blockRangeExtractorType, blockRangeStateKey, cursor)
}

func (e *BlockRangeExtractor) Extract(ctx context.Context, cursor *string, db *enginedb.DB) (ExtractionBatch, error) {
	if !e.started {
		if err := e.init(ctx, cursor, db); err != nil {
			return Empty(), err
		}
		e.started = true
	}
	if e.reachedEnd {
		return Empty(), nil
	}

	if err := waitRateLimit(ctx, e.cfg.Limiter); err != nil {
		return Empty(), err
	}
	head, err := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) (uint64, error) {
		return e.provider.BlockNumber(ctx)
	})
	if err != nil {
		return Empty(), fmt.Errorf("block_range: fetch chain head: %w", err)
	}
	e.lastChainHead = head

	if err := e.refill(ctx); err != nil {
		return Empty(), err
	}

	if len(e.fifo) == 0 {
		return Empty(), nil
	}

	task := e.fifo[0]
	e.fifo = e.fifo[1:]
	if task.fromBlock != e.currentBlock {
		return Empty(), fmt.Errorf("block_range: ordering bug: popped task starts at %d, expected %d", task.fromBlock, e.currentBlock)
	}
	e.currentBlock = task.nextBlock

	follow := e.cfg.ToBlock == nil
	if follow && task.result.IsEmpty() {
		// Caught up to head: abort remaining speculative work and re-anchor.
		e.fifo = nil
		e.nextScheduleBlock = e.currentBlock
	}

	if e.cfg.ToBlock != nil && e.currentBlock > *e.cfg.ToBlock {
		e.reachedEnd = true
	}

	if task.result.IsEmpty() {
		return Empty(), nil
	}

	batch := task.result
	chainHead := head
	batch.ChainHead = &chainHead
	cursorStr := fmt.Sprintf("block:%d", task.nextBlock-1)
	batch.Cursor = &cursorStr
	return batch, nil
}

func (e *BlockRangeExtractor) init(ctx context.Context, cursor *string, db *enginedb.DB) error {
	if cursor != nil {
		n, err := parseBlockCursor(*cursor)
		if err != nil {
			return fmt.Errorf("block_range: invalid cursor %q: %w", *cursor, err)
		}
		e.currentBlock = n + 1
	} else if saved, ok, err := db.GetExtractorState(ctx, blockRangeExtractorType, blockRangeStateKey); err != nil {
		return err
	} else if ok {
		n, err := parseBlockCursor(saved)
		if err != nil {
			return fmt.Errorf("block_range: invalid saved state %q: %w", saved, err)
		}
		e.currentBlock = n + 1
	} else {
		e.currentBlock = e.cfg.FromBlock
	}
	e.nextScheduleBlock = e.currentBlock
	return nil
}

func parseBlockCursor(cursor string) (uint64, error) {
	rest, ok := strings.CutPrefix(cursor, "block:")
	if !ok {
		return 0, fmt.Errorf("missing %q prefix", "block:")
	}
	return strconv.ParseUint(rest, 10, 64)
}

// refill tops the prefetch FIFO up to MaxInflightBatches windows, each a batch JSON-RPC
// fetch of [start, start+batch_size-1] capped at ToBlock or the chain head. In follow
// mode at most one speculative probe batch past the known head is scheduled.
func (e *BlockRangeExtractor) refill(ctx context.Context) error {
	follow := e.cfg.ToBlock == nil
	effectiveEnd := e.lastChainHead
	if !follow {
		effectiveEnd = *e.cfg.ToBlock
	}

	probedPastHead := false
	for len(e.fifo) < e.cfg.MaxInflightBatches {
		start := e.nextScheduleBlock
		if !follow && start > effectiveEnd {
			break
		}
		if follow && start > effectiveEnd {
			if probedPastHead {
				break
			}
			probedPastHead = true
		}

		end := start + e.cfg.BatchSize - 1
		if end > effectiveEnd {
			end = effectiveEnd
		}
		if end < start {
			end = start
		}

		batch, err := e.fetchWindow(ctx, start, end)
		if err != nil {
			return err
		}
		e.fifo = append(e.fifo, prefetchTask{fromBlock: start, nextBlock: end + 1, result: batch})
		e.nextScheduleBlock = end + 1

		if follow && start > e.lastChainHead {
			break
		}
	}
	return nil
}

func (e *BlockRangeExtractor) fetchWindow(ctx context.Context, start, end uint64) (ExtractionBatch, error) {
	batch := Empty()
	if end < start {
		return batch, nil
	}

	reqs := make([]rpcclient.BatchRequest, 0, end-start+1)
	for n := start; n <= end; n++ {
		n := n
		reqs = append(reqs, rpcclient.BatchRequest{
			Kind:     rpcclient.KindGetBlockWithReceipts,
			GetBlock: &rpcclient.GetBlockRequest{BlockNumber: n},
		})
	}

	if err := waitRateLimit(ctx, e.cfg.Limiter); err != nil {
		return batch, err
	}
	resps, err := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) ([]rpcclient.BatchResponse, error) {
		return e.provider.BatchRequests(ctx, reqs)
	})
	if err != nil {
		return batch, fmt.Errorf("block_range: fetch blocks [%d,%d]: %w", start, end, err)
	}

	for _, resp := range resps {
		if resp.Block == nil {
			log.Warn("block_range: batch slot missing block payload", "kind", resp.Kind)
			continue
		}
		b := *resp.Block
		batch.Blocks[b.Number] = BlockContext{
			Number:     b.Number,
			Hash:       b.Hash,
			ParentHash: b.ParentHash,
			Timestamp:  b.Timestamp,
		}
		for _, receipt := range b.Receipts {
			batch.Events = append(batch.Events, receipt.Events...)
			batch.Transactions[receipt.TransactionHash] = TransactionContext{
				Hash:        receipt.TransactionHash,
				BlockNumber: b.Number,
				Sender:      receipt.SenderAddress,
				Calldata:    receipt.Calldata,
			}
			batch.DeclaredClasses = append(batch.DeclaredClasses, receipt.DeclaredClasses...)
			batch.DeployedContracts = append(batch.DeployedContracts, receipt.DeployedContracts...)
		}
	}
	return batch, nil
}
