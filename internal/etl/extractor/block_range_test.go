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
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// blockProvider answers BlockNumber with a fixed head and BatchRequests for
// KindGetBlockWithReceipts by emitting one event per block in emptyBlocks' complement.
type blockProvider struct {
	rpcclient.Provider
	head        uint64
	emptyBlocks map[uint64]bool
}

func (p *blockProvider) BlockNumber(ctx context.Context) (uint64, error) {
	return p.head, nil
}

func (p *blockProvider) BatchRequests(ctx context.Context, reqs []rpcclient.BatchRequest) ([]rpcclient.BatchResponse, error) {
	out := make([]rpcclient.BatchResponse, len(reqs))
	for i, r := range reqs {
		n := r.GetBlock.BlockNumber
		block := rpcclient.BlockWithReceipts{Number: n, Timestamp: 1000 + n}
		if !p.emptyBlocks[n] {
			block.Receipts = []rpcclient.TransactionReceipt{{
				TransactionHash: felt.FromUint64(n),
				Events: []rpcclient.EmittedEvent{{
					FromAddress:     felt.FromUint64(1),
					TransactionHash: felt.FromUint64(n),
					BlockNumber:     &n,
				}},
			}}
		}
		out[i] = rpcclient.BatchResponse{Kind: r.Kind, Block: &block}
	}
	return out, nil
}

func openExtractorTestDB(t *testing.T) *enginedb.DB {
	t.Helper()
	db, err := enginedb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func cursorBlock(t *testing.T, cursor *string) uint64 {
	t.Helper()
	require.NotNil(t, cursor)
	rest, ok := strings.CutPrefix(*cursor, "block:")
	require.True(t, ok)
	n, err := strconv.ParseUint(rest, 10, 64)
	require.NoError(t, err)
	return n
}

// TestBlockRangeExtractorCursorMonotonicallyAdvances exercises property 6: across
// successive cycles of a fixed-range extraction, the committed cursor's block number
// never decreases, and strictly increases whenever a cycle makes progress.
func TestBlockRangeExtractorCursorMonotonicallyAdvances(t *testing.T) {
	ctx := context.Background()
	db := openExtractorTestDB(t)
	toBlock := uint64(25)

	provider := &blockProvider{head: toBlock}
	ex := NewBlockRangeExtractor(provider, BlockRangeConfig{
		FromBlock:          1,
		ToBlock:            &toBlock,
		BatchSize:          10,
		MaxInflightBatches: 2,
		Retry:              retry.NoRetry(),
	})

	var cursor *string
	var lastBlock uint64
	cycles := 0
	for !ex.IsFinished() {
		batch, err := ex.Extract(ctx, cursor, db)
		require.NoError(t, err)
		cycles++
		require.Less(t, cycles, 20, "extractor did not converge")
		if batch.IsEmpty() {
			continue
		}
		n := cursorBlock(t, batch.Cursor)
		require.GreaterOrEqual(t, n, lastBlock)
		require.Greater(t, n, lastBlock)
		lastBlock = n
		require.NoError(t, ex.CommitCursor(ctx, *batch.Cursor, db))
		cursor = batch.Cursor
	}
	require.Equal(t, toBlock, lastBlock)
}

// TestBlockRangeExtractorRestartResumesFromCommittedCursor verifies a fresh extractor
// seeded with a previously committed cursor never re-emits already-committed blocks,
// the other half of cursor monotonicity: progress survives a process restart.
func TestBlockRangeExtractorRestartResumesFromCommittedCursor(t *testing.T) {
	ctx := context.Background()
	db := openExtractorTestDB(t)
	toBlock := uint64(15)

	provider := &blockProvider{head: toBlock}
	first := NewBlockRangeExtractor(provider, BlockRangeConfig{
		FromBlock:          1,
		ToBlock:            &toBlock,
		BatchSize:          10,
		MaxInflightBatches: 1,
		Retry:              retry.NoRetry(),
	})
	batch, err := first.Extract(ctx, nil, db)
	require.NoError(t, err)
	require.False(t, batch.IsEmpty())
	require.NoError(t, first.CommitCursor(ctx, *batch.Cursor, db))
	committed := *batch.Cursor
	committedBlock := cursorBlock(t, &committed)

	second := NewBlockRangeExtractor(provider, BlockRangeConfig{
		FromBlock:          1,
		ToBlock:            &toBlock,
		BatchSize:          10,
		MaxInflightBatches: 1,
		Retry:              retry.NoRetry(),
	})
	batch2, err := second.Extract(ctx, &committed, db)
	require.NoError(t, err)
	require.False(t, batch2.IsEmpty())
	for n := range batch2.Blocks {
		require.Greater(t, n, committedBlock)
	}
}

// TestBlockRangeExtractorFollowModeEmptyTailAbortsPrefetch exercises scenario S4: a
// follow-mode extractor caught up to the chain head that gets back an empty window
// aborts its speculative prefetch, re-anchors next_schedule_block to current_block,
// returns an empty batch, stays unfinished, and commits no cursor.
func TestBlockRangeExtractorFollowModeEmptyTailAbortsPrefetch(t *testing.T) {
	ctx := context.Background()
	db := openExtractorTestDB(t)
	head := uint64(100)

	provider := &blockProvider{head: head, emptyBlocks: map[uint64]bool{100: true}}
	ex := NewBlockRangeExtractor(provider, BlockRangeConfig{
		FromBlock:          head,
		BatchSize:          10,
		MaxInflightBatches: 4,
		Retry:              retry.NoRetry(),
	})

	batch, err := ex.Extract(ctx, nil, db)
	require.NoError(t, err)
	require.True(t, batch.IsEmpty())
	require.Nil(t, batch.Cursor)
	require.False(t, ex.IsFinished())
	require.Empty(t, ex.fifo)
	require.Equal(t, ex.currentBlock, ex.nextScheduleBlock)
}
