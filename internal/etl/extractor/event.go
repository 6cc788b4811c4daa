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
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

const eventExtractorType = "event"

// eventPollDelay is how long Extract sleeps before returning an empty batch when every
// contract is finished or waiting for new blocks.
var eventPollDelay = 5 * time.Second

// EventContractConfig configures one contract tracked by an EventExtractor.
type EventContractConfig struct {
	Address   felt.Felt
	FromBlock uint64
	// ToBlock nil means follow the chain head indefinitely for this contract.
	ToBlock *uint64
}

// EventExtractorConfig parameterizes an EventExtractor.
type EventExtractorConfig struct {
	Contracts      []EventContractConfig
	BlockBatchSize uint64
	ChunkSize      uint64
	Retry          retry.Policy

	// Limiter caps the rate at which this extractor issues RPC calls. Nil means
	// unlimited.
	Limiter *rate.Limiter
}

// contractState is the per-contract cursor the event extractor maintains.
type contractState struct {
	address           felt.Felt
	currentBlock      uint64
	toBlock           *uint64
	continuationToken string
	finished          bool
	waitingForBlocks  bool
}

func (s *contractState) active() bool {
	return !s.finished && !s.waitingForBlocks
}

// EventExtractor pulls events per-contract via starknet_getEvents, each contract tracking
// its own range, continuation token and completion state independently.
type EventExtractor struct {
	cfg       EventExtractorConfig
	provider  rpcclient.Provider
	contracts []*contractState
	started   bool
}

// NewEventExtractor constructs an extractor over the given contracts.
func NewEventExtractor(provider rpcclient.Provider, cfg EventExtractorConfig) *EventExtractor {
	return &EventExtractor{cfg: cfg, provider: provider}
}

func (e *EventExtractor) IsFinished() bool {
	for _, c := range e.contracts {
		if !c.finished {
			return false
		}
	}
	return len(e.contracts) > 0
}

func (e *EventExtractor) init(ctx context.Context, cursor *string, db *enginedb.DB) error {
	e.contracts = make([]*contractState, 0, len(e.cfg.Contracts))
	for _, cc := range e.cfg.Contracts {
		state := &contractState{address: cc.Address, currentBlock: cc.FromBlock, toBlock: cc.ToBlock}
		key := strings.ToLower(cc.Address.Hex())

		var saved string
		var ok bool
		var err error
		if cursor != nil {
			if v, found := lookupAggregateCursor(*cursor, key); found {
				saved, ok = v, true
			}
		}
		if !ok {
			saved, ok, err = db.GetExtractorState(ctx, eventExtractorType, key)
			if err != nil {
				return err
			}
		}
		if ok {
			blockN, token, err := parseEventCursor(saved)
			if err != nil {
				return fmt.Errorf("event_filter: invalid saved state %q for %s: %w", saved, key, err)
			}
			state.currentBlock = blockN
			state.continuationToken = token
		}
		e.contracts = append(e.contracts, state)
	}
	return nil
}

// lookupAggregateCursor parses "addr1=state1;addr2=state2;..." and returns the entry for
// key, if present.
func lookupAggregateCursor(cursor, key string) (string, bool) {
	for _, part := range strings.Split(cursor, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], key) {
			return kv[1], true
		}
	}
	return "", false
}

func parseEventCursor(s string) (block uint64, token string, err error) {
	blockPart, tokenPart, hasToken := strings.Cut(s, "|token:")
	n, ok := strings.CutPrefix(blockPart, "block:")
	if !ok {
		return 0, "", fmt.Errorf("missing block: prefix")
	}
	block, err = strconv.ParseUint(n, 10, 64)
	if err != nil {
		return 0, "", err
	}
	if hasToken {
		token = tokenPart
	}
	return block, token, nil
}

func (e *EventExtractor) CommitCursor(ctx context.Context, cursor string, db *enginedb.DB) error {
	for _, c := range e.contracts {
		key := strings.ToLower(c.address.Hex())
		var value string
		if c.continuationToken != "" {
			value = fmt.Sprintf("block:%d|token:%s", c.currentBlock, c.continuationToken)
		} else {
			value = fmt.Sprintf("block:%d", c.currentBlock)
		}
		if err := db.SetExtractorState(ctx, eventExtractorType, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (e *EventExtractor) Extract(ctx context.Context, cursor *string, db *enginedb.DB) (ExtractionBatch, error) {
	if !e.started {
		if err := e.init(ctx, cursor, db); err != nil {
			return Empty(), err
		}
		e.started = true
	}

	if err := waitRateLimit(ctx, e.cfg.Limiter); err != nil {
		return Empty(), err
	}
	chainHead, err := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) (uint64, error) {
		return e.provider.BlockNumber(ctx)
	})
	if err != nil {
		return Empty(), fmt.Errorf("event_filter: fetch chain head: %w", err)
	}

	// Re-check contracts waiting for new blocks now that we've refreshed chainHead.
	for _, c := range e.contracts {
		if c.waitingForBlocks && chainHead >= c.currentBlock {
			c.waitingForBlocks = false
		}
	}

	active := make([]*contractState, 0, len(e.contracts))
	for _, c := range e.contracts {
		if c.active() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		select {
		case <-time.After(eventPollDelay):
		case <-ctx.Done():
			return Empty(), ctx.Err()
		}
		return Empty(), nil
	}

	type window struct {
		state *contractState
		start uint64
		end   uint64
	}
	windows := make([]window, 0, len(active))
	reqs := make([]rpcclient.BatchRequest, 0, len(active))
	for _, c := range active {
		effectiveToBlock := chainHead
		if c.toBlock != nil {
			effectiveToBlock = *c.toBlock
		}
		end := c.currentBlock + e.cfg.BlockBatchSize - 1
		if end > effectiveToBlock {
			end = effectiveToBlock
		}
		if end < c.currentBlock {
			end = c.currentBlock
		}
		windows = append(windows, window{state: c, start: c.currentBlock, end: end})
		reqs = append(reqs, rpcclient.BatchRequest{
			Kind: rpcclient.KindGetEvents,
			GetEvents: &rpcclient.EventFilter{
				FromBlock:         c.currentBlock,
				ToBlock:           end,
				ContractAddress:   c.address,
				ContinuationToken: c.continuationToken,
				ChunkSize:         e.cfg.ChunkSize,
			},
		})
	}

	if err := waitRateLimit(ctx, e.cfg.Limiter); err != nil {
		return Empty(), err
	}
	resps, err := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) ([]rpcclient.BatchResponse, error) {
		return e.provider.BatchRequests(ctx, reqs)
	})
	if err != nil {
		return Empty(), fmt.Errorf("event_filter: fetch events batch: %w", err)
	}
	if len(resps) != len(windows) {
		return Empty(), fmt.Errorf("event_filter: batch response length mismatch: got %d, want %d", len(resps), len(windows))
	}

	batch := Empty()
	for i, resp := range resps {
		w := windows[i]
		if resp.Events == nil {
			log.Warn("event_filter: batch slot missing events payload", "contract", w.state.address)
			continue
		}
		page := *resp.Events
		batch.Events = append(batch.Events, page.Events...)

		effectiveToBlock := chainHead
		if w.state.toBlock != nil {
			effectiveToBlock = *w.state.toBlock
		}
		if page.ContinuationToken != "" {
			w.state.continuationToken = page.ContinuationToken
		} else {
			w.state.continuationToken = ""
			w.state.currentBlock = w.end + 1
			if w.state.toBlock != nil && w.state.currentBlock > *w.state.toBlock {
				w.state.finished = true
			} else if w.state.currentBlock > effectiveToBlock {
				w.state.waitingForBlocks = true
			}
		}
	}

	if batch.IsEmpty() {
		return Empty(), nil
	}

	if err := e.fillBlockTimestamps(ctx, db, &batch); err != nil {
		return Empty(), err
	}

	ch := chainHead
	batch.ChainHead = &ch
	cursor2 := e.aggregateCursor()
	batch.Cursor = &cursor2
	return batch, nil
}

func (e *EventExtractor) aggregateCursor() string {
	parts := make([]string, 0, len(e.contracts))
	for _, c := range e.contracts {
		key := strings.ToLower(c.address.Hex())
		var value string
		if c.continuationToken != "" {
			value = fmt.Sprintf("block:%d|token:%s", c.currentBlock, c.continuationToken)
		} else {
			value = fmt.Sprintf("block:%d", c.currentBlock)
		}
		parts = append(parts, key+"="+value)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// fillBlockTimestamps populates batch.Blocks' timestamps for every block number touched
// by batch.Events, fetching only the ones missing from the Engine DB cache.
func (e *EventExtractor) fillBlockTimestamps(ctx context.Context, db *enginedb.DB, batch *ExtractionBatch) error {
	wanted := map[uint64]struct{}{}
	for _, ev := range batch.Events {
		if ev.BlockNumber != nil {
			wanted[*ev.BlockNumber] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	numbers := make([]uint64, 0, len(wanted))
	for n := range wanted {
		numbers = append(numbers, n)
	}

	cached, err := db.GetBlockTimestamps(ctx, numbers)
	if err != nil {
		return fmt.Errorf("event_filter: read block timestamp cache: %w", err)
	}
	for n, ts := range cached {
		addTimestamp(batch, n, ts)
	}

	var missing []uint64
	for _, n := range numbers {
		if _, ok := cached[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	reqs := make([]rpcclient.BatchRequest, len(missing))
	for i, n := range missing {
		reqs[i] = rpcclient.BatchRequest{Kind: rpcclient.KindGetBlockWithReceipts, GetBlock: &rpcclient.GetBlockRequest{BlockNumber: n}}
	}
	if err := waitRateLimit(ctx, e.cfg.Limiter); err != nil {
		return err
	}
	resps, err := retry.Execute(ctx, e.cfg.Retry, func(ctx context.Context) ([]rpcclient.BatchResponse, error) {
		return e.provider.BatchRequests(ctx, reqs)
	})
	if err != nil {
		return fmt.Errorf("event_filter: fetch missing block timestamps: %w", err)
	}

	fetched := make(map[uint64]uint64, len(resps))
	for _, resp := range resps {
		if resp.Block == nil {
			continue
		}
		fetched[resp.Block.Number] = resp.Block.Timestamp
		addTimestamp(batch, resp.Block.Number, resp.Block.Timestamp)
	}
	if err := db.InsertBlockTimestamps(ctx, fetched); err != nil {
		return fmt.Errorf("event_filter: cache block timestamps: %w", err)
	}
	return nil
}

func addTimestamp(batch *ExtractionBatch, number, ts uint64) {
	bc, ok := batch.Blocks[number]
	if !ok {
		bc = BlockContext{Number: number}
	}
	bc.Timestamp = ts
	batch.Blocks[number] = bc
}
