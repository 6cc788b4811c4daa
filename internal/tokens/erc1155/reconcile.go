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

package erc1155

import (
	"context"
	"fmt"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
)

// CheckBalancesBatch is the direct port of torii-erc1155's check_balances_batch: it
// walks transfers in order, tracking running per-key debits within the batch, and
// reports every (token, wallet, token_id) whose stored balance would go negative.
// Mints (From == zero) never need a check.
func (s *Storage) CheckBalancesBatch(ctx context.Context, transfers []TransferRow) ([]FetchRequest, error) {
	if len(transfers) == 0 {
		return nil, nil
	}

	seen := map[BalanceKey]struct{}{}
	var senderKeys []BalanceKey
	for _, t := range transfers {
		if t.From.IsZero() {
			continue
		}
		k := BalanceKey{Token: t.Token, Wallet: t.From, TokenID: t.TokenID}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		senderKeys = append(senderKeys, k)
	}

	current, err := s.GetBalancesBatch(ctx, senderKeys)
	if err != nil {
		return nil, fmt.Errorf("erc1155: check balances: %w", err)
	}

	pendingDebits := map[BalanceKey]felt.U256{}
	var requests []FetchRequest
	requested := map[BalanceKey]uint64{}

	for _, t := range transfers {
		if t.From.IsZero() {
			continue
		}
		key := BalanceKey{Token: t.Token, Wallet: t.From, TokenID: t.TokenID}

		stored, ok := current[key]
		if !ok {
			stored = felt.ZeroU256
		}
		pending, ok := pendingDebits[key]
		if !ok {
			pending = felt.ZeroU256
		}
		totalNeeded := pending.Add(t.Amount)

		if !stored.LessThan(totalNeeded) {
			pendingDebits[key] = totalNeeded
			continue
		}

		blockBefore := uint64(0)
		if t.BlockNumber > 0 {
			blockBefore = t.BlockNumber - 1
		}
		if already, ok := requested[key]; ok && already == blockBefore {
			continue
		}
		requested[key] = blockBefore
		requests = append(requests, FetchRequest{Token: t.Token, Wallet: t.From, TokenID: t.TokenID, BlockNumber: blockBefore})
	}

	if len(requests) > 0 {
		log.Info("erc1155: detected balance inconsistencies, will fetch from RPC", "count", len(requests))
	}
	return requests, nil
}

// ApplyTransfersWithAdjustments folds transfers into stored balances, substituting any
// RPC-fetched value in adjustments as the corrected starting balance for that key before
// folding continues. Runs as a single transaction.
func (s *Storage) ApplyTransfersWithAdjustments(ctx context.Context, transfers []TransferRow, adjustments map[BalanceKey]felt.U256) error {
	if len(transfers) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("erc1155: begin apply tx: %w", err)
	}
	defer tx.Rollback()

	cache := map[BalanceKey]felt.U256{}
	loadStmt, err := tx.PrepareContext(ctx, `SELECT balance FROM erc1155_balances WHERE token = ? AND wallet = ? AND token_id = ?`)
	if err != nil {
		return err
	}
	defer loadStmt.Close()

	load := func(key BalanceKey) error {
		if _, ok := cache[key]; ok {
			return nil
		}
		var balanceText string
		err := loadStmt.QueryRowContext(ctx, key.Token.Hex(), key.Wallet.Hex(), key.TokenID.String()).Scan(&balanceText)
		if err != nil {
			cache[key] = felt.ZeroU256
			return nil
		}
		var bal felt.U256
		if err := bal.UnmarshalText([]byte(balanceText)); err != nil {
			return fmt.Errorf("erc1155: corrupt balance row: %w", err)
		}
		cache[key] = bal
		return nil
	}

	for _, t := range transfers {
		if !t.From.IsZero() {
			if err := load(BalanceKey{Token: t.Token, Wallet: t.From, TokenID: t.TokenID}); err != nil {
				return err
			}
		}
		if !t.To.IsZero() {
			if err := load(BalanceKey{Token: t.Token, Wallet: t.To, TokenID: t.TokenID}); err != nil {
				return err
			}
		}
	}

	for key, actual := range adjustments {
		computed, ok := cache[key]
		if !ok {
			computed = felt.ZeroU256
		}
		if computed.Cmp(actual) != 0 {
			var triggering *TransferRow
			for i := range transfers {
				if transfers[i].Token == key.Token && transfers[i].From == key.Wallet && transfers[i].TokenID.Cmp(key.TokenID) == 0 {
					triggering = &transfers[i]
					break
				}
			}
			if triggering != nil {
				if err := recordAdjustment(ctx, tx, key, computed, actual, triggering.BlockNumber, triggering.TxHash); err != nil {
					return fmt.Errorf("erc1155: record adjustment: %w", err)
				}
			}
		}
		cache[key] = actual
	}

	lastBlock := map[BalanceKey]uint64{}
	for _, t := range transfers {
		if !t.From.IsZero() {
			key := BalanceKey{Token: t.Token, Wallet: t.From, TokenID: t.TokenID}
			cache[key] = cache[key].SaturatingSub(t.Amount)
			lastBlock[key] = t.BlockNumber
		}
		if !t.To.IsZero() {
			key := BalanceKey{Token: t.Token, Wallet: t.To, TokenID: t.TokenID}
			cache[key] = cache[key].Add(t.Amount)
			lastBlock[key] = t.BlockNumber
		}
	}

	for key, balance := range cache {
		if err := upsertBalance(ctx, tx, key, balance, lastBlock[key]); err != nil {
			return fmt.Errorf("erc1155: upsert balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("erc1155: commit apply: %w", err)
	}
	return nil
}

// BalanceFetcher resolves the real on-chain balance for a set of (token, wallet, id)
// triples as of a specific block.
type BalanceFetcher interface {
	FetchBalancesBatch(ctx context.Context, requests []FetchRequest) (map[BalanceKey]felt.U256, error)
}
