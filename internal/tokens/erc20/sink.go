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

package erc20

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

const transferTopic = "erc20.transfer"
const approvalTopic = "erc20.approval"

// Sink stores and broadcasts ERC-20 Transfer/Approval events, maintaining per-wallet
// balances with fetch-on-negative-inventory reconciliation. Grounded on
// torii-erc1155's sink.rs call structure (check -> fetch -> apply), generalized to the
// ERC-20 (token, wallet) balance key.
type Sink struct {
	storage  *Storage
	fetcher  BalanceFetcher
	bus      *sink.EventBus
	liveThreshold uint64
}

// New builds a Sink. fetcher may be nil to disable balance reconciliation entirely
// (transfers/approvals are still stored; the erc20_balances table simply stays empty).
func New(storage *Storage, fetcher BalanceFetcher) *Sink {
	return &Sink{storage: storage, fetcher: fetcher, liveThreshold: sink.DefaultLiveThresholdBlocks}
}

func (s *Sink) Name() string { return "erc20" }

func (s *Sink) InterestedTypes() []envelope.TypeId {
	return []envelope.TypeId{TransferTypeID, ApprovalTypeID}
}

func (s *Sink) Initialize(ctx context.Context, bus *sink.EventBus) error {
	s.bus = bus
	return nil
}

func (s *Sink) Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	var transfers []TransferRow
	var approvals []ApprovalRow

	for _, env := range envelopes {
		switch body := env.Body.(type) {
		case Transfer:
			var ts *int64
			if bc, ok := batch.Blocks[body.BlockNumber]; ok {
				t := int64(bc.Timestamp)
				ts = &t
			}
			transfers = append(transfers, TransferRow{
				Token: body.Token, From: body.From, To: body.To, Amount: body.Amount,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: ts,
			})
		case Approval:
			var ts *int64
			if bc, ok := batch.Blocks[body.BlockNumber]; ok {
				t := int64(bc.Timestamp)
				ts = &t
			}
			approvals = append(approvals, ApprovalRow{
				Token: body.Token, Owner: body.Owner, Spender: body.Spender, Amount: body.Amount,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: ts,
			})
		}
	}

	if len(transfers) > 0 {
		inserted, err := s.storage.InsertTransfersBatch(ctx, transfers)
		if err != nil {
			log.Error("erc20: failed to batch insert transfers", "count", len(transfers), "error", err)
			return err
		}
		if inserted > 0 {
			log.Info("erc20: batch inserted token transfers", "count", inserted)
			if err := s.reconcileBalances(ctx, transfers); err != nil {
				// Transfers are already committed; a reconciliation failure must not
				// fail the whole batch, matching the reference sink.
				log.Error("erc20: failed to apply balance updates", "error", err)
			}
		}
	}

	if len(approvals) > 0 {
		inserted, err := s.storage.InsertApprovalsBatch(ctx, approvals)
		if err != nil {
			log.Error("erc20: failed to batch insert approvals", "count", len(approvals), "error", err)
			return err
		}
		if inserted > 0 {
			log.Info("erc20: batch inserted approvals", "count", inserted)
		}
	}

	if s.bus != nil && batch.IsLive(s.liveThreshold) {
		s.broadcast(transfers, approvals)
	}

	if total, err := s.storage.TransferCount(ctx); err == nil {
		if tokens, err := s.storage.TokenCount(ctx); err == nil {
			log.Info("erc20: total statistics", "transfers", total, "tokens", tokens)
		}
	}

	return nil
}

// reconcileBalances runs the three-step fetch-on-negative-inventory algorithm: probe
// for senders that would go negative, fetch their real balance from the chain, then
// apply every transfer with those fetched values substituted in as the starting point.
func (s *Sink) reconcileBalances(ctx context.Context, transfers []TransferRow) error {
	if s.fetcher == nil {
		return nil
	}

	requests, err := s.storage.CheckBalancesBatch(ctx, transfers)
	if err != nil {
		log.Warn("erc20: failed to check balance inconsistencies, skipping balance tracking", "error", err)
		return nil
	}

	adjustments := map[BalanceKey]felt.U256{}
	if len(requests) > 0 {
		log.Info("erc20: fetching balance adjustments from RPC", "count", len(requests))
		fetched, err := s.fetcher.FetchBalancesBatch(ctx, requests)
		if err != nil {
			log.Warn("erc20: failed to fetch balances from RPC, using 0 for adjustments", "error", err)
			for _, r := range requests {
				adjustments[BalanceKey{Token: r.Token, Wallet: r.Wallet}] = felt.ZeroU256
			}
		} else {
			for k, v := range fetched {
				adjustments[k] = v
			}
		}
	}

	return s.storage.ApplyTransfersWithAdjustments(ctx, transfers, adjustments)
}

func (s *Sink) broadcast(transfers []TransferRow, approvals []ApprovalRow) {
	for _, t := range transfers {
		payload, err := sink.StructAny(map[string]any{
			"token":        t.Token.Hex(),
			"from":         t.From.Hex(),
			"to":           t.To.Hex(),
			"amount":       t.Amount.String(),
			"block_number": float64(t.BlockNumber),
			"tx_hash":      t.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc20: failed to encode transfer payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(transferTopic, "erc20.transfer", payload, toriipb.UpdateTypeCreated, transferFilter(t))
	}
	for _, a := range approvals {
		payload, err := sink.StructAny(map[string]any{
			"token":        a.Token.Hex(),
			"owner":        a.Owner.Hex(),
			"spender":      a.Spender.Hex(),
			"amount":       a.Amount.String(),
			"block_number": float64(a.BlockNumber),
			"tx_hash":      a.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc20: failed to encode approval payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(approvalTopic, "erc20.approval", payload, toriipb.UpdateTypeCreated, approvalFilter(a))
	}
}

// transferFilter matches a subscriber's "token"/"from"/"to"/"wallet" filters, where
// "wallet" matches either side of the transfer (OR semantics).
func transferFilter(t TransferRow) sink.FilterFunc {
	return func(filters map[string]string) bool {
		if v, ok := filters["token"]; ok && !hexEqual(v, t.Token) {
			return false
		}
		if v, ok := filters["from"]; ok && !hexEqual(v, t.From) {
			return false
		}
		if v, ok := filters["to"]; ok && !hexEqual(v, t.To) {
			return false
		}
		if v, ok := filters["wallet"]; ok && !hexEqual(v, t.From) && !hexEqual(v, t.To) {
			return false
		}
		return true
	}
}

func approvalFilter(a ApprovalRow) sink.FilterFunc {
	return func(filters map[string]string) bool {
		if v, ok := filters["token"]; ok && !hexEqual(v, a.Token) {
			return false
		}
		if v, ok := filters["owner"]; ok && !hexEqual(v, a.Owner) {
			return false
		}
		if v, ok := filters["spender"]; ok && !hexEqual(v, a.Spender) {
			return false
		}
		return true
	}
}

func hexEqual(filterValue string, f felt.Felt) bool {
	parsed, err := felt.FromHex(filterValue)
	if err != nil {
		return false
	}
	return parsed.Cmp(f) == 0
}

func (s *Sink) Topics() []sink.TopicInfo {
	return []sink.TopicInfo{
		{
			Name:             transferTopic,
			AvailableFilters: []string{"token", "from", "to", "wallet"},
			Description:      "ERC-20 token transfers. Use 'wallet' filter for from OR to matching.",
		},
		{
			Name:             approvalTopic,
			AvailableFilters: []string{"token", "owner", "spender"},
			Description:      "ERC-20 approval grants.",
		},
	}
}

func (s *Sink) BuildRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/balance/{token}/{wallet}", s.handleGetBalance)
	r.Get("/transfers/{wallet}", s.handleListTransfers)
	return r
}

func (s *Sink) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	token, err := felt.FromHex(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "invalid token address", http.StatusBadRequest)
		return
	}
	wallet, err := felt.FromHex(chi.URLParam(r, "wallet"))
	if err != nil {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	balance, found, err := s.storage.GetBalance(r.Context(), token, wallet)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		balance = felt.ZeroU256
	}
	writeJSON(w, map[string]any{
		"token":   token.Hex(),
		"wallet":  wallet.Hex(),
		"balance": balance.String(),
	})
}

func (s *Sink) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	wallet, err := felt.FromHex(chi.URLParam(r, "wallet"))
	if err != nil {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	beforeBlock := uint64(1<<63 - 1)
	beforeID := int64(1<<63 - 1)
	if v := r.URL.Query().Get("before_block"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			beforeBlock = n
		}
	}
	if v := r.URL.Query().Get("before_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			beforeID = n
		}
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	rows, err := s.storage.WalletTransfers(r.Context(), wallet, beforeBlock, beforeID, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"token":        row.Token.Hex(),
			"from":         row.From.Hex(),
			"to":           row.To.Hex(),
			"amount":       row.Amount.String(),
			"block_number": row.BlockNumber,
			"tx_hash":      row.TxHash.Hex(),
		})
	}
	writeJSON(w, map[string]any{"transfers": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
