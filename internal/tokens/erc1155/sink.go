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
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

const (
	transferTopic       = "erc1155.transfer"
	approvalForAllTopic = "erc1155.approval_for_all"
)

// Sink is the direct port of torii-erc1155's sink: it stores TransferSingle/
// TransferBatch/ApprovalForAll events and reconciles per-(token, wallet, token_id)
// balances with the same check -> fetch -> apply algorithm documented in reconcile.go.
type Sink struct {
	storage       *Storage
	fetcher       BalanceFetcher
	bus           *sink.EventBus
	liveThreshold uint64
}

func New(storage *Storage, fetcher BalanceFetcher) *Sink {
	return &Sink{storage: storage, fetcher: fetcher, liveThreshold: sink.DefaultLiveThresholdBlocks}
}

func (s *Sink) Name() string { return "erc1155" }

func (s *Sink) InterestedTypes() []envelope.TypeId {
	return []envelope.TypeId{TransferSingleTypeID, TransferBatchTypeID, ApprovalForAllTypeID}
}

func (s *Sink) Initialize(ctx context.Context, bus *sink.EventBus) error {
	s.bus = bus
	return nil
}

func (s *Sink) Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	var transfers []TransferRow
	var operatorApprovals []OperatorApprovalRow

	stampOf := func(blockNumber uint64) *int64 {
		if bc, ok := batch.Blocks[blockNumber]; ok {
			t := int64(bc.Timestamp)
			return &t
		}
		return nil
	}

	for _, env := range envelopes {
		switch body := env.Body.(type) {
		case TransferSingle:
			transfers = append(transfers, TransferRow{
				Token: body.Token, TokenID: body.ID, From: body.From, To: body.To, Amount: body.Value,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: stampOf(body.BlockNumber),
			})
		case TransferBatch:
			transfers = append(transfers, TransferRow{
				Token: body.Token, TokenID: body.ID, From: body.From, To: body.To, Amount: body.Value,
				BatchIndex: body.BatchIndex, BlockNumber: body.BlockNumber, TxHash: body.TransactionHash,
				Timestamp: stampOf(body.BlockNumber),
			})
		case OperatorApproval:
			operatorApprovals = append(operatorApprovals, OperatorApprovalRow{
				Token: body.Token, Owner: body.Owner, Operator: body.Operator, Approved: body.Approved,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: stampOf(body.BlockNumber),
			})
		}
	}

	if len(transfers) > 0 {
		inserted, err := s.storage.InsertTransfersBatch(ctx, transfers)
		if err != nil {
			log.Error("erc1155: failed to batch insert transfers", "count", len(transfers), "error", err)
			return err
		}
		if inserted > 0 {
			log.Info("erc1155: batch inserted token transfers", "count", inserted)
			if err := s.reconcileBalances(ctx, transfers); err != nil {
				log.Error("erc1155: failed to apply balance updates", "error", err)
			}
		}
	}

	if len(operatorApprovals) > 0 {
		if _, err := s.storage.InsertOperatorApprovalsBatch(ctx, operatorApprovals); err != nil {
			log.Error("erc1155: failed to batch insert operator approvals", "error", err)
			return err
		}
	}

	if s.bus != nil && batch.IsLive(s.liveThreshold) {
		s.broadcast(transfers, operatorApprovals)
	}

	if total, err := s.storage.TransferCount(ctx); err == nil {
		if tokens, err := s.storage.TokenCount(ctx); err == nil {
			log.Info("erc1155: total statistics", "transfers", total, "tokens", tokens)
		}
	}

	return nil
}

// reconcileBalances mirrors torii-erc1155/src/sink.rs's call sequence: probe for
// inconsistent senders, fetch their real balance from the chain (falling back to zero
// adjustments on fetch failure), then apply every transfer with those substituted in.
// Transfers are already committed by the time this runs, so a reconciliation failure is
// logged, never returned.
func (s *Sink) reconcileBalances(ctx context.Context, transfers []TransferRow) error {
	if s.fetcher == nil {
		return nil
	}

	requests, err := s.storage.CheckBalancesBatch(ctx, transfers)
	if err != nil {
		log.Warn("erc1155: failed to check balance inconsistencies, skipping balance tracking", "error", err)
		return nil
	}

	adjustments := map[BalanceKey]felt.U256{}
	if len(requests) > 0 {
		log.Info("erc1155: fetching balance adjustments from RPC", "count", len(requests))
		fetched, err := s.fetcher.FetchBalancesBatch(ctx, requests)
		if err != nil {
			log.Warn("erc1155: failed to fetch balances from RPC, using 0 for adjustments", "error", err)
			for _, r := range requests {
				adjustments[BalanceKey{Token: r.Token, Wallet: r.Wallet, TokenID: r.TokenID}] = felt.ZeroU256
			}
		} else {
			for k, v := range fetched {
				adjustments[k] = v
			}
		}
	}

	return s.storage.ApplyTransfersWithAdjustments(ctx, transfers, adjustments)
}

func (s *Sink) broadcast(transfers []TransferRow, operatorApprovals []OperatorApprovalRow) {
	for _, t := range transfers {
		payload, err := sink.StructAny(map[string]any{
			"token": t.Token.Hex(), "token_id": t.TokenID.String(),
			"from": t.From.Hex(), "to": t.To.Hex(), "amount": t.Amount.String(),
			"batch_index": float64(t.BatchIndex),
			"block_number": float64(t.BlockNumber), "tx_hash": t.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc1155: failed to encode transfer payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(transferTopic, "erc1155.transfer", payload, toriipb.UpdateTypeCreated, transferFilter(t))
	}
	for _, oa := range operatorApprovals {
		payload, err := sink.StructAny(map[string]any{
			"token": oa.Token.Hex(), "owner": oa.Owner.Hex(), "operator": oa.Operator.Hex(),
			"approved": oa.Approved, "block_number": float64(oa.BlockNumber), "tx_hash": oa.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc1155: failed to encode operator approval payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(approvalForAllTopic, "erc1155.approval_for_all", payload, toriipb.UpdateTypeCreated, func(filters map[string]string) bool {
			if v, ok := filters["token"]; ok && !hexEqual(v, oa.Token) {
				return false
			}
			if v, ok := filters["owner"]; ok && !hexEqual(v, oa.Owner) {
				return false
			}
			return true
		})
	}
}

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

func hexEqual(filterValue string, f felt.Felt) bool {
	parsed, err := felt.FromHex(filterValue)
	if err != nil {
		return false
	}
	return parsed.Cmp(f) == 0
}

func (s *Sink) Topics() []sink.TopicInfo {
	return []sink.TopicInfo{
		{Name: transferTopic, AvailableFilters: []string{"token", "from", "to", "wallet"}, Description: "ERC-1155 single and batch transfers, denormalized to one message per (id, amount) pair."},
		{Name: approvalForAllTopic, AvailableFilters: []string{"token", "owner"}, Description: "ERC-1155 operator approval changes."},
	}
}

func (s *Sink) BuildRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/balance/{token}/{wallet}/{token_id}", s.handleGetBalance)
	r.Get("/uri/{token}/{token_id}", s.handleGetURI)
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
	var tokenID felt.U256
	if err := tokenID.UnmarshalText([]byte(chi.URLParam(r, "token_id"))); err != nil {
		http.Error(w, "invalid token_id", http.StatusBadRequest)
		return
	}
	balance, found, err := s.storage.GetBalance(r.Context(), token, wallet, tokenID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		balance = felt.ZeroU256
	}
	writeJSON(w, map[string]any{"token": token.Hex(), "wallet": wallet.Hex(), "token_id": tokenID.String(), "balance": balance.String()})
}

func (s *Sink) handleGetURI(w http.ResponseWriter, r *http.Request) {
	token, err := felt.FromHex(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "invalid token address", http.StatusBadRequest)
		return
	}
	var tokenID felt.U256
	if err := tokenID.UnmarshalText([]byte(chi.URLParam(r, "token_id"))); err != nil {
		http.Error(w, "invalid token_id", http.StatusBadRequest)
		return
	}
	uri, found, err := s.storage.GetURI(r.Context(), token, tokenID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"token": token.Hex(), "token_id": tokenID.String(), "uri": uri})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
