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

package erc721

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

const (
	transferTopic      = "erc721.transfer"
	approvalTopic      = "erc721.approval"
	approvalForAllTopic = "erc721.approval_for_all"
)

// Sink stores and broadcasts ERC-721 Transfer/Approval/ApprovalForAll events and
// maintains current ownership. Unlike erc20/erc1155 this sink never calls out to the
// chain: the latest Transfer for a token id is authoritative, so there is nothing to
// reconcile.
type Sink struct {
	storage       *Storage
	bus           *sink.EventBus
	liveThreshold uint64
}

func New(storage *Storage) *Sink {
	return &Sink{storage: storage, liveThreshold: sink.DefaultLiveThresholdBlocks}
}

func (s *Sink) Name() string { return "erc721" }

func (s *Sink) InterestedTypes() []envelope.TypeId {
	return []envelope.TypeId{TransferTypeID, ApprovalTypeID, ApprovalForAllTypeID, MetadataUpdateTypeID, BatchMetadataUpdateTypeID}
}

func (s *Sink) Initialize(ctx context.Context, bus *sink.EventBus) error {
	s.bus = bus
	return nil
}

func (s *Sink) Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error {
	var transfers []TransferRow
	var approvals []ApprovalRow
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
		case Transfer:
			transfers = append(transfers, TransferRow{
				Token: body.Token, TokenID: body.TokenID, From: body.From, To: body.To,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: stampOf(body.BlockNumber),
			})
		case Approval:
			approvals = append(approvals, ApprovalRow{
				Token: body.Token, TokenID: body.TokenID, Owner: body.Owner, Approved: body.Approved,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: stampOf(body.BlockNumber),
			})
		case ApprovalForAll:
			operatorApprovals = append(operatorApprovals, OperatorApprovalRow{
				Token: body.Token, Owner: body.Owner, Operator: body.Operator, Approved: body.Approved,
				BlockNumber: body.BlockNumber, TxHash: body.TransactionHash, Timestamp: stampOf(body.BlockNumber),
			})
		case MetadataUpdate, BatchMetadataUpdate:
			// Metadata refresh signals carry no storage of their own; the tokenuri
			// service re-resolves the affected (token, token_id) on its own cadence.
		}
	}

	if len(transfers) > 0 {
		inserted, err := s.storage.InsertTransfersBatch(ctx, transfers)
		if err != nil {
			log.Error("erc721: failed to batch insert transfers", "count", len(transfers), "error", err)
			return err
		}
		if inserted > 0 {
			log.Info("erc721: batch inserted nft transfers", "count", inserted)
		}
	}
	if len(approvals) > 0 {
		if _, err := s.storage.InsertApprovalsBatch(ctx, approvals); err != nil {
			log.Error("erc721: failed to batch insert approvals", "error", err)
			return err
		}
	}
	if len(operatorApprovals) > 0 {
		if _, err := s.storage.InsertOperatorApprovalsBatch(ctx, operatorApprovals); err != nil {
			log.Error("erc721: failed to batch insert operator approvals", "error", err)
			return err
		}
	}

	if s.bus != nil && batch.IsLive(s.liveThreshold) {
		s.broadcast(transfers, approvals, operatorApprovals)
	}

	if total, err := s.storage.TransferCount(ctx); err == nil {
		if tokens, err := s.storage.TokenCount(ctx); err == nil {
			log.Info("erc721: total statistics", "transfers", total, "tokens", tokens)
		}
	}

	return nil
}

func (s *Sink) broadcast(transfers []TransferRow, approvals []ApprovalRow, operatorApprovals []OperatorApprovalRow) {
	for _, t := range transfers {
		payload, err := sink.StructAny(map[string]any{
			"token": t.Token.Hex(), "token_id": t.TokenID.String(),
			"from": t.From.Hex(), "to": t.To.Hex(),
			"block_number": float64(t.BlockNumber), "tx_hash": t.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc721: failed to encode transfer payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(transferTopic, "erc721.transfer", payload, toriipb.UpdateTypeCreated, func(filters map[string]string) bool {
			return matchTokenWallet(filters, t.Token, t.From, t.To)
		})
	}
	for _, a := range approvals {
		payload, err := sink.StructAny(map[string]any{
			"token": a.Token.Hex(), "token_id": a.TokenID.String(),
			"owner": a.Owner.Hex(), "approved": a.Approved.Hex(),
			"block_number": float64(a.BlockNumber), "tx_hash": a.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc721: failed to encode approval payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(approvalTopic, "erc721.approval", payload, toriipb.UpdateTypeCreated, func(filters map[string]string) bool {
			if v, ok := filters["token"]; ok && !hexEqual(v, a.Token) {
				return false
			}
			if v, ok := filters["owner"]; ok && !hexEqual(v, a.Owner) {
				return false
			}
			return true
		})
	}
	for _, oa := range operatorApprovals {
		payload, err := sink.StructAny(map[string]any{
			"token": oa.Token.Hex(), "owner": oa.Owner.Hex(), "operator": oa.Operator.Hex(),
			"approved": oa.Approved, "block_number": float64(oa.BlockNumber), "tx_hash": oa.TxHash.Hex(),
		})
		if err != nil {
			log.Warn("erc721: failed to encode operator approval payload", "error", err)
			continue
		}
		s.bus.PublishProtobuf(approvalForAllTopic, "erc721.approval_for_all", payload, toriipb.UpdateTypeCreated, func(filters map[string]string) bool {
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

func matchTokenWallet(filters map[string]string, token, from, to felt.Felt) bool {
	if v, ok := filters["token"]; ok && !hexEqual(v, token) {
		return false
	}
	if v, ok := filters["from"]; ok && !hexEqual(v, from) {
		return false
	}
	if v, ok := filters["to"]; ok && !hexEqual(v, to) {
		return false
	}
	if v, ok := filters["wallet"]; ok && !hexEqual(v, from) && !hexEqual(v, to) {
		return false
	}
	return true
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
		{Name: transferTopic, AvailableFilters: []string{"token", "from", "to", "wallet"}, Description: "ERC-721 token transfers. Use 'wallet' filter for from OR to matching."},
		{Name: approvalTopic, AvailableFilters: []string{"token", "owner"}, Description: "ERC-721 single-token approval grants."},
		{Name: approvalForAllTopic, AvailableFilters: []string{"token", "owner"}, Description: "ERC-721 operator approval changes."},
	}
}

func (s *Sink) BuildRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/owner/{token}/{token_id}", s.handleGetOwner)
	r.Get("/owned/{token}/{owner}", s.handleOwnedTokens)
	return r
}

func (s *Sink) handleGetOwner(w http.ResponseWriter, r *http.Request) {
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
	owner, found, err := s.storage.GetOwner(r.Context(), token, tokenID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"token": token.Hex(), "token_id": tokenID.String(), "owner": owner.Hex()})
}

func (s *Sink) handleOwnedTokens(w http.ResponseWriter, r *http.Request) {
	token, err := felt.FromHex(chi.URLParam(r, "token"))
	if err != nil {
		http.Error(w, "invalid token address", http.StatusBadRequest)
		return
	}
	owner, err := felt.FromHex(chi.URLParam(r, "owner"))
	if err != nil {
		http.Error(w, "invalid owner address", http.StatusBadRequest)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	ids, err := s.storage.OwnedTokens(r.Context(), token, owner, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	writeJSON(w, map[string]any{"token": token.Hex(), "owner": owner.Hex(), "token_ids": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
