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

package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dojoengine/torii-go/internal/felt"
)

// HTTPProvider is the embedding application's reference Provider implementation: one
// JSON-RPC 2.0 client over net/http against a Starknet full node, speaking the §6
// "Upstream" method list. No JSON-RPC client library for Starknet's dialect appears
// anywhere in the example corpus (see DESIGN.md), so this talks the wire protocol
// directly with encoding/json, the same way the reference implementation's own
// jsonrpc::HttpTransport is a thin wrapper over reqwest.
type HTTPProvider struct {
	url    string
	client *http.Client
}

// NewHTTPProvider builds a Provider against url using client, or http.DefaultClient if
// client is nil.
func NewHTTPProvider(url string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{url: url, client: client}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (p *HTTPProvider) doBatch(ctx context.Context, reqs []rpcRequest) ([]rpcResponse, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpcclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpcclient: unexpected status %d", resp.StatusCode)
	}

	// A single-request batch still decodes through the slice path: starknet full nodes
	// answer a one-element JSON array the same way they answer a bare object for most
	// implementations, but to stay wire-correct with every node we always send (and
	// expect) an array.
	var out []rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rpcclient: decode response: %w", err)
	}
	return out, nil
}

func (p *HTTPProvider) call1(ctx context.Context, method string, params any, out any) error {
	resps, err := p.doBatch(ctx, []rpcRequest{{JSONRPC: "2.0", ID: 1, Method: method, Params: params}})
	if err != nil {
		return err
	}
	if len(resps) != 1 {
		return fmt.Errorf("rpcclient: expected 1 response, got %d", len(resps))
	}
	if resps[0].Error != nil {
		return resps[0].Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resps[0].Result, out)
}

func (p *HTTPProvider) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	if err := p.call1(ctx, "starknet_blockNumber", []any{}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (p *HTTPProvider) GetEvents(ctx context.Context, filter EventFilter) (EventPage, error) {
	params := []any{map[string]any{
		"from_block":         map[string]any{"block_number": filter.FromBlock},
		"to_block":           map[string]any{"block_number": filter.ToBlock},
		"address":            filter.ContractAddress.Hex(),
		"continuation_token": nonEmptyOrNil(filter.ContinuationToken),
		"chunk_size":         filter.ChunkSize,
	}}
	var raw struct {
		Events []struct {
			FromAddress     felt.Felt   `json:"from_address"`
			Keys            []felt.Felt `json:"keys"`
			Data            []felt.Felt `json:"data"`
			BlockHash       *felt.Felt  `json:"block_hash"`
			BlockNumber     *uint64     `json:"block_number"`
			TransactionHash felt.Felt   `json:"transaction_hash"`
		} `json:"events"`
		ContinuationToken string `json:"continuation_token"`
	}
	if err := p.call1(ctx, "starknet_getEvents", params, &raw); err != nil {
		return EventPage{}, err
	}
	page := EventPage{ContinuationToken: raw.ContinuationToken}
	for _, e := range raw.Events {
		page.Events = append(page.Events, EmittedEvent{
			FromAddress:     e.FromAddress,
			Keys:            e.Keys,
			Data:            e.Data,
			BlockHash:       e.BlockHash,
			BlockNumber:     e.BlockNumber,
			TransactionHash: e.TransactionHash,
		})
	}
	return page, nil
}

func (p *HTTPProvider) Call(ctx context.Context, call FunctionCall, blockNumber *uint64) ([]felt.Felt, error) {
	blockID := any("latest")
	if blockNumber != nil {
		blockID = map[string]any{"block_number": *blockNumber}
	}
	params := []any{map[string]any{
		"contract_address":    call.ContractAddress.Hex(),
		"entry_point_selector": call.EntryPointSelector.Hex(),
		"calldata":            call.Calldata,
	}, blockID}
	var result []felt.Felt
	if err := p.call1(ctx, "starknet_call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *HTTPProvider) GetClassHashAt(ctx context.Context, contract felt.Felt) (felt.Felt, error) {
	var hash felt.Felt
	params := []any{"latest", contract.Hex()}
	if err := p.call1(ctx, "starknet_getClassHashAt", params, &hash); err != nil {
		return felt.Felt{}, err
	}
	return hash, nil
}

func (p *HTTPProvider) GetClass(ctx context.Context, classHash felt.Felt) (ContractClass, error) {
	var raw struct {
		ABI []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"abi"`
	}
	params := []any{"latest", classHash.Hex()}
	if err := p.call1(ctx, "starknet_getClass", params, &raw); err != nil {
		return ContractClass{}, err
	}
	class := ContractClass{
		ClassHash: classHash,
		Functions: map[string]struct{}{},
		Events:    map[string]struct{}{},
	}
	for _, entry := range raw.ABI {
		switch entry.Type {
		case "function", "l1_handler", "constructor":
			class.Functions[entry.Name] = struct{}{}
		case "event":
			class.Events[entry.Name] = struct{}{}
		}
	}
	return class, nil
}

func (p *HTTPProvider) GetBlockWithReceipts(ctx context.Context, blockNumber uint64) (BlockWithReceipts, error) {
	var raw struct {
		BlockNumber     uint64    `json:"block_number"`
		BlockHash       felt.Felt `json:"block_hash"`
		ParentHash      felt.Felt `json:"parent_hash"`
		Timestamp       uint64    `json:"timestamp"`
		Transactions    []struct {
			Receipt struct {
				TransactionHash felt.Felt `json:"transaction_hash"`
				Events          []struct {
					FromAddress felt.Felt   `json:"from_address"`
					Keys        []felt.Felt `json:"keys"`
					Data        []felt.Felt `json:"data"`
				} `json:"events"`
			} `json:"receipt"`
			Transaction struct {
				SenderAddress *felt.Felt  `json:"sender_address"`
				Calldata      []felt.Felt `json:"calldata"`
			} `json:"transaction"`
		} `json:"transactions"`
	}
	params := []any{map[string]any{"block_number": blockNumber}}
	if err := p.call1(ctx, "starknet_getBlockWithReceipts", params, &raw); err != nil {
		return BlockWithReceipts{}, err
	}

	block := BlockWithReceipts{
		Number:     raw.BlockNumber,
		Hash:       raw.BlockHash,
		ParentHash: raw.ParentHash,
		Timestamp:  raw.Timestamp,
	}
	for _, tx := range raw.Transactions {
		receipt := TransactionReceipt{
			TransactionHash: tx.Receipt.TransactionHash,
			SenderAddress:   tx.Transaction.SenderAddress,
			Calldata:        tx.Transaction.Calldata,
		}
		for _, e := range tx.Receipt.Events {
			bn := block.Number
			bh := block.Hash
			receipt.Events = append(receipt.Events, EmittedEvent{
				FromAddress:     e.FromAddress,
				Keys:            e.Keys,
				Data:            e.Data,
				BlockHash:       &bh,
				BlockNumber:     &bn,
				TransactionHash: receipt.TransactionHash,
			})
		}
		block.Receipts = append(block.Receipts, receipt)
	}
	return block, nil
}

// BatchRequests executes every request as one JSON-RPC batch HTTP POST, per §6's
// "single HTTP POST carrying an array of JSON-RPC calls" wire contract.
func (p *HTTPProvider) BatchRequests(ctx context.Context, reqs []BatchRequest) ([]BatchResponse, error) {
	rpcReqs := make([]rpcRequest, len(reqs))
	for i, r := range reqs {
		method, params := batchRequestWire(r)
		rpcReqs[i] = rpcRequest{JSONRPC: "2.0", ID: i, Method: method, Params: params}
	}

	rpcResps, err := p.doBatch(ctx, rpcReqs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]rpcResponse, len(rpcResps))
	for _, r := range rpcResps {
		byID[r.ID] = r
	}

	out := make([]BatchResponse, len(reqs))
	for i, r := range reqs {
		resp, ok := byID[i]
		if !ok {
			out[i] = BatchResponse{Kind: r.Kind, Err: fmt.Errorf("rpcclient: missing batch response for slot %d", i)}
			continue
		}
		out[i] = decodeBatchResponse(r, resp)
	}
	return out, nil
}

func batchRequestWire(r BatchRequest) (string, any) {
	switch r.Kind {
	case KindGetBlockWithReceipts:
		return "starknet_getBlockWithReceipts", []any{map[string]any{"block_number": r.GetBlock.BlockNumber}}
	case KindGetEvents:
		f := r.GetEvents
		return "starknet_getEvents", []any{map[string]any{
			"from_block":         map[string]any{"block_number": f.FromBlock},
			"to_block":           map[string]any{"block_number": f.ToBlock},
			"address":            f.ContractAddress.Hex(),
			"continuation_token": nonEmptyOrNil(f.ContinuationToken),
			"chunk_size":         f.ChunkSize,
		}}
	case KindGetClassHashAt:
		return "starknet_getClassHashAt", []any{"latest", r.GetClassHashAt.Hex()}
	case KindGetClass:
		return "starknet_getClass", []any{"latest", r.GetClass.Hex()}
	case KindCall:
		c := r.Call
		return "starknet_call", []any{map[string]any{
			"contract_address":     c.ContractAddress.Hex(),
			"entry_point_selector": c.EntryPointSelector.Hex(),
			"calldata":             c.Calldata,
		}, "latest"}
	default:
		return "", nil
	}
}

func decodeBatchResponse(req BatchRequest, resp rpcResponse) BatchResponse {
	if resp.Error != nil {
		return BatchResponse{Kind: req.Kind, Err: resp.Error}
	}
	switch req.Kind {
	case KindGetClassHashAt:
		var hash felt.Felt
		if err := json.Unmarshal(resp.Result, &hash); err != nil {
			return BatchResponse{Kind: req.Kind, Err: err}
		}
		return BatchResponse{Kind: req.Kind, ClassHash: &hash}
	case KindCall:
		var result []felt.Felt
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return BatchResponse{Kind: req.Kind, Err: err}
		}
		return BatchResponse{Kind: req.Kind, CallResult: result}
	case KindGetClass:
		var raw struct {
			ABI []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"abi"`
		}
		if err := json.Unmarshal(resp.Result, &raw); err != nil {
			return BatchResponse{Kind: req.Kind, Err: err}
		}
		class := ContractClass{
			ClassHash: *req.GetClass,
			Functions: map[string]struct{}{},
			Events:    map[string]struct{}{},
		}
		for _, entry := range raw.ABI {
			switch entry.Type {
			case "function", "l1_handler", "constructor":
				class.Functions[entry.Name] = struct{}{}
			case "event":
				class.Events[entry.Name] = struct{}{}
			}
		}
		return BatchResponse{Kind: req.Kind, Class: &class}
	default:
		// GetBlockWithReceipts/GetEvents batch decoding mirrors the single-call
		// paths above; omitted here since no extractor in this tree issues those
		// kinds through BatchRequests today (both extractors call
		// GetBlockWithReceipts/GetEvents directly — only the registry's identify
		// path uses BatchRequests, and it only needs GetClassHashAt/GetClass/Call).
		return BatchResponse{Kind: req.Kind, Err: fmt.Errorf("rpcclient: unsupported batch kind %d", req.Kind)}
	}
}

func nonEmptyOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
