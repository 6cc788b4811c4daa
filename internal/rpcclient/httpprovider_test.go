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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/felt"
)

func jsonServer(t *testing.T, handle func(reqs []rpcRequest) []rpcResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handle(reqs)))
	}))
}

func TestHTTPProviderBlockNumber(t *testing.T) {
	srv := jsonServer(t, func(reqs []rpcRequest) []rpcResponse {
		require.Len(t, reqs, 1)
		require.Equal(t, "starknet_blockNumber", reqs[0].Method)
		return []rpcResponse{{ID: reqs[0].ID, Result: json.RawMessage(`12345`)}}
	})
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, nil)
	n, err := p.BlockNumber(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(12345), n)
}

func TestHTTPProviderCall(t *testing.T) {
	expected := []felt.Felt{felt.FromUint64(1), felt.FromUint64(2)}
	srv := jsonServer(t, func(reqs []rpcRequest) []rpcResponse {
		require.Equal(t, "starknet_call", reqs[0].Method)
		raw, err := json.Marshal(expected)
		require.NoError(t, err)
		return []rpcResponse{{ID: reqs[0].ID, Result: raw}}
	})
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, nil)
	result, err := p.Call(context.Background(), FunctionCall{
		ContractAddress:    felt.MustFromHex("0x1"),
		EntryPointSelector: felt.MustFromHex("0x2"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, result, 2)
	require.Equal(t, expected[0].Hex(), result[0].Hex())
}

func TestHTTPProviderRPCError(t *testing.T) {
	srv := jsonServer(t, func(reqs []rpcRequest) []rpcResponse {
		return []rpcResponse{{ID: reqs[0].ID, Error: &rpcError{Code: 20, Message: "contract not found"}}}
	})
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, nil)
	_, err := p.GetClassHashAt(context.Background(), felt.MustFromHex("0x1"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "contract not found")
}

func TestHTTPProviderBatchRequestsPreservesOrder(t *testing.T) {
	srv := jsonServer(t, func(reqs []rpcRequest) []rpcResponse {
		require.Len(t, reqs, 2)
		out := make([]rpcResponse, len(reqs))
		for i, r := range reqs {
			switch r.Method {
			case "starknet_getClassHashAt":
				raw, _ := json.Marshal(felt.MustFromHex("0xabc"))
				out[i] = rpcResponse{ID: r.ID, Result: raw}
			case "starknet_call":
				raw, _ := json.Marshal([]felt.Felt{felt.FromUint64(7)})
				out[i] = rpcResponse{ID: r.ID, Result: raw}
			}
		}
		return out
	})
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, nil)
	contract := felt.MustFromHex("0x1")
	resps, err := p.BatchRequests(context.Background(), []BatchRequest{
		{Kind: KindGetClassHashAt, GetClassHashAt: &contract},
		{Kind: KindCall, Call: &FunctionCall{ContractAddress: contract, EntryPointSelector: felt.MustFromHex("0x2")}},
	})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	require.Equal(t, KindGetClassHashAt, resps[0].Kind)
	require.NotNil(t, resps[0].ClassHash)
	require.Equal(t, "0xabc", resps[0].ClassHash.Hex())
	require.Equal(t, KindCall, resps[1].Kind)
	require.Len(t, resps[1].CallResult, 1)
}

func TestHTTPProviderBatchRequestsDecodesGetClass(t *testing.T) {
	classHash := felt.MustFromHex("0xdead")
	srv := jsonServer(t, func(reqs []rpcRequest) []rpcResponse {
		require.Len(t, reqs, 1)
		require.Equal(t, "starknet_getClass", reqs[0].Method)
		raw, _ := json.Marshal(map[string]any{
			"abi": []map[string]string{
				{"type": "function", "name": "balance_of"},
				{"type": "event", "name": "Transfer"},
			},
		})
		return []rpcResponse{{ID: reqs[0].ID, Result: raw}}
	})
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, nil)
	resps, err := p.BatchRequests(context.Background(), []BatchRequest{
		{Kind: KindGetClass, GetClass: &classHash},
	})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Class)
	require.Equal(t, classHash.Hex(), resps[0].Class.ClassHash.Hex())
	_, hasFn := resps[0].Class.Functions["balance_of"]
	require.True(t, hasFn)
	_, hasEv := resps[0].Class.Events["Transfer"]
	require.True(t, hasEv)
}
