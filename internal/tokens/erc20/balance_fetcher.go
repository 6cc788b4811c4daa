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
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// balanceOfSelector is sn_keccak("balanceOf").
var balanceOfSelector = felt.MustFromHex("0x2e4263afad30923c891518314c3c95dbe830a16874e8abc5777a9a20b54c76e")

// maxInflightBalanceCalls bounds how many concurrent starknet_call requests a single
// FetchBalancesBatch issues, since each targets a historical block and so cannot be
// folded into one JSON-RPC batch the way BatchRequest's Call kind works (which carries
// no per-call block override).
const maxInflightBalanceCalls = 8

// RPCBalanceFetcher implements BalanceFetcher against a live Provider, one
// starknet_call per request (balanceOf takes no token-id argument for ERC-20).
type RPCBalanceFetcher struct {
	provider rpcclient.Provider
	retry    retry.Policy
}

// NewRPCBalanceFetcher builds a fetcher over provider.
func NewRPCBalanceFetcher(provider rpcclient.Provider, policy retry.Policy) *RPCBalanceFetcher {
	return &RPCBalanceFetcher{provider: provider, retry: policy}
}

// FetchBalancesBatch resolves each request's balanceOf(wallet) at BlockNumber,
// bounded to maxInflightBalanceCalls concurrent RPC calls. A single request's failure
// (after retries) fails the whole batch, matching the reference sink's "on failure, use
// 0 for all requested adjustments" fallback being the caller's responsibility, not this
// fetcher's.
func (f *RPCBalanceFetcher) FetchBalancesBatch(ctx context.Context, requests []FetchRequest) (map[BalanceKey]felt.U256, error) {
	result := make(map[BalanceKey]felt.U256, len(requests))
	if len(requests) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInflightBalanceCalls)

	for _, req := range requests {
		req := req
		g.Go(func() error {
			block := req.BlockNumber
			res, err := retry.Execute(ctx, f.retry, func(ctx context.Context) ([]felt.Felt, error) {
				return f.provider.Call(ctx, rpcclient.FunctionCall{
					ContractAddress:    req.Token,
					EntryPointSelector: balanceOfSelector,
					Calldata:           []felt.Felt{req.Wallet},
				}, &block)
			})
			if err != nil {
				return fmt.Errorf("erc20: balanceOf(%s, %s) @ %d: %w", req.Token.Hex(), req.Wallet.Hex(), req.BlockNumber, err)
			}
			balance, err := decodeBalanceOfResult(res)
			if err != nil {
				return err
			}
			mu.Lock()
			result[BalanceKey{Token: req.Token, Wallet: req.Wallet}] = balance
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// decodeBalanceOfResult accepts both the Cairo 0 legacy single-felt return and the
// modern (low, high) U256 struct return.
func decodeBalanceOfResult(res []felt.Felt) (felt.U256, error) {
	switch len(res) {
	case 1:
		b := res[0].Bytes32()
		return felt.U256FromParts(new(big.Int).SetBytes(b[:]), big.NewInt(0)), nil
	case 2:
		lowBytes := res[0].Bytes32()
		highBytes := res[1].Bytes32()
		return felt.U256FromParts(new(big.Int).SetBytes(lowBytes[:]), new(big.Int).SetBytes(highBytes[:])), nil
	default:
		return felt.ZeroU256, fmt.Errorf("erc20: unexpected balanceOf result shape: %d felts", len(res))
	}
}
