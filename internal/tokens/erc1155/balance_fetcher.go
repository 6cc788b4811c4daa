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
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// balanceOfSelector is sn_keccak("balance_of"), the Cairo entrypoint name used by the
// SRC-5 ERC-1155 interface (distinct from ERC-20/721's "balanceOf" camelCase selector).
var balanceOfSelector = felt.MustFromHex("0x35a73cd311a05d46deda634c5ee045db92f811b4e74bca4437fcb5302b7af33")

const maxInflightBalanceCalls = 8

// RPCBalanceFetcher implements BalanceFetcher against a live Provider. Unlike ERC-20,
// the ERC-1155 balance_of entrypoint takes a (account, id) pair, with id passed as its
// (low, high) u256 calldata encoding.
type RPCBalanceFetcher struct {
	provider rpcclient.Provider
	retry    retry.Policy
}

func NewRPCBalanceFetcher(provider rpcclient.Provider, policy retry.Policy) *RPCBalanceFetcher {
	return &RPCBalanceFetcher{provider: provider, retry: policy}
}

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
			low, high := req.TokenID.LowHigh()
			lowFelt, err := felt.FromHex(fmt.Sprintf("0x%x", low))
			if err != nil {
				return fmt.Errorf("erc1155: encode token id low half: %w", err)
			}
			highFelt, err := felt.FromHex(fmt.Sprintf("0x%x", high))
			if err != nil {
				return fmt.Errorf("erc1155: encode token id high half: %w", err)
			}
			res, err := retry.Execute(ctx, f.retry, func(ctx context.Context) ([]felt.Felt, error) {
				return f.provider.Call(ctx, rpcclient.FunctionCall{
					ContractAddress:    req.Token,
					EntryPointSelector: balanceOfSelector,
					Calldata: []felt.Felt{
						req.Wallet,
						lowFelt,
						highFelt,
					},
				}, &block)
			})
			if err != nil {
				return fmt.Errorf("erc1155: balance_of(%s, %s, %s) @ %d: %w", req.Token.Hex(), req.Wallet.Hex(), req.TokenID.String(), req.BlockNumber, err)
			}
			balance, err := decodeBalanceOfResult(res)
			if err != nil {
				return err
			}
			mu.Lock()
			result[BalanceKey{Token: req.Token, Wallet: req.Wallet, TokenID: req.TokenID}] = balance
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

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
		return felt.ZeroU256, fmt.Errorf("erc1155: unexpected balance_of result shape: %d felts", len(res))
	}
}
