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

// Package metadata fetches ERC-20/721/1155 contract metadata (name, symbol, decimals,
// total supply, per-token URI) the first time a sink sees a contract it has no local
// row for, by calling the contract's view functions off the hot decode path.
//
// Grounded on original_source's torii-common/src/metadata.rs: try snake_case selectors
// before camelCase, and decode string returns in three shapes (single short-string
// felt, Cairo ByteArray, legacy [len, felt1, felt2, ...] array).
package metadata

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

var (
	// nameSelector is sn_keccak("name"); ERC-20/721/1155 all expose it under this name.
	nameSelector = felt.MustFromHex("0x361458367e696363fbcc70777d07ebbd2394e89fd0adcaf147faccd1d294d60")
	// symbolSelector is sn_keccak("symbol").
	symbolSelector = felt.MustFromHex("0x216b05c387bab9ac31918a3e61672f4618601f3c598a2f3f2710f37053e1ea4")
	// decimalsSelector is sn_keccak("decimals").
	decimalsSelector = felt.MustFromHex("0x4c4fb1ab068f6039d5780c68dd0fa2f8742cceb3426d19667778ca7f3518a9")
	// totalSupplySelector is sn_keccak("total_supply"); totalSupplyCamelSelector is
	// sn_keccak("totalSupply") — some ERC-721/1155 deployments only expose one of the two.
	totalSupplySelector      = felt.MustFromHex("0x1557182e4359a1f0c6301278e8f5b35a776ab58d39892581e357578fb287836")
	totalSupplyCamelSelector = felt.MustFromHex("0x80aa9fdbfaf9615e4afc7f5f722e265daca5ccc655360fa5ccacf9c267936d")
	// tokenURISelector/tokenURICamelSelector are sn_keccak("token_uri")/sn_keccak("tokenURI").
	tokenURISelector      = felt.MustFromHex("0x226ad7e84c1fe08eb4c525ed93cccadf9517670341304571e66f7c4f95cbe54")
	tokenURICamelSelector = felt.MustFromHex("0x12a7823b0c6bee58f8c694888f32f862c6584caa8afa0242de046d298ba684d")
	// uriSelector is sn_keccak("uri"), ERC-1155's metadata entrypoint.
	uriSelector = felt.MustFromHex("0x2ee3279dd30231650e0b4a1a3516ab3dc26b6d3dfcb6ef20fb4329cfc1213e1")
)

// TokenMetadata is the common metadata shape across all three token standards; fields
// not applicable to a given standard are left nil/zero.
type TokenMetadata struct {
	Name        *string
	Symbol      *string
	Decimals    *uint8
	TotalSupply *felt.U256
}

// Fetcher resolves on-chain metadata through starknet_call, off the hot decode path.
type Fetcher struct {
	provider rpcclient.Provider
	retry    retry.Policy
}

// New builds a Fetcher over provider, retrying transient RPC failures per policy.
func New(provider rpcclient.Provider, policy retry.Policy) *Fetcher {
	return &Fetcher{provider: provider, retry: policy}
}

// FetchERC20Metadata resolves name, symbol and decimals for a fungible token contract.
func (f *Fetcher) FetchERC20Metadata(ctx context.Context, contract felt.Felt) TokenMetadata {
	return TokenMetadata{
		Name:     f.fetchString(ctx, contract, nameSelector),
		Symbol:   f.fetchString(ctx, contract, symbolSelector),
		Decimals: f.fetchDecimals(ctx, contract),
	}
}

// FetchERC721Metadata resolves name, symbol and total supply for an NFT collection.
func (f *Fetcher) FetchERC721Metadata(ctx context.Context, contract felt.Felt) TokenMetadata {
	return TokenMetadata{
		Name:        f.fetchString(ctx, contract, nameSelector),
		Symbol:      f.fetchString(ctx, contract, symbolSelector),
		TotalSupply: f.fetchTotalSupply(ctx, contract),
	}
}

// FetchERC1155Metadata resolves name, symbol and total supply for a multi-token contract.
// Most ERC-1155 deployments omit name/symbol entirely; callers should treat nils here as
// expected, not an error.
func (f *Fetcher) FetchERC1155Metadata(ctx context.Context, contract felt.Felt) TokenMetadata {
	return TokenMetadata{
		Name:        f.fetchString(ctx, contract, nameSelector),
		Symbol:      f.fetchString(ctx, contract, symbolSelector),
		TotalSupply: f.fetchTotalSupply(ctx, contract),
	}
}

// FetchTokenURI resolves token_uri(token_id)/tokenURI(token_id) for an ERC-721 token,
// trying the u256 (low, high) calldata shape before the legacy single-felt shape.
func (f *Fetcher) FetchTokenURI(ctx context.Context, contract felt.Felt, tokenID felt.U256) (string, bool) {
	low, high := tokenID.LowHigh()
	lowFelt, err := bigToFelt(low)
	if err != nil {
		return "", false
	}
	highFelt, err := bigToFelt(high)
	if err != nil {
		return "", false
	}

	for _, sel := range []felt.Felt{tokenURISelector, tokenURICamelSelector} {
		if s, ok := f.callString(ctx, contract, sel, []felt.Felt{lowFelt, highFelt}); ok {
			return s, true
		}
	}
	for _, sel := range []felt.Felt{tokenURISelector, tokenURICamelSelector} {
		if s, ok := f.callString(ctx, contract, sel, []felt.Felt{lowFelt}); ok {
			return s, true
		}
	}
	return "", false
}

// FetchURI resolves uri(token_id) for an ERC-1155 token, the same two calldata shapes
// as FetchTokenURI.
func (f *Fetcher) FetchURI(ctx context.Context, contract felt.Felt, tokenID felt.U256) (string, bool) {
	low, high := tokenID.LowHigh()
	lowFelt, err := bigToFelt(low)
	if err != nil {
		return "", false
	}
	highFelt, err := bigToFelt(high)
	if err != nil {
		return "", false
	}

	if s, ok := f.callString(ctx, contract, uriSelector, []felt.Felt{lowFelt, highFelt}); ok {
		return s, true
	}
	if s, ok := f.callString(ctx, contract, uriSelector, []felt.Felt{lowFelt}); ok {
		return s, true
	}
	return "", false
}

func (f *Fetcher) fetchString(ctx context.Context, contract felt.Felt, selector felt.Felt) *string {
	s, ok := f.callString(ctx, contract, selector, nil)
	if !ok {
		return nil
	}
	return &s
}

func (f *Fetcher) callString(ctx context.Context, contract felt.Felt, selector felt.Felt, calldata []felt.Felt) (string, bool) {
	res, err := retry.Execute(ctx, f.retry, func(ctx context.Context) ([]felt.Felt, error) {
		return f.provider.Call(ctx, rpcclient.FunctionCall{
			ContractAddress:    contract,
			EntryPointSelector: selector,
			Calldata:           calldata,
		}, nil)
	})
	if err != nil {
		log.Debug("metadata: call failed", "contract", contract.Hex(), "selector", selector.Hex(), "error", err)
		return "", false
	}
	s, ok := decodeStringResult(res)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (f *Fetcher) fetchDecimals(ctx context.Context, contract felt.Felt) *uint8 {
	res, err := retry.Execute(ctx, f.retry, func(ctx context.Context) ([]felt.Felt, error) {
		return f.provider.Call(ctx, rpcclient.FunctionCall{
			ContractAddress:    contract,
			EntryPointSelector: decimalsSelector,
			Calldata:           nil,
		}, nil)
	})
	if err != nil || len(res) == 0 {
		log.Debug("metadata: decimals() call failed", "contract", contract.Hex(), "error", err)
		return nil
	}
	v := res[0].Uint64()
	if v > 255 {
		log.Warn("metadata: unexpected decimals value", "contract", contract.Hex(), "value", v)
		return nil
	}
	d := uint8(v)
	return &d
}

func (f *Fetcher) fetchTotalSupply(ctx context.Context, contract felt.Felt) *felt.U256 {
	for _, sel := range []felt.Felt{totalSupplySelector, totalSupplyCamelSelector} {
		res, err := retry.Execute(ctx, f.retry, func(ctx context.Context) ([]felt.Felt, error) {
			return f.provider.Call(ctx, rpcclient.FunctionCall{
				ContractAddress:    contract,
				EntryPointSelector: sel,
				Calldata:           nil,
			}, nil)
		})
		if err != nil || len(res) == 0 {
			continue
		}
		lowBytes := res[0].Bytes32()
		low := new(big.Int).SetBytes(lowBytes[:])
		if len(res) == 1 {
			v := felt.U256FromParts(low, big.NewInt(0))
			return &v
		}
		highBytes := res[1].Bytes32()
		high := new(big.Int).SetBytes(highBytes[:])
		v := felt.U256FromParts(low, high)
		return &v
	}
	return nil
}

// decodeStringResult is the Go port of metadata.rs's decode_string_result: single
// short-string felt, Cairo ByteArray, or a legacy [len, felt1, felt2, ...] segmented
// array, tried in that order with a final short-string fallback on the first felt.
func decodeStringResult(result []felt.Felt) (string, bool) {
	if len(result) == 0 {
		return "", false
	}

	if len(result) == 1 {
		if s := parseShortString(result[0]); s != "" {
			return s, true
		}
		return "", false
	}

	if s, ok := decodeByteArray(result); ok && s != "" {
		return s, true
	}

	if len(result) >= 2 {
		arrayLen := result[0].Uint64()
		if arrayLen > 0 && arrayLen < 100 && uint64(len(result)) >= arrayLen+1 {
			var sb strings.Builder
			for _, seg := range result[1 : 1+arrayLen] {
				sb.WriteString(parseShortString(seg))
			}
			if sb.Len() > 0 {
				return sb.String(), true
			}
		}
	}

	if s := parseShortString(result[0]); s != "" {
		return s, true
	}
	return "", false
}

// parseShortString decodes a Cairo short string: up to 31 ASCII bytes right-aligned
// (big-endian) in a felt, with leading zero bytes stripped.
func parseShortString(f felt.Felt) string {
	b := f.Bytes32()
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return string(b[i:])
}

// decodeByteArray decodes a Cairo ByteArray return: data_len full 31-byte words,
// followed by a right-aligned pending_word of pending_word_len bytes.
func decodeByteArray(result []felt.Felt) (string, bool) {
	if len(result) < 3 {
		return "", false
	}
	n := result[0].Uint64()
	if uint64(len(result)) < n+3 {
		return "", false
	}
	var sb strings.Builder
	for i := uint64(0); i < n; i++ {
		b := result[1+i].Bytes32()
		sb.Write(b[1:])
	}
	pendingLen := result[2+n].Uint64()
	if pendingLen > 31 {
		return "", false
	}
	pb := result[1+n].Bytes32()
	sb.Write(pb[32-pendingLen:])
	return sb.String(), true
}

func bigToFelt(v *big.Int) (felt.Felt, error) {
	return felt.FromHex(fmt.Sprintf("0x%x", v))
}
