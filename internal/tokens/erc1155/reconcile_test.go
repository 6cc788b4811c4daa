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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/felt"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := OpenStorage(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	testToken = felt.MustFromHex("0x1")
	alice     = felt.MustFromHex("0xa11ce")
	bob       = felt.MustFromHex("0xb0b")
	zero      = felt.Felt{}
	tokenID1  = felt.U256FromUint64(1)
)

func TestApplyTransfersConservesTotalSupplyPerTokenID(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	transfers := []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, Amount: felt.U256FromUint64(10), BlockNumber: 1, TxHash: felt.MustFromHex("0x1")},
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, Amount: felt.U256FromUint64(3), BlockNumber: 2, TxHash: felt.MustFromHex("0x2")},
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, nil))

	balances, err := s.GetBalancesBatch(ctx, []BalanceKey{
		{Token: testToken, Wallet: alice, TokenID: tokenID1},
		{Token: testToken, Wallet: bob, TokenID: tokenID1},
	})
	require.NoError(t, err)

	aliceBal := balances[BalanceKey{Token: testToken, Wallet: alice, TokenID: tokenID1}]
	bobBal := balances[BalanceKey{Token: testToken, Wallet: bob, TokenID: tokenID1}]
	total := aliceBal.Add(bobBal)
	require.Equal(t, felt.U256FromUint64(10).String(), total.String())
	require.Equal(t, felt.U256FromUint64(7).String(), aliceBal.String())
	require.Equal(t, felt.U256FromUint64(3).String(), bobBal.String())
}

func TestApplyTransfersDistinctTokenIDsDoNotShareBalance(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	tokenID2 := felt.U256FromUint64(2)
	transfers := []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, Amount: felt.U256FromUint64(5), BlockNumber: 1, TxHash: felt.MustFromHex("0x3")},
		{Token: testToken, TokenID: tokenID2, From: zero, To: alice, Amount: felt.U256FromUint64(9), BlockNumber: 1, TxHash: felt.MustFromHex("0x4")},
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, nil))

	bal1, ok, err := s.GetBalance(ctx, testToken, alice, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.U256FromUint64(5).String(), bal1.String())

	bal2, ok, err := s.GetBalance(ctx, testToken, alice, tokenID2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.U256FromUint64(9).String(), bal2.String())
}

func TestCheckBalancesBatchFlagsInsufficientBalanceOncePerKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	transfers := []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, Amount: felt.U256FromUint64(10), BlockNumber: 5, TxHash: felt.MustFromHex("0x5")},
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, Amount: felt.U256FromUint64(5), BlockNumber: 5, TxHash: felt.MustFromHex("0x6")},
	}
	requests, err := s.CheckBalancesBatch(ctx, transfers)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, alice, requests[0].Wallet)
	require.Equal(t, tokenID1.String(), requests[0].TokenID.String())
	require.Equal(t, uint64(4), requests[0].BlockNumber)
}

func TestApplyTransfersWithAdjustmentRecordsNonNegativeBalance(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	transfers := []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, Amount: felt.U256FromUint64(50), BlockNumber: 10, TxHash: felt.MustFromHex("0x7")},
	}
	adjustments := map[BalanceKey]felt.U256{
		{Token: testToken, Wallet: alice, TokenID: tokenID1}: felt.U256FromUint64(50),
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, adjustments))

	aliceBal, ok, err := s.GetBalance(ctx, testToken, alice, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.ZeroU256.String(), aliceBal.String())
}
