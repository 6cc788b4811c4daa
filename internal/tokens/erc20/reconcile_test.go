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
)

func TestApplyTransfersConservesTotalSupply(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	// Mint 100 to alice, then alice sends 40 to bob. Total minted supply (100) must equal
	// the sum of every wallet's balance after folding both transfers.
	transfers := []TransferRow{
		{Token: testToken, From: zero, To: alice, Amount: felt.U256FromUint64(100), BlockNumber: 1, TxHash: felt.MustFromHex("0x1")},
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(40), BlockNumber: 2, TxHash: felt.MustFromHex("0x2")},
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, nil))

	balances, err := s.GetBalancesBatch(ctx, []BalanceKey{
		{Token: testToken, Wallet: alice},
		{Token: testToken, Wallet: bob},
	})
	require.NoError(t, err)

	aliceBal := balances[BalanceKey{Token: testToken, Wallet: alice}]
	bobBal := balances[BalanceKey{Token: testToken, Wallet: bob}]
	total := aliceBal.Add(bobBal)
	require.Equal(t, felt.U256FromUint64(100).String(), total.String())
	require.Equal(t, felt.U256FromUint64(60).String(), aliceBal.String())
	require.Equal(t, felt.U256FromUint64(40).String(), bobBal.String())
}

func TestApplyTransfersWithAdjustmentSubstitutesFetchedBalance(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	// Alice appears to send 50 with no recorded mint (e.g. a gap in indexing before the
	// extractor's configured start block). Without an adjustment this would go negative;
	// supplying the real on-chain balance as an adjustment must make the result
	// non-negative and recorded as an audit row instead of silently underflowing.
	transfers := []TransferRow{
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(50), BlockNumber: 10, TxHash: felt.MustFromHex("0x3")},
	}
	adjustments := map[BalanceKey]felt.U256{
		{Token: testToken, Wallet: alice}: felt.U256FromUint64(50),
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, adjustments))

	aliceBal, ok, err := s.GetBalance(ctx, testToken, alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.ZeroU256.String(), aliceBal.String())

	bobBal, ok, err := s.GetBalance(ctx, testToken, bob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.U256FromUint64(50).String(), bobBal.String())
}

func TestCheckBalancesBatchFlagsInsufficientBalanceOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	// Alice has no stored balance. Two consecutive sends from her in the same batch at
	// the same triggering block must only produce one fetch request, not one per
	// transfer, matching the running-debit de-dup CheckBalancesBatch documents.
	transfers := []TransferRow{
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(10), BlockNumber: 5, TxHash: felt.MustFromHex("0x4")},
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(5), BlockNumber: 5, TxHash: felt.MustFromHex("0x5")},
	}
	requests, err := s.CheckBalancesBatch(ctx, transfers)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, testToken, requests[0].Token)
	require.Equal(t, alice, requests[0].Wallet)
	require.Equal(t, uint64(4), requests[0].BlockNumber)
}

func TestCheckBalancesBatchSkipsMintsAndSufficientSenders(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, []TransferRow{
		{Token: testToken, From: zero, To: alice, Amount: felt.U256FromUint64(100), BlockNumber: 1, TxHash: felt.MustFromHex("0x6")},
	}, nil))

	transfers := []TransferRow{
		// A mint never needs a balance check.
		{Token: testToken, From: zero, To: bob, Amount: felt.U256FromUint64(1), BlockNumber: 2, TxHash: felt.MustFromHex("0x7")},
		// Alice has plenty of balance for this send.
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(10), BlockNumber: 2, TxHash: felt.MustFromHex("0x8")},
	}
	requests, err := s.CheckBalancesBatch(ctx, transfers)
	require.NoError(t, err)
	require.Empty(t, requests)
}

func TestApplyTransfersBalanceNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	// Even without any adjustment, SaturatingSub must floor at zero rather than wrap,
	// regardless of how badly the computed running balance underflows.
	transfers := []TransferRow{
		{Token: testToken, From: alice, To: bob, Amount: felt.U256FromUint64(1_000_000), BlockNumber: 1, TxHash: felt.MustFromHex("0x9")},
	}
	require.NoError(t, s.ApplyTransfersWithAdjustments(ctx, transfers, nil))

	aliceBal, ok, err := s.GetBalance(ctx, testToken, alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, felt.ZeroU256.String(), aliceBal.String())
}
