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

func TestInsertTransfersEstablishesOwnership(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	n, err := s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, BlockNumber: 1, TxHash: felt.MustFromHex("0x10")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	owner, ok, err := s.GetOwner(ctx, testToken, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice, owner)
}

func TestTransferReassignsOwnershipToSingleOwner(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	_, err := s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, BlockNumber: 1, TxHash: felt.MustFromHex("0x11")},
	})
	require.NoError(t, err)

	_, err = s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, BlockNumber: 2, TxHash: felt.MustFromHex("0x12")},
	})
	require.NoError(t, err)

	// A given (token, token_id) must resolve to exactly one current owner, and it must
	// be the most recent transfer's recipient, not the original minter.
	owner, ok, err := s.GetOwner(ctx, testToken, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bob, owner)

	aliceTokens, err := s.OwnedTokens(ctx, testToken, alice, 10)
	require.NoError(t, err)
	require.Empty(t, aliceTokens)

	bobTokens, err := s.OwnedTokens(ctx, testToken, bob, 10)
	require.NoError(t, err)
	require.Len(t, bobTokens, 1)
	require.Equal(t, tokenID1.String(), bobTokens[0].String())
}

func TestOutOfOrderReplayNeverRegressesOwnership(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	_, err := s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: alice, To: bob, BlockNumber: 5, TxHash: felt.MustFromHex("0x13")},
	})
	require.NoError(t, err)

	// Replaying an older transfer (e.g. a restart re-processing an already-applied
	// range) must not overwrite ownership established by a later block: the ownership
	// upsert is conditioned on block_number never going backwards.
	_, err = s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, BlockNumber: 1, TxHash: felt.MustFromHex("0x14")},
	})
	require.NoError(t, err)

	owner, ok, err := s.GetOwner(ctx, testToken, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bob, owner)
}

func TestBurnClearsRecipientButKeepsLastOwnerRow(t *testing.T) {
	ctx := context.Background()
	s := openTestStorage(t)

	_, err := s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: zero, To: alice, BlockNumber: 1, TxHash: felt.MustFromHex("0x15")},
	})
	require.NoError(t, err)

	// A burn (To == zero) records the transfer but must not create a zero-address
	// ownership row, matching the "skipped for burns" contract InsertTransfersBatch
	// documents.
	n, err := s.InsertTransfersBatch(ctx, []TransferRow{
		{Token: testToken, TokenID: tokenID1, From: alice, To: zero, BlockNumber: 2, TxHash: felt.MustFromHex("0x16")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	owner, ok, err := s.GetOwner(ctx, testToken, tokenID1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice, owner)
}
