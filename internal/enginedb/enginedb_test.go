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

package enginedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHeadStartsAtZeroAndAdvances(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	block, events, err := db.GetHead(ctx)
	require.NoError(t, err)
	require.Zero(t, block)
	require.Zero(t, events)

	require.NoError(t, db.UpdateHead(ctx, 100, 5))
	block, events, err = db.GetHead(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), block)
	require.Equal(t, uint64(5), events)

	require.NoError(t, db.UpdateHead(ctx, 150, 3))
	block, events, err = db.GetHead(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(150), block)
	require.Equal(t, uint64(8), events)
}

func TestExtractorStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, ok, err := db.GetExtractorState(ctx, "block_range", "default")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetExtractorState(ctx, "block_range", "default", "cursor-1"))
	val, ok, err := db.GetExtractorState(ctx, "block_range", "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cursor-1", val)

	require.NoError(t, db.SetExtractorState(ctx, "block_range", "default", "cursor-2"))
	val, ok, err = db.GetExtractorState(ctx, "block_range", "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cursor-2", val)

	require.NoError(t, db.DeleteExtractorState(ctx, "block_range", "default"))
	_, ok, err = db.GetExtractorState(ctx, "block_range", "default")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBlockTimestampsReadThrough(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertBlockTimestamps(ctx, map[uint64]uint64{1: 1000, 2: 2000, 3: 3000}))

	m, err := db.GetBlockTimestamps(ctx, []uint64{1, 2, 5})
	require.NoError(t, err)
	require.Equal(t, map[uint64]uint64{1: 1000, 2: 2000}, m)

	ts, ok, err := db.GetBlockTimestamp(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3000), ts)

	_, ok, err = db.GetBlockTimestamp(ctx, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestContractDecodersDistinguishesUninspectedFromEmpty(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	contract := felt.MustFromHex("0x1234")

	_, ok, err := db.GetContractDecoders(ctx, contract)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.SetContractDecoders(ctx, contract, nil))
	ids, ok, err := db.GetContractDecoders(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, ids)

	require.NoError(t, db.SetContractDecoders(ctx, contract, []envelope.DecoderId{3, 1, 2}))
	ids, ok, err = db.GetContractDecoders(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []envelope.DecoderId{1, 2, 3}, ids)
}

func TestGetAllContractDecodersLoadsEverything(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	a := felt.MustFromHex("0x1")
	b := felt.MustFromHex("0x2")
	require.NoError(t, db.SetContractDecoders(ctx, a, []envelope.DecoderId{1}))
	require.NoError(t, db.SetContractDecoders(ctx, b, []envelope.DecoderId{2, 3}))

	all, err := db.GetAllContractDecoders(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, []envelope.DecoderId{1}, all[a])
	require.Equal(t, []envelope.DecoderId{2, 3}, all[b])
}
