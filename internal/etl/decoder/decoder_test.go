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

package decoder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/registry"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

type stubDecoder struct {
	name string
}

func (d stubDecoder) DecoderName() string { return d.name }

func (d stubDecoder) DecodeEvent(event rpcclient.EmittedEvent) []envelope.Envelope {
	return []envelope.Envelope{{ID: d.name + ":" + event.FromAddress.Hex()}}
}

func TestDecodeBatchWithoutRegistryRunsEveryDecoder(t *testing.T) {
	dec := New(nil, stubDecoder{"a"}, stubDecoder{"b"})
	events := []rpcclient.EmittedEvent{{FromAddress: felt.MustFromHex("0x1")}}

	out, err := dec.DecodeBatch(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestDecodeBatchSkipsUnidentifiedContractsWithRegistry(t *testing.T) {
	ctx := context.Background()
	db, err := enginedb.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	reg, err := registry.New(&noopProvider{}, db, registry.Config{Retry: retry.NoRetry()})
	require.NoError(t, err)

	dec := New(reg, stubDecoder{"a"})
	events := []rpcclient.EmittedEvent{{FromAddress: felt.MustFromHex("0x1")}}

	// No rules registered, so identification runs but decides nothing: the
	// contract gets cached with an empty decoder set and no decoder applies.
	out, err := dec.DecodeBatch(ctx, events)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestDecodeBatchAppliesOnlyIdentifiedDecoders(t *testing.T) {
	ctx := context.Background()
	db, err := enginedb.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	contract := felt.MustFromHex("0x1")
	a := stubDecoder{"a"}
	b := stubDecoder{"b"}
	require.NoError(t, db.SetContractDecoders(ctx, contract, []envelope.DecoderId{envelope.NewDecoderId("a")}))

	reg, err := registry.New(&noopProvider{}, db, registry.Config{Retry: retry.NoRetry()})
	require.NoError(t, err)
	_, err = reg.LoadFromDB(ctx)
	require.NoError(t, err)

	dec := New(reg, a, b)
	events := []rpcclient.EmittedEvent{{FromAddress: contract}}

	out, err := dec.DecodeBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "a:"+contract.Hex(), out[0].ID)
}

// noopProvider satisfies rpcclient.Provider for registry construction without answering
// any identification calls (these tests leave registry.Config.Mode at zero, so
// IdentifyContracts never actually dispatches a provider call down the ABI/SRC5 paths).
type noopProvider struct {
	rpcclient.Provider
}
