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

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/enginedb"
	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/retry"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// fakeProvider answers only the BatchRequests shapes identifyViaABI issues.
type fakeProvider struct {
	rpcclient.Provider
	classHashes map[felt.Felt]felt.Felt
	classes     map[felt.Felt]rpcclient.ContractClass
}

func (p *fakeProvider) BatchRequests(ctx context.Context, reqs []rpcclient.BatchRequest) ([]rpcclient.BatchResponse, error) {
	out := make([]rpcclient.BatchResponse, len(reqs))
	for i, r := range reqs {
		switch r.Kind {
		case rpcclient.KindGetClassHashAt:
			ch, ok := p.classHashes[*r.GetClassHashAt]
			if !ok {
				out[i] = rpcclient.BatchResponse{Kind: r.Kind}
				continue
			}
			out[i] = rpcclient.BatchResponse{Kind: r.Kind, ClassHash: &ch}
		case rpcclient.KindGetClass:
			class, ok := p.classes[*r.GetClass]
			if !ok {
				out[i] = rpcclient.BatchResponse{Kind: r.Kind}
				continue
			}
			out[i] = rpcclient.BatchResponse{Kind: r.Kind, Class: &class}
		}
	}
	return out, nil
}

// erc20LikeRule matches any class whose ABI has a "transfer" function.
type erc20LikeRule struct{}

func (erc20LikeRule) Name() string                        { return "erc20-like" }
func (erc20LikeRule) DecoderIDs() []envelope.DecoderId     { return []envelope.DecoderId{1} }
func (erc20LikeRule) SRC5Interface() (felt.Felt, []envelope.DecoderId, bool) {
	return felt.Felt{}, nil, false
}
func (erc20LikeRule) IdentifyByABI(contract, classHash felt.Felt, abi rpcclient.ContractClass) []envelope.DecoderId {
	if _, ok := abi.Functions["transfer"]; ok {
		return []envelope.DecoderId{1}
	}
	return nil
}

func openTestDB(t *testing.T) *enginedb.DB {
	t.Helper()
	db, err := enginedb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIdentifyContractsViaABIHeuristics(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	token := felt.MustFromHex("0x1")
	nonToken := felt.MustFromHex("0x2")
	classHash := felt.MustFromHex("0xaaa")
	otherClassHash := felt.MustFromHex("0xbbb")

	provider := &fakeProvider{
		classHashes: map[felt.Felt]felt.Felt{token: classHash, nonToken: otherClassHash},
		classes: map[felt.Felt]rpcclient.ContractClass{
			classHash:      {ClassHash: classHash, Functions: map[string]struct{}{"transfer": {}}, Events: map[string]struct{}{}},
			otherClassHash: {ClassHash: otherClassHash, Functions: map[string]struct{}{"mint": {}}, Events: map[string]struct{}{}},
		},
	}

	reg, err := New(provider, db, Config{Mode: ModeABIHeuristics, Retry: retry.NoRetry()})
	require.NoError(t, err)
	reg.WithRule(erc20LikeRule{})

	results, err := reg.IdentifyContracts(ctx, []felt.Felt{token, nonToken})
	require.NoError(t, err)
	require.Equal(t, []envelope.DecoderId{1}, results[token])
	require.Empty(t, results[nonToken])

	ids, ok := reg.Lookup(token)
	require.True(t, ok)
	require.Equal(t, []envelope.DecoderId{1}, ids)

	ids, ok = reg.Lookup(nonToken)
	require.True(t, ok)
	require.Empty(t, ids)
}

func TestIdentifyContractsCachesAndSkipsReinspection(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	token := felt.MustFromHex("0x1")
	classHash := felt.MustFromHex("0xaaa")

	provider := &fakeProvider{
		classHashes: map[felt.Felt]felt.Felt{token: classHash},
		classes: map[felt.Felt]rpcclient.ContractClass{
			classHash: {ClassHash: classHash, Functions: map[string]struct{}{"transfer": {}}, Events: map[string]struct{}{}},
		},
	}
	reg, err := New(provider, db, Config{Mode: ModeABIHeuristics, Retry: retry.NoRetry()})
	require.NoError(t, err)
	reg.WithRule(erc20LikeRule{})

	_, err = reg.IdentifyContracts(ctx, []felt.Felt{token})
	require.NoError(t, err)

	// A second call asks about the same address plus nothing new: Unidentified
	// filters it out entirely, so no further provider calls happen.
	unidentified := reg.Unidentified([]felt.Felt{token})
	require.Empty(t, unidentified)

	results, err := reg.IdentifyContracts(ctx, []felt.Felt{token})
	require.NoError(t, err)
	require.Nil(t, results)
}

func TestLoadFromDBRestoresCache(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	contract := felt.MustFromHex("0x42")
	require.NoError(t, db.SetContractDecoders(ctx, contract, []envelope.DecoderId{2, 5}))

	reg, err := New(&fakeProvider{}, db, Config{Mode: ModeABIHeuristics, Retry: retry.NoRetry()})
	require.NoError(t, err)

	n, err := reg.LoadFromDB(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ids, ok := reg.Lookup(contract)
	require.True(t, ok)
	require.Equal(t, []envelope.DecoderId{2, 5}, ids)
}
