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

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseContractRangesWithStartBlock(t *testing.T) {
	contracts, err := parseContractRanges([]string{"0x049d36570d4e46f48e99674bd3fcc84644ddd6b96f7c741b1562b82f9e004dc7:100000"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, uint64(100000), contracts[0].FromBlock)
}

func TestParseContractRangesDefaultsFromBlockToZero(t *testing.T) {
	contracts, err := parseContractRanges(nil, []string{"0x1"}, nil)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	require.Equal(t, uint64(0), contracts[0].FromBlock)
}

func TestParseContractRangesCombinesAllStandards(t *testing.T) {
	contracts, err := parseContractRanges(
		[]string{"0x1:10"},
		[]string{"0x2:20"},
		[]string{"0x3:30"},
	)
	require.NoError(t, err)
	require.Len(t, contracts, 3)
}

func TestParseContractRangesRejectsInvalidAddress(t *testing.T) {
	_, err := parseContractRanges([]string{"not-hex:10"}, nil, nil)
	require.Error(t, err)
}

func TestParseContractRangesRejectsInvalidBlock(t *testing.T) {
	_, err := parseContractRanges([]string{"0x1:not-a-number"}, nil, nil)
	require.Error(t, err)
}
