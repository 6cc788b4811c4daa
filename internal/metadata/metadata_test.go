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

package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/felt"
)

func TestDecodeStringResultSingleFelt(t *testing.T) {
	// "ETH" packed as a short string = 0x455448.
	f := felt.FromUint64(0x455448)
	s, ok := decodeStringResult([]felt.Felt{f})
	require.True(t, ok)
	require.Equal(t, "ETH", s)
}

func TestDecodeStringResultByteArray(t *testing.T) {
	// ByteArray: [data_len=0, pending_word="ETH", pending_word_len=3]
	result := []felt.Felt{
		felt.FromUint64(0),
		felt.FromUint64(0x455448),
		felt.FromUint64(3),
	}
	s, ok := decodeStringResult(result)
	require.True(t, ok)
	require.Equal(t, "ETH", s)
}

func TestDecodeStringResultByteArrayWithFullWord(t *testing.T) {
	word := felt.FromUint64(0x4c6f6e67) // "Long" as the trailing 4 bytes of a full word
	result := []felt.Felt{
		felt.FromUint64(1),
		word,
		felt.FromUint64(0), // empty pending word
		felt.FromUint64(0),
	}
	s, ok := decodeStringResult(result)
	require.True(t, ok)
	require.Contains(t, s, "Long")
}

func TestDecodeStringResultLegacyArray(t *testing.T) {
	// [len=2, "Wrapped ", "Ether"]
	result := []felt.Felt{
		felt.FromUint64(2),
		shortStringFelt(t, "Wrapped "),
		shortStringFelt(t, "Ether"),
	}
	s, ok := decodeStringResult(result)
	require.True(t, ok)
	require.Equal(t, "Wrapped Ether", s)
}

func TestDecodeStringResultEmpty(t *testing.T) {
	_, ok := decodeStringResult(nil)
	require.False(t, ok)
}

func TestParseShortStringStripsLeadingZeros(t *testing.T) {
	f := felt.FromUint64(0x455448)
	require.Equal(t, "ETH", parseShortString(f))
}

// shortStringFelt packs an ASCII string (<=31 bytes) into a felt the way Cairo does,
// for use as legacy-array test fixtures.
func shortStringFelt(t *testing.T, s string) felt.Felt {
	t.Helper()
	require.LessOrEqual(t, len(s), 31)
	var hex string
	for _, b := range []byte(s) {
		hex += hexByte(b)
	}
	if hex == "" {
		return felt.Zero
	}
	f, err := felt.FromHex("0x" + hex)
	require.NoError(t, err)
	return f
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}
