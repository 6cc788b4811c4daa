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

package tokenuri

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dojoengine/torii-go/internal/felt"
)

func TestSanitizeJSONStringUnescapedQuotes(t *testing.T) {
	input := `{"name":""Rage Shout" DireWolf"}`
	expected := `{"name":"\"Rage Shout\" DireWolf"}`
	require.Equal(t, expected, sanitizeJSONString(input))
}

func TestSanitizeJSONStringAlreadyEscaped(t *testing.T) {
	input := `{"name":"\"Properly Escaped\" Wolf"}`
	require.Equal(t, input, sanitizeJSONString(input))
}

func TestSanitizeJSONStringControlChars(t *testing.T) {
	input := "{\x01\"name\": \"test\x02\"}"
	sanitized := sanitizeJSONString(input)
	require.NotContains(t, sanitized, "\x01")
	require.NotContains(t, sanitized, "\x02")
}

func TestSanitizeJSONStringKeepsWhitespace(t *testing.T) {
	input := "{\"a\":\n\"b\"\t}"
	sanitized := sanitizeJSONString(input)
	require.Contains(t, sanitized, "\n")
	require.Contains(t, sanitized, "\t")
}

func TestResolveDataURIBase64(t *testing.T) {
	uri := "data:application/json;base64,eyJuYW1lIjoidGVzdCJ9"
	s, ok := resolveDataURI(uri)
	require.True(t, ok)
	require.Equal(t, `{"name":"test"}`, s)
}

func TestResolveDataURIURLEncoded(t *testing.T) {
	uri := "data:application/json,%7B%22name%22%3A%22test%22%7D"
	s, ok := resolveDataURI(uri)
	require.True(t, ok)
	require.Equal(t, `{"name":"test"}`, s)
}

func TestResolveDataURIWithHash(t *testing.T) {
	uri := "data:application/json;base64,eyJuYW1lIjoiIzEifQ=="
	_, ok := resolveDataURI(uri)
	require.True(t, ok)
}

func TestERC1155IDSubstitution(t *testing.T) {
	uri := "https://example.com/token/{id}.json"
	tokenID := felt.U256FromUint64(42)
	result := strings.ReplaceAll(uri, "{id}", tokenID.HexID64())
	require.Contains(t, result, "000000000000000000000000000000000000000000000000000000000000002a")
}
