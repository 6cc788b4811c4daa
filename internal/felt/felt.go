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

// Package felt implements Starknet's field element (a 252-bit unsigned integer) and the
// U256 type used for token amounts and token ids.
package felt

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Felt is a 252-bit field element, the universal identifier for addresses, hashes and
// selectors on Starknet. It is backed by a 256-bit unsigned integer; the top 4 bits are
// always zero for values produced by the chain, but arithmetic here does not enforce
// that invariant since the indexer never performs field arithmetic, only comparison,
// hex (de)serialization and use as a map key.
type Felt struct {
	inner uint256.Int
}

// Zero is the zero Felt, used as the sentinel "no address" / "burn" value.
var Zero = Felt{}

// FromUint64 builds a Felt from a small unsigned integer.
func FromUint64(v uint64) Felt {
	var f Felt
	f.inner.SetUint64(v)
	return f
}

// FromHex parses a "0x..."-prefixed (or bare) hex string into a Felt.
func FromHex(s string) (Felt, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.TrimLeft(s, "0") // uint256.FromHex rejects leading zero digits
	if s == "" {
		return Zero, nil
	}
	i, err := uint256.FromHex("0x" + s)
	if err != nil {
		return Felt{}, fmt.Errorf("felt: invalid hex %q: %w", s, err)
	}
	return Felt{inner: *i}, nil
}

// MustFromHex is FromHex but panics on error; reserved for constants and tests.
func MustFromHex(s string) Felt {
	f, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Hex renders the Felt as a lowercase "0x"-prefixed hex string with no leading zeros,
// the canonical form used for cursor keys and cache rows.
func (f Felt) Hex() string {
	return f.inner.Hex()
}

// IsZero reports whether this is the zero address/felt.
func (f Felt) IsZero() bool {
	return f.inner.IsZero()
}

// Cmp compares two Felts, usable as a map/sort key comparator.
func (f Felt) Cmp(other Felt) int {
	return f.inner.Cmp(&other.inner)
}

// Uint64 returns the low 64 bits, truncating silently. Used for small integers such as
// array lengths embedded in calldata, never for addresses or hashes.
func (f Felt) Uint64() uint64 {
	return f.inner.Uint64()
}

// String implements fmt.Stringer as the canonical hex form, so Felt values print
// sensibly in %v and structured log fields.
func (f Felt) String() string {
	return f.Hex()
}

// MarshalText implements encoding.TextMarshaler for JSON/config round-tripping.
func (f Felt) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Felt) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Bytes32 returns the big-endian 32-byte representation, used for ERC-1155 URI
// substitution ({id} -> 64 lowercase hex chars) and for protobuf wire encoding.
func (f Felt) Bytes32() [32]byte {
	return f.inner.Bytes32()
}

// U256 is a 256-bit unsigned integer split as two little-endian 128-bit halves, the wire
// shape Starknet uses for token amounts and token ids (low, high).
type U256 struct {
	inner uint256.Int
}

// ZeroU256 is the additive identity.
var ZeroU256 = U256{}

// U256FromParts builds a U256 from its low/high 128-bit halves as they arrive over
// JSON-RPC (each a Felt-sized value that must fit in 128 bits; values that don't are
// clipped to the 128-bit max rather than panicking, per the decoder's "never panic on
// truncation" contract).
func U256FromParts(low, high *big.Int) U256 {
	var u U256
	lowU, highU := clampTo128(low), clampTo128(high)
	u.inner = *uint256.NewInt(0)
	var hi uint256.Int
	hi.SetFromBig(highU)
	hi.Lsh(&hi, 128)
	var lo uint256.Int
	lo.SetFromBig(lowU)
	u.inner.Or(&hi, &lo)
	return u
}

func clampTo128(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	max128 := new(big.Int).Lsh(big.NewInt(1), 128)
	max128.Sub(max128, big.NewInt(1))
	if v.Cmp(max128) > 0 {
		return max128
	}
	if v.Sign() < 0 {
		return big.NewInt(0)
	}
	return v
}

// U256FromUint64 builds a U256 from a small unsigned integer.
func U256FromUint64(v uint64) U256 {
	var u U256
	u.inner.SetUint64(v)
	return u
}

// LowHigh splits the value back into its two 128-bit big-endian halves, mirroring the
// on-chain (low, high) encoding.
func (u U256) LowHigh() (low, high *big.Int) {
	var lowWord, highWord uint256.Int
	mask := uint256.NewInt(1)
	mask.Lsh(mask, 128)
	mask.SubUint64(mask, 1)
	lowWord.And(&u.inner, mask)

	highWord.Rsh(&u.inner, 128)
	return lowWord.ToBig(), highWord.ToBig()
}

// Add returns u+v with ordinary (non-saturating) wraparound semantics, used to credit
// receivers in the reconciliation algorithm.
func (u U256) Add(v U256) U256 {
	var r U256
	r.inner.Add(&u.inner, &v.inner)
	return r
}

// SaturatingSub returns max(u-v, 0), used to debit senders so a correction that already
// absorbed the historical gap never underflows into a huge wrapped value.
func (u U256) SaturatingSub(v U256) U256 {
	var r U256
	if u.inner.Lt(&v.inner) {
		return ZeroU256
	}
	r.inner.Sub(&u.inner, &v.inner)
	return r
}

// Cmp compares two U256 values.
func (u U256) Cmp(v U256) int {
	return u.inner.Cmp(&v.inner)
}

// IsZero reports whether the value is zero.
func (u U256) IsZero() bool {
	return u.inner.IsZero()
}

// LessThan reports u < v, a convenience used by the negative-inventory probe.
func (u U256) LessThan(v U256) bool {
	return u.inner.Lt(&v.inner)
}

// String renders the value in decimal, the form used in audit rows and logs.
func (u U256) String() string {
	return u.inner.Dec()
}

// HexID64 renders the value as 64 lowercase hex characters with no "0x" prefix, the
// ERC-1155 {id} substitution rule for token URIs.
func (u U256) HexID64() string {
	b := u.inner.Bytes32()
	return fmt.Sprintf("%064x", b[:])
}

// MarshalText implements encoding.TextMarshaler (decimal form, matching SQL storage).
func (u U256) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *U256) UnmarshalText(text []byte) error {
	i, err := uint256.FromDecimal(string(text))
	if err != nil {
		return fmt.Errorf("felt: invalid u256 decimal %q: %w", text, err)
	}
	u.inner = *i
	return nil
}
