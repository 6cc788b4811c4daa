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

// Package registry decides which decoders apply to each contract address, once, and
// remembers the answer: SRC-5 introspection first, ABI heuristics second, both feeding a
// shared read/write-locked cache backed by the engine database.
package registry

import (
	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// IdentificationRule is implemented by sink/decoder authors to teach the registry how to
// recognize their contracts. Rules are run in order; all matching decoders from all rules
// are unioned.
type IdentificationRule interface {
	// Name identifies the rule for logging.
	Name() string

	// DecoderIDs lists every decoder this rule can return, for validation/docs.
	DecoderIDs() []envelope.DecoderId

	// SRC5Interface reports the SRC-5 interface id this rule can be checked for via
	// supports_interface, and the decoders to attach when it matches. ok is false for
	// rules with no SRC-5 signature (ABI-heuristics-only rules).
	SRC5Interface() (interfaceID felt.Felt, decoders []envelope.DecoderId, ok bool)

	// IdentifyByABI inspects a parsed contract class and returns the decoders that
	// apply, or nil if this rule doesn't match.
	IdentifyByABI(contractAddress, classHash felt.Felt, abi rpcclient.ContractClass) []envelope.DecoderId
}

// Mode selects which identification strategies the registry runs, OR-able.
type Mode uint8

const (
	ModeSRC5 Mode = 1 << iota
	ModeABIHeuristics
)

func (m Mode) has(flag Mode) bool { return m&flag != 0 }
