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

// Package envelope defines the Envelope type that flows from decoders to sinks, and the
// stable 64-bit TypeId/DecoderId hashes used as restart-durable map keys.
package envelope

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// TypeId identifies an envelope's concrete body type, e.g. "erc20.transfer". It is a
// deterministic hash of the type name so it survives process restarts and doesn't depend
// on registration order.
type TypeId uint64

// NewTypeId hashes a type name into a TypeId.
func NewTypeId(name string) TypeId {
	return TypeId(xxhash.Sum64String(name))
}

// DecoderId identifies a decoder by a deterministic hash of its name. Persisted to the
// engine DB as part of the contract->decoder cache, so it must never change once a
// decoder has shipped under a given name.
type DecoderId uint64

// NewDecoderId hashes a decoder name into a DecoderId.
func NewDecoderId(name string) DecoderId {
	return DecoderId(xxhash.Sum64String(name))
}

// Body is the common supertype for decoded event payloads. Concrete types (e.g.
// erc20.Transfer) implement this to report their own TypeId; sinks type-switch on the
// concrete Go type rather than performing a runtime downcast, which is the idiomatic Go
// analogue of the reference implementation's Any+downcast_ref pattern (see DESIGN.md).
type Body interface {
	EnvelopeTypeId() TypeId
}

// Envelope is a typed record produced by a decoder from one raw event; the common
// currency between decoders and sinks.
type Envelope struct {
	// ID is a stable identity for this envelope, derived from (event_type, block,
	// tx_hash[, batch_index]) so sinks can dedupe idempotently on replay.
	ID string

	// TypeID mirrors Body.EnvelopeTypeId(), cached here so sinks can filter by
	// interested_types() without touching Body.
	TypeID TypeId

	// Body is the decoded payload; sinks type-assert it to the concrete type they
	// expect for TypeID.
	Body Body

	// Metadata is decoder-provided enrichment (e.g. "block_number", "tx_hash",
	// "token") so sinks never need to scan the batch's raw events.
	Metadata map[string]string

	// Timestamp is the envelope's creation wall clock.
	Timestamp int64
}

// New builds an Envelope, deriving TypeID from body and stamping the current time.
func New(id string, body Body, metadata map[string]string) Envelope {
	return Envelope{
		ID:        id,
		TypeID:    body.EnvelopeTypeId(),
		Body:      body,
		Metadata:  metadata,
		Timestamp: time.Now().Unix(),
	}
}
