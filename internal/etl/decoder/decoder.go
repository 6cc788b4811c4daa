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

// Package decoder turns raw chain events into typed envelopes and glues that process to
// the contract registry so only the decoders relevant to a given contract run against it.
package decoder

import (
	"context"
	"fmt"
	"sort"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/registry"
	"github.com/dojoengine/torii-go/internal/felt"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/rpcclient"
)

// Decoder recognizes one or more event selectors and turns a matching EmittedEvent into
// zero or more envelopes. A malformed event returns nil; a well-formed event may expand
// into multiple envelopes (e.g. TransferBatch expands one envelope per (id, amount) pair).
type Decoder interface {
	// DecoderName is a stable identifier; hashed into a envelope.DecoderId and persisted
	// as part of the contract classification cache, so it must never change once shipped.
	DecoderName() string

	DecodeEvent(event rpcclient.EmittedEvent) []envelope.Envelope
}

// Context glues decoders to the contract registry: when identification is configured,
// only the decoders a contract was identified as running are invoked against its events.
type Context struct {
	decoders   []Decoder
	byID       map[envelope.DecoderId]Decoder
	registry   *registry.ContractRegistry // nil disables identification gating
	decoderIDs []envelope.DecoderId       // sorted, for deterministic dispatch order
}

// New builds a decoder context over decoders. A nil reg means identification is disabled
// or unconfigured, so every event goes through every decoder.
func New(reg *registry.ContractRegistry, decoders ...Decoder) *Context {
	byID := make(map[envelope.DecoderId]Decoder, len(decoders))
	ids := make([]envelope.DecoderId, 0, len(decoders))
	for _, d := range decoders {
		id := envelope.NewDecoderId(d.DecoderName())
		byID[id] = d
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &Context{decoders: decoders, byID: byID, registry: reg, decoderIDs: ids}
}

// DecodeBatch identifies any not-yet-cached from_addresses in events (when identification
// is enabled) and decodes every event through the decoders applicable to its contract, in
// sorted DecoderId order.
func (c *Context) DecodeBatch(ctx context.Context, events []rpcclient.EmittedEvent) ([]envelope.Envelope, error) {
	if c.registry != nil {
		addresses := make([]felt.Felt, 0, len(events))
		for _, ev := range events {
			addresses = append(addresses, ev.FromAddress)
		}
		if _, err := c.registry.IdentifyContracts(ctx, addresses); err != nil {
			return nil, fmt.Errorf("decoder: identify contracts: %w", err)
		}
	}

	var out []envelope.Envelope
	for _, ev := range events {
		applicable := c.decodersFor(ev.FromAddress)
		for _, id := range c.decoderIDs {
			d, ok := applicable[id]
			if !ok {
				continue
			}
			envs := d.DecodeEvent(ev)
			out = append(out, envs...)
		}
	}
	return out, nil
}

// decodersFor returns the subset of decoders (keyed by id) that apply to contract. When
// identification is disabled, every decoder applies.
func (c *Context) decodersFor(contract felt.Felt) map[envelope.DecoderId]Decoder {
	if c.registry == nil {
		return c.byID
	}
	ids, ok := c.registry.Lookup(contract)
	if !ok {
		log.Debug("decoder: contract not yet identified, skipping event", "contract", contract.Hex())
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	out := make(map[envelope.DecoderId]Decoder, len(ids))
	for _, id := range ids {
		if d, ok := c.byID[id]; ok {
			out[id] = d
		}
	}
	return out
}
