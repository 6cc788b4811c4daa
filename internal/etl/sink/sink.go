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

// Package sink defines the Sink contract, the EventBus sinks use to broadcast updates to
// subscribers, and the subscription manager backing that broadcast.
package sink

import (
	"context"
	"net/http"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dojoengine/torii-go/internal/etl/envelope"
	"github.com/dojoengine/torii-go/internal/etl/extractor"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

// DefaultLiveThresholdBlocks is how close to the chain head a batch must be for sinks to
// broadcast it; historical indexing stores but never broadcasts.
const DefaultLiveThresholdBlocks = 100

// TopicInfo describes one subscribable topic a sink advertises.
type TopicInfo struct {
	Name             string
	AvailableFilters []string
	Description      string
}

// Sink consumes decoded envelopes and persists/broadcasts them. Process must be
// idempotent: replaying the same batch leaves storage in the same state as applying it
// once.
type Sink interface {
	Name() string
	InterestedTypes() []envelope.TypeId

	// Initialize is called once before the ETL loop starts; sinks may register
	// background services or warm caches here.
	Initialize(ctx context.Context, bus *EventBus) error

	// Process applies envelopes idempotently. batch supplies the original raw events,
	// dedup'd block/transaction context the decoder doesn't repeat per-envelope.
	Process(ctx context.Context, envelopes []envelope.Envelope, batch extractor.ExtractionBatch) error

	Topics() []TopicInfo
	BuildRoutes() http.Handler
}

// FilterByType narrows envelopes down to the ones whose TypeID is in interested. Callers
// driving the ETL loop use this to hand each sink only the envelope kinds it declared via
// InterestedTypes, since the decoded batch is shared across every sink but each sink only
// cares about a handful of the envelope types decoders produce.
func FilterByType(envelopes []envelope.Envelope, interested []envelope.TypeId) []envelope.Envelope {
	if len(interested) == 0 {
		return nil
	}
	want := make(map[envelope.TypeId]struct{}, len(interested))
	for _, t := range interested {
		want[t] = struct{}{}
	}
	out := make([]envelope.Envelope, 0, len(envelopes))
	for _, e := range envelopes {
		if _, ok := want[e.TypeID]; ok {
			out = append(out, e)
		}
	}
	return out
}

// FilterFunc decides whether decoded matches a subscriber's per-topic filter map; sinks
// supply this so topic-specific filtering semantics (e.g. "wallet" matching from OR to)
// live with the sink, not the bus.
type FilterFunc func(filters map[string]string) bool

// EventBus lets sinks broadcast updates to subscribed gRPC clients.
type EventBus struct {
	subs *SubscriptionManager
}

// NewEventBus builds an EventBus over a subscription manager.
func NewEventBus(subs *SubscriptionManager) *EventBus {
	return &EventBus{subs: subs}
}

// SubscriptionManager exposes the manager for advanced use (e.g. the gRPC service
// registering/unregistering clients).
func (b *EventBus) SubscriptionManager() *SubscriptionManager {
	return b.subs
}

// PublishProtobuf encodes data once and, for every client subscribed to topic, evaluates
// filterFn against that client's filter map; only a true result enqueues a TopicUpdate on
// the client's bounded channel via a non-blocking send (dropped with a warning if full).
func (b *EventBus) PublishProtobuf(topic string, typeID string, data *anypb.Any, updateType toriipb.UpdateType, filterFn FilterFunc) {
	b.subs.broadcast(topic, typeID, data, updateType, filterFn)
}
