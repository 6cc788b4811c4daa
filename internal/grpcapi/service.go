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

// Package grpcapi implements the Torii gRPC service described in proto/torii.proto:
// GetVersion, ListTopics, and the two subscription RPCs. Request/response payloads are
// *anypb.Any-wrapped google.protobuf.Struct values, the same StructAny shape every sink
// uses to publish domain events (see internal/etl/sink/protoany.go), rather than
// protoc-gen-go message types — this repo never invokes protoc, so those types cannot be
// generated; ServiceDesc/MethodDesc/StreamDesc below are grpc-go's own stable, exported
// wiring primitives (the same ones protoc-gen-go-grpc emits into), hand-assembled instead
// of generated.
//
// Grounded on original_source's src/grpc.rs: ToriiService/GrpcState/SubscriptionManager.
package grpcapi

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dojoengine/torii-go/internal/etl/sink"
	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

// Server implements ToriiServer against a subscription manager and a static list of
// topics collected from every registered sink at startup. It is deliberately minimal,
// matching the reference's GrpcState: sinks own their own storage/state separately.
type Server struct {
	subs    *sink.SubscriptionManager
	topics  []toriipb.TopicInfo
	version string
}

// NewServer builds a Server. topics is typically the concatenation of every sink's
// Topics(), each tagged with that sink's name.
func NewServer(subs *sink.SubscriptionManager, topics []toriipb.TopicInfo, version string) *Server {
	return &Server{subs: subs, topics: topics, version: version}
}

func (s *Server) GetVersion(ctx context.Context, _ *anypb.Any) (*anypb.Any, error) {
	return sink.StructAny(map[string]any{
		"version":    s.version,
		"build_time": time.Now().UTC().Format("2006-01-02"),
	})
}

func (s *Server) ListTopics(ctx context.Context, _ *anypb.Any) (*anypb.Any, error) {
	topics := make([]any, 0, len(s.topics))
	for _, t := range s.topics {
		filters := make([]any, len(t.AvailableFilters))
		for i, f := range t.AvailableFilters {
			filters[i] = f
		}
		topics = append(topics, map[string]any{
			"name":              t.Name,
			"sink_name":         t.SinkName,
			"available_filters": filters,
			"description":       t.Description,
		})
	}
	log.Info("grpcapi: ListTopics returning topics", "count", len(topics))
	return sink.StructAny(map[string]any{"topics": topics})
}

func (s *Server) SubscribeToTopicsStream(req *anypb.Any, stream ToriiSubscribeToTopicsStreamServer) error {
	fields, err := sink.StructAnyFields(req)
	if err != nil {
		return fmt.Errorf("grpcapi: decode SubscriptionRequest: %w", err)
	}
	sub := parseSubscriptionRequest(fields)
	clientID, ch := s.subs.RegisterClient(sub.ClientId)
	s.subs.UpdateSubscriptions(clientID, sub.Topics, sub.UnsubscribeTopics)
	log.Info("grpcapi: client connected via SubscribeToTopicsStream", "client_id", clientID)

	defer s.subs.UnregisterClient(clientID)

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case update, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := encodeTopicUpdate(update)
			if err != nil {
				log.Warn("grpcapi: failed to encode topic update", "error", err)
				continue
			}
			if err := stream.Send(payload); err != nil {
				return err
			}
		}
	}
}

// SubscribeToTopics is the bidirectional-streaming RPC: the first inbound
// SubscriptionRequest establishes the client id and starts the forwarding goroutine,
// matching the reference's "first request wins" client-id handling; subsequent requests
// only adjust the filter set.
func (s *Server) SubscribeToTopics(stream ToriiSubscribeToTopicsServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	fields, err := sink.StructAnyFields(req)
	if err != nil {
		return fmt.Errorf("grpcapi: decode SubscriptionRequest: %w", err)
	}
	sub := parseSubscriptionRequest(fields)
	clientID, ch := s.subs.RegisterClient(sub.ClientId)
	s.subs.UpdateSubscriptions(clientID, sub.Topics, sub.UnsubscribeTopics)
	defer s.subs.UnregisterClient(clientID)

	done := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stream.Context().Done():
				done <- stream.Context().Err()
				return
			case update, ok := <-ch:
				if !ok {
					done <- nil
					return
				}
				payload, err := encodeTopicUpdate(update)
				if err != nil {
					log.Warn("grpcapi: failed to encode topic update", "error", err)
					continue
				}
				if err := stream.Send(payload); err != nil {
					done <- err
					return
				}
			}
		}
	}()

	for {
		req, err := stream.Recv()
		if err != nil {
			return <-done
		}
		fields, err := sink.StructAnyFields(req)
		if err != nil {
			log.Warn("grpcapi: failed to decode subscription request", "error", err)
			continue
		}
		sub := parseSubscriptionRequest(fields)
		s.subs.UpdateSubscriptions(clientID, sub.Topics, sub.UnsubscribeTopics)
	}
}

func encodeTopicUpdate(update *toriipb.TopicUpdate) (*anypb.Any, error) {
	return sink.StructAny(map[string]any{
		"topic":         update.Topic,
		"update_type":   update.UpdateType.String(),
		"timestamp":     float64(update.Timestamp),
		"type_id":       update.TypeId,
		"data_type_url": update.Data.GetTypeUrl(),
		"data_value":    string(update.Data.GetValue()),
	})
}

func parseSubscriptionRequest(fields map[string]any) toriipb.SubscriptionRequest {
	req := toriipb.SubscriptionRequest{}
	if v, ok := fields["client_id"].(string); ok {
		req.ClientId = v
	}
	if raw, ok := fields["topics"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			sub := toriipb.TopicSubscription{Filters: map[string]string{}}
			if t, ok := m["topic"].(string); ok {
				sub.Topic = t
			}
			if filters, ok := m["filters"].(map[string]any); ok {
				for k, v := range filters {
					if s, ok := v.(string); ok {
						sub.Filters[k] = s
					}
				}
			}
			req.Topics = append(req.Topics, sub)
		}
	}
	if raw, ok := fields["unsubscribe_topics"].([]any); ok {
		for _, item := range raw {
			if s, ok := item.(string); ok {
				req.UnsubscribeTopics = append(req.UnsubscribeTopics, s)
			}
		}
	}
	return req
}

// Register attaches the hand-assembled ServiceDesc to a *grpc.Server, the same call
// protoc-gen-go-grpc's generated RegisterToriiServer function would make.
func Register(s *grpc.Server, srv ToriiServer) {
	s.RegisterService(&ServiceDesc, srv)
}
