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

// Package toriipb holds the wire types for the subscription protocol described in
// proto/torii.proto. It is checked in the way protoc-gen-go output normally would be;
// regenerate with `protoc --go_out=. --go-grpc_out=. proto/torii.proto` after editing the
// .proto source.
package toriipb

import (
	"google.golang.org/protobuf/types/known/anypb"
)

// UpdateType mirrors the TopicUpdate.UpdateType enum.
type UpdateType int32

const (
	UpdateTypeCreated UpdateType = 0
	UpdateTypeUpdated UpdateType = 1
	UpdateTypeDeleted UpdateType = 2
)

func (u UpdateType) String() string {
	switch u {
	case UpdateTypeCreated:
		return "CREATED"
	case UpdateTypeUpdated:
		return "UPDATED"
	case UpdateTypeDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// TopicUpdate is one message pushed to a subscribed client.
type TopicUpdate struct {
	Topic      string
	UpdateType UpdateType
	Timestamp  int64
	TypeId     string
	Data       *anypb.Any
}

// TopicSubscription is one (topic, filters) pair in a SubscriptionRequest.
type TopicSubscription struct {
	Topic   string
	Filters map[string]string
}

// SubscriptionRequest registers or updates a client's subscriptions.
type SubscriptionRequest struct {
	ClientId          string
	Topics            []TopicSubscription
	UnsubscribeTopics []string
}

// GetVersionRequest is the empty GetVersion request.
type GetVersionRequest struct{}

// GetVersionResponse reports the running server version.
type GetVersionResponse struct {
	Version   string
	BuildTime string
}

// ListTopicsRequest is the empty ListTopics request.
type ListTopicsRequest struct{}

// TopicInfo describes one subscribable topic, as surfaced over gRPC.
type TopicInfo struct {
	Name             string
	SinkName         string
	AvailableFilters []string
	Description      string
}

// ListTopicsResponse enumerates every topic every sink advertises.
type ListTopicsResponse struct {
	Topics []TopicInfo
}
