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

package sink

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dojoengine/torii-go/internal/log"
	"github.com/dojoengine/torii-go/internal/toriipb"
)

// subscriptionChannelSize bounds each client's pending-update channel. Overflow drops the
// message for that slow client; this isolates slow subscribers from the ETL loop.
const subscriptionChannelSize = 100

// ClientSubscription is one connected client's topic filters and delivery channel.
type ClientSubscription struct {
	Topics map[string]map[string]string // topic -> filter key/value map
	Tx     chan *toriipb.TopicUpdate
}

// SubscriptionManager tracks every connected client's subscriptions and fans out
// broadcasts. Reads (broadcast) take a read lock; (un)register and subscription updates
// take a write lock.
type SubscriptionManager struct {
	mu      sync.RWMutex
	clients map[string]*ClientSubscription
}

// NewSubscriptionManager constructs an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{clients: make(map[string]*ClientSubscription)}
}

// RegisterClient adds clientID with an empty subscription set and returns the id actually
// assigned plus the channel the gRPC handler should stream updates from. An empty
// clientID (and, defensively, a clientID already in use) is replaced with a freshly
// generated UUID so two clients never collide on the same map key — without this, two
// subscribers omitting client_id would overwrite each other's entry and unregistering
// either would close the other's channel out from under it. Callers must use the
// returned id for every subsequent UpdateSubscriptions/UnregisterClient call.
func (m *SubscriptionManager) RegisterClient(clientID string) (string, <-chan *toriipb.TopicUpdate) {
	ch := make(chan *toriipb.TopicUpdate, subscriptionChannelSize)
	m.mu.Lock()
	if clientID == "" {
		clientID = uuid.NewString()
	} else if _, taken := m.clients[clientID]; taken {
		log.Warn("client_id already in use, assigning a new one", "requested_client_id", clientID)
		clientID = uuid.NewString()
	}
	m.clients[clientID] = &ClientSubscription{Topics: make(map[string]map[string]string), Tx: ch}
	m.mu.Unlock()
	log.Info("client registered", "client_id", clientID)
	return clientID, ch
}

// UnregisterClient removes clientID and closes its channel.
func (m *SubscriptionManager) UnregisterClient(clientID string) {
	m.mu.Lock()
	client, ok := m.clients[clientID]
	delete(m.clients, clientID)
	m.mu.Unlock()
	if ok {
		close(client.Tx)
	}
	log.Info("client unregistered", "client_id", clientID)
}

// UpdateSubscriptions applies subscribe/unsubscribe changes for clientID.
func (m *SubscriptionManager) UpdateSubscriptions(clientID string, subscribe []toriipb.TopicSubscription, unsubscribe []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return
	}
	for _, topic := range unsubscribe {
		if _, existed := client.Topics[topic]; existed {
			delete(client.Topics, topic)
			log.Info("client unsubscribed from topic", "client_id", clientID, "topic", topic)
		}
	}
	for _, sub := range subscribe {
		client.Topics[sub.Topic] = sub.Filters
		log.Debug("client subscribed to topic", "client_id", clientID, "topic", sub.Topic, "filters", len(sub.Filters))
	}
}

// broadcast sends update to every client subscribed to topic whose filters satisfy
// filterFn, via a non-blocking send that drops the message (with a warning) for a full
// channel rather than stalling the sink.
func (m *SubscriptionManager) broadcast(topic, typeID string, data *anypb.Any, updateType toriipb.UpdateType, filterFn FilterFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timestamp := time.Now().Unix()
	sent := 0
	for clientID, client := range m.clients {
		filters, subscribed := client.Topics[topic]
		if !subscribed {
			continue
		}
		if !filterFn(filters) {
			continue
		}
		update := &toriipb.TopicUpdate{
			Topic:      topic,
			UpdateType: updateType,
			Timestamp:  timestamp,
			TypeId:     typeID,
			Data:       data,
		}
		select {
		case client.Tx <- update:
			sent++
		default:
			log.Warn("subscriber channel full, dropping update", "client_id", clientID, "topic", topic)
		}
	}
	log.Debug("published protobuf update", "topic", topic, "type_id", typeID, "sent_to", sent)
}
