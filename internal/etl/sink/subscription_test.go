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
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/dojoengine/torii-go/internal/toriipb"
)

func TestRegisterClientAssignsDistinctIDsForEmptyClientID(t *testing.T) {
	m := NewSubscriptionManager()
	bus := NewEventBus(m)

	id1, ch1 := m.RegisterClient("")
	id2, ch2 := m.RegisterClient("")

	require.NotEmpty(t, id1)
	require.NotEmpty(t, id2)
	require.NotEqual(t, id1, id2)

	// Both channels must be independently live: registering the second client must not
	// have clobbered the first client's map entry.
	m.UpdateSubscriptions(id1, []toriipb.TopicSubscription{{Topic: "erc20.transfer", Filters: map[string]string{}}}, nil)
	bus.PublishProtobuf("erc20.transfer", "Transfer", mustStructAny(t, map[string]any{"x": "1"}), toriipb.UpdateTypeCreated, func(map[string]string) bool { return true })

	select {
	case <-ch1:
	default:
		t.Fatal("client 1 did not receive broadcast")
	}
	select {
	case <-ch2:
		t.Fatal("client 2 received a broadcast it never subscribed to")
	default:
	}
}

func TestRegisterClientReassignsDuplicateExplicitID(t *testing.T) {
	m := NewSubscriptionManager()

	id1, ch1 := m.RegisterClient("dup")
	id2, ch2 := m.RegisterClient("dup")

	require.Equal(t, "dup", id1)
	require.NotEqual(t, id1, id2)

	// Unregistering the second (reassigned) client must not affect the first.
	m.UnregisterClient(id2)
	_, stillOpen := <-ch2
	require.False(t, stillOpen)

	select {
	case <-ch1:
		t.Fatal("unrelated client's channel was closed")
	default:
	}
}

func TestUnregisterClientClosesOnlyItsOwnChannel(t *testing.T) {
	m := NewSubscriptionManager()
	idA, chA := m.RegisterClient("a")
	idB, chB := m.RegisterClient("b")

	m.UnregisterClient(idA)

	_, openA := <-chA
	require.False(t, openA)

	select {
	case <-chB:
		t.Fatal("unrelated client b's channel was closed by unregistering a")
	default:
	}
	m.UnregisterClient(idB)
}

// TestBroadcastDeliversOnlyToMatchingFilter exercises scenario S5: a wallet-filtered
// subscriber for an ERC20 transfer topic receives updates only for transfers touching
// its wallet, each exactly once, in publish order.
func TestBroadcastDeliversOnlyToMatchingFilter(t *testing.T) {
	m := NewSubscriptionManager()
	bus := NewEventBus(m)

	id, ch := m.RegisterClient("")
	m.UpdateSubscriptions(id, []toriipb.TopicSubscription{
		{Topic: "erc20.transfer", Filters: map[string]string{"wallet": "0xA"}},
	}, nil)

	transfers := []struct {
		from, to string
	}{
		{"0xA", "0xB"},
		{"0xC", "0xA"},
		{"0xC", "0xD"},
	}
	for _, tr := range transfers {
		tr := tr
		filterFn := func(filters map[string]string) bool {
			wallet, ok := filters["wallet"]
			return ok && (wallet == tr.from || wallet == tr.to)
		}
		bus.PublishProtobuf("erc20.transfer", "Transfer", mustStructAny(t, map[string]any{"from": tr.from, "to": tr.to}), toriipb.UpdateTypeCreated, filterFn)
	}

	var received []map[string]any
	for i := 0; i < 2; i++ {
		select {
		case update := <-ch:
			fields, err := StructAnyFields(update.Data)
			require.NoError(t, err)
			received = append(received, fields)
		default:
			t.Fatalf("expected update %d, channel empty", i)
		}
	}
	select {
	case <-ch:
		t.Fatal("received an update for a non-matching transfer")
	default:
	}

	require.Len(t, received, 2)
	require.Equal(t, "0xA", received[0]["from"])
	require.Equal(t, "0xC", received[1]["from"])
	require.Equal(t, "0xA", received[1]["to"])
}

func TestUpdateSubscriptionsUnsubscribeStopsDelivery(t *testing.T) {
	m := NewSubscriptionManager()
	bus := NewEventBus(m)

	id, ch := m.RegisterClient("")
	m.UpdateSubscriptions(id, []toriipb.TopicSubscription{{Topic: "erc20.transfer", Filters: map[string]string{}}}, nil)
	m.UpdateSubscriptions(id, nil, []string{"erc20.transfer"})

	bus.PublishProtobuf("erc20.transfer", "Transfer", mustStructAny(t, map[string]any{}), toriipb.UpdateTypeCreated, func(map[string]string) bool { return true })

	select {
	case <-ch:
		t.Fatal("received update after unsubscribing")
	default:
	}
}

func TestBroadcastDropsOnFullChannelWithoutBlocking(t *testing.T) {
	m := NewSubscriptionManager()
	bus := NewEventBus(m)

	id, ch := m.RegisterClient("")
	m.UpdateSubscriptions(id, []toriipb.TopicSubscription{{Topic: "t", Filters: map[string]string{}}}, nil)

	for i := 0; i < subscriptionChannelSize+5; i++ {
		bus.PublishProtobuf("t", "T", mustStructAny(t, map[string]any{}), toriipb.UpdateTypeCreated, func(map[string]string) bool { return true })
	}

	require.Len(t, ch, subscriptionChannelSize)
}

func mustStructAny(t *testing.T, fields map[string]any) *anypb.Any {
	t.Helper()
	a, err := StructAny(fields)
	require.NoError(t, err)
	return a
}
