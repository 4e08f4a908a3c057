package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"voucherkit/core"
)

type user string

func (u user) ID() core.UserID           { return core.UserID(u) }
func (u user) Name() string              { return string(u) }
func (u user) HasPermission(string) bool { return false }

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	h := NewHub()
	id, ch := h.Subscribe(1)

	ev := core.NewDenied("bob", "crate", "limit_reached")
	h.Broadcast(context.Background(), ev)

	received := <-ch
	if received.UserID != "bob" || received.Type != core.EventRedeemDenied {
		t.Fatalf("unexpected event: %+v", received)
	}

	h.Unsubscribe(id)
	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
}

func TestHubUserFilterAndDrops(t *testing.T) {
	h := NewHub()
	_, alice := h.SubscribeUser(1, "alice")
	h.Broadcast(context.Background(), core.NewDenied("bob", "crate", "x"))
	h.Broadcast(context.Background(), core.NewDenied("alice", "crate", "x"))
	h.Broadcast(context.Background(), core.NewDenied("alice", "crate", "y"))

	if got := (<-alice).Reason; got != "x" {
		t.Fatalf("unexpected reason %s", got)
	}
	if h.Dropped() != 1 {
		t.Fatalf("want 1 dropped got %d", h.Dropped())
	}
	if h.Subscribers() != 1 {
		t.Fatalf("want 1 subscriber")
	}
}

func TestNotifierAddressesUser(t *testing.T) {
	h := NewHub()
	_, alice := h.SubscribeUser(4, "alice")
	_, bob := h.SubscribeUser(4, "bob")
	n := NewNotifier(h)

	_ = n.ShowTitle(context.Background(), user("alice"), "Hello", "there", core.DefaultTitleTiming)
	_ = n.Send(context.Background(), user("alice"), core.MessageBroadcast, "alice redeemed a crate")

	title := <-alice
	if title.Metadata["title"] != "Hello" || title.Metadata["stay"] != 20 {
		t.Fatalf("unexpected title event %+v", title)
	}
	if ev := <-alice; ev.Metadata["text"] != "alice redeemed a crate" {
		t.Fatalf("unexpected broadcast %+v", ev)
	}
	if ev := <-bob; ev.UserID != "" {
		t.Fatalf("broadcast should be addressed to nobody, got %s", ev.UserID)
	}
}

func TestMarshalJSON(t *testing.T) {
	ev := core.NewVoucherGiven("alice", "crate", 3)
	b := MarshalJSON(ev)
	var out core.Event
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.VoucherID != "crate" || out.Metadata["amount"] != float64(3) {
		t.Fatalf("unexpected event: %+v", out)
	}
}
