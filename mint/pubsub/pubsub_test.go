package pubsub

import (
	"fmt"
	"testing"
)

func TestPublishOrder(t *testing.T) {
	bus := NewPubSub(10)
	sub := bus.Subscribe("quote1", "quote2")

	bus.Publish("quote1", []byte("UNPAID"))
	bus.Publish("quote2", []byte("PENDING"))
	bus.Publish("quote1", []byte("PAID"))
	bus.Publish("other", []byte("ignored"))

	expected := []struct {
		topic   string
		payload string
	}{
		{"quote1", "UNPAID"},
		{"quote2", "PENDING"},
		{"quote1", "PAID"},
	}

	for _, exp := range expected {
		msg := <-sub.GetMessages()
		if msg.Topic() != exp.topic {
			t.Fatalf("expected topic '%v' but got '%v'", exp.topic, msg.Topic())
		}
		if string(msg.Payload()) != exp.payload {
			t.Fatalf("expected payload '%v' but got '%v'", exp.payload, string(msg.Payload()))
		}
	}

	select {
	case msg := <-sub.GetMessages():
		t.Fatalf("expected no more messages but got '%v'", string(msg.Payload()))
	default:
	}
}

func TestFanOut(t *testing.T) {
	bus := NewPubSub(10)
	subs := make([]*Subscriber, 5)
	for i := range subs {
		subs[i] = bus.Subscribe("topic")
	}

	if bus.SubscriberCount("topic") != 5 {
		t.Fatalf("expected '%v' subscribers but got '%v'", 5, bus.SubscriberCount("topic"))
	}

	bus.Publish("topic", []byte("hello"))
	for _, sub := range subs {
		msg := <-sub.GetMessages()
		if string(msg.Payload()) != "hello" {
			t.Fatalf("expected payload '%v' but got '%v'", "hello", string(msg.Payload()))
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewPubSub(10)
	sub := bus.Subscribe("a", "b")
	bus.Unsubscribe(sub)
	// second unsubscribe is a no-op
	bus.Unsubscribe(sub)

	bus.Publish("a", []byte("msg"))

	if _, ok := <-sub.GetMessages(); ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	if sub.Dropped() {
		t.Fatal("expected unsubscribed subscriber to not be marked as dropped")
	}
	if bus.SubscriberCount("a") != 0 || bus.SubscriberCount("b") != 0 {
		t.Fatal("expected no subscribers left")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := NewPubSub(2)
	slow := bus.Subscribe("topic")
	fast := bus.Subscribe("topic")

	for i := 0; i < 3; i++ {
		bus.Publish("topic", []byte(fmt.Sprintf("msg%d", i)))
		// fast subscriber keeps up
		<-fast.GetMessages()
	}

	if !slow.Dropped() {
		t.Fatal("expected slow subscriber to be dropped")
	}
	if fast.Dropped() {
		t.Fatal("expected fast subscriber to not be dropped")
	}

	// messages queued before the drop are still readable, then the channel is closed
	count := 0
	for range slow.GetMessages() {
		count++
	}
	if count != 2 {
		t.Fatalf("expected '%v' queued messages but got '%v'", 2, count)
	}

	if bus.SubscriberCount("topic") != 1 {
		t.Fatalf("expected '%v' subscribers but got '%v'", 1, bus.SubscriberCount("topic"))
	}
}
