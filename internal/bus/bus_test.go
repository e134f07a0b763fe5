package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("request.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicRequestCreated, RequestEvent{RequestID: "req_abc", AgentID: "fox"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicRequestCreated {
			t.Fatalf("topic = %q", ev.Topic)
		}
		re, ok := ev.Payload.(RequestEvent)
		if !ok || re.AgentID != "fox" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	queueSub := b.Subscribe("queue.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(queueSub)
	defer b.Unsubscribe(allSub)

	b.Publish(TopicQueueSent, QueueEvent{ItemID: "q1"})
	b.Publish(TopicRequestCreated, RequestEvent{RequestID: "req_abc"})

	select {
	case ev := <-queueSub.Ch():
		if ev.Topic != TopicQueueSent {
			t.Fatalf("queue sub got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("queue sub got nothing")
	}
	select {
	case ev := <-queueSub.Ch():
		t.Fatalf("queue sub should not see %q", ev.Topic)
	default:
	}

	for _, want := range []string{TopicQueueSent, TopicRequestCreated} {
		select {
		case ev := <-allSub.Ch():
			if ev.Topic != want {
				t.Fatalf("all sub got %q, want %q", ev.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("all sub missing %q", want)
		}
	}
}

func TestNilBusPublishIsSafe(t *testing.T) {
	var b *Bus
	b.Publish(TopicLeaseAcquired, LeaseEvent{LeaseKey: "k", HolderID: "w1"})
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicQueueEnqueued, QueueEvent{ItemID: "q"})
	}

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != defaultBufferSize {
				t.Fatalf("received %d events, want %d", count, defaultBufferSize)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(TopicQueueSent, QueueEvent{ItemID: "q"})
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
