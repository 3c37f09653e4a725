package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/apm-auto/coordinator/internal/model"
)

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	other := b.Subscribe("task.")

	b.Publish(Event{Topic: TopicAgentActive, Payload: "x"})

	select {
	case ev := <-sub.C():
		if ev.Topic != TopicAgentActive {
			t.Fatalf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery to agent. subscriber")
	}

	select {
	case ev := <-other.C():
		t.Fatalf("task. subscriber should not have received %v", ev)
	default:
	}
}

func TestSubscribeOnceUnsubscribesAfterFirstEvent(t *testing.T) {
	b := New()
	sub := b.SubscribeOnce("agent.")
	b.Publish(Event{Topic: TopicAgentActive})
	<-sub.C()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected one-shot subscription to be removed, count=%d", b.SubscriberCount())
	}
}

func TestDroppedEventsAreCounted(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	// Fill the subscriber's buffer (capacity 100) then overflow it.
	for i := 0; i < 101; i++ {
		b.Publish(Event{Topic: TopicAgentActive})
	}
	if b.DroppedEventCount() == 0 {
		t.Fatalf("expected at least one dropped event")
	}
	// Drain so the test doesn't leak a full channel.
	for i := 0; i < 100; i++ {
		<-sub.C()
	}
}

func TestBufferingWhileDisconnected(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	b.SetDisconnected(true)
	b.Publish(Event{Topic: TopicAgentActive, Payload: 1})
	b.Publish(Event{Topic: TopicAgentIdle, Payload: 2})

	select {
	case <-sub.C():
		t.Fatal("no live delivery expected while buffering")
	default:
	}

	b.SetDisconnected(false)
	n := b.ReplayBufferedEvents()
	if n != 2 {
		t.Fatalf("expected 2 replayed events, got %d", n)
	}

	first := <-sub.C()
	second := <-sub.C()
	if first.Payload != 1 || second.Payload != 2 {
		t.Fatalf("expected arrival order preserved, got %v then %v", first.Payload, second.Payload)
	}
}

type fakeTransitionReader struct {
	history []model.StateTransition
}

func (f *fakeTransitionReader) GetAgentHistory(ctx context.Context, agentID string, limit int) ([]model.StateTransition, error) {
	return f.history, nil
}

func TestReplayHistoricalEventsPreservesOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("agent.")
	base := time.Now()
	reader := &fakeTransitionReader{history: []model.StateTransition{
		{EntityID: "a1", FromState: "", ToState: "Spawning", Timestamp: base, Trigger: model.TriggerAutomatic},
		{EntityID: "a1", FromState: "Spawning", ToState: "Active", Timestamp: base.Add(time.Second), Trigger: model.TriggerAutomatic},
	}}
	b.SetTransitionReader(reader)

	n, err := b.ReplayHistoricalEvents(context.Background(), "a1", nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events replayed, got %d", n)
	}
	first := <-sub.C()
	second := <-sub.C()
	if first.Topic != TopicAgentSpawning || second.Topic != TopicAgentActive {
		t.Fatalf("unexpected replay order: %v then %v", first.Topic, second.Topic)
	}
}
