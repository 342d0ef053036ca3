package bus

import (
	"testing"

	"github.com/miosa-osa/osa/pkg/models"
)

func TestPublishFanout(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe(models.EventAgentResponse, func(ev models.Event) {
		order = append(order, "typed")
	})
	b.SubscribeAll(func(ev models.Event) {
		order = append(order, "wildcard")
	})
	b.Subscribe(models.EventToolCall, func(ev models.Event) {
		order = append(order, "other")
	})

	b.Publish(models.NewEvent(models.EventAgentResponse, "s1", nil))

	if len(order) != 2 {
		t.Fatalf("handlers called = %d, want 2 (%v)", len(order), order)
	}
	if order[0] != "typed" || order[1] != "wildcard" {
		t.Errorf("call order = %v, want [typed wildcard]", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	cancel := b.Subscribe(models.EventSystem, func(models.Event) { calls++ })

	b.Publish(models.NewEvent(models.EventSystem, "", nil))
	cancel()
	cancel() // second call is a no-op
	b.Publish(models.NewEvent(models.EventSystem, "", nil))

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	b := New()

	survived := 0
	b.Subscribe(models.EventSystem, func(models.Event) { panic("boom") })
	b.Subscribe(models.EventSystem, func(models.Event) { survived++ })

	b.Publish(models.NewEvent(models.EventSystem, "", nil))
	b.Publish(models.NewEvent(models.EventSystem, "", nil))

	if survived != 2 {
		t.Errorf("surviving handler calls = %d, want 2", survived)
	}
}

func TestPubSubTopics(t *testing.T) {
	b := New()
	ps := NewPubSub(b)
	defer ps.Close()

	fire := ps.Subscribe(TopicFirehose)
	sess := ps.Subscribe(SessionTopic("s1"))
	typed := ps.Subscribe(TypeTopic(models.EventAgentResponse))
	other := ps.Subscribe(SessionTopic("s2"))

	b.Publish(models.NewEvent(models.EventAgentResponse, "s1", map[string]any{"content": "hi there"}))

	for name, sub := range map[string]*Subscription{"firehose": fire, "session": sess, "type": typed} {
		select {
		case ev := <-sub.C:
			if ev.Type != models.EventAgentResponse {
				t.Errorf("%s got type %q", name, ev.Type)
			}
		default:
			t.Errorf("%s subscription received nothing", name)
		}
	}

	select {
	case ev := <-other.C:
		t.Errorf("s2 subscription received %v", ev.Type)
	default:
	}
}

func TestPubSubDropsOldest(t *testing.T) {
	b := New()
	ps := NewPubSub(b, WithMailboxSize(2))
	defer ps.Close()

	sub := ps.Subscribe(TopicFirehose)

	for i := 0; i < 3; i++ {
		b.Publish(models.NewEvent(models.EventSystem, "", map[string]any{"seq": i}))
	}

	if got := ps.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	first := <-sub.C
	second := <-sub.C
	if first.Payload["seq"] != 1 || second.Payload["seq"] != 2 {
		t.Errorf("mailbox kept seq %v, %v; want 1, 2", first.Payload["seq"], second.Payload["seq"])
	}
}

func TestSubscriptionCancel(t *testing.T) {
	b := New()
	ps := NewPubSub(b)
	defer ps.Close()

	sub := ps.Subscribe(TopicFirehose)
	sub.Cancel()

	// Delivery after cancel must not panic on the closed channel.
	b.Publish(models.NewEvent(models.EventSystem, "", nil))

	if _, ok := <-sub.C; ok {
		t.Error("channel still open after Cancel")
	}
}

func TestPubSubOrdering(t *testing.T) {
	b := New()
	ps := NewPubSub(b)
	defer ps.Close()

	sub := ps.Subscribe(SessionTopic("s1"))
	for i := 0; i < 10; i++ {
		b.Publish(models.NewEvent(models.EventLLMRequest, "s1", map[string]any{"seq": i}))
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C
		if ev.Payload["seq"] != i {
			t.Fatalf("event %d out of order: got seq %v", i, ev.Payload["seq"])
		}
	}
}
