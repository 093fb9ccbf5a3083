package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recorder struct {
	mu    sync.Mutex
	name  string
	order *[]string
}

func (r *recorder) HandleEvent(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.order = append(*r.order, r.name+":"+evt.MsgID)
	return nil
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		bus.Subscribe(ChannelQuery, &recorder{name: name, order: &order})
	}

	for i := 0; i < 3; i++ {
		order = order[:0]
		if err := bus.Publish(context.Background(), Event{Channel: ChannelQuery, MsgID: "X"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		want := []string{"a:X", "b:X", "c:X"}
		if len(order) != len(want) {
			t.Fatalf("expected %v, got %v", want, order)
		}
		for j := range want {
			if order[j] != want[j] {
				t.Fatalf("expected %v, got %v", want, order)
			}
		}
	}
}

func TestSubscribeSameHandlerIsIdempotent(t *testing.T) {
	bus := New()
	var order []string
	h := &recorder{name: "a", order: &order}

	first := bus.Subscribe(ChannelQuery, h)
	second := bus.Subscribe(ChannelQuery, h)
	if first != second {
		t.Fatalf("expected same subscription, got %v and %v", first, second)
	}
	if bus.Len(ChannelQuery) != 1 {
		t.Fatalf("expected one subscriber, got %d", bus.Len(ChannelQuery))
	}

	// Same handler on another channel is a distinct handle.
	other := bus.Subscribe(ChannelTextResponse, h)
	if other == first {
		t.Fatal("expected distinct handle per channel")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New()
	var order []string
	subA := bus.Subscribe(ChannelQuery, &recorder{name: "a", order: &order})
	bus.Subscribe(ChannelQuery, &recorder{name: "b", order: &order})

	bus.Unsubscribe(subA)
	bus.Unsubscribe(subA)
	bus.Unsubscribe(Subscription{})
	bus.Unsubscribe(Subscription{channel: ChannelAudioChunk, id: 999})

	if err := bus.Publish(context.Background(), Event{Channel: ChannelQuery, MsgID: "1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(order) != 1 || order[0] != "b:1" {
		t.Fatalf("expected only b to receive, got %v", order)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := New()
	if bus.HasSubscribers(ChannelAudioChunk) {
		t.Fatal("expected no subscribers")
	}
	if err := bus.Publish(context.Background(), Event{Channel: ChannelAudioChunk}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub := bus.Subscribe(ChannelAudioChunk, HandlerFunc(func(context.Context, Event) error { return nil }))
	if !bus.HasSubscribers(ChannelAudioChunk) {
		t.Fatal("expected subscribers after subscribe")
	}
	bus.Unsubscribe(sub)
	if bus.HasSubscribers(ChannelAudioChunk) {
		t.Fatal("expected no subscribers after unsubscribe")
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	var delivered []string
	var subB Subscription

	bus.Subscribe(ChannelAudioChunk, HandlerFunc(func(context.Context, Event) error {
		delivered = append(delivered, "a")
		// b disconnects while the broadcast is in flight
		bus.Unsubscribe(subB)
		return nil
	}))
	subB = bus.Subscribe(ChannelAudioChunk, HandlerFunc(func(context.Context, Event) error {
		delivered = append(delivered, "b")
		return nil
	}))
	bus.Subscribe(ChannelAudioChunk, HandlerFunc(func(context.Context, Event) error {
		delivered = append(delivered, "c")
		return nil
	}))

	if err := bus.Publish(context.Background(), Event{Channel: ChannelAudioChunk}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != "a" || delivered[1] != "c" {
		t.Fatalf("expected a,c got %v", delivered)
	}

	delivered = nil
	if err := bus.Publish(context.Background(), Event{Channel: ChannelAudioChunk}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, d := range delivered {
		if d == "b" {
			t.Fatalf("unsubscribed handler received event: %v", delivered)
		}
	}
}

func TestSubscribeDuringPublishDoesNotJoinInFlightDelivery(t *testing.T) {
	bus := New()
	calls := 0
	bus.Subscribe(ChannelQuery, HandlerFunc(func(context.Context, Event) error {
		bus.Subscribe(ChannelQuery, HandlerFunc(func(context.Context, Event) error {
			calls++
			return nil
		}))
		return nil
	}))

	if err := bus.Publish(context.Background(), Event{Channel: ChannelQuery}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if calls != 0 {
		t.Fatalf("late subscriber should not see in-flight event, got %d calls", calls)
	}
	if bus.Len(ChannelQuery) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.Len(ChannelQuery))
	}
}

func TestPublishStopsAtFirstError(t *testing.T) {
	bus := New()
	boom := errors.New("write failed")
	reachedLast := false

	bus.Subscribe(ChannelTextResponse, HandlerFunc(func(context.Context, Event) error { return boom }))
	bus.Subscribe(ChannelTextResponse, HandlerFunc(func(context.Context, Event) error {
		reachedLast = true
		return nil
	}))

	err := bus.Publish(context.Background(), Event{Channel: ChannelTextResponse})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if reachedLast {
		t.Fatal("expected delivery to stop at failing handler")
	}
}
