// Package eventbus implements the in-process publish/subscribe registry that
// connects the orchestrator to every connected client.
//
// Each channel holds an ordered list of subscriptions. Publish invokes the
// handlers of a channel one after another, in subscription order, waiting for
// each to return before calling the next. Handler errors are not swallowed:
// the first error stops delivery and is returned to the publisher.
package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Channel names a stream of events of a single kind.
type Channel string

const (
	ChannelQuery         Channel = "query"
	ChannelTextResponse  Channel = "text-response"
	ChannelAudioChunk    Channel = "audio-chunk"
	ChannelTTSTiming     Channel = "tts-timing"
	ChannelTTSFirstChunk Channel = "tts-first-chunk"
	ChannelPlayEffect    Channel = "play-effect"
)

// Event is the payload delivered to handlers. Fields that do not apply to a
// channel are left zero.
type Event struct {
	Channel Channel
	MsgID   string
	Text    string
	Effect  string
	Audio   []byte
	Elapsed time.Duration
}

// Handler consumes events published on a channel.
type Handler interface {
	HandleEvent(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Subscription is the token returned by Subscribe. The zero value is a valid
// token that refers to nothing.
type Subscription struct {
	channel Channel
	id      uint64
}

// Channel reports the channel the subscription belongs to.
func (s Subscription) Channel() Channel { return s.channel }

type entry struct {
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Bus is an ordered, mutable list of handlers per channel.
type Bus struct {
	mu       sync.RWMutex
	channels map[Channel][]*entry
	nextID   atomic.Uint64
}

func New() *Bus {
	return &Bus{channels: make(map[Channel][]*entry)}
}

// Subscribe appends handler to the channel. Subscribing a handler that is
// already present on the channel returns the existing subscription, so a
// handler object appears at most once per channel.
func (b *Bus) Subscribe(channel Channel, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if isComparable(handler) {
		for _, e := range b.channels[channel] {
			if isComparable(e.handler) && e.handler == handler {
				return Subscription{channel: channel, id: e.id}
			}
		}
	}

	e := &entry{id: b.nextID.Add(1), handler: handler}
	e.active.Store(true)
	b.channels[channel] = append(b.channels[channel], e)
	return Subscription{channel: channel, id: e.id}
}

// Unsubscribe removes the subscription. It is a no-op when the subscription
// was already removed or never existed.
func (b *Bus) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.channels[sub.channel]
	for i, e := range entries {
		if e.id != sub.id {
			continue
		}
		e.active.Store(false)
		next := make([]*entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(b.channels, sub.channel)
		} else {
			b.channels[sub.channel] = next
		}
		return
	}
}

// HasSubscribers reports whether anything currently listens on channel.
func (b *Bus) HasSubscribers(channel Channel) bool {
	return b.Len(channel) > 0
}

// Len returns the number of subscriptions on channel.
func (b *Bus) Len(channel Channel) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Publish delivers evt to every handler subscribed on evt.Channel. The
// subscriber list is snapshotted first; a subscription removed while the
// publish is in flight is skipped when its turn comes.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	snapshot := b.channels[evt.Channel]
	b.mu.RUnlock()

	for _, e := range snapshot {
		if !e.active.Load() {
			continue
		}
		if err := e.handler.HandleEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func isComparable(h Handler) bool {
	return h != nil && reflect.TypeOf(h).Comparable()
}
