package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/eventbus"
)

const defaultQueueSize = 256

var recordedChannels = []eventbus.Channel{
	eventbus.ChannelQuery,
	eventbus.ChannelTextResponse,
	eventbus.ChannelTTSFirstChunk,
	eventbus.ChannelTTSTiming,
}

// Recorder journals query timings from the bus. Writes happen on a
// background goroutine; when the queue is full events are dropped so a slow
// disk never holds up a publish.
type Recorder struct {
	store *Store
	bus   *eventbus.Bus
	log   *slog.Logger
	queue chan eventbus.Event
	subs  []eventbus.Subscription
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewRecorder(store *Store, bus *eventbus.Bus, queueSize int, log *slog.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		store: store,
		bus:   bus,
		log:   log.With(slog.String("component", "recorder")),
		queue: make(chan eventbus.Event, queueSize),
	}
}

// Start subscribes the recorder and launches its writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
	for _, ch := range recordedChannels {
		r.subs = append(r.subs, r.bus.Subscribe(ch, r))
	}
}

func (r *Recorder) HandleEvent(_ context.Context, evt eventbus.Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return nil
	}
	select {
	case r.queue <- eventbus.Event{Channel: evt.Channel, MsgID: evt.MsgID, Elapsed: evt.Elapsed}:
	default:
		r.log.Warn("journal queue full, dropping event",
			slog.String("channel", string(evt.Channel)), slog.String("msg_id", evt.MsgID))
	}
	return nil
}

// Close unsubscribes and flushes queued events.
func (r *Recorder) Close() {
	for _, sub := range r.subs {
		r.bus.Unsubscribe(sub)
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for evt := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if evt.Channel == eventbus.ChannelQuery {
			err = r.store.RecordQuery(ctx, evt.MsgID)
		} else {
			err = r.store.AppendEvent(ctx, Event{MsgID: evt.MsgID, Type: string(evt.Channel), Elapsed: evt.Elapsed})
		}
		cancel()
		if err != nil {
			r.log.Warn("failed to journal event", slog.String("msg_id", evt.MsgID), slog.String("error", err.Error()))
		}
	}
}
