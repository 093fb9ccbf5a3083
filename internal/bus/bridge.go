package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/nats-io/nats.go"
)

// HeaderMsgID carries the query id on mirrored audio chunks, which have no
// JSON envelope.
const HeaderMsgID = "Loqa-Msg-Id"

const remoteQueryTimeout = 2 * time.Minute

// Orchestrator is the part of the pipeline remote clients may drive.
type Orchestrator interface {
	AskQuery(ctx context.Context, text, id string) (string, error)
	PlayEffect(ctx context.Context, name string) error
}

// Bridge mirrors bus events to NATS subjects and answers remote queries.
type Bridge struct {
	client      *Client
	bus         *eventbus.Bus
	orch        Orchestrator
	prefix      string
	mirrorAudio bool
	logger      *slog.Logger

	subs     []eventbus.Subscription
	natsSubs []*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBridge(parent context.Context, client *Client, bus *eventbus.Bus, orch Orchestrator, cfg config.BusConfig, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		client:      client,
		bus:         bus,
		orch:        orch,
		prefix:      client.Prefix(),
		mirrorAudio: cfg.MirrorAudio,
		logger:      logger.With(slog.String("component", "bus-bridge")),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes the mirrored channels and the request subjects.
func (b *Bridge) Start() error {
	channels := []eventbus.Channel{
		eventbus.ChannelQuery,
		eventbus.ChannelTextResponse,
		eventbus.ChannelTTSFirstChunk,
		eventbus.ChannelTTSTiming,
		eventbus.ChannelPlayEffect,
	}
	// Mirroring audio makes the channel permanently subscribed, which turns
	// off the no-listener synthesis skip.
	if b.mirrorAudio {
		channels = append(channels, eventbus.ChannelAudioChunk)
	}

	querySub, err := b.client.Subscribe(protocol.QuerySubject(b.prefix), b.handleQuery)
	if err != nil {
		return err
	}
	vfxSub, err := b.client.Subscribe(protocol.VFXSubject(b.prefix), b.handleVFX)
	if err != nil {
		_ = querySub.Unsubscribe()
		return err
	}
	b.natsSubs = []*nats.Subscription{querySub, vfxSub}

	for _, ch := range channels {
		b.subs = append(b.subs, b.bus.Subscribe(ch, b))
	}
	b.logger.Info("bus bridge started", slog.String("prefix", b.prefix), slog.Bool("mirror_audio", b.mirrorAudio))
	return nil
}

func (b *Bridge) Close() {
	for _, sub := range b.subs {
		b.bus.Unsubscribe(sub)
	}
	b.subs = nil
	b.cancel()
	for _, sub := range b.natsSubs {
		_ = sub.Drain()
	}
	b.wg.Wait()
}

func (b *Bridge) Healthy() bool { return b.client.Healthy() }

// HandleEvent mirrors one bus event. NATS failures are logged and never
// reported to the publisher.
func (b *Bridge) HandleEvent(_ context.Context, evt eventbus.Event) error {
	msg := nats.NewMsg(protocol.EventSubject(b.prefix, evt.Channel))
	if evt.Channel == eventbus.ChannelAudioChunk {
		msg.Header.Set(HeaderMsgID, evt.MsgID)
		msg.Data = evt.Audio
	} else {
		frame, ok := protocol.FrameForEvent(evt)
		if !ok {
			return nil
		}
		data, err := json.Marshal(frame)
		if err != nil {
			b.logger.Warn("failed to encode mirrored event", slogError(err))
			return nil
		}
		msg.Data = data
	}
	if err := b.client.PublishMsg(msg); err != nil {
		b.logger.Warn("failed to mirror event", slog.String("channel", string(evt.Channel)), slogError(err))
	}
	return nil
}

func (b *Bridge) handleQuery(msg *nats.Msg) {
	var req protocol.Inbound
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, protocol.PromptError("invalid request: "+err.Error()))
		return
	}
	if req.Text == "" {
		b.respond(msg, protocol.PromptError("No 'text' provided"))
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, remoteQueryTimeout)
		defer cancel()

		resp, err := b.orch.AskQuery(ctx, req.Text, req.MsgID)
		if err != nil {
			b.logger.Warn("remote query failed", slogError(err))
			b.respond(msg, protocol.PromptError(err.Error()))
			return
		}
		b.respond(msg, protocol.PromptOK(req.Text, resp))
	}()
}

func (b *Bridge) handleVFX(msg *nats.Msg) {
	var req protocol.Inbound
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		b.respond(msg, protocol.PromptError("invalid request: "+err.Error()))
		return
	}
	if err := b.orch.PlayEffect(b.ctx, req.VFX); err != nil {
		b.respond(msg, protocol.PromptError(err.Error()))
		return
	}
	b.respond(msg, protocol.PromptResponse{Status: "ok"})
}

func (b *Bridge) respond(msg *nats.Msg, resp protocol.PromptResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
