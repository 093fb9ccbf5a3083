// Package socket translates between one client connection and the event
// bus. Each Handler subscribes the channel set of its role on creation and
// removes every subscription on disconnect.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// Role selects which channels a connection consumes.
type Role string

const (
	// RolePrimary consumes audio and effects (the game engine client).
	RolePrimary Role = "unity"
	// RoleSecondary consumes transcript and timings (the browser client).
	RoleSecondary Role = "browser"
)

// ParseRole maps a role name to a Role.
func ParseRole(name string) (Role, bool) {
	switch Role(name) {
	case RolePrimary:
		return RolePrimary, true
	case RoleSecondary:
		return RoleSecondary, true
	}
	return "", false
}

// Transport is the write side of a websocket connection.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
}

// Orchestrator is the subset of the pipeline a connection can drive.
type Orchestrator interface {
	AskQuery(ctx context.Context, text, id string) (string, error)
	PlayEffect(ctx context.Context, name string) error
	ResetContext()
}

// IDGenerator creates query ids for inbound queries without one.
type IDGenerator func() string

type Handler struct {
	role   Role
	conn   Transport
	bus    *eventbus.Bus
	orch   Orchestrator
	newID  IDGenerator
	logger *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   []eventbus.Subscription
	closed bool
}

// New creates a handler for conn and subscribes it to the channels of role.
func New(conn Transport, role Role, bus *eventbus.Bus, orch Orchestrator, newID IDGenerator, logger *slog.Logger) *Handler {
	h := &Handler{
		role:   role,
		conn:   conn,
		bus:    bus,
		orch:   orch,
		newID:  newID,
		logger: logger.With(slog.String("component", "socket"), slog.String("role", string(role))),
	}
	h.subscribe()
	return h
}

func (h *Handler) Role() Role { return h.role }

func (h *Handler) subscribe() {
	var handlers map[eventbus.Channel]eventbus.HandlerFunc
	switch h.role {
	case RolePrimary:
		handlers = map[eventbus.Channel]eventbus.HandlerFunc{
			eventbus.ChannelAudioChunk: h.onAudioChunk,
			eventbus.ChannelPlayEffect: h.onPlayEffect,
		}
	default:
		handlers = map[eventbus.Channel]eventbus.HandlerFunc{
			eventbus.ChannelQuery:         h.onQuery,
			eventbus.ChannelTextResponse:  h.onTextResponse,
			eventbus.ChannelTTSTiming:     h.onTTSTiming,
			eventbus.ChannelTTSFirstChunk: h.onTTSFirstChunk,
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for channel, fn := range handlers {
		h.subs = append(h.subs, h.bus.Subscribe(channel, fn))
	}
}

// Disconnect removes every subscription of the handler. It is safe to call
// more than once.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		h.bus.Unsubscribe(sub)
	}
}

// Subscriptions reports the channels the handler currently listens on.
func (h *Handler) Subscriptions() []eventbus.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]eventbus.Channel, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub.Channel())
	}
	return out
}

func (h *Handler) onAudioChunk(_ context.Context, evt eventbus.Event) error {
	h.write(websocket.BinaryMessage, evt.Audio)
	return nil
}

func (h *Handler) onPlayEffect(_ context.Context, evt eventbus.Event) error {
	return h.sendJSON(protocol.PlayVFXFrame{Type: protocol.TypePlayVFX, VFX: evt.Effect})
}

func (h *Handler) onQuery(_ context.Context, evt eventbus.Event) error {
	return h.sendJSON(protocol.QueryFrame{Type: protocol.TypeQuery, MsgID: evt.MsgID, Text: evt.Text})
}

func (h *Handler) onTextResponse(_ context.Context, evt eventbus.Event) error {
	return h.sendJSON(protocol.DoneFrame{
		Type:       protocol.TypeDone,
		MsgID:      evt.MsgID,
		Text:       evt.Text,
		ElapsedLLM: protocol.Seconds(evt.Elapsed),
	})
}

func (h *Handler) onTTSTiming(_ context.Context, evt eventbus.Event) error {
	return h.sendJSON(protocol.TTSElapsedFrame{Type: protocol.TypeTTSElapsed, MsgID: evt.MsgID, ElapsedTTS: protocol.Seconds(evt.Elapsed)})
}

func (h *Handler) onTTSFirstChunk(_ context.Context, evt eventbus.Event) error {
	return h.sendJSON(protocol.TTSFirstChunkFrame{
		Type:              protocol.TypeTTSFirstChunk,
		MsgID:             evt.MsgID,
		ElapsedFirstChunk: protocol.Seconds(evt.Elapsed),
	})
}

func (h *Handler) sendJSON(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	h.write(websocket.TextMessage, data)
	return nil
}

// write serializes writes on the connection. A failed write means the peer
// is gone, so the handler disconnects itself; the failure stays scoped to
// this connection and is not reported to the publisher.
func (h *Handler) write(messageType int, data []byte) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	h.writeMu.Lock()
	err := h.conn.WriteMessage(messageType, data)
	h.writeMu.Unlock()
	if err != nil {
		h.logger.Warn("write failed, dropping connection", slogError(err))
		h.Disconnect()
	}
}

// HandleMessage decodes one inbound text frame and dispatches it. Failures
// are reported to this connection as an error frame and never close it.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) {
	var msg protocol.Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reportError("", fmt.Errorf("decode message: %w", err))
		return
	}

	switch msg.Type {
	case protocol.TypeQuery:
		id := msg.MsgID
		if id == "" {
			id = h.newID()
		}
		if _, err := h.orch.AskQuery(ctx, msg.Text, id); err != nil {
			h.reportError(id, err)
		}
	case protocol.TypePlayVFX:
		if err := h.orch.PlayEffect(ctx, msg.VFX); err != nil {
			h.reportError(msg.MsgID, err)
		}
	case protocol.TypeResetContext:
		h.orch.ResetContext()
	default:
		h.logger.Info("ignoring unknown message type", slog.String("type", msg.Type))
	}
}

func (h *Handler) reportError(msgID string, err error) {
	h.logger.Warn("message handling failed", slog.String("msg_id", msgID), slogError(err))
	if sendErr := h.sendJSON(protocol.ErrorFrame{Type: protocol.TypeError, MsgID: msgID, Error: err.Error()}); sendErr != nil {
		h.logger.Warn("failed to send error frame", slogError(sendErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
