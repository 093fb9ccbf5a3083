package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/eventbus"
)

func TestFrameForEventEncodesElapsedSeconds(t *testing.T) {
	frame, ok := FrameForEvent(eventbus.Event{
		Channel: eventbus.ChannelTextResponse,
		MsgID:   "ABC",
		Text:    "Hi there",
		Elapsed: 1500 * time.Millisecond,
	})
	if !ok {
		t.Fatal("expected a frame for text-response")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"type":"done","msgId":"ABC","text":"Hi there","elapsed_llm":1.5}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}

func TestFrameForEventAudioHasNoEnvelope(t *testing.T) {
	if _, ok := FrameForEvent(eventbus.Event{Channel: eventbus.ChannelAudioChunk, Audio: []byte{1, 2}}); ok {
		t.Fatal("audio-chunk must not produce a text frame")
	}
}

func TestEventSubject(t *testing.T) {
	if got := EventSubject("gateway", eventbus.ChannelTTSTiming); got != "gateway.events.tts-timing" {
		t.Fatalf("unexpected subject %s", got)
	}
	if QuerySubject("edge") != "edge.query" || VFXSubject("edge") != "edge.vfx" {
		t.Fatal("unexpected request subjects")
	}
}
