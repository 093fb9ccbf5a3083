// Package protocol defines the JSON frames exchanged with websocket clients
// and the NATS subjects used by the bus bridge.
package protocol

import (
	"time"

	"github.com/loqalabs/loqa-gateway/internal/eventbus"
)

// Inbound frame types.
const (
	TypeQuery        = "query"
	TypePlayVFX      = "play-vfx"
	TypeResetContext = "reset-context"
)

// Outbound frame types.
const (
	TypeDone          = "done"
	TypeTTSElapsed    = "tts-elapsed"
	TypeTTSFirstChunk = "tts-first-chunk"
	TypeError         = "error"
)

// Inbound is any frame a client may send. Only the fields relevant to Type
// are set.
type Inbound struct {
	Type  string `json:"type"`
	MsgID string `json:"msgId,omitempty"`
	Text  string `json:"text,omitempty"`
	VFX   string `json:"vfx,omitempty"`
}

type QueryFrame struct {
	Type  string `json:"type"`
	MsgID string `json:"msgId"`
	Text  string `json:"text"`
}

type DoneFrame struct {
	Type       string  `json:"type"`
	MsgID      string  `json:"msgId"`
	Text       string  `json:"text"`
	ElapsedLLM float64 `json:"elapsed_llm"`
}

type TTSElapsedFrame struct {
	Type       string  `json:"type"`
	MsgID      string  `json:"msgId"`
	ElapsedTTS float64 `json:"elapsed_tts"`
}

type TTSFirstChunkFrame struct {
	Type              string  `json:"type"`
	MsgID             string  `json:"msgId"`
	ElapsedFirstChunk float64 `json:"elapsed_first_chunk"`
}

type PlayVFXFrame struct {
	Type string `json:"type"`
	VFX  string `json:"vfx"`
}

type ErrorFrame struct {
	Type  string `json:"type"`
	MsgID string `json:"msgId"`
	Error string `json:"error"`
}

// PromptResponse is the reply of the request/response query path used by
// /prompt and the NATS query subject.
type PromptResponse struct {
	Status         string `json:"status"`
	ReceivedPrompt string `json:"received_prompt,omitempty"`
	Resp           string `json:"resp,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func PromptOK(prompt, resp string) PromptResponse {
	return PromptResponse{Status: "ok", ReceivedPrompt: prompt, Resp: resp}
}

func PromptError(reason string) PromptResponse {
	return PromptResponse{Status: "error", Reason: reason}
}

// Seconds renders a duration the way clients expect elapsed values.
func Seconds(d time.Duration) float64 { return d.Seconds() }

// FrameForEvent maps a text-carrying bus event to its outbound frame. It
// returns false for audio-chunk, which travels as a raw binary frame.
func FrameForEvent(evt eventbus.Event) (any, bool) {
	switch evt.Channel {
	case eventbus.ChannelQuery:
		return QueryFrame{Type: TypeQuery, MsgID: evt.MsgID, Text: evt.Text}, true
	case eventbus.ChannelTextResponse:
		return DoneFrame{Type: TypeDone, MsgID: evt.MsgID, Text: evt.Text, ElapsedLLM: Seconds(evt.Elapsed)}, true
	case eventbus.ChannelTTSTiming:
		return TTSElapsedFrame{Type: TypeTTSElapsed, MsgID: evt.MsgID, ElapsedTTS: Seconds(evt.Elapsed)}, true
	case eventbus.ChannelTTSFirstChunk:
		return TTSFirstChunkFrame{Type: TypeTTSFirstChunk, MsgID: evt.MsgID, ElapsedFirstChunk: Seconds(evt.Elapsed)}, true
	case eventbus.ChannelPlayEffect:
		return PlayVFXFrame{Type: TypePlayVFX, VFX: evt.Effect}, true
	default:
		return nil, false
	}
}
