package tts

import (
	"context"
	"encoding/binary"
	"math"
	"unicode/utf8"
)

const (
	mockToneHz      = 440
	mockMSPerRune   = 40
	mockMinDuration = 120
	mockAmplitude   = 0.2 * math.MaxInt16
)

type mockSynth struct {
	sampleRate int
	channels   int
	chunkMS    int
}

// NewMockSynth returns a synthesizer that renders a sine tone whose length
// follows the sentence length. chunkMS > 0 streams the tone in slices of that
// duration; otherwise the whole tone is one chunk.
func NewMockSynth(sampleRate, channels, chunkMS int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, chunkMS: chunkMS}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		pcm := m.tone(req.Text)
		frameBytes := 2 * m.channels
		step := len(pcm)
		if m.chunkMS > 0 {
			step = m.sampleRate * m.chunkMS / 1000 * frameBytes
			if step <= 0 {
				step = frameBytes
			}
		}
		for offset := 0; offset < len(pcm); offset += step {
			end := min(offset+step, len(pcm))
			chunk := SynthChunk{
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        pcm[offset:end],
				Final:      end == len(pcm),
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) tone(text string) []byte {
	ms := max(utf8.RuneCountInString(text)*mockMSPerRune, mockMinDuration)
	frames := m.sampleRate * ms / 1000
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(mockAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
