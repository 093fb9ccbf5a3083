package tts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps a PCM chunk into a standalone RIFF/WAVE buffer so every
// binary frame can be decoded on its own.
func EncodeWAV(chunk SynthChunk) ([]byte, error) {
	if len(chunk.PCM)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if chunk.SampleRate <= 0 || chunk.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio format %d Hz x %d", chunk.SampleRate, chunk.Channels)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: chunk.Channels, SampleRate: chunk.SampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(chunk.PCM)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(chunk.PCM[i*2:])))
	}
	buffer.Data = samples

	out := &memFile{}
	enc := wav.NewEncoder(out, chunk.SampleRate, 16, chunk.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.buf, nil
}

// memFile is an in-memory io.WriteSeeker; the wav encoder seeks back to patch
// the RIFF and data chunk sizes on Close.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:end]
		}
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(m.pos) + offset
	case io.SeekEnd:
		next = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	m.pos = int(next)
	return next, nil
}
