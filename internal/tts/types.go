package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-gateway/internal/config"
)

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	Text       string
	Voice      string
	Language   string
	SpeakerWAV string
}

// SynthChunk contains 16-bit little-endian PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. A backend that returns a
// whole buffer sends a single chunk with Final set. The chunk channel is
// closed when synthesis ends; at most one error is sent.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// SynthesisError reports a failed synthesis call for one sentence.
type SynthesisError struct {
	Sentence string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize %q: %v", e.Sentence, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// VoiceFromConfig returns the request template carrying the configured voice.
func VoiceFromConfig(cfg config.TTSConfig) SynthRequest {
	return SynthRequest{
		Voice:      cfg.Speaker,
		Language:   cfg.Language,
		SpeakerWAV: cfg.SampleOfClonedVoiceWAV,
	}
}

// NewFromConfig builds the synthesizer for cfg.Mode.
func NewFromConfig(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		chunkMS := 0
		if cfg.Streaming {
			chunkMS = cfg.ChunkDurationMS
		}
		return NewMockSynth(cfg.SampleRate, cfg.Channels, chunkMS), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Stream runs one synthesis call and hands every chunk to consume in order.
// Any backend failure is returned as a *SynthesisError; an error returned by
// consume is passed through unchanged.
func Stream(ctx context.Context, synth Synthesizer, req SynthRequest, consume func(SynthChunk) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := synth.Synthesize(ctx, req)
	sequence := 0
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if synthErr != nil {
				continue
			}
			chunk.Sequence = sequence
			sequence++
			if err := consume(chunk); err != nil {
				cancel()
				drain(chunks, errs)
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && synthErr == nil {
				synthErr = err
				cancel()
			}
		}
	}
	if synthErr != nil {
		return &SynthesisError{Sentence: req.Text, Err: synthErr}
	}
	if err := ctx.Err(); err != nil {
		return &SynthesisError{Sentence: req.Text, Err: err}
	}
	return nil
}

// drain lets a cancelled backend goroutine finish its sends.
func drain(chunks <-chan SynthChunk, errs <-chan error) {
	go func() {
		if chunks != nil {
			for range chunks {
			}
		}
		if errs != nil {
			for range errs {
			}
		}
	}()
}
