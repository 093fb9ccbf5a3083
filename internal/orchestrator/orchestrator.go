// Package orchestrator drives the query pipeline: it records the query in the
// chat history, asks the language model, publishes the text response and
// launches a detached synthesis job that streams audio chunks in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-gateway/internal/chat"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

const instrumentationName = "github.com/loqalabs/loqa-gateway/internal/orchestrator"

// Options carries the collaborators of an Orchestrator.
type Options struct {
	// Generator is the language model backend. Nil selects the mocked
	// response seam.
	Generator      llm.Generator
	MockedResponse string
	LLM            config.LLMConfig

	Splitter tts.Splitter
	Synth    tts.Synthesizer
	Voice    tts.SynthRequest
	// SerializeJobs chains synthesis jobs so one starts only after the
	// previously launched job finished.
	SerializeJobs bool
}

type Orchestrator struct {
	bus    *eventbus.Bus
	chat   *chat.Context
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	inst   *instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// queryMu serializes the history update of a query, from its user turn
	// through its model turn.
	queryMu sync.Mutex

	mu      sync.Mutex
	lastJob chan struct{}
}

func New(parent context.Context, bus *eventbus.Bus, chatCtx *chat.Context, opts Options, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "orchestrator"))
	inst, err := newInstruments(otel.Meter(instrumentationName))
	if err != nil {
		logger.Warn("failed to create instruments", slogError(err))
		inst = noopInstruments()
	}
	return &Orchestrator{
		bus:    bus,
		chat:   chatCtx,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		inst:   inst,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bus returns the event bus the orchestrator publishes on.
func (o *Orchestrator) Bus() *eventbus.Bus { return o.bus }

// AskQuery answers text and returns the model response. An empty id is
// replaced by a generated one. Synthesis of the response is launched in the
// background; AskQuery does not wait for it.
func (o *Orchestrator) AskQuery(ctx context.Context, text, id string) (string, error) {
	if id == "" {
		id = NewQueryID()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.ask_query", trace.WithAttributes(attribute.String("msg_id", id)))
	defer span.End()
	o.inst.queries.Add(ctx, 1)

	fail := func(err error) (string, error) {
		o.inst.queryErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if err := o.bus.Publish(ctx, eventbus.Event{Channel: eventbus.ChannelQuery, MsgID: id, Text: text}); err != nil {
		return fail(fmt.Errorf("publish query: %w", err))
	}

	start := time.Now()
	response, err := o.converse(ctx, text)
	if err != nil {
		o.logger.Warn("llm call failed", slog.String("msg_id", id), slogError(err))
		return fail(err)
	}
	elapsed := time.Since(start)
	o.inst.llmDuration.Record(ctx, elapsed.Seconds())

	if err := o.bus.Publish(ctx, eventbus.Event{
		Channel: eventbus.ChannelTextResponse,
		MsgID:   id,
		Text:    response,
		Elapsed: elapsed,
	}); err != nil {
		return fail(fmt.Errorf("publish text response: %w", err))
	}

	o.launchSynthesis(span.SpanContext(), id, response)
	return response, nil
}

// converse records text as a user turn, asks the model and records its
// answer. Queries take turns so each answer follows its own question. A
// failed call leaves the history as it was.
func (o *Orchestrator) converse(ctx context.Context, text string) (string, error) {
	o.queryMu.Lock()
	defer o.queryMu.Unlock()

	o.chat.AddUserTurn(text)
	prompt, err := o.chat.BuildPrompt()
	if err != nil {
		o.chat.DiscardLastUserTurn()
		return "", err
	}
	response, err := o.generate(ctx, text, prompt)
	if err != nil {
		o.chat.DiscardLastUserTurn()
		return "", err
	}
	o.chat.AddModelTurn(response)
	return response, nil
}

func (o *Orchestrator) generate(ctx context.Context, query, prompt string) (string, error) {
	if o.opts.Generator == nil {
		if o.opts.MockedResponse != "" {
			return o.opts.MockedResponse, nil
		}
		return query, nil
	}
	return o.opts.Generator.Generate(ctx, llm.RequestFromConfig(o.opts.LLM, prompt))
}

// PlayEffect asks primary clients to play the named visual effect.
func (o *Orchestrator) PlayEffect(ctx context.Context, name string) error {
	return o.bus.Publish(ctx, eventbus.Event{Channel: eventbus.ChannelPlayEffect, Effect: name})
}

// ResetContext clears the conversation history.
func (o *Orchestrator) ResetContext() {
	o.chat.Reset()
	o.logger.Info("chat context reset")
}

// Close waits for in-flight synthesis jobs. When ctx ends first the jobs are
// cancelled and Close returns ctx's error once they have stopped.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) launchSynthesis(parent trace.SpanContext, id, text string) {
	done := make(chan struct{})
	var prev chan struct{}
	if o.opts.SerializeJobs {
		o.mu.Lock()
		prev = o.lastJob
		o.lastJob = done
		o.mu.Unlock()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-o.ctx.Done():
				return
			}
		}
		ctx := trace.ContextWithSpanContext(o.ctx, parent)
		o.runSynthesis(ctx, id, text)
	}()
}

func (o *Orchestrator) runSynthesis(ctx context.Context, id, text string) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.synthesis_job", trace.WithAttributes(attribute.String("msg_id", id)))
	defer span.End()
	logger := o.logger.With(slog.String("msg_id", id))
	start := time.Now()

	if !o.bus.HasSubscribers(eventbus.ChannelAudioChunk) {
		span.SetAttributes(attribute.Bool("skipped", true))
		o.publishJobEvent(ctx, logger, eventbus.Event{Channel: eventbus.ChannelTTSTiming, MsgID: id})
		return
	}

	sentences := o.opts.Splitter.SplitSentences(text)
	span.SetAttributes(attribute.Int("sentences", len(sentences)))
	firstSent := false
	for _, sentence := range sentences {
		req := o.opts.Voice
		req.Text = sentence
		err := tts.Stream(ctx, o.opts.Synth, req, func(chunk tts.SynthChunk) error {
			data, err := tts.EncodeWAV(chunk)
			if err != nil {
				return &tts.SynthesisError{Sentence: sentence, Err: err}
			}
			if err := o.bus.Publish(ctx, eventbus.Event{Channel: eventbus.ChannelAudioChunk, MsgID: id, Audio: data}); err != nil {
				return fmt.Errorf("publish audio chunk: %w", err)
			}
			o.inst.audioChunks.Add(ctx, 1)
			if !firstSent {
				firstSent = true
				elapsed := time.Since(start)
				o.inst.ttsFirstChunk.Record(ctx, elapsed.Seconds())
				if err := o.bus.Publish(ctx, eventbus.Event{Channel: eventbus.ChannelTTSFirstChunk, MsgID: id, Elapsed: elapsed}); err != nil {
					return fmt.Errorf("publish first chunk timing: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			var synthErr *tts.SynthesisError
			if errors.As(err, &synthErr) {
				logger.Warn("synthesis failed, aborting job", slogError(err))
			} else {
				logger.Warn("synthesis job stopped", slogError(err))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
	}

	total := time.Since(start)
	o.inst.ttsDuration.Record(ctx, total.Seconds())
	o.publishJobEvent(ctx, logger, eventbus.Event{Channel: eventbus.ChannelTTSTiming, MsgID: id, Elapsed: total})
}

// publishJobEvent publishes from the detached job, which has no caller to
// report to.
func (o *Orchestrator) publishJobEvent(ctx context.Context, logger *slog.Logger, evt eventbus.Event) {
	if err := o.bus.Publish(ctx, evt); err != nil {
		logger.Warn("failed to publish synthesis event", slog.String("channel", string(evt.Channel)), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
