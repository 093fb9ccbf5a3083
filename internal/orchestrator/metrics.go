package orchestrator

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	queries       metric.Int64Counter
	queryErrors   metric.Int64Counter
	llmDuration   metric.Float64Histogram
	ttsFirstChunk metric.Float64Histogram
	ttsDuration   metric.Float64Histogram
	audioChunks   metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		errs []error
		err  error
	)
	inst.queries, err = meter.Int64Counter("gateway.queries",
		metric.WithDescription("Queries received"))
	errs = append(errs, err)
	inst.queryErrors, err = meter.Int64Counter("gateway.query.errors",
		metric.WithDescription("Queries that failed before a text response"))
	errs = append(errs, err)
	inst.llmDuration, err = meter.Float64Histogram("gateway.llm.duration",
		metric.WithDescription("Language model call latency"), metric.WithUnit("s"))
	errs = append(errs, err)
	inst.ttsFirstChunk, err = meter.Float64Histogram("gateway.tts.first_chunk",
		metric.WithDescription("Time from synthesis start to the first audio chunk"), metric.WithUnit("s"))
	errs = append(errs, err)
	inst.ttsDuration, err = meter.Float64Histogram("gateway.tts.duration",
		metric.WithDescription("Total synthesis time per query"), metric.WithUnit("s"))
	errs = append(errs, err)
	inst.audioChunks, err = meter.Int64Counter("gateway.audio.chunks",
		metric.WithDescription("Audio chunks published"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &inst, nil
}

func noopInstruments() *instruments {
	inst, _ := newInstruments(noop.NewMeterProvider().Meter(""))
	return inst
}
