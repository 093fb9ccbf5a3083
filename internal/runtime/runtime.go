package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/chat"
	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/llm"
	"github.com/loqalabs/loqa-gateway/internal/natsserver"
	"github.com/loqalabs/loqa-gateway/internal/orchestrator"
	"github.com/loqalabs/loqa-gateway/internal/transport"
	"github.com/loqalabs/loqa-gateway/internal/tts"
	"go.opentelemetry.io/otel"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
	addr          atomic.Value

	orch      *orchestrator.Orchestrator
	transport *transport.Server
	store     *eventstore.Store
	recorder  *eventstore.Recorder
	nats      *natsserver.EmbeddedServer
	busClient *bus.Client
	bridge    *bus.Bridge
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the bound HTTP address once the runtime is serving.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether the runtime accepts traffic.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	return r.bridge == nil || r.bridge.Healthy()
}

// Start wires every component, serves until ctx is done and then shuts down
// in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/journal", r.handleJournal)
	r.transport.Register(mux)

	addr := r.cfg.Server.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.teardown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve("http", r.httpServer, ln)

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mln, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener failed", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve("metrics", r.metricsServer, mln)
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.teardown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	chatCtx, err := chat.New(r.cfg.Chat)
	if err != nil {
		return fmt.Errorf("chat context: %w", err)
	}
	generator, err := llm.NewFromConfig(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm backend: %w", err)
	}
	synth, err := tts.NewFromConfig(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts backend: %w", err)
	}

	events := eventbus.New()
	r.orch = orchestrator.New(context.WithoutCancel(ctx), events, chatCtx, orchestrator.Options{
		Generator:      generator,
		MockedResponse: r.cfg.LLM.MockedResponse,
		LLM:            r.cfg.LLM,
		Splitter:       tts.Splitter{MaxRunes: r.cfg.TTS.MaxSentenceRunes},
		Synth:          synth,
		Voice:          tts.VoiceFromConfig(r.cfg.TTS),
		SerializeJobs:  r.cfg.TTS.SerializeJobs,
	}, r.logger)
	r.logger.Info("pipeline configured",
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.Int("context_window", r.cfg.Chat.ContextWindow))

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	if r.store.Enabled() {
		r.recorder = eventstore.NewRecorder(r.store, events, 0, r.logger)
		r.recorder.Start()
	}

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		r.nats, err = natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		r.busClient, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bridge = bus.NewBridge(context.WithoutCancel(ctx), r.busClient, events, r.orch, busCfg, r.logger)
		if err := r.bridge.Start(); err != nil {
			return fmt.Errorf("bus bridge: %w", err)
		}
	}

	r.transport = transport.New(r.cfg.Server, events, r.orch, orchestrator.NewQueryID, r.logger)
	if err := r.transport.RegisterMetrics(otel.Meter("github.com/loqalabs/loqa-gateway/internal/transport")); err != nil {
		r.logger.Warn("failed to register connection gauge", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) serve(name string, srv *http.Server, ln net.Listener) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// teardown stops whatever build and Start managed to create.
func (r *Runtime) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.transport != nil {
		if err := r.transport.Shutdown(ctx); err != nil {
			r.logger.Error("websocket shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.orch != nil {
		if err := r.orch.Close(ctx); err != nil {
			r.logger.Error("synthesis jobs did not finish", slog.String("error", err.Error()))
		}
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	r.busClient.Close()
	r.nats.Shutdown()
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(ctx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type journalEntry struct {
	Type      string    `json:"type"`
	Elapsed   float64   `json:"elapsed"`
	CreatedAt time.Time `json:"created_at"`
}

// handleJournal lists the recorded timings of one query.
func (r *Runtime) handleJournal(w http.ResponseWriter, req *http.Request) {
	msgID := req.URL.Query().Get("msgId")
	if msgID == "" {
		http.Error(w, "missing msgId", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.store.ListQueryEvents(req.Context(), msgID, limit)
	if err != nil {
		r.logger.Warn("journal lookup failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
		http.Error(w, "journal lookup failed", http.StatusInternalServerError)
		return
	}
	entries := make([]journalEntry, 0, len(events))
	for _, evt := range events {
		entries = append(entries, journalEntry{Type: evt.Type, Elapsed: evt.Elapsed.Seconds(), CreatedAt: evt.CreatedAt})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
