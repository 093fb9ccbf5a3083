// Package transport accepts websocket clients, tracks the live connection set
// and serves the small HTTP surface around it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-gateway/internal/config"
	"github.com/loqalabs/loqa-gateway/internal/eventbus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
	"github.com/loqalabs/loqa-gateway/internal/socket"
)

const (
	shutdownReason    = "Server shutdown"
	closeWriteTimeout = time.Second
)

type connection struct {
	ws      *websocket.Conn
	handler *socket.Handler
}

type Server struct {
	cfg      config.ServerConfig
	bus      *eventbus.Bus
	orch     socket.Orchestrator
	newID    socket.IDGenerator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*connection
	closing bool
	wg      sync.WaitGroup
}

func New(cfg config.ServerConfig, bus *eventbus.Bus, orch socket.Orchestrator, newID socket.IDGenerator, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    bus,
		orch:   orch,
		newID:  newID,
		logger: logger.With(slog.String("component", "transport")),
		conns:  make(map[string]*connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Register mounts the gateway routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.Handle("/status", otelhttp.NewHandler(http.HandlerFunc(s.handleStatus), "status"))
	mux.Handle("/ui", otelhttp.NewHandler(http.HandlerFunc(s.handleUI), "ui"))
	mux.Handle("/prompt", otelhttp.NewHandler(http.HandlerFunc(s.handlePrompt), "prompt"))
}

// RegisterMetrics exposes the live connection count as a gauge.
func (s *Server) RegisterMetrics(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge("gateway.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(s.Connections()))
			return nil
		}),
	)
	return err
}

// Connections returns the number of live websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWS(w, r)
		return
	}
	if s.cfg.StaticDir == "" {
		http.NotFound(w, r)
		return
	}
	otelhttp.NewHandler(http.FileServer(http.Dir(s.cfg.StaticDir)), "static").ServeHTTP(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/index.html", http.StatusFound)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var value string
	switch r.Method {
	case http.MethodGet:
		value = r.URL.Query().Get("value")
	case http.MethodPost:
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var body struct {
				Value string `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, protocol.PromptError("invalid JSON body"))
				return
			}
			value = body.Value
		} else {
			value = r.FormValue("value")
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, protocol.PromptError("method not allowed"))
		return
	}
	if strings.TrimSpace(value) == "" {
		writeJSON(w, http.StatusBadRequest, protocol.PromptError("No 'value' parameter provided"))
		return
	}

	resp, err := s.orch.AskQuery(r.Context(), value, "")
	if err != nil {
		s.logger.Warn("prompt failed", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.PromptError(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, protocol.PromptOK(value, resp))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// detectRole treats a connection as the game engine client unless the
// upgrade request carries Cache-Control, which browsers always send. An
// explicit ?role= wins.
func detectRole(r *http.Request) socket.Role {
	if role, ok := socket.ParseRole(r.URL.Query().Get("role")); ok {
		return role
	}
	if r.Header.Get("Cache-Control") != "" {
		return socket.RoleSecondary
	}
	return socket.RolePrimary
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	role := detectRole(r)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}

	id := uuid.NewString()
	logger := s.logger.With(slog.String("conn_id", id), slog.String("role", string(role)))
	handler := socket.New(ws, role, s.bus, s.orch, s.newID, logger)
	c := &connection{ws: ws, handler: handler}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		handler.Disconnect()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, shutdownReason),
			time.Now().Add(closeWriteTimeout))
		_ = ws.Close()
		return
	}
	s.conns[id] = c
	s.wg.Add(1)
	s.mu.Unlock()
	logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		handler.Disconnect()
		_ = ws.Close()
		s.wg.Done()
		logger.Info("client disconnected")
	}()

	ctx := context.WithoutCancel(r.Context())
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("read loop ended", slogError(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		handler.HandleMessage(ctx, data)
	}
}

// Shutdown closes every live connection with a going-away status and waits
// for their read loops to exit. Connections still open when ctx ends are
// closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, shutdownReason)
	for _, c := range conns {
		c.handler.Disconnect()
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("failed to send close frame", slogError(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.ws.Close()
		}
		<-done
		return ctx.Err()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
