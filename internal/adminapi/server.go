// Package adminapi is the thin admin/status HTTP surface replacing the
// teacher's internal/api trading upload+WebSocket server. spec.md places
// the web UI and REST/WebSocket upload transport out of scope, so this
// package exposes only operational visibility: health, Prometheus metrics,
// strategy listing, and worker status, plus a push channel for
// newly-generated signals, grounded on the teacher's own
// gorilla/mux+rs/cors router setup and gorilla/websocket hub shape in
// internal/api/server.go and internal/api/websocket.go.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-evolution/internal/evolution"
	"github.com/atlas-desktop/strategy-evolution/internal/monitoring"
	"github.com/atlas-desktop/strategy-evolution/internal/signalgateway"
	"github.com/atlas-desktop/strategy-evolution/internal/store"
	"github.com/atlas-desktop/strategy-evolution/pkg/types"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

var (
	signalsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strategyevo_signals_pushed_total",
		Help: "Live signals pushed to admin WebSocket subscribers.",
	})
	activeStrategies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strategyevo_active_strategies",
		Help: "Count of strategies currently marked active in the Strategy Store.",
	})
)

// Config configures the admin server.
type Config struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the admin/status HTTP+WebSocket surface.
type Server struct {
	logger *zap.Logger
	cfg    Config
	store     *store.Store
	ew        *evolution.Worker
	mw        *monitoring.Worker
	sg        *signalgateway.Gateway
	onSettled func(context.Context, types.SettledEvent)

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds an admin Server. ew/mw/sg may be nil in tooling contexts (e.g.
// `seed`) that never start the workers or need live signal generation.
// onSettled, if non-nil, is invoked for every POST /settlements body
// (internal/royalty.Emitter.OnSettled is the expected wiring — this is the
// admin surface's receiving end of the Broker Collaborator's asynchronous
// settlement notification, per SPEC_FULL.md's §4.10 trigger).
func New(logger *zap.Logger, cfg Config, st *store.Store, ew *evolution.Worker, mw *monitoring.Worker, sg *signalgateway.Gateway, onSettled func(context.Context, types.SettledEvent)) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:    logger,
		cfg:       cfg,
		store:     st,
		ew:        ew,
		mw:        mw,
		sg:        sg,
		onSettled: onSettled,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/strategies", s.handleListStrategies).Methods(http.MethodGet)
	router.HandleFunc("/worker-status", s.handleWorkerStatus).Methods(http.MethodGet)
	router.HandleFunc("/signals/{id}", s.handleGenerateSignal).Methods(http.MethodGet)
	router.HandleFunc("/settlements", s.handleSettlement).Methods(http.MethodPost)
	router.HandleFunc("/ws", s.handleWebSocket)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Host + ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving in the background; it does not block.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("adminapi: server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// PushSignal broadcasts a generated LiveSignal to every connected admin
// WebSocket subscriber; best-effort, never blocks the Signal Gateway.
func (s *Server) PushSignal(signal *types.LiveSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(signal); err != nil {
			conn.Close()
			delete(s.clients, conn)
			continue
		}
	}
	signalsPushed.Inc()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.store.ListActive(r.Context(), store.ListFilter{OnlyActive: true})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	activeStrategies.Set(float64(len(strategies)))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(strategies)
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Evolution  *evolution.Status  `json:"evolution,omitempty"`
		Monitoring *monitoring.Status `json:"monitoring,omitempty"`
	}{}
	if s.ew != nil {
		st := s.ew.Status()
		resp.Evolution = &st
	}
	if s.mw != nil {
		st := s.mw.Status()
		resp.Monitoring = &st
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleGenerateSignal(w http.ResponseWriter, r *http.Request) {
	if s.sg == nil {
		http.Error(w, "signal gateway not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]

	var risk signalgateway.RiskContext
	risk.UserRiskMultiplier = 1.0
	if q := r.URL.Query().Get("risk_multiplier"); q != "" {
		if v, err := strconv.ParseFloat(q, 64); err == nil {
			risk.UserRiskMultiplier = v
		}
	}

	signal, err := s.sg.Generate(r.Context(), id, risk)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(signal)
	s.PushSignal(signal)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	if s.onSettled == nil {
		http.Error(w, "settlement handling not configured", http.StatusServiceUnavailable)
		return
	}
	var event types.SettledEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.onSettled(r.Context(), event)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("adminapi: websocket upgrade failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
