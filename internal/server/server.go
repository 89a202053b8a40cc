// Package server hosts the WebSocket gateway, the per-connection protocol
// dispatcher, and the admin HTTP surface (health, stats, metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rokoss21/enigmo-sub000/internal/auth"
	"github.com/rokoss21/enigmo-sub000/internal/config"
	"github.com/rokoss21/enigmo-sub000/internal/registry"
	"github.com/rokoss21/enigmo-sub000/internal/router"
)

// Version is stamped at build time.
var Version = "dev"

// Server wires dependencies and hosts the gateway and admin HTTP servers.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	users      *registry.Registry
	auth       *auth.Service
	router     *router.Router
	dispatcher *Dispatcher
	metrics    *serverMetrics

	httpSrv   *http.Server
	adminSrv  *http.Server
	upgrader  websocket.Upgrader
	startedAt time.Time
	ready     atomic.Bool
}

// New constructs the full server wiring from configuration.
func New(cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := newServerMetrics(promReg)

	users := registry.New(log.Named("registry"))
	authSvc := auth.NewService(log.Named("auth"), users, auth.Options{
		TokenTTL:        cfg.Auth.TokenTTL,
		TimestampWindow: cfg.Auth.TimestampWindow,
	})
	msgRouter := router.New(log.Named("router"), users, metrics)

	s := &Server{
		cfg:     cfg,
		log:     log,
		users:   users,
		auth:    authSvc,
		router:  msgRouter,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
	s.dispatcher = NewDispatcher(log.Named("dispatch"), users, authSvc, msgRouter, metrics)
	s.buildHTTPServers(promReg)
	return s
}

// Start serves the gateway and admin listeners and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	if s.adminSrv != nil {
		go func() {
			s.log.Info("admin server listening", zap.String("address", s.adminSrv.Addr))
			if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("admin server stopped", zap.Error(err))
			}
		}()
	}

	s.log.Info("gateway listening", zap.String("address", s.httpSrv.Addr))
	s.ready.Store(true)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops both listeners within the grace period.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("gateway shutdown", zap.Error(err))
	}
	s.log.Info("server stopped")
}

// Handler exposes the gateway routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) buildHTTPServers(promReg *prometheus.Registry) {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.gatewayHandler)
	r.HandleFunc("/api/stats", s.statsHandler).Methods(http.MethodGet)
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.AdminAddress == "" {
		return
	}
	admin := mux.NewRouter()
	admin.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	admin.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	admin.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	admin.HandleFunc("/api/stats", s.statsHandler).Methods(http.MethodGet)
	s.adminSrv = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           admin,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// gatewayHandler upgrades the request and runs the dispatcher loop on the
// handler goroutine until the peer goes away.
func (s *Server) gatewayHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.Limits.MaxFrameBytes)
	ch := newWSChannel(conn, s.cfg.Limits.SendBuffer)
	defer ch.shutdown()
	s.dispatcher.Run(ch, func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		return data, err
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"server": map[string]any{
			"uptime":  time.Since(s.startedAt).String(),
			"version": Version,
		},
		"users":    s.users.GetStats(),
		"messages": s.router.GetMessageStats(),
		"calls": map[string]any{
			"active": s.dispatcher.ActiveCalls(),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.log.Warn("stats encode failed", zap.Error(err))
	}
}
