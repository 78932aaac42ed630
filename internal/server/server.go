package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gordoly/E2EEApp/internal/config"
	"github.com/gordoly/E2EEApp/internal/presence"
	"github.com/gordoly/E2EEApp/internal/store"
)

// RelayServer wires dependencies and hosts the websocket and HTTP surfaces.
type RelayServer struct {
	cfg       config.Config
	log       *zap.Logger
	st        store.Store
	gateway   *Gateway
	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// NewRelayServer constructs the server with its dependencies.
func NewRelayServer(cfg config.Config, logger *zap.Logger, st store.Store) *RelayServer {
	return &RelayServer{cfg: cfg, log: logger, st: st}
}

// Start boots the relay and blocks until ctx is cancelled or the listener
// fails.
func (s *RelayServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := newRelayMetrics(reg)
	s.startAdminServer(reg)

	registry := presence.NewRegistry()
	focus := presence.NewFocusTracker()
	rooms := NewRoomService(s.log, s.st, s.st, s.st, registry, focus, metrics)
	messages := NewMessageService(s.log, s.st, s.st, s.st, registry, focus, metrics)
	auth := NewTokenAuthenticator(s.st, s.cfg.Storage.Timeout)

	s.gateway = NewGateway(s.log, registry, focus, rooms, messages, auth, GatewayOptions{
		Metrics:        metrics,
		SendBuffer:     s.cfg.Session.SendBuffer,
		FrameRate:      s.cfg.Session.FrameRate,
		FrameBurst:     s.cfg.Session.FrameBurst,
		StorageTimeout: s.cfg.Storage.Timeout,
	})

	api := &apiHandler{
		log:     s.log,
		auth:    auth,
		rooms:   s.st,
		invites: s.st,
		inbox:   s.st,
		timeout: s.cfg.Storage.Timeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.gateway.ServeWS)
	mux.HandleFunc("/api/v1/messages", api.Messages)
	mux.HandleFunc("/api/v1/friends", api.Friends)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *RelayServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:    s.cfg.AdminAddress,
		Handler: mux,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown gracefully stops both HTTP servers.
func (s *RelayServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("relay shutdown", zap.Error(err))
		}
	}
	s.log.Info("relay stopped")
}
