// internal/server/server.go
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Config is the HTTP boundary configuration
type Config struct {
	ListenAddr      string
	TLSCert         string
	TLSKey          string
	APIKey          string
	MaxPayloadBytes int64
	MetricsPath     string
}

// Server exposes the monitoring service over HTTP
type Server struct {
	cfg    Config
	svc    Service
	router chi.Router
	server *http.Server
}

// New builds the router. metrics may be nil to disable the metrics endpoint.
func New(cfg Config, svc Service, metrics http.Handler) *Server {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{cfg: cfg, svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metrics != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.APIKey))
		r.Use(limitBody(cfg.MaxPayloadBytes))

		r.Post("/logs/ingest", s.handleIngest)

		r.Route("/ip", func(r chi.Router) {
			r.Post("/investigate", s.handleInvestigate)
			r.Post("/monitor/start", s.handleStartMonitoring)
			r.Post("/monitor/stop", s.handleStopMonitoring)
			r.Get("/monitored", s.handleListMonitored)
			r.Get("/{address}", s.handleGetTarget)
		})
	})

	s.router = r
	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

// RunAndGetAddr starts serving in the background and returns the bound
// address. Useful with a ":0" listen address.
func (s *Server) RunAndGetAddr(ctx context.Context) (string, error) {
	ln, err := s.listen()
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.serve(ctx, ln); err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	}()
	return ln.Addr().String(), nil
}

func (s *Server) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}

	if s.cfg.TLSCert == "" && s.cfg.TLSKey == "" {
		log.Info().Str("addr", ln.Addr().String()).Msg("ipwatch server listening (plain HTTP)")
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("load TLS cert: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("ipwatch server listening (TLS)")
	return tls.NewListener(ln, tlsCfg), nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
