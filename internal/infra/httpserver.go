package infra

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPServer owns the API listener.
type HTTPServer struct {
	server *http.Server
	logger Logger
}

// NewHTTPServer applies the configured timeouts. WriteTimeout does not
// apply to upgraded WebSocket connections; those set their own deadlines.
func NewHTTPServer(cfg *Config, handler http.Handler, logger Logger) *HTTPServer {
	errLog := logger.With().Str("component", "http").Logger()
	return &HTTPServer{
		logger: errLog,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			ErrorLog:          log.New(serverErrorWriter{errLog}, "", 0),
		},
	}
}

// serverErrorWriter turns net/http's internal log lines into warn events.
type serverErrorWriter struct{ logger Logger }

func (w serverErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

// Start blocks until the server stops. A graceful Shutdown is not an error.
func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains open requests until ctx expires, then closes the rest.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn().Msg("shutdown deadline reached, closing remaining connections")
		return s.server.Close()
	}
	return err
}
