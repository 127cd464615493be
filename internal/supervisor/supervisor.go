package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5.0
	defaultFailureDecay     = 30.0
	defaultFailureBackoff   = 15 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
)

// Config tunes restart behaviour of the root supervisor.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// New builds the root supervisor that restarts the flusher and the HTTP server
// independently. Supervisor events are logged through zap.
func New(name string, cfg Config, logger *zap.Logger) *suture.Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = defaultFailureDecay
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = defaultFailureBackoff
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return suture.New(name, suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})
}

// EventHook forwards supervisor events to the logger. Panics and failures
// are warnings; backoff transitions are informational.
func EventHook(logger *zap.Logger) suture.EventHook {
	return func(event suture.Event) {
		fields := make([]zap.Field, 0, len(event.Map()))
		for key, value := range event.Map() {
			fields = append(fields, zap.Any(key, value))
		}
		switch event.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeStopTimeout:
			logger.Warn(event.String(), fields...)
		default:
			logger.Info(event.String(), fields...)
		}
	}
}

// HTTPServer is the lifecycle surface of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server under a supervisor and shuts it down
// gracefully when the supervisor stops.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

// NewHTTPService wraps the server as a supervised service.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, logger: logger}
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown failed", zap.Error(err))
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string {
	return "http-server"
}
