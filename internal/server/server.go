// Package server exposes the answer pipeline and the playbook over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/failure"
	"github.com/mohammad-safakhou/askace/internal/pipeline"
	"github.com/mohammad-safakhou/askace/internal/playbook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Answerer runs one question through the pipeline.
type Answerer interface {
	Answer(ctx context.Context, req pipeline.Request) (pipeline.Response, error)
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Answerer Answerer
	Store    playbook.Store
	// Curator applies manual deprecations through the single writer.
	Curator *ace.Curator
	Secret  []byte
}

// Server owns the echo instance.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
}

// New registers every route.
func New(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{echo: echo.New(), deps: deps, logger: logger.Named("http")}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			s.logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	registerDocs(e)

	api := e.Group("/api")
	api.POST("/answer", s.answer)
	api.GET("/playbook", s.listPlaybook)
	api.GET("/playbook/:id", s.getItem)
	api.POST("/playbook/:id/deprecate", s.deprecate, authMiddleware(deps.Secret), requireScopes(ScopePlaybookWrite))
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- s.echo.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// handleError renders failures as {"error", "reason"} with the status the
// failure reason maps to.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	body := HTTPError{Error: err.Error()}

	var he *echo.HTTPError
	var fe *failure.Error
	switch {
	case errors.As(err, &he):
		code = he.Code
		if he.Message != nil {
			body.Error = fmt.Sprint(he.Message)
		}
		if code == http.StatusBadRequest {
			body.Reason = string(failure.ReasonInvalidInput)
		}
	case errors.As(err, &fe), errors.Is(err, context.DeadlineExceeded):
		reason := failure.ReasonOf(err)
		code = failure.HTTPStatus(reason)
		body.Reason = string(reason)
	default:
		body.Reason = string(failure.ReasonInternal)
	}

	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", code), zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Error(err))
	}
	if c.Response().Committed {
		return
	}
	if req.Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, body)
}
