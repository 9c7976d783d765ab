// Пакет server: служебный HTTP-сервер scanstore на chi (/health/live, /health/ready, /metrics).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigkaa/scanstore/internal/config"
)

// Статусы проверок готовности.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// ReadinessChecker: проверка готовности одной зависимости.
type ReadinessChecker interface {
	// CheckReady возвращает статус ("ok", "degraded", "fail") и сообщение.
	CheckReady() (status, message string)
}

// PingChecker адаптирует функцию ping к ReadinessChecker.
// Ошибка ping даёт статус Status (по умолчанию fail).
type PingChecker struct {
	Ping    func(ctx context.Context) error
	Status  string
	Timeout time.Duration
}

// CheckReady выполняет ping с таймаутом (по умолчанию 3 секунды).
func (p PingChecker) CheckReady() (string, string) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		status := p.Status
		if status == "" {
			status = StatusFail
		}
		return status, err.Error()
	}
	return StatusOK, "подключение активно"
}

// Check: именованная проверка для /health/ready.
type Check struct {
	Name    string
	Checker ReadinessChecker
}

// Server: служебный HTTP-сервер.
type Server struct {
	httpServer *http.Server
	checks     []Check
	logger     *slog.Logger
}

// New создаёт сервер на cfg.OpsPort с заданными проверками готовности.
func New(cfg *config.Config, logger *slog.Logger, checks ...Check) *Server {
	s := &Server{
		checks: checks,
		logger: logger.With(slog.String("component", "ops_server")),
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.OpsPort),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler возвращает маршрутизатор служебных endpoints.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health/live", s.healthLive)
	r.Get("/health/ready", s.healthReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type checkResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version"`
	Service   string                 `json:"service"`
	Checks    map[string]checkResult `json:"checks,omitempty"`
}

func (s *Server) healthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    StatusOK,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "scanstore",
	})
}

// healthReady возвращает 200 (ok, degraded) или 503 (fail).
func (s *Server) healthReady(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   config.Version,
		Service:   "scanstore",
		Checks:    make(map[string]checkResult, len(s.checks)),
	}

	statuses := make([]string, 0, len(s.checks))
	for _, c := range s.checks {
		res := checkResult{Status: StatusFail, Message: "не инициализирован"}
		if c.Checker != nil {
			res.Status, res.Message = c.Checker.CheckReady()
		}
		resp.Checks[c.Name] = res
		statuses = append(statuses, res.Status)
	}
	resp.Status = overallStatus(statuses...)

	code := http.StatusOK
	if resp.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// overallStatus: хотя бы один fail - fail, хотя бы один degraded - degraded.
func overallStatus(statuses ...string) string {
	degraded := false
	for _, st := range statuses {
		switch st {
		case StatusFail:
			return StatusFail
		case StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run обслуживает запросы до отмены ctx, затем выполняет graceful shutdown
// с таймаутом shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Служебный HTTP-сервер запущен", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}
	s.logger.Info("Служебный HTTP-сервер остановлен")
	return nil
}
