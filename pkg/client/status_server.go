package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/xiaozhi/devlink/pkg/logger"
	"github.com/xiaozhi/devlink/pkg/websocket"
)

// StatusReport is the /status response.
type StatusReport struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	ConnectionStatus
}

// StatusServer exposes the manager's state over HTTP.
type StatusServer struct {
	server    *http.Server
	manager   *Manager
	startTime time.Time
	running   atomic.Bool
}

// NewStatusServer creates a status server listening on port.
func NewStatusServer(m *Manager, port int) *StatusServer {
	ss := &StatusServer{
		manager:   m,
		startTime: time.Now(),
	}

	ss.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           ss.Handler(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	return ss
}

// Handler returns the server's routes.
func (ss *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", ss.handleStatus)
	mux.HandleFunc("/healthz", ss.handleStatus)
	mux.HandleFunc("/readyz", ss.handleReady)
	mux.HandleFunc("/livez", ss.handleLive)

	return mux
}

// Start serves in the background.
func (ss *StatusServer) Start() error {
	if ss.running.Load() {
		return fmt.Errorf("status server already running")
	}

	ss.running.Store(true)
	logger.Info("Starting status server", "addr", ss.server.Addr)

	go func() {
		if err := ss.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Status server error", "error", err)
		}

		ss.running.Store(false)
	}()

	return nil
}

// Stop gracefully stops the server.
func (ss *StatusServer) Stop(ctx context.Context) error {
	if !ss.running.Load() {
		return nil
	}

	logger.Info("Stopping status server...")

	return ss.server.Shutdown(ctx)
}

func (ss *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report := ss.report()

	w.Header().Set("Content-Type", "application/json")

	if report.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(report); err != nil {
		logger.Error("Failed to encode status response", "error", err)
	}
}

// handleReady is ready once every registered channel is open.
func (ss *StatusServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	open, total := countOpen(ss.manager.Status())

	if open == total {
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte("ready")); err != nil {
			logger.Error("Failed to write ready response", "error", err)
		}

		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)

	if _, err := fmt.Fprintf(w, "%d of %d channels open", open, total); err != nil {
		logger.Error("Failed to write not ready response", "error", err)
	}
}

func (ss *StatusServer) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("alive")); err != nil {
		logger.Error("Failed to write alive response", "error", err)
	}
}

func (ss *StatusServer) report() StatusReport {
	st := ss.manager.Status()
	open, total := countOpen(st)

	report := StatusReport{
		Uptime:           time.Since(ss.startTime).Round(time.Second).String(),
		ConnectionStatus: st,
	}

	switch {
	case open == total:
		report.Status = "healthy"
	case open > 0:
		report.Status = "degraded"
	default:
		report.Status = "unhealthy"
	}

	return report
}

func countOpen(st ConnectionStatus) (open, total int) {
	for _, ch := range st.WebSocket {
		total++

		if ch.State == websocket.StateOpen {
			open++
		}
	}

	return open, total
}
