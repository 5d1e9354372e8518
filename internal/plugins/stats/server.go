package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JSON response types for the stats API

type sessionJSON struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remote_addr"`
	Target      string `json:"target,omitempty"`
	SSHHost     string `json:"ssh_host,omitempty"`
	UpstreamURL string `json:"upstream_url,omitempty"`
	ViaTunnel   bool   `json:"via_tunnel"`
	OpenedAt    int64  `json:"opened_at"`
	ConnectedAt int64  `json:"connected_at,omitempty"`
}

type historyJSON struct {
	ID             int     `json:"id"`
	SessionID      string  `json:"session_id"`
	Target         string  `json:"target,omitempty"`
	SSHHost        string  `json:"ssh_host,omitempty"`
	ViaTunnel      bool    `json:"via_tunnel"`
	HandshakeError string  `json:"handshake_error,omitempty"`
	CloseCode      int     `json:"close_code"`
	DurationMs     float64 `json:"duration_ms"`
	ClosedAt       int64   `json:"closed_at"`
}

type summaryJSON struct {
	ActiveSessions   int `json:"active_sessions"`
	TunneledSessions int `json:"tunneled_sessions"`
	TotalSessions    int `json:"total_sessions"`
	HandshakeErrors  int `json:"handshake_errors"`
}

// Server serves the stats API and Prometheus metrics.
type Server struct {
	store    *Store
	listener net.Listener
	srv      *http.Server
}

// Handler returns the stats API routes for store, with metrics from gatherer.
func Handler(store *Store, gatherer prometheus.Gatherer) http.Handler {
	s := &Server{store: store}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats/sessions", s.handleSessions)
	mux.HandleFunc("/api/stats/history", s.handleHistory)
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return corsMiddleware(mux)
}

// StartServer starts the stats HTTP server for p on its configured address.
func StartServer(ctx context.Context, p *Plugin) (*Server, error) {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		store:    p.store,
		listener: ln,
		srv: &http.Server{
			Handler:           Handler(p.store, p.registry),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		},
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.FromContext(ctx).Error("stats server error", "error", err)
		}
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	sessions := make([]sessionJSON, 0, len(snap))
	for _, ss := range snap {
		sj := sessionJSON{
			ID:          ss.ID,
			RemoteAddr:  ss.RemoteAddr,
			Target:      ss.Target,
			SSHHost:     ss.SSHHost,
			UpstreamURL: ss.UpstreamURL,
			ViaTunnel:   ss.ViaTunnel,
			OpenedAt:    ss.OpenedAt.Unix(),
		}
		if !ss.ConnectedAt.IsZero() {
			sj.ConnectedAt = ss.ConnectedAt.Unix()
		}
		sessions = append(sessions, sj)
	}
	writeJSON(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	entries := s.store.RecentHistory(limit)
	out := make([]historyJSON, 0, len(entries))
	// newest first
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		out = append(out, historyJSON{
			ID:             e.ID,
			SessionID:      e.SessionID,
			Target:         e.Target,
			SSHHost:        e.SSHHost,
			ViaTunnel:      e.ViaTunnel,
			HandshakeError: e.HandshakeError,
			CloseCode:      e.CloseCode,
			DurationMs:     float64(e.Duration.Milliseconds()),
			ClosedAt:       e.ClosedAt.Unix(),
		})
	}
	writeJSON(w, map[string]any{"history": out})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	var sum summaryJSON
	sum.ActiveSessions = len(snap)
	for _, ss := range snap {
		if ss.ViaTunnel {
			sum.TunneledSessions++
		}
	}
	sum.TotalSessions, sum.HandshakeErrors = s.store.Totals()
	writeJSON(w, map[string]any{"summary": sum})
}
