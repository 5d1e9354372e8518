package stats

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/openclaw/studio-gateway/internal/hooks"
)

// SessionStats describes one live session.
type SessionStats struct {
	ID          string
	RemoteAddr  string
	Target      string
	SSHHost     string
	UpstreamURL string
	ViaTunnel   bool
	OpenedAt    time.Time
	ConnectedAt time.Time // zero until the upstream is connected
}

// HistoryEntry is a finished session held in memory.
type HistoryEntry struct {
	ID             int
	SessionID      string
	Target         string
	SSHHost        string
	ViaTunnel      bool
	HandshakeError string
	CloseCode      int
	Duration       time.Duration
	ClosedAt       time.Time
}

// Store is the in-memory stats store. Safe for concurrent use.
type Store struct {
	mu           sync.RWMutex
	sessions     map[string]*SessionStats // keyed by session ID
	sessionOrder []string                 // insertion order for stable iteration
	failures     map[string]string        // session ID -> handshake error code
	history      []HistoryEntry           // ring buffer
	maxHistory   int
	nextID       int
	totalOpened  int
	totalFailed  int

	metrics *metrics
}

type metrics struct {
	active          prometheus.Gauge
	opened          prometheus.Counter
	upstreams       *prometheus.CounterVec
	handshakeErrors *prometheus.CounterVec
	closed          *prometheus.CounterVec
	duration        prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studio_gateway",
			Name:      "sessions_active",
			Help:      "Browser sessions currently open.",
		}),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studio_gateway",
			Name:      "sessions_opened_total",
			Help:      "Browser sessions accepted.",
		}),
		upstreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studio_gateway",
			Name:      "upstream_connections_total",
			Help:      "Upstream gateway connections established, by transport.",
		}, []string{"transport"}),
		handshakeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studio_gateway",
			Name:      "handshake_errors_total",
			Help:      "Connect handshakes answered with an error, by code.",
		}, []string{"code"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studio_gateway",
			Name:      "sessions_closed_total",
			Help:      "Browser sessions closed, by WebSocket close code.",
		}, []string{"code"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "studio_gateway",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of browser sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
	}
	reg.MustRegister(m.active, m.opened, m.upstreams, m.handshakeErrors, m.closed, m.duration)
	return m
}

// NewStore returns a Store keeping maxHistory finished sessions and
// registering its collectors with reg.
func NewStore(maxHistory int, reg prometheus.Registerer) *Store {
	return &Store{
		sessions:   make(map[string]*SessionStats),
		failures:   make(map[string]string),
		maxHistory: maxHistory,
		metrics:    newMetrics(reg),
	}
}

func (s *Store) RecordOpen(info hooks.SessionInfo) {
	s.metrics.active.Inc()
	s.metrics.opened.Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalOpened++
	s.sessions[info.ID] = &SessionStats{
		ID:         info.ID,
		RemoteAddr: info.RemoteAddr,
		Target:     info.Target,
		SSHHost:    info.SSHHost,
		OpenedAt:   time.Now(),
	}
	s.sessionOrder = append(s.sessionOrder, info.ID)
}

func (s *Store) RecordUpstream(info hooks.SessionInfo, upstreamURL string, viaTunnel bool) {
	transport := "direct"
	if viaTunnel {
		transport = "ssh"
	}
	s.metrics.upstreams.WithLabelValues(transport).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[info.ID]; ok {
		ss.UpstreamURL = upstreamURL
		ss.ViaTunnel = viaTunnel
		ss.ConnectedAt = time.Now()
	}
}

func (s *Store) RecordHandshakeError(info hooks.SessionInfo, code string) {
	s.metrics.handshakeErrors.WithLabelValues(code).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFailed++
	s.failures[info.ID] = code
}

func (s *Store) RecordClose(info hooks.SessionInfo, code int) {
	s.metrics.closed.WithLabelValues(strconv.Itoa(code)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.sessions[info.ID]
	if !ok {
		return
	}
	s.metrics.active.Dec()
	delete(s.sessions, info.ID)
	for i, id := range s.sessionOrder {
		if id == info.ID {
			s.sessionOrder = append(s.sessionOrder[:i], s.sessionOrder[i+1:]...)
			break
		}
	}

	duration := time.Since(ss.OpenedAt)
	s.metrics.duration.Observe(duration.Seconds())

	s.nextID++
	entry := HistoryEntry{
		ID:             s.nextID,
		SessionID:      info.ID,
		Target:         ss.Target,
		SSHHost:        ss.SSHHost,
		ViaTunnel:      ss.ViaTunnel,
		HandshakeError: s.failures[info.ID],
		CloseCode:      code,
		Duration:       duration,
		ClosedAt:       time.Now(),
	}
	delete(s.failures, info.ID)

	// Ring buffer: keep last maxHistory entries
	if len(s.history) >= s.maxHistory {
		s.history = append(s.history[1:], entry)
	} else {
		s.history = append(s.history, entry)
	}
}

// Snapshot returns a copy of all live sessions in stable insertion order.
func (s *Store) Snapshot() []SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionStats, 0, len(s.sessionOrder))
	for _, id := range s.sessionOrder {
		if ss, ok := s.sessions[id]; ok {
			out = append(out, *ss)
		}
	}
	return out
}

// RecentHistory returns the last n finished sessions.
func (s *Store) RecentHistory(n int) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.history) {
		n = len(s.history)
	}
	out := make([]HistoryEntry, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Totals returns the number of sessions opened and of failed handshakes
// since start.
func (s *Store) Totals() (opened, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalOpened, s.totalFailed
}

// --- Plugin wiring ---

// Plugin implements hooks.Plugin for in-memory stats and Prometheus metrics.
// Controlled by a single --stats-addr flag: empty disables everything.
type Plugin struct {
	addr     string
	registry *prometheus.Registry
	store    *Store
}

func New() *Plugin {
	reg := prometheus.NewRegistry()
	return &Plugin{
		registry: reg,
		store:    NewStore(1000, reg),
	}
}

func (p *Plugin) Name() string { return "stats" }
func (p *Plugin) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&p.addr, "stats-addr", "", "Address for the stats API and /metrics (empty to disable)")
}
func (p *Plugin) Enabled() bool                     { return p.addr != "" }
func (p *Plugin) UpgradeHooks() []hooks.UpgradeHook { return nil }
func (p *Plugin) SessionHooks() []hooks.SessionHook {
	return []hooks.SessionHook{&sessionHook{store: p.store}}
}

// Addr is the configured listen address.
func (p *Plugin) Addr() string { return p.addr }

// Store returns the underlying store.
func (p *Plugin) Store() *Store { return p.store }

// --- Hooks ---

type sessionHook struct {
	store *Store
}

func (h *sessionHook) OnOpen(s hooks.SessionInfo) { h.store.RecordOpen(s) }
func (h *sessionHook) OnUpstream(s hooks.SessionInfo, upstreamURL string, viaTunnel bool) {
	h.store.RecordUpstream(s, upstreamURL, viaTunnel)
}
func (h *sessionHook) OnHandshakeError(s hooks.SessionInfo, code string) {
	h.store.RecordHandshakeError(s, code)
}
func (h *sessionHook) OnClose(s hooks.SessionInfo, code int) { h.store.RecordClose(s, code) }
