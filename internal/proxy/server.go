// Package proxy relays browser WebSocket sessions to remote OpenClaw gateways,
// optionally through an SSH tunnel.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openclaw/studio-gateway/internal/hooks"
	"github.com/openclaw/studio-gateway/internal/settings"
	"github.com/openclaw/studio-gateway/internal/tunnel"
)

// DefaultPath is the upgrade path accepted when no Accept predicate is given.
const DefaultPath = "/api/gateway/ws"

// ErrLoaderRequired is returned by NewServer without a settings loader.
var ErrLoaderRequired = errors.New("proxy: settings loader is required")

// Tunnel is a ready SSH port forward owned by one session.
type Tunnel interface {
	LocalPort() int
	Close() error
}

// TunnelOpener opens a tunnel for spec, returning only ready tunnels.
type TunnelOpener func(ctx context.Context, spec tunnel.Spec) (Tunnel, error)

// SSHTunnels adapts a tunnel.Manager to a TunnelOpener.
func SSHTunnels(m *tunnel.Manager) TunnelOpener {
	return func(ctx context.Context, spec tunnel.Spec) (Tunnel, error) {
		t, err := m.Open(ctx, spec)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// Dialer opens the upstream WebSocket.
type Dialer func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// Options configures a Server.
type Options struct {
	// Loader resolves the upstream when the browser does not name a target.
	Loader settings.Loader
	// Tunnels opens SSH tunnels. Defaults to a tunnel.Manager with default
	// options.
	Tunnels TunnelOpener
	// Dial opens upstream sockets. Defaults to a gorilla Dialer.
	Dial Dialer
	// Path is the upgrade path; ignored when Accept is set.
	Path string
	// Accept decides which upgrade requests become sessions. Rejected
	// requests are dropped without a response.
	Accept func(r *http.Request) bool
	// Hooks receives session lifecycle events; its upgrade hooks further
	// restrict Accept.
	Hooks *hooks.Pipeline
	// Upgrader upgrades browser requests. Defaults to one accepting any
	// Origin.
	Upgrader *websocket.Upgrader
}

// Server accepts browser WebSocket upgrades and runs one session per
// connection.
type Server struct {
	loader   settings.Loader
	tunnels  TunnelOpener
	dial     Dialer
	accept   func(r *http.Request) bool
	hooks    *hooks.Pipeline
	upgrader *websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// NewServer returns a Server for opts.
func NewServer(opts Options) (*Server, error) {
	if opts.Loader == nil {
		return nil, ErrLoaderRequired
	}
	s := &Server{
		loader:   opts.Loader,
		tunnels:  opts.Tunnels,
		dial:     opts.Dial,
		accept:   opts.Accept,
		hooks:    opts.Hooks,
		upgrader: opts.Upgrader,
		sessions: make(map[*session]struct{}),
	}
	if s.tunnels == nil {
		s.tunnels = SSHTunnels(tunnel.NewManager(tunnel.Options{}))
	}
	if s.dial == nil {
		s.dial = defaultDial
	}
	if s.accept == nil {
		path := opts.Path
		if path == "" {
			path = DefaultPath
		}
		s.accept = func(r *http.Request) bool { return r.URL.Path == path }
	}
	if s.hooks == nil {
		s.hooks = &hooks.Pipeline{}
	}
	if s.upgrader == nil {
		s.upgrader = &websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
	}
	return s, nil
}

func defaultDial(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 15 * time.Second,
	}
	conn, resp, err := d.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// ServeHTTP upgrades accepted requests and blocks until the session ends.
// Non-upgrade requests get 404; upgrades that are not accepted are dropped.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	if !s.accept(r) || !s.hooks.Allow(r) {
		drop(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		clog.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := s.newSession(r, conn)
	if !s.track(sess) {
		sess.closeBoth(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(sess)
	sess.run()
}

func (s *Server) newSession(r *http.Request, conn *websocket.Conn) *session {
	params := parseConnParams(r.URL.Query())
	id := uuid.NewString()
	log := clog.FromContext(r.Context()).With("session", id)

	ctx, cancel := context.WithCancel(clog.WithLogger(r.Context(), log))
	return &session{
		srv:    s,
		params: params,
		info: hooks.SessionInfo{
			ID:         id,
			RemoteAddr: r.RemoteAddr,
			Target:     params.Target,
			SSHHost:    params.SSHHost,
		},
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		browser: newWSConn(conn),
	}
}

// drop closes the client connection without writing a response.
func drop(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

// track registers sess; it fails once the server is closed.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// Sessions reports the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close tears down every live session and rejects new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range live {
		sess.closeBoth(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}
