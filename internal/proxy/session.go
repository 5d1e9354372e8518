package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/websocket"

	"github.com/openclaw/studio-gateway/internal/hooks"
	"github.com/openclaw/studio-gateway/internal/tunnel"
	"github.com/openclaw/studio-gateway/internal/types"
)

// errSessionClosed aborts a handshake whose session was torn down meanwhile.
var errSessionClosed = errors.New("session closed")

// handshakeError is a connect failure reported to the browser as a failed
// response to its connect request, followed by closing the session.
type handshakeError struct {
	Code    string
	Message string
	Close   int
}

func (e *handshakeError) Error() string { return e.Code + ": " + e.Message }

func handshakeErr(code string, closeCode int, format string, args ...any) *handshakeError {
	return &handshakeError{Code: code, Message: fmt.Sprintf(format, args...), Close: closeCode}
}

// connParams are the per-connection query parameters, fixed at upgrade time.
type connParams struct {
	Target  string
	SSHHost string
	SSHUser string
	SSHPort int
}

func parseConnParams(q url.Values) connParams {
	p := connParams{
		Target:  strings.TrimSpace(q.Get("target")),
		SSHHost: strings.TrimSpace(q.Get("sshHost")),
		SSHUser: strings.TrimSpace(q.Get("sshUser")),
		SSHPort: 22,
	}
	if p.SSHUser == "" {
		p.SSHUser = "root"
	}
	if n, err := strconv.Atoi(strings.TrimSpace(q.Get("sshPort"))); err == nil && n > 0 {
		p.SSHPort = n
	}
	return p
}

// session relays one browser connection to one upstream gateway.
//
// The browser's first frame must be a connect request. It binds the session
// to an upstream: settings are resolved, an SSH tunnel is opened if asked
// for, the upstream is dialed and the connect frame forwarded. After that,
// frames pass through untouched in both directions until either side goes
// away.
type session struct {
	srv     *Server
	params  connParams
	info    hooks.SessionInfo
	log     *clog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	browser *wsConn

	mu                  sync.Mutex
	bound               bool // first connect frame accepted
	upstream            *wsConn
	upstreamReady       bool
	tunnel              Tunnel
	connectRequestID    string
	connectResponseSent bool
	closed              bool
}

// run reads browser frames until the session closes.
func (s *session) run() {
	s.srv.hooks.NotifyOpen(s.info)
	s.log.Info("session opened", "target", s.params.Target, "ssh_host", s.params.SSHHost)

	for {
		msgType, data, err := s.browser.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.closeBoth(types.CloseNormal, "client closed")
			} else {
				s.closeBoth(types.CloseInternalError, "client error")
			}
			return
		}
		if !s.handleBrowser(msgType, data) {
			return
		}
	}
}

// handleBrowser processes one browser frame and reports whether the session
// is still open.
func (s *session) handleBrowser(msgType int, data []byte) bool {
	frame, err := types.ParseFrame(data)
	if err != nil {
		s.closeBoth(types.CloseInvalidFrame, "invalid frame")
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if !s.bound {
		if !frame.IsConnect() {
			s.mu.Unlock()
			s.closeBoth(types.CloseProtocolError, "connect required")
			return false
		}
		id := frame.ID()
		if id == "" {
			s.mu.Unlock()
			s.closeBoth(types.CloseProtocolError, "connect id required")
			return false
		}
		// Bind before any asynchronous work so a second connect cannot
		// start another handshake.
		s.bound = true
		s.connectRequestID = id
		s.mu.Unlock()

		go s.handshake(frame)
		return true
	}

	up, ready := s.upstream, s.upstreamReady
	s.mu.Unlock()

	if up == nil || !ready {
		s.closeBoth(types.CloseUpstreamNotOpen, "upstream not ready")
		return false
	}
	if err := up.writeMessage(msgType, frame.Raw); err != nil {
		s.upstreamFailed(err)
		return false
	}
	return true
}

func (s *session) handshake(connect *types.Frame) {
	err := s.establish(connect)
	if err == nil || errors.Is(err, errSessionClosed) {
		return
	}

	var he *handshakeError
	if !errors.As(err, &he) {
		he = handshakeErr(types.CodeUpstreamError, types.CloseInternalError, "%v", err)
	}
	s.log.Warn("connect handshake failed", "code", he.Code, "error", he.Message)
	s.respondError(he.Code, he.Message)
	s.closeBoth(he.Close, he.Message)
}

// establish resolves the upstream, opens a tunnel if needed, dials the
// gateway and forwards the connect frame.
func (s *session) establish(connect *types.Frame) error {
	upstreamURL, token, err := s.resolveUpstream()
	if err != nil {
		return err
	}

	effectiveURL := upstreamURL
	viaTunnel := false
	if s.params.SSHHost != "" && s.params.Target != "" {
		if effectiveURL, err = s.openTunnel(upstreamURL); err != nil {
			return err
		}
		viaTunnel = true
	}

	origin, err := originFor(effectiveURL)
	if err != nil {
		return handshakeErr(types.CodeGatewayURLInvalid, types.CloseInternalError, "invalid gateway url: %v", err)
	}

	conn, err := s.srv.dial(s.ctx, effectiveURL, http.Header{"Origin": {origin}})
	if err != nil {
		if s.isClosed() {
			return errSessionClosed
		}
		return handshakeErr(types.CodeUpstreamError, types.CloseInternalError, "failed to connect to gateway: %v", err)
	}
	up := newWSConn(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		up.close(types.CloseNormal, "client closed")
		return errSessionClosed
	}
	s.upstream = up
	s.mu.Unlock()

	payload := connect.Raw
	if !connect.PreAuthenticated() && token != "" {
		if payload, err = connect.WithToken(token); err != nil {
			return handshakeErr(types.CodeUpstreamError, types.CloseInternalError, "failed to encode connect frame: %v", err)
		}
	}
	if err := up.writeMessage(websocket.TextMessage, payload); err != nil {
		if s.isClosed() {
			return errSessionClosed
		}
		return handshakeErr(types.CodeUpstreamError, types.CloseInternalError, "failed to send connect frame: %v", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	s.upstreamReady = true
	s.mu.Unlock()

	s.srv.hooks.NotifyUpstream(s.info, effectiveURL, viaTunnel)
	s.log.Info("upstream connected", "url", effectiveURL, "tunnel", viaTunnel)
	go s.readUpstream(up)
	return nil
}

// resolveUpstream returns the gateway URL and the token to inject. With a
// per-connection target the caller authenticates itself and no token is
// injected.
func (s *session) resolveUpstream() (string, string, error) {
	if s.params.Target != "" {
		return s.params.Target, "", nil
	}

	st, err := s.srv.loader(s.ctx)
	if err != nil {
		if s.isClosed() {
			return "", "", errSessionClosed
		}
		return "", "", handshakeErr(types.CodeSettingsLoadFailed, types.CloseInternalError, "failed to load gateway settings: %v", err)
	}
	upstreamURL := strings.TrimSpace(st.URL)
	token := strings.TrimSpace(st.Token)
	if upstreamURL == "" {
		return "", "", handshakeErr(types.CodeGatewayURLMissing, types.CloseInternalError, "gateway url is not configured")
	}
	if token == "" {
		return "", "", handshakeErr(types.CodeGatewayTokenMissing, types.CloseInternalError, "gateway token is not configured")
	}
	return upstreamURL, token, nil
}

// openTunnel forwards a local port to the target's port on the SSH host and
// returns the URL that reaches the gateway through it.
func (s *session) openTunnel(upstreamURL string) (string, error) {
	port, err := remotePort(upstreamURL)
	if err != nil {
		return "", handshakeErr(types.CodeGatewayURLInvalid, types.CloseInternalError, "invalid gateway url: %v", err)
	}

	t, err := s.srv.tunnels(s.ctx, tunnel.Spec{
		Host:       s.params.SSHHost,
		User:       s.params.SSHUser,
		Port:       s.params.SSHPort,
		RemotePort: port,
	})
	if err != nil {
		if s.isClosed() {
			return "", errSessionClosed
		}
		return "", handshakeErr(types.CodeUpstreamError, types.CloseInternalError, "%v", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return "", errSessionClosed
	}
	s.tunnel = t
	s.mu.Unlock()

	return fmt.Sprintf("ws://127.0.0.1:%d", t.LocalPort()), nil
}

// readUpstream relays upstream frames to the browser byte for byte.
func (s *session) readUpstream(up *wsConn) {
	for {
		msgType, data, err := up.conn.ReadMessage()
		if err != nil {
			s.upstreamFailed(err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if !s.connectResponseSent {
			if f, err := types.ParseFrame(data); err == nil && f.IsResponseTo(s.connectRequestID) {
				s.connectResponseSent = true
			}
		}
		s.mu.Unlock()

		if err := s.browser.writeMessage(msgType, data); err != nil {
			s.closeBoth(types.CloseInternalError, "client write failed")
			return
		}
	}
}

// upstreamFailed handles the upstream going away. A browser still waiting
// for its connect response gets a synthesized one.
func (s *session) upstreamFailed(err error) {
	if s.isClosed() {
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		msg := fmt.Sprintf("gateway closed (%d)", ce.Code)
		if ce.Text != "" {
			msg += ": " + ce.Text
		}
		s.log.Info("upstream closed", "code", ce.Code, "reason", ce.Text)
		s.respondError(types.CodeUpstreamClosed, msg)
		s.closeBoth(types.CloseUpstreamClosed, "upstream closed")
		return
	}

	s.log.Warn("upstream error", "error", err)
	s.respondError(types.CodeUpstreamError, fmt.Sprintf("gateway error: %v", err))
	s.closeBoth(types.CloseInternalError, "upstream error")
}

// respondError sends a failed connect response unless one was already sent
// or relayed.
func (s *session) respondError(code, message string) {
	s.mu.Lock()
	if s.closed || s.connectResponseSent || s.connectRequestID == "" {
		s.mu.Unlock()
		return
	}
	s.connectResponseSent = true
	id := s.connectRequestID
	s.mu.Unlock()

	s.srv.hooks.NotifyHandshakeError(s.info, code)
	if err := s.browser.writeJSON(types.NewErrorResponse(id, code, message)); err != nil {
		s.log.Debug("failed to send error response", "error", err)
	}
}

// closeBoth tears the session down once: the handshake is cancelled and the
// browser socket, upstream socket and tunnel are closed. Each step is
// best-effort.
func (s *session) closeBoth(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	up, t := s.upstream, s.tunnel
	s.mu.Unlock()

	s.cancel()
	s.browser.close(code, reason)
	if up != nil {
		up.close(code, reason)
	}
	if t != nil {
		_ = t.Close()
	}

	s.srv.hooks.NotifyClose(s.info, code)
	s.log.Info("session closed", "code", code, "reason", reason)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
