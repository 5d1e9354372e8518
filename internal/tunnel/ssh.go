// Package tunnel opens SSH local port forwards to remote gateway hosts using
// the system ssh client.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jpillora/backoff"
)

const stderrTail = 500

// ErrNotReady is returned when the forwarded port never accepted a probe
// connection within the attempt budget.
var ErrNotReady = errors.New("ssh tunnel did not become ready")

// Spec describes one forward: 127.0.0.1:<local> -> 127.0.0.1:RemotePort on Host.
type Spec struct {
	Host       string
	User       string
	Port       int
	RemotePort int
}

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	Binary         string        // default "ssh"
	KeyPath        string        // passed with -i only if the file exists
	ProbeDelay     time.Duration // default 300ms
	ProbeInterval  time.Duration // default 200ms
	ProbeAttempts  int           // default 25
	ConnectTimeout time.Duration // default 10s
	KeepAlive      time.Duration // default 15s
}

// Manager spawns one ssh process per requested tunnel.
type Manager struct {
	opts Options

	freePort func() (int, error)
}

// NewManager returns a Manager using opts.
func NewManager(opts Options) *Manager {
	if opts.Binary == "" {
		opts.Binary = "ssh"
	}
	if opts.ProbeDelay <= 0 {
		opts.ProbeDelay = 300 * time.Millisecond
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 200 * time.Millisecond
	}
	if opts.ProbeAttempts <= 0 {
		opts.ProbeAttempts = 25
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Manager{opts: opts, freePort: FreePort}
}

// Tunnel is a ready port forward. Close terminates the ssh process.
type Tunnel struct {
	localPort int
	cmd       *exec.Cmd
	exited    chan struct{}
	closeOnce sync.Once
}

// LocalPort is the loopback port forwarded to the remote gateway.
func (t *Tunnel) LocalPort() int { return t.localPort }

// URL is the WebSocket URL that reaches the remote gateway through the tunnel.
func (t *Tunnel) URL() string { return fmt.Sprintf("ws://127.0.0.1:%d", t.localPort) }

// Close kills the ssh process. It is safe to call more than once and never
// reports an error.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		select {
		case <-t.exited:
		case <-time.After(2 * time.Second):
		}
	})
	return nil
}

// Open starts ssh and blocks until the forwarded port accepts a TCP
// connection, ssh exits, the probe budget runs out or ctx is done. It returns
// either a ready tunnel or an error, never both.
func (m *Manager) Open(ctx context.Context, spec Spec) (*Tunnel, error) {
	if spec.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if spec.RemotePort <= 0 {
		return nil, fmt.Errorf("invalid remote port %d", spec.RemotePort)
	}

	localPort, err := m.freePort()
	if err != nil {
		return nil, err
	}

	args := m.args(spec, localPort)
	log := clog.FromContext(ctx).With("ssh_host", spec.Host, "local_port", localPort, "remote_port", spec.RemotePort)
	log.Debug("starting ssh tunnel", "args", strings.Join(args, " "))

	stderr := newTailBuffer(stderrTail)
	cmd := exec.Command(m.opts.Binary, args...)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ssh: %w", err)
	}

	t := &Tunnel{localPort: localPort, cmd: cmd, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(t.exited)
	}()

	if err := m.waitReady(ctx, t, stderr); err != nil {
		t.Close()
		log.Warn("ssh tunnel failed", "error", err)
		return nil, err
	}
	log.Info("ssh tunnel ready")
	return t, nil
}

func (m *Manager) waitReady(ctx context.Context, t *Tunnel, stderr *tailBuffer) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(t.localPort))
	b := &backoff.Backoff{Min: m.opts.ProbeInterval, Max: m.opts.ProbeInterval, Factor: 1}

	timer := time.NewTimer(m.opts.ProbeDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= m.opts.ProbeAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh tunnel aborted: %w", ctx.Err())
		case <-t.exited:
			return fmt.Errorf("ssh exited with code %d: %s", t.cmd.ProcessState.ExitCode(), tailOrNone(stderr))
		case <-timer.C:
		}

		if probe(ctx, addr, m.opts.ProbeInterval) == nil {
			return nil
		}
		timer.Reset(b.Duration())
	}
	return fmt.Errorf("%w after %d probes: %s", ErrNotReady, m.opts.ProbeAttempts, tailOrNone(stderr))
}

func probe(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

func (m *Manager) args(spec Spec, localPort int) []string {
	user := spec.User
	if user == "" {
		user = "root"
	}
	port := spec.Port
	if port <= 0 {
		port = 22
	}

	args := []string{
		"-N", "-T",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
		"-o", fmt.Sprintf("ConnectTimeout=%d", seconds(m.opts.ConnectTimeout)),
		"-o", fmt.Sprintf("ServerAliveInterval=%d", seconds(m.opts.KeepAlive)),
		"-o", "ServerAliveCountMax=3",
		"-o", "ExitOnForwardFailure=yes",
		"-L", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", localPort, spec.RemotePort),
		"-p", strconv.Itoa(port),
	}
	if m.opts.KeyPath != "" {
		if st, err := os.Stat(m.opts.KeyPath); err == nil && !st.IsDir() {
			args = append(args, "-i", m.opts.KeyPath)
		}
	}
	return append(args, user+"@"+spec.Host)
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

func tailOrNone(t *tailBuffer) string {
	if s := strings.TrimSpace(t.String()); s != "" {
		return s
	}
	return "(no stderr)"
}
