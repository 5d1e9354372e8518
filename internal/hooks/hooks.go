package hooks

import (
	"net/http"

	"github.com/spf13/pflag"
)

// --- Hook interfaces ---

// UpgradeHook decides whether an upgrade request may become a session.
type UpgradeHook interface {
	Allow(r *http.Request) bool
}

// SessionInfo identifies a session to SessionHooks.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	Target     string // empty in single-tenant mode
	SSHHost    string
}

// SessionHook observes session lifecycle events.
type SessionHook interface {
	OnOpen(s SessionInfo)
	OnUpstream(s SessionInfo, upstreamURL string, viaTunnel bool)
	OnHandshakeError(s SessionInfo, code string)
	OnClose(s SessionInfo, code int)
}

// NoOpSessionHook is a convenience embed for hooks that only need one method.
type NoOpSessionHook struct{}

func (NoOpSessionHook) OnOpen(SessionInfo)                   {}
func (NoOpSessionHook) OnUpstream(SessionInfo, string, bool) {}
func (NoOpSessionHook) OnHandshakeError(SessionInfo, string) {}
func (NoOpSessionHook) OnClose(SessionInfo, int)             {}

// --- Plugin interface ---

// Plugin is the self-contained unit of optional functionality.
// Each plugin registers its own CLI flags, decides if it's active,
// and provides hooks.
type Plugin interface {
	// Name returns a short identifier (e.g. "stats", "auth").
	Name() string
	// RegisterFlags is called before flags are parsed.
	RegisterFlags(fs *pflag.FlagSet)
	// Enabled returns true if the plugin should activate (check your flags).
	Enabled() bool
	// UpgradeHooks returns upgrade hooks to add to the pipeline, or nil.
	UpgradeHooks() []UpgradeHook
	// SessionHooks returns session hooks to add to the pipeline, or nil.
	SessionHooks() []SessionHook
}

// --- Pipeline ---

// Pipeline runs registered hooks in order. Zero-value is ready to use.
type Pipeline struct {
	plugins      []Plugin
	upgradeHooks []UpgradeHook
	sessionHooks []SessionHook
}

// RegisterPlugin adds a plugin. Call before flags are parsed.
func (p *Pipeline) RegisterPlugin(pl Plugin) {
	p.plugins = append(p.plugins, pl)
}

// RegisterFlags calls RegisterFlags on all plugins.
func (p *Pipeline) RegisterFlags(fs *pflag.FlagSet) {
	for _, pl := range p.plugins {
		pl.RegisterFlags(fs)
	}
}

// Activate checks which plugins are enabled after flag parsing,
// and collects their hooks into the pipeline. It returns the names of
// the enabled plugins.
func (p *Pipeline) Activate() []string {
	var names []string
	for _, pl := range p.plugins {
		if !pl.Enabled() {
			continue
		}
		names = append(names, pl.Name())
		p.upgradeHooks = append(p.upgradeHooks, pl.UpgradeHooks()...)
		p.sessionHooks = append(p.sessionHooks, pl.SessionHooks()...)
	}
	return names
}

func (p *Pipeline) AddUpgradeHook(h UpgradeHook) { p.upgradeHooks = append(p.upgradeHooks, h) }
func (p *Pipeline) AddSessionHook(h SessionHook) { p.sessionHooks = append(p.sessionHooks, h) }

// Allow reports whether every upgrade hook accepts r.
func (p *Pipeline) Allow(r *http.Request) bool {
	for _, h := range p.upgradeHooks {
		if !h.Allow(r) {
			return false
		}
	}
	return true
}

func (p *Pipeline) NotifyOpen(s SessionInfo) {
	for _, h := range p.sessionHooks {
		h.OnOpen(s)
	}
}

func (p *Pipeline) NotifyUpstream(s SessionInfo, upstreamURL string, viaTunnel bool) {
	for _, h := range p.sessionHooks {
		h.OnUpstream(s, upstreamURL, viaTunnel)
	}
}

func (p *Pipeline) NotifyHandshakeError(s SessionInfo, code string) {
	for _, h := range p.sessionHooks {
		h.OnHandshakeError(s, code)
	}
}

func (p *Pipeline) NotifyClose(s SessionInfo, code int) {
	for _, h := range p.sessionHooks {
		h.OnClose(s, code)
	}
}
