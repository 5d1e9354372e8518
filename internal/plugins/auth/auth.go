package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/spf13/pflag"

	"github.com/openclaw/studio-gateway/internal/hooks"
)

type plugin struct {
	auth *string
}

func New() hooks.Plugin {
	return &plugin{}
}

func (p *plugin) Name() string { return "auth" }

func (p *plugin) RegisterFlags(fs *pflag.FlagSet) {
	p.auth = fs.String("auth", "", "Basic auth credentials (user:pass) required on the WebSocket upgrade")
}

func (p *plugin) Enabled() bool { return p.auth != nil && *p.auth != "" }

func (p *plugin) UpgradeHooks() []hooks.UpgradeHook { return []hooks.UpgradeHook{p} }
func (p *plugin) SessionHooks() []hooks.SessionHook { return nil }

// Allow checks the request's basic auth credentials against the flag value.
func (p *plugin) Allow(r *http.Request) bool {
	wantUser, wantPass, _ := strings.Cut(*p.auth, ":")
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) == 1
	return userOK && passOK
}
