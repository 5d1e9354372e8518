package ipallow

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/spf13/pflag"

	"github.com/openclaw/studio-gateway/internal/hooks"
)

type plugin struct {
	allowIPs *string
	prefixes []netip.Prefix
}

func New() hooks.Plugin {
	return &plugin{}
}

func (p *plugin) Name() string { return "ipallow" }

func (p *plugin) RegisterFlags(fs *pflag.FlagSet) {
	p.allowIPs = fs.String("allow-ip", "", "Comma-separated list of browser IPs or CIDRs allowed to connect (e.g. 1.2.3.4,10.0.0.0/8)")
}

func (p *plugin) Enabled() bool { return p.allowIPs != nil && *p.allowIPs != "" }

func (p *plugin) UpgradeHooks() []hooks.UpgradeHook {
	p.prefixes = parsePrefixes(*p.allowIPs)
	return []hooks.UpgradeHook{p}
}

func (p *plugin) SessionHooks() []hooks.SessionHook { return nil }

// Allow admits requests whose remote address falls in an allowed prefix.
// Entries that fail to parse are ignored.
func (p *plugin) Allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(list string) []netip.Prefix {
	parts := strings.Split(list, ",")
	out := make([]netip.Prefix, 0, len(parts))
	for _, s := range parts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(s); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(s); err == nil {
			addr = addr.Unmap()
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}
	return out
}
