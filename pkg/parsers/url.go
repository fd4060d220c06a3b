package parsers

import (
	"net"
	"net/url"
	"strings"
)

// URL is the structural summary of a URL string.
type URL struct {
	Valid      bool   `json:"valid"`
	Scheme     string `json:"scheme"`
	Host       string `json:"host"`
	Port       string `json:"port"`
	Path       string `json:"path"`
	UserInfo   string `json:"userinfo,omitempty"`
	IsInternal bool   `json:"is_internal"`
	IsIP       bool   `json:"is_ip"`
}

// Private and special-use ranges treated as internal. The cloud metadata
// range 169.254.0.0/16 (link-local) is included.
var internalCIDRs = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"127.0.0.0/8",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		nets = append(nets, n)
	}
	return nets
}

// ParseURL decomposes a URL. IsInternal is purely syntactic: it is true
// when the host is a literal IP inside a private/link-local/loopback
// range, or a name like "localhost" or a single-label host. No DNS
// resolution is performed here; rebinding defense belongs to the caller.
func ParseURL(input string) URL {
	out := URL{}
	u, err := url.Parse(strings.TrimSpace(input))
	if err != nil || u.Scheme == "" || u.Host == "" {
		if u != nil {
			out.Scheme = u.Scheme
			out.Host = u.Hostname()
			out.Path = u.Path
		}
		return out
	}
	out.Valid = true
	out.Scheme = strings.ToLower(u.Scheme)
	out.Host = strings.ToLower(u.Hostname())
	out.Port = u.Port()
	out.Path = u.Path
	if u.User != nil {
		out.UserInfo = u.User.String()
	}

	if ip := net.ParseIP(out.Host); ip != nil {
		out.IsIP = true
		out.IsInternal = ipInternal(ip)
		return out
	}
	out.IsInternal = hostInternal(out.Host)
	return out
}

func ipInternal(ip net.IP) bool {
	for _, n := range internalCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostInternal(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return true
	}
	// Single-label hosts (no dot) are link-local names.
	return !strings.Contains(host, ".")
}
