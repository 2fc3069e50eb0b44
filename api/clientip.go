package api

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ParseTrustedProxies parses addresses and CIDR prefixes of proxies whose
// X-Forwarded-For header is trusted. Unparseable entries are returned
// separately so they can be reported.
func ParseTrustedProxies(values []string) (prefixes []netip.Prefix, invalid []string) {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if p, err := netip.ParsePrefix(v); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(v); err == nil {
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		invalid = append(invalid, v)
	}
	return prefixes, invalid
}

// clientKey identifies the client for rate limiting: the raw X-Forwarded-For
// header when present, the client address otherwise.
func (a *API) clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return a.clientIP(r)
}

// clientIP returns the address of the client. Forwarded addresses are only
// believed while the hop that reported them is a trusted proxy.
func (a *API) clientIP(r *http.Request) string {
	remote := remoteAddr(r)
	if !a.trusted(remote) {
		return remote
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !a.trusted(hop) {
			return hop
		}
		remote = hop
	}
	return remote
}

func (a *API) trusted(addr string) bool {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range a.TrustedProxies {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
