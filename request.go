package contentgate

import (
	"net"
	"strings"
)

// RequestFilter decides whether a request may proceed based on its host.
//
// Checks run in a fixed order:
//
//  1. loopback, "localhost", link-local and unspecified addresses, and the
//     Settings Service host, are always allowed (self-protection);
//  2. a host containing any excluded entry is allowed;
//  3. a host containing any blocked entry is denied;
//  4. anything else is allowed and left to the ResponseScanner.
//
// Entries match by substring containment: "example.com" matches
// "www.example.com" and also "notexample.com".
type RequestFilter struct {
	Store *PolicyStore

	// ServiceHost is the Settings Service host. Requests to it are never
	// filtered so the engine cannot cut off its own policy feed.
	ServiceHost string
}

// NewRequestFilter creates a RequestFilter. serviceHost may be a bare host
// or a URL; only its hostname is kept.
func NewRequestFilter(store *PolicyStore, serviceHost string) *RequestFilter {
	h := serviceHost
	if strings.Contains(h, "://") {
		h = ServiceHost(h)
	}
	return &RequestFilter{Store: store, ServiceHost: NormalizeHost(h)}
}

// Evaluate returns the decision for host against the current policy.
func (f *RequestFilter) Evaluate(host string) Decision {
	return f.evaluate(f.Store.Current(), host)
}

func (f *RequestFilter) evaluate(snap *Snapshot, host string) Decision {
	h := NormalizeHost(host)
	if f.isSelf(h) {
		return allow(KindSelf)
	}

	if d, ok := snap.cachedHost(h); ok {
		return d
	}
	d := matchHost(snap.Policy, h)
	snap.rememberHost(h, d)
	return d
}

func (f *RequestFilter) isSelf(host string) bool {
	if f.ServiceHost != "" && host == f.ServiceHost {
		return true
	}
	return IsLocalHost(host)
}

func matchHost(p *Policy, host string) Decision {
	if host == "" {
		return allow(KindDefault)
	}
	for _, e := range p.ExcludedHosts {
		if strings.Contains(host, e) {
			return Decision{Verdict: VerdictAllow, Kind: KindExcluded, Entry: e}
		}
	}
	for _, e := range p.BlockedHosts {
		if strings.Contains(host, e) {
			return Decision{Verdict: VerdictDeny, Kind: KindDomain, Entry: e}
		}
	}
	return allow(KindDefault)
}

// NormalizeHost lowercases host and strips any port, IPv6 brackets and
// trailing dot.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	return strings.TrimSuffix(h, ".")
}

// IsLocalHost reports whether host names this machine or its link: the
// "localhost" name (and *.localhost), loopback, link-local and unspecified
// addresses.
func IsLocalHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
