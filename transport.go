package contentgate

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// DirectTransport is a pooled [http.Transport] that never consults proxy
// environment variables or system proxy settings. The engine uses it for
// Settings Service traffic and the reference proxy uses it for upstream
// requests, so neither can loop back through the proxy the engine serves.
type DirectTransport struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means the default (100).
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the default (2 per host).
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout is the maximum time to wait for a TCP dial to complete.
	// Zero means the default (30 seconds).
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for a TLS handshake.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout is the maximum time to wait for response
	// headers once the request is written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	transport atomic.Pointer[http.Transport]

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewDirectTransport creates a DirectTransport with forward-proxy defaults.
func NewDirectTransport() *DirectTransport {
	return &DirectTransport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Build creates the underlying transport. Calling it again replaces the
// transport and closes idle connections on the previous one.
func (dt *DirectTransport) Build() *http.Transport {
	dialTimeout := dt.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		// Proxy is deliberately nil.
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          dt.MaxIdleConns,
		MaxIdleConnsPerHost:   dt.MaxIdleConnsPerHost,
		IdleConnTimeout:       dt.IdleConnTimeout,
		TLSHandshakeTimeout:   dt.TLSHandshakeTimeout,
		ResponseHeaderTimeout: dt.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
	}

	if old := dt.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// RoundTrip implements [http.RoundTripper].
func (dt *DirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	dt.totalRequests.Add(1)
	dt.activeRequests.Add(1)
	defer dt.activeRequests.Add(-1)

	t := dt.transport.Load()
	if t == nil {
		t = dt.Build()
	}
	return t.RoundTrip(req)
}

// Client returns an [http.Client] using this transport with the given
// overall timeout.
func (dt *DirectTransport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: dt, Timeout: timeout}
}

// CloseIdleConnections closes idle pooled connections.
func (dt *DirectTransport) CloseIdleConnections() {
	if t := dt.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of request counters.
func (dt *DirectTransport) Stats() TransportStats {
	return TransportStats{
		TotalRequests:  dt.totalRequests.Load(),
		ActiveRequests: dt.activeRequests.Load(),
	}
}

// TransportStats holds a snapshot of DirectTransport counters.
type TransportStats struct {
	TotalRequests  int64
	ActiveRequests int64
}
