package contentgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Proxy is a forward HTTP proxy that runs every exchange through an Engine.
// Plain HTTP requests are filtered at both stages. CONNECT tunnels are
// checked by host only and then relayed opaquely; their content is never
// decrypted.
type Proxy struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// Engine makes the filtering decisions.
	Engine *Engine

	// Transport forwards plain HTTP requests. Defaults to a DirectTransport
	// so upstream traffic never loops back through a configured proxy.
	Transport http.RoundTripper

	// DialContext opens CONNECT tunnels. Defaults to a net.Dialer with
	// DialTimeout.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTimeout bounds tunnel dials made by the default dialer.
	DialTimeout time.Duration

	Logger *slog.Logger

	// Metrics, HealthChecker, AccessLog and Admin are optional. Their
	// endpoints are only served for origin-form requests so proxied URLs
	// with the same paths are never intercepted.
	Metrics       *Metrics
	HealthChecker *HealthChecker
	AccessLog     *AccessLogger
	Admin         *AdminAPI

	mu  sync.Mutex
	srv *http.Server
}

// NewProxy creates a Proxy for engine.
func NewProxy(addr string, engine *Engine) *Proxy {
	return &Proxy{
		Addr:        addr,
		Engine:      engine,
		Transport:   NewDirectTransport(),
		DialTimeout: 30 * time.Second,
		Logger:      slog.Default(),
	}
}

// ListenAndServe listens on Addr and serves until Shutdown.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(ln)
}

// Serve accepts proxy connections on ln.
func (p *Proxy) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
	}
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect && r.URL.Host == "" {
		p.serveLocal(w, r)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

func (p *Proxy) serveLocal(w http.ResponseWriter, r *http.Request) {
	switch {
	case p.Metrics != nil && r.URL.Path == "/metrics":
		p.Metrics.Handler().ServeHTTP(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/healthz":
		p.HealthChecker.HandleHealthz(w, r)
	case p.HealthChecker != nil && r.URL.Path == "/readyz":
		p.HealthChecker.HandleReadyz(w, r)
	case p.Admin != nil && underPrefix(r.URL.Path, p.Admin.PathPrefix):
		p.Admin.ServeHTTP(w, r)
	default:
		http.Error(w, "this is a proxy server; configure it as your HTTP proxy", http.StatusBadRequest)
	}
}

// underPrefix reports whether path is prefix itself or lies below it.
func underPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// handleConnect filters the CONNECT host and then relays bytes in both
// directions.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := NewExchangeID()
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "https")
		p.Metrics.IncActiveConns()
		defer p.Metrics.DecActiveConns()
	}

	entry := AccessLogEntry{
		ID:         id,
		Timestamp:  start,
		Method:     r.Method,
		Host:       r.Host,
		Scheme:     "https",
		ClientAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	defer func() {
		entry.Duration = time.Since(start)
		p.logAccess(entry)
	}()

	d := p.Engine.CheckRequest(r.Context(), r.Host)
	entry.Decision = d
	if d.Denied() {
		entry.Stage = StageRequest
		entry.StatusCode = http.StatusForbidden
		p.writeResponse(w, p.Engine.renderDeny(NormalizeHost(r.Host), r.Host, d))
		return
	}

	upstream, err := p.dial(r.Context(), r.Host)
	if err != nil {
		p.Logger.Error("dial upstream", "id", id, "host", r.Host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(NormalizeHost(r.Host))
		}
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = upstream.Close() }()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		entry.StatusCode = http.StatusInternalServerError
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "id", id, "error", err)
		entry.Error = err.Error()
		return
	}
	defer func() { _ = client.Close() }()

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		entry.Error = err.Error()
		return
	}
	entry.StatusCode = http.StatusOK

	// Bytes the client sent after the CONNECT line are already buffered.
	if n := buf.Reader.Buffered(); n > 0 {
		pending, _ := buf.Reader.Peek(n)
		if _, err := upstream.Write(pending); err != nil {
			entry.Error = err.Error()
			return
		}
	}

	entry.BytesWritten = relay(client, upstream)
}

// relay copies between a and b until either side closes and returns the
// bytes sent from b to a.
func relay(a, b net.Conn) int64 {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(b, a)
		closeWrite(b)
	}()

	n, _ := io.Copy(a, b)
	closeWrite(a)
	wg.Wait()
	return n
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

func (p *Proxy) dial(ctx context.Context, addr string) (net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "443")
	}
	if p.DialContext != nil {
		return p.DialContext(ctx, "tcp", addr)
	}
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// handleHTTP filters and forwards a plain HTTP request.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := NewExchangeID()
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}
	p.Logger.Debug("HTTP", "id", id, "method", r.Method, "url", r.URL)

	entry := AccessLogEntry{
		ID:         id,
		Timestamp:  start,
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		Scheme:     r.URL.Scheme,
		ClientAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	defer func() {
		entry.Duration = time.Since(start)
		p.logAccess(entry)
	}()

	if deny, d := p.Engine.HandleRequest(r.Context(), r); deny != nil {
		entry.Decision = d
		entry.Stage = StageRequest
		entry.StatusCode = deny.StatusCode
		p.writeResponse(w, deny)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "id", id, "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(NormalizeHost(r.Host))
		}
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	out, d, err := p.Engine.HandleResponse(r.Context(), r, resp)
	entry.Decision = d
	if err != nil {
		p.Logger.Error("read upstream body", "id", id, "error", err, "url", r.URL)
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if d.Denied() {
		entry.Stage = StageResponse
	}

	entry.StatusCode = out.StatusCode
	entry.BytesWritten = p.writeResponse(w, out)
}

// writeResponse copies resp to w and closes its body.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response) int64 {
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	return n
}

func (p *Proxy) transport() http.RoundTripper {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Transport == nil {
		p.Transport = NewDirectTransport()
	}
	return p.Transport
}

func (p *Proxy) logAccess(e AccessLogEntry) {
	if p.AccessLog != nil {
		p.AccessLog.Log(e)
	}
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
