package contentgate

import (
	"context"
	"io"
	"log/slog"
	"net/http"
)

// Engine wires the filtering components together for a host proxy. The
// host calls CheckRequest (or HandleRequest) for every request and, when
// it is allowed, CheckResponse (or HandleResponse) for its response. A
// deny is turned into the warning page.
type Engine struct {
	Store       *PolicyStore
	Scheduler   *ReloadScheduler
	Requests    *RequestFilter
	Responses   *ResponseScanner
	WarningPage *WarningPage

	// Metrics is optional.
	Metrics *Metrics

	Logger *slog.Logger
}

// NewEngine builds an engine around loader. serviceHost is the Settings
// Service host (or base URL) exempted by self-protection.
func NewEngine(loader Loader, serviceHost string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	store := NewPolicyStore(loader)
	store.Logger = logger

	requests := NewRequestFilter(store, serviceHost)
	responses := NewResponseScanner(requests)
	responses.Logger = logger

	e := &Engine{
		Store:       store,
		Scheduler:   NewReloadScheduler(store),
		Requests:    requests,
		Responses:   responses,
		WarningPage: NewWarningPage(),
		Logger:      logger,
	}

	store.OnReload = func(s *Snapshot) {
		if e.Metrics != nil {
			e.Metrics.ObserveSnapshot(s)
		}
	}
	store.OnStale = func(*Snapshot) {
		if e.Metrics != nil {
			e.Metrics.RecordStale()
		}
	}

	return e
}

// Exchange is one request/response pair seen by the host proxy.
type Exchange struct {
	ID      string
	Request ExchangeRequest

	// Response is nil until the upstream has answered. Process replaces it
	// with the warning page on deny.
	Response *ExchangeResponse

	// Decision and Stage are set by Process.
	Decision Decision
	Stage    string
}

// ExchangeRequest identifies the requested resource. Process never
// modifies it.
type ExchangeRequest struct {
	Host string
	URL  string
}

// ExchangeResponse is a buffered upstream response.
type ExchangeResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// CheckRequest is the per-request hook. It gives the scheduler a chance to
// start a reload, then evaluates host.
func (e *Engine) CheckRequest(ctx context.Context, host string) Decision {
	e.Scheduler.Observe(ctx)
	d := e.Requests.Evaluate(host)
	e.record(ctx, StageRequest, host, d)
	return d
}

// CheckResponse is the per-response hook for an already-buffered body.
func (e *Engine) CheckResponse(ctx context.Context, host, contentType string, body []byte) Decision {
	d := e.Responses.Evaluate(host, contentType, body)
	if e.Metrics != nil && scanned(d) {
		e.Metrics.RecordScanBytes(len(body))
	}
	e.record(ctx, StageResponse, host, d)
	return d
}

// Process runs both stages over ex. The response stage is skipped when the
// request is denied or no response is present yet.
func (e *Engine) Process(ctx context.Context, ex *Exchange) Decision {
	if ex.ID == "" {
		ex.ID = NewExchangeID()
	}

	d := e.CheckRequest(ctx, ex.Request.Host)
	ex.Decision, ex.Stage = d, StageRequest
	if d.Denied() {
		ex.Response = e.DenyResponse(ex.Request, d)
		return d
	}
	if ex.Response == nil {
		return d
	}

	d = e.CheckResponse(ctx, ex.Request.Host, ex.Response.Header.Get("Content-Type"), ex.Response.Body)
	ex.Decision, ex.Stage = d, StageResponse
	if d.Denied() {
		ex.Response = e.DenyResponse(ex.Request, d)
	}
	return d
}

// DenyResponse renders the warning page for d as a buffered response.
func (e *Engine) DenyResponse(req ExchangeRequest, d Decision) *ExchangeResponse {
	resp := e.renderDeny(req.Host, req.URL, d)
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	return &ExchangeResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
}

// HandleRequest is the net/http request hook. It returns the warning page
// when req is denied and a nil response when it may be forwarded.
func (e *Engine) HandleRequest(ctx context.Context, req *http.Request) (*http.Response, Decision) {
	host := requestHost(req)
	d := e.CheckRequest(ctx, host)
	if !d.Denied() {
		return nil, d
	}
	resp := e.renderDeny(host, req.URL.String(), d)
	resp.Request = req
	return resp, d
}

// HandleResponse is the net/http response hook. It returns resp itself,
// with its body restored, when allowed and the warning page when denied.
// The decision is returned for logging.
func (e *Engine) HandleResponse(ctx context.Context, req *http.Request, resp *http.Response) (*http.Response, Decision, error) {
	host := requestHost(req)
	d, err := e.Responses.ScanResponse(ctx, req, resp)
	if err != nil {
		return nil, Decision{}, err
	}
	if e.Metrics != nil && scanned(d) {
		e.Metrics.RecordScanBytes(int(resp.ContentLength))
	}
	e.record(ctx, StageResponse, host, d)

	if !d.Denied() {
		return resp, d, nil
	}

	_ = resp.Body.Close()
	deny := e.renderDeny(host, req.URL.String(), d)
	deny.Request = req
	return deny, d, nil
}

func (e *Engine) renderDeny(host, url string, d Decision) *http.Response {
	wp := e.WarningPage
	if wp == nil {
		wp = NewWarningPage()
	}
	return wp.RenderData(WarningPageData{
		Host:     host,
		URL:      url,
		Reason:   d.Reason(),
		Category: d.Category,
	})
}

func (e *Engine) record(ctx context.Context, stage, host string, d Decision) {
	if e.Metrics != nil {
		e.Metrics.RecordDecision(stage, d)
	}
	if d.Denied() {
		e.logger().InfoContext(ctx, stage+" denied",
			"host", host,
			"kind", d.Kind,
			"entry", d.Entry,
			"category", d.Category,
		)
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func scanned(d Decision) bool {
	return d.Kind == KindDefault || d.Kind == KindCategory
}

func requestHost(req *http.Request) string {
	if req.Host != "" {
		return req.Host
	}
	if req.URL != nil {
		return req.URL.Host
	}
	return ""
}
