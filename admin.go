package contentgate

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes the engine's policy state over REST:
//
//	GET  /status      live snapshot summary
//	GET  /policy      live policy as a settings document
//	POST /reload      force an immediate reload
//	POST /evaluate    dry-run a host (and optional body) against the policy
//	GET  /block-page  warning page preview
//
// Routes are mounted under PathPrefix (default "/api").
type AdminAPI struct {
	Engine *Engine

	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes.
	PathPrefix string

	started time.Time
	router  chi.Router
}

// NewAdminAPI creates an AdminAPI for engine.
func NewAdminAPI(engine *Engine) *AdminAPI {
	a := &AdminAPI{
		Engine:     engine,
		Logger:     slog.Default(),
		PathPrefix: "/api",
		started:    time.Now(),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/status", a.handleStatus)
	r.Get("/policy", a.handlePolicy)
	r.Post("/reload", a.handleReload)
	r.Post("/evaluate", a.handleEvaluate)
	r.Get("/block-page", a.handleBlockPage)

	a.router = r
}

// Handler returns the admin routes with PathPrefix stripped.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status     string     `json:"status"`
	Loaded     bool       `json:"loaded"`
	Source     SourceKind `json:"source"`
	Generation uint64     `json:"generation"`
	LoadedAt   *time.Time `json:"loaded_at,omitempty"`
	LastReload *time.Time `json:"last_reload,omitempty"`
	Blocked    int        `json:"blocked_sites"`
	Excluded   int        `json:"excluded_sites"`
	Categories int        `json:"categories"`
	Keywords   int        `json:"keywords"`
	Uptime     string     `json:"uptime"`
}

// ReloadResponse is returned by POST /reload. Stale is set when every
// source failed and the previous policy is still in force.
type ReloadResponse struct {
	Message    string     `json:"message"`
	Source     SourceKind `json:"source"`
	Generation uint64     `json:"generation"`
	Stale      bool       `json:"stale"`
}

// EvaluateRequest is the body of POST /evaluate. When Body is set the
// response stage is evaluated too.
type EvaluateRequest struct {
	Host        string `json:"host" validate:"required,max=253"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
}

// EvaluateResponse is returned by POST /evaluate.
type EvaluateResponse struct {
	Request  Decision  `json:"request"`
	Response *Decision `json:"response,omitempty"`
	Denied   bool      `json:"denied"`
	Reason   string    `json:"reason,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	store := a.Engine.Store
	snap := store.Current()

	resp := StatusResponse{
		Status:     "ok",
		Loaded:     store.Loaded(),
		Source:     snap.Source,
		Generation: snap.Generation,
		Blocked:    len(snap.Policy.BlockedHosts),
		Excluded:   len(snap.Policy.ExcludedHosts),
		Categories: len(snap.Policy.Categories),
		Keywords:   snap.Policy.KeywordCount(),
		Uptime:     time.Since(a.started).Truncate(time.Second).String(),
	}
	if !snap.LoadedAt.IsZero() {
		t := snap.LoadedAt
		resp.LoadedAt = &t
	}
	if last := store.LastReload(); !last.IsZero() {
		resp.LastReload = &last
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	data, err := EncodePolicy(a.Engine.Store.Current().Policy)
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	before := a.Engine.Store.Current()
	snap := a.Engine.Store.Reload(r.Context())

	resp := ReloadResponse{
		Message:    "reload successful",
		Source:     snap.Source,
		Generation: snap.Generation,
	}
	if snap == before && before.Generation > 0 {
		resp.Message = "all sources failed, keeping previous policy"
		resp.Stale = true
	}

	a.Logger.Info("policy reloaded via admin API", "source", snap.Source, "stale", resp.Stale)
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSettingsSize)).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: validationMessage(err)})
		return
	}

	snap := a.Engine.Store.Current()
	resp := EvaluateResponse{Request: a.Engine.Requests.evaluate(snap, req.Host)}
	final := resp.Request

	if !final.Denied() && req.Body != "" {
		ct := req.ContentType
		if ct == "" {
			ct = "text/html"
		}
		d := a.Engine.Responses.evaluate(snap, req.Host, ct, []byte(req.Body))
		resp.Response = &d
		final = d
	}

	resp.Denied = final.Denied()
	resp.Reason = final.Reason()
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminAPI) handleBlockPage(w http.ResponseWriter, r *http.Request) {
	wp := a.Engine.WarningPage
	if wp == nil {
		wp = NewWarningPage()
	}
	wp.ServeHTTP(w, r)
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
