package contentgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SourceKind names the source that produced a policy.
type SourceKind string

const (
	SourceRemote SourceKind = "remote"
	SourceLocal  SourceKind = "local"
	SourceEmpty  SourceKind = "empty"
)

// PolicySource loads a complete Policy from one place.
type PolicySource interface {
	Load(ctx context.Context) (*Policy, error)
}

// PolicySourceFunc is a function adapter for PolicySource.
type PolicySourceFunc func(ctx context.Context) (*Policy, error)

// Load calls f.
func (f PolicySourceFunc) Load(ctx context.Context) (*Policy, error) {
	return f(ctx)
}

// ErrBadStatus is returned by RemoteSource for any non-200 response.
var ErrBadStatus = errors.New("unexpected settings service status")

const (
	// DefaultRemoteTimeout bounds a single Settings Service attempt.
	DefaultRemoteTimeout = 5 * time.Second

	// maxSettingsSize caps the settings document read from the network.
	maxSettingsSize = 8 << 20
)

// RemoteSource fetches the user's settings from the Settings Service:
//
//	GET {BaseURL}/api/user-settings/{UserID}/
//	Authorization: Bearer {UserID}
type RemoteSource struct {
	// BaseURL is the Settings Service root, e.g. "http://10.0.0.5:8000".
	BaseURL string

	// UserID identifies the user and doubles as the bearer token.
	UserID string

	// Client issues the request. It must not route through the proxy the
	// engine is filtering; the default uses a DirectTransport.
	Client *http.Client

	// Timeout bounds each attempt. Values <= 0 or above
	// DefaultRemoteTimeout are clamped to DefaultRemoteTimeout.
	Timeout time.Duration

	// Retries is the number of additional attempts after a failure.
	// It is capped at 1.
	Retries int
}

// NewRemoteSource creates a RemoteSource with a direct (proxy-less) client
// and one retry.
func NewRemoteSource(baseURL, userID string) *RemoteSource {
	return &RemoteSource{
		BaseURL: baseURL,
		UserID:  userID,
		Client:  &http.Client{Transport: NewDirectTransport()},
		Timeout: DefaultRemoteTimeout,
		Retries: 1,
	}
}

// Endpoint returns the settings URL for the configured user.
func (s *RemoteSource) Endpoint() string {
	return strings.TrimRight(s.BaseURL, "/") + "/api/user-settings/" + url.PathEscape(s.UserID) + "/"
}

// Host returns the lowercased Settings Service host without port, used by
// the self-protection rule. It is empty if BaseURL does not parse.
func (s *RemoteSource) Host() string {
	return ServiceHost(s.BaseURL)
}

// ServiceHost extracts the host from a Settings Service base URL.
func ServiceHost(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Load implements PolicySource.
func (s *RemoteSource) Load(ctx context.Context) (*Policy, error) {
	attempts := 1
	if s.Retries > 0 {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := s.fetch(ctx)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch settings (%d attempts): %w", attempts, lastErr)
}

func (s *RemoteSource) fetch(ctx context.Context) (*Policy, error) {
	timeout := s.Timeout
	if timeout <= 0 || timeout > DefaultRemoteTimeout {
		timeout = DefaultRemoteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.UserID)
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Transport: NewDirectTransport()}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSettingsSize))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	return DecodePolicy(data, true)
}

// LocalFileSource reads the settings document from a fixed path on disk.
type LocalFileSource struct {
	Path string
}

// NewLocalFileSource creates a LocalFileSource for path.
func NewLocalFileSource(path string) *LocalFileSource {
	return &LocalFileSource{Path: path}
}

// Load implements PolicySource. Missing keys default to empty and the
// legacy "sites" key is accepted.
func (s *LocalFileSource) Load(ctx context.Context) (*Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is operator configuration.
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	return DecodePolicy(data, false)
}

// Save writes p to the cache file atomically (temp file then rename).
func (s *LocalFileSource) Save(p *Policy) error {
	data, err := EncodePolicy(p)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".policy-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// EmptySource always yields an empty policy. It terminates the chain and
// is the documented fail-open default.
type EmptySource struct{}

// Load implements PolicySource.
func (EmptySource) Load(context.Context) (*Policy, error) {
	return &Policy{}, nil
}

// SourceChain tries the remote source, then the local file, then falls
// back to an empty policy. It never fails.
type SourceChain struct {
	// Remote is usually a *RemoteSource. Nil skips the remote step.
	Remote PolicySource

	// Local is the cache file. Nil skips the local step.
	Local *LocalFileSource

	// WriteThrough saves each successful remote policy to Local.
	WriteThrough bool

	Logger *slog.Logger
}

// NewSourceChain creates a chain with write-through caching enabled.
func NewSourceChain(remote PolicySource, local *LocalFileSource) *SourceChain {
	return &SourceChain{
		Remote:       remote,
		Local:        local,
		WriteThrough: true,
		Logger:       slog.Default(),
	}
}

// Load returns the first policy any source produces and which source
// produced it. The returned policy is never nil.
func (c *SourceChain) Load(ctx context.Context) (*Policy, SourceKind) {
	logger := c.logger()

	if c.Remote != nil {
		p, err := c.Remote.Load(ctx)
		if err == nil && p != nil {
			if c.WriteThrough && c.Local != nil {
				if err := c.Local.Save(p); err != nil {
					logger.Warn("write policy cache", "source", SourceLocal, "path", c.Local.Path, "error", err)
				}
			}
			return p, SourceRemote
		}
		logger.Warn("remote policy unavailable", "source", SourceRemote, "error", err)
	}

	if c.Local != nil {
		p, err := c.Local.Load(ctx)
		if err == nil && p != nil {
			return p, SourceLocal
		}
		logger.Warn("local policy unavailable", "source", SourceLocal, "path", c.Local.Path, "error", err)
	}

	p, _ := EmptySource{}.Load(ctx)
	return p, SourceEmpty
}

func (c *SourceChain) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
