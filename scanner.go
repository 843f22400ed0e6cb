package contentgate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultMaxScanSize is the largest body ScanResponse buffers for
// inspection. Larger bodies pass through unscanned.
const DefaultMaxScanSize = 10 << 20

// ResponseScanner blocks responses whose text contains a keyword from one
// of the policy's categories. Categories are tested in policy order and
// the first match decides; binary content types are never read.
type ResponseScanner struct {
	Store *PolicyStore

	// Requests supplies the self-protection and exclusion rules, which
	// also exempt a host from content scanning.
	Requests *RequestFilter

	// MaxScanSize bounds the bytes ScanResponse buffers.
	MaxScanSize int64

	Logger *slog.Logger
}

// NewResponseScanner creates a scanner sharing rf's store and rules.
func NewResponseScanner(rf *RequestFilter) *ResponseScanner {
	return &ResponseScanner{
		Store:       rf.Store,
		Requests:    rf,
		MaxScanSize: DefaultMaxScanSize,
		Logger:      slog.Default(),
	}
}

// IsTextual reports whether a Content-Type is scanned: anything containing
// "text" or "javascript".
func IsTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text") || strings.Contains(ct, "javascript")
}

// Evaluate scans body against the current policy. Invalid UTF-8 sequences
// are replaced, never rejected.
func (s *ResponseScanner) Evaluate(host, contentType string, body []byte) Decision {
	return s.evaluate(s.Store.Current(), host, contentType, body)
}

func (s *ResponseScanner) evaluate(snap *Snapshot, host, contentType string, body []byte) Decision {
	if d, exempt := s.exempt(snap, host); exempt {
		return d
	}
	if !IsTextual(contentType) {
		return allow(KindSkipped)
	}
	return scanText(snap.Patterns, strings.ToValidUTF8(string(body), "\uFFFD"))
}

func (s *ResponseScanner) exempt(snap *Snapshot, host string) (Decision, bool) {
	if s.Requests == nil {
		return Decision{}, false
	}
	d := s.Requests.evaluate(snap, host)
	if d.Kind == KindSelf || d.Kind == KindExcluded {
		return d, true
	}
	return Decision{}, false
}

func scanText(patterns []CategoryPattern, text string) Decision {
	for _, p := range patterns {
		if p.Match(text) {
			return Decision{Verdict: VerdictDeny, Kind: KindCategory, Category: p.Name}
		}
	}
	return allow(KindDefault)
}

// ScanResponse is the net/http adapter around Evaluate. It buffers up to
// MaxScanSize bytes of a textual body, removes any Content-Encoding for
// inspection, and scans. Unless the decision is a deny, resp.Body is
// restored so the original bytes can still be forwarded. A read error is
// returned with resp.Body closed.
func (s *ResponseScanner) ScanResponse(ctx context.Context, req *http.Request, resp *http.Response) (Decision, error) {
	snap := s.Store.Current()
	logger := s.logger()

	host := req.Host
	if host == "" && req.URL != nil {
		host = req.URL.Host
	}

	if d, exempt := s.exempt(snap, host); exempt {
		return d, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.Body == nil || resp.Body == http.NoBody || !IsTextual(contentType) {
		return allow(KindSkipped), nil
	}

	maxSize := s.MaxScanSize
	if maxSize <= 0 {
		maxSize = DefaultMaxScanSize
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		_ = resp.Body.Close()
		return Decision{}, err
	}

	if int64(len(raw)) > maxSize {
		resp.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(raw), resp.Body), closer: resp.Body}
		logger.DebugContext(ctx, "response too large to scan", "host", host, "limit", maxSize)
		return allow(KindSkipped), nil
	}
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))

	text := raw
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		decoded, err := decodeContent(enc, raw, maxSize)
		switch {
		case errors.Is(err, errDecodedTooLarge):
			logger.DebugContext(ctx, "decoded response too large to scan", "host", host, "encoding", enc, "limit", maxSize)
			return allow(KindSkipped), nil
		case err != nil:
			logger.WarnContext(ctx, "scanning undecoded body", "host", host, "encoding", enc, "error", err)
		default:
			text = decoded
		}
	}

	return s.evaluate(snap, host, contentType, text), nil
}

func (s *ResponseScanner) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// prefixedBody replays an already-read prefix before the rest of the
// original body and closes the original on Close.
type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error { return b.closer.Close() }
