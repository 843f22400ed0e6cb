package contentgate

import (
	"bytes"
	"html"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WarningPage renders the 403 page returned in place of a denied request or
// response. Domain and category blocks share one template and differ only
// in the reason text.
type WarningPage struct {
	template *template.Template

	// Now stamps each rendered page. Defaults to time.Now.
	Now func() time.Time
}

// WarningPageData is passed to the warning page template.
type WarningPageData struct {
	Host      string
	URL       string
	Reason    string
	Category  string
	Timestamp string
}

// DefaultWarningPageHTML is the built-in warning page template.
const DefaultWarningPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Page blocked</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #f4f4f6;
            color: #222;
            margin: 0;
            display: flex;
            align-items: center;
            justify-content: center;
            min-height: 100vh;
        }
        .card {
            background: #fff;
            border-top: 6px solid #c0392b;
            border-radius: 8px;
            box-shadow: 0 4px 24px rgba(0, 0, 0, 0.08);
            max-width: 560px;
            padding: 40px;
        }
        h1 { font-size: 24px; margin: 0 0 12px; }
        p { line-height: 1.5; color: #555; }
        .reason {
            display: inline-block;
            background: #fdecea;
            color: #c0392b;
            padding: 4px 12px;
            border-radius: 4px;
            font-weight: 600;
        }
        dl { margin: 24px 0 0; font-size: 14px; }
        dt { color: #888; }
        dd { margin: 0 0 8px; word-break: break-all; }
    </style>
</head>
<body>
    <div class="card">
        <h1>This page has been blocked</h1>
        <p>Access to this content is restricted by your filtering settings.</p>
        <p><span class="reason">{{.Reason}}</span></p>
        <dl>
            {{if .Host}}<dt>Host</dt><dd>{{.Host}}</dd>{{end}}
            {{if .URL}}<dt>URL</dt><dd>{{.URL}}</dd>{{end}}
            <dt>Time</dt><dd>{{.Timestamp}}</dd>
        </dl>
    </div>
</body>
</html>`

// NewWarningPage creates a WarningPage with the default template.
func NewWarningPage() *WarningPage {
	tmpl := template.Must(template.New("warning").Parse(DefaultWarningPageHTML))
	return &WarningPage{template: tmpl, Now: time.Now}
}

// NewWarningPageFromTemplate creates a WarningPage from a template string.
func NewWarningPageFromTemplate(text string) (*WarningPage, error) {
	tmpl, err := template.New("warning").Parse(text)
	if err != nil {
		return nil, err
	}
	return &WarningPage{template: tmpl, Now: time.Now}, nil
}

// NewWarningPageFromFile creates a WarningPage from a template file.
func NewWarningPageFromFile(path string) (*WarningPage, error) {
	tmpl, err := template.ParseFiles(path)
	if err != nil {
		return nil, err
	}
	return &WarningPage{template: tmpl, Now: time.Now}, nil
}

// Render builds the deny response for message.
func (wp *WarningPage) Render(message string) *http.Response {
	return wp.RenderData(WarningPageData{Reason: message})
}

// RenderData builds the deny response from data. A template execution
// error falls back to a minimal escaped page so a deny is never lost.
func (wp *WarningPage) RenderData(data WarningPageData) *http.Response {
	if data.Timestamp == "" {
		data.Timestamp = wp.now().UTC().Format(time.RFC3339)
	}

	var buf bytes.Buffer
	if err := wp.template.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString("<!DOCTYPE html><html><body><h1>Blocked</h1><p>")
		buf.WriteString(html.EscapeString(data.Reason))
		buf.WriteString("</p></body></html>")
	}

	body := buf.Bytes()
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Cache-Control", "no-store")

	return &http.Response{
		Status:        "403 Forbidden",
		StatusCode:    http.StatusForbidden,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// RenderString returns the page for data as a string.
func (wp *WarningPage) RenderString(data WarningPageData) (string, error) {
	var sb strings.Builder
	if err := wp.template.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ServeHTTP serves a preview of the page using query parameters.
func (wp *WarningPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := wp.RenderData(WarningPageData{
		Host:     q.Get("host"),
		URL:      q.Get("url"),
		Reason:   q.Get("reason"),
		Category: q.Get("category"),
	})
	defer func() { _ = resp.Body.Close() }()

	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (wp *WarningPage) now() time.Time {
	if wp.Now != nil {
		return wp.Now()
	}
	return time.Now()
}
