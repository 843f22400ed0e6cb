//nolint:errcheck // Benchmarks intentionally ignore errors for performance measurement
package contentgate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func benchPolicy(blocked, keywords int) *Policy {
	sites := make([]string, blocked)
	for i := range sites {
		sites[i] = fmt.Sprintf("blocked%d.example.com", i)
	}
	words := make([]string, keywords)
	for i := range words {
		words[i] = fmt.Sprintf("keyword%d", i)
	}
	return NewPolicy(sites, []string{"school.example.com"}, []Category{
		{Name: "violence", Keywords: words},
		{Name: "gambling", Keywords: []string{"casino", "poker"}},
	})
}

func benchEngine(b *testing.B, p *Policy) *Engine {
	b.Helper()
	e := NewEngine(staticLoader(p, SourceRemote), "", discardLogger())
	e.Responses.Logger = discardLogger()
	e.Store.Reload(context.Background())
	return e
}

func benchPage(size int) []byte {
	var buf bytes.Buffer
	buf.WriteString("<html><body>")
	for buf.Len() < size {
		buf.WriteString("<p>The quick brown fox jumps over the lazy dog near the river bank.</p>\n")
	}
	buf.WriteString("</body></html>")
	return buf.Bytes()
}

// =============================================================================
// Request Filter Benchmarks
// =============================================================================

func BenchmarkRequestFilter_Cached(b *testing.B) {
	e := benchEngine(b, benchPolicy(1000, 10))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Requests.Evaluate("www.blocked500.example.com")
	}
}

func BenchmarkRequestFilter_Uncached_100(b *testing.B) {
	benchmarkRequestFilterUncached(b, 100)
}

func BenchmarkRequestFilter_Uncached_1K(b *testing.B) {
	benchmarkRequestFilterUncached(b, 1000)
}

func BenchmarkRequestFilter_Uncached_10K(b *testing.B) {
	benchmarkRequestFilterUncached(b, 10000)
}

func benchmarkRequestFilterUncached(b *testing.B, entries int) {
	e := benchEngine(b, benchPolicy(entries, 10))

	hosts := make([]string, 1<<16)
	for i := range hosts {
		hosts[i] = fmt.Sprintf("site%d.allowed.org", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Requests.Evaluate(hosts[i%len(hosts)])
	}
}

func BenchmarkRequestFilter_Parallel(b *testing.B) {
	e := benchEngine(b, benchPolicy(1000, 10))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			e.Requests.Evaluate(fmt.Sprintf("blocked%d.example.com", i%2000))
			i++
		}
	})
}

// =============================================================================
// Category Pattern Benchmarks
// =============================================================================

func BenchmarkCategoryPattern_Match_10(b *testing.B) {
	benchmarkCategoryPatternMatch(b, 10)
}

func BenchmarkCategoryPattern_Match_100(b *testing.B) {
	benchmarkCategoryPatternMatch(b, 100)
}

func BenchmarkCategoryPattern_Match_1K(b *testing.B) {
	benchmarkCategoryPatternMatch(b, 1000)
}

func benchmarkCategoryPatternMatch(b *testing.B, keywords int) {
	words := make([]string, keywords)
	for i := range words {
		words[i] = fmt.Sprintf("keyword%d", i)
	}
	pat, err := CompileCategory(Category{Name: "bench", Keywords: words})
	if err != nil {
		b.Fatalf("CompileCategory: %v", err)
	}
	text := string(benchPage(64 << 10))

	b.SetBytes(int64(len(text)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pat.Match(text)
	}
}

// =============================================================================
// Response Scanner Benchmarks
// =============================================================================

func BenchmarkResponseScanner_Clean_64K(b *testing.B) {
	benchmarkResponseScanner(b, benchPage(64<<10))
}

func BenchmarkResponseScanner_Clean_1M(b *testing.B) {
	benchmarkResponseScanner(b, benchPage(1<<20))
}

func BenchmarkResponseScanner_EarlyMatch(b *testing.B) {
	page := append([]byte("<p>casino night</p>"), benchPage(1<<20)...)
	benchmarkResponseScanner(b, page)
}

func benchmarkResponseScanner(b *testing.B, body []byte) {
	e := benchEngine(b, benchPolicy(100, 50))

	b.SetBytes(int64(len(body)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Responses.Evaluate("news.org", "text/html; charset=utf-8", body)
	}
}

func BenchmarkScanResponse_Gzip(b *testing.B) {
	e := benchEngine(b, benchPolicy(100, 50))
	page := benchPage(256 << 10)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(page)
	zw.Close()
	compressed := buf.Bytes()

	req := httptest.NewRequest(http.MethodGet, "http://news.org/", nil)

	b.SetBytes(int64(len(page)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Type":     {"text/html"},
				"Content-Encoding": {"gzip"},
			},
			Body: io.NopCloser(bytes.NewReader(compressed)),
		}
		e.Responses.ScanResponse(context.Background(), req, resp)
		resp.Body.Close()
	}
}

// =============================================================================
// Decoder Benchmarks
// =============================================================================

func BenchmarkDecodeContent_Gzip(b *testing.B) {
	page := benchPage(256 << 10)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(page)
	zw.Close()
	compressed := buf.Bytes()

	b.SetBytes(int64(len(page)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		decodeContent("gzip", compressed, DefaultMaxScanSize)
	}
}

// =============================================================================
// Engine Benchmarks
// =============================================================================

func BenchmarkEngine_Process(b *testing.B) {
	e := benchEngine(b, benchPolicy(1000, 50))
	body := benchPage(32 << 10)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ex := &Exchange{
			Request: ExchangeRequest{Host: "news.org", URL: "http://news.org/"},
			Response: &ExchangeResponse{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"text/html"}},
				Body:       body,
			},
		}
		e.Process(ctx, ex)
	}
}

func BenchmarkEngine_Process_Blocked(b *testing.B) {
	e := benchEngine(b, benchPolicy(1000, 50))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ex := &Exchange{Request: ExchangeRequest{Host: "blocked7.example.com", URL: "http://blocked7.example.com/"}}
		e.Process(ctx, ex)
	}
}

// =============================================================================
// Proxy HTTP Benchmarks
// =============================================================================

func BenchmarkProxyHTTP(b *testing.B) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(benchPage(4 << 10))
	}))
	defer backend.Close()

	e := benchEngine(b, benchPolicy(1000, 50))
	proxy := NewProxy(":0", e)
	proxy.Logger = discardLogger()
	proxy.Transport = backendTransport(backend)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://news.org/"+strings.Repeat("a", i%8), nil)
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, req)
	}
}
