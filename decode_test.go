package contentgate

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
)

func TestDecodeContent(t *testing.T) {
	plain := []byte("hello, filtered world")

	for _, enc := range []string{EncodingGzip, EncodingDeflate, EncodingBrotli, EncodingZstd} {
		t.Run(enc, func(t *testing.T) {
			got, err := decodeContent(enc, encodeBody(t, enc, plain), 0)
			if err != nil {
				t.Fatalf("decodeContent: %v", err)
			}
			if !bytes.Equal(got, plain) {
				t.Errorf("decoded %q, want %q", got, plain)
			}
		})
	}
}

func TestDecodeContent_ZlibDeflate(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte("wrapped"))
	_ = zw.Close()

	got, err := decodeContent("deflate", buf.Bytes(), 0)
	if err != nil {
		t.Fatalf("decodeContent: %v", err)
	}
	if string(got) != "wrapped" {
		t.Errorf("decoded %q", got)
	}
}

func TestDecodeContent_Chain(t *testing.T) {
	plain := []byte("layered")
	data := encodeBody(t, EncodingBrotli, encodeBody(t, EncodingGzip, plain))

	got, err := decodeContent("gzip, br", data, 0)
	if err != nil {
		t.Fatalf("decodeContent: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("decoded %q, want %q", got, plain)
	}
}

func TestDecodeContent_Identity(t *testing.T) {
	raw := []byte("as is")
	for _, enc := range []string{"", "identity", " Identity "} {
		got, err := decodeContent(enc, raw, 0)
		if err != nil || !bytes.Equal(got, raw) {
			t.Errorf("decodeContent(%q) = %q, %v", enc, got, err)
		}
	}
}

func TestDecodeContent_Limit(t *testing.T) {
	plain := []byte(strings.Repeat("a", 1000))

	if _, err := decodeContent(EncodingGzip, encodeBody(t, EncodingGzip, plain), 100); !errors.Is(err, errDecodedTooLarge) {
		t.Errorf("over limit: err = %v, want errDecodedTooLarge", err)
	}

	got, err := decodeContent(EncodingGzip, encodeBody(t, EncodingGzip, plain), 1000)
	if err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if len(got) != 1000 {
		t.Errorf("len = %d, want 1000", len(got))
	}
}

func TestDecodeContent_Errors(t *testing.T) {
	if _, err := decodeContent("compress", []byte("x"), 0); err == nil {
		t.Error("unsupported encoding should fail")
	}
	if _, err := decodeContent(EncodingGzip, []byte("not gzip"), 0); err == nil {
		t.Error("corrupt gzip should fail")
	}
}

func TestParseContentEncoding(t *testing.T) {
	got := parseContentEncoding(" GZIP , identity,br,, ")
	if strings.Join(got, ",") != "gzip,br" {
		t.Errorf("parseContentEncoding = %v", got)
	}
}
