package contentgate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values understood by the scanner.
const (
	EncodingGzip     = "gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

// errDecodedTooLarge is returned when a decoded body exceeds the limit.
var errDecodedTooLarge = errors.New("decoded body exceeds scan limit")

// decodeContent undoes the Content-Encoding chain of raw for inspection.
// Encodings are listed in the order they were applied, so they are removed
// in reverse. A stage that decodes to more than limit bytes fails with
// errDecodedTooLarge rather than returning a prefix. The original bytes
// are never modified; callers forward raw untouched.
func decodeContent(contentEncoding string, raw []byte, limit int64) ([]byte, error) {
	encodings := parseContentEncoding(contentEncoding)
	if len(encodings) == 0 {
		return raw, nil
	}

	data := raw
	for i := len(encodings) - 1; i >= 0; i-- {
		out, err := decodeOne(encodings[i], data, limit)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", encodings[i], err)
		}
		data = out
	}
	return data, nil
}

func parseContentEncoding(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" || part == EncodingIdentity {
			continue
		}
		out = append(out, part)
	}
	return out
}

func decodeOne(encoding string, data []byte, limit int64) ([]byte, error) {
	var r io.Reader

	switch encoding {
	case EncodingGzip, "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = gr.Close() }()
		r = gr

	case EncodingDeflate:
		// Servers send both zlib-wrapped and raw deflate under this name.
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer func() { _ = zr.Close() }()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(data))
			defer func() { _ = fr.Close() }()
			r = fr
		}

	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))

	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr

	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errDecodedTooLarge
	}
	return out, nil
}
