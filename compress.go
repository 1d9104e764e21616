package adproxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression behavior.
type CompressionConfig struct {
	// MinSize is the minimum body size to compress (default: 256 bytes).
	MinSize int

	// Level is the compression level passed to gzip and brotli. 0 uses
	// each algorithm's default.
	Level int

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means common text types (text/*, application/json, etc.).
	ContentTypes []string

	// PreferOrder is the preferred encoding order when client accepts multiple.
	// Default: ["br", "zstd", "gzip"]
	PreferOrder []string
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml+xml",
	"application/rss+xml",
	"application/atom+xml",
	"image/svg+xml",
}

// Compressor encodes whole response bodies. The proxy uses it for
// uncompressed upstream responses, whose bodies are already buffered
// for the cache, and the admin API wraps its handlers with Middleware.
type Compressor struct {
	Config CompressionConfig

	gzipPool sync.Pool
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
}

// NewCompressor creates a Compressor with the given config.
func NewCompressor(cfg CompressionConfig) *Compressor {
	return &Compressor{Config: cfg}
}

// Negotiate picks the preferred encoding the client accepts, or "".
func (c *Compressor) Negotiate(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	order := c.Config.PreferOrder
	if len(order) == 0 {
		order = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}
	for _, enc := range order {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the accepted codings, leaving out identity
// and codings with q=0.
func parseAcceptEncoding(header string) map[string]bool {
	result := make(map[string]bool)
	for part := range strings.SplitSeq(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		result[name] = true
	}
	return result
}

// Compressible reports whether a body of the given type and size is
// worth encoding.
func (c *Compressor) Compressible(contentType string, size int) bool {
	minSize := c.Config.MinSize
	if minSize == 0 {
		minSize = 256
	}
	if size < minSize {
		return false
	}
	types := c.Config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	ct := strings.ToLower(contentType)
	for _, prefix := range types {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// EncodeResponse compresses body for a client sending acceptEncoding. It
// returns the body unchanged and an empty encoding when the response is
// not compressible or the client accepts nothing supported.
func (c *Compressor) EncodeResponse(body []byte, header http.Header, acceptEncoding string) ([]byte, string, error) {
	if header.Get("Content-Encoding") != "" || !c.Compressible(header.Get("Content-Type"), len(body)) {
		return body, "", nil
	}
	enc := c.Negotiate(acceptEncoding)
	if enc == "" {
		return body, "", nil
	}
	out, err := c.Encode(body, enc)
	if err != nil {
		return body, "", err
	}
	return out, enc, nil
}

// Encode compresses data with the named encoding.
func (c *Compressor) Encode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip:
		return c.gzip(data)
	case EncodingZstd:
		return c.zstd(data)
	case EncodingBrotli:
		return c.brotli(data)
	default:
		return data, nil
	}
}

func (c *Compressor) gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := c.gzipPool.Get().(*gzip.Writer)
	if w == nil {
		level := c.Config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var err error
		if w, err = gzip.NewWriterLevel(&buf, level); err != nil {
			return nil, err
		}
	} else {
		w.Reset(&buf)
	}
	defer func() {
		w.Reset(io.Discard)
		c.gzipPool.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compressor) zstd(data []byte) ([]byte, error) {
	c.zstdOnce.Do(func() {
		c.zstdEnc, c.zstdErr = zstd.NewWriter(nil)
	})
	if c.zstdErr != nil {
		return nil, c.zstdErr
	}
	return c.zstdEnc.EncodeAll(data, nil), nil
}

func (c *Compressor) brotli(data []byte) ([]byte, error) {
	level := c.Config.Level
	if level == 0 {
		level = brotli.DefaultCompression
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Middleware buffers the responses of h and compresses them when the
// client allows it.
func (c *Compressor) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bw := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
		h.ServeHTTP(bw, r)

		body := bw.buf.Bytes()
		out, enc, err := c.EncodeResponse(body, bw.header, r.Header.Get("Accept-Encoding"))
		if err != nil {
			out, enc = body, ""
		}
		for k, vs := range bw.header {
			w.Header()[k] = vs
		}
		w.Header().Add("Vary", "Accept-Encoding")
		if enc != "" {
			w.Header().Set("Content-Encoding", enc)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(out)))
		w.WriteHeader(bw.status)
		_, _ = w.Write(out)
	})
}

type bufferedWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
	wrote  bool
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if !b.wrote {
		b.status = status
		b.wrote = true
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.wrote = true
	return b.buf.Write(p)
}
