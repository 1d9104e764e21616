package adproxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrRequestBodyTooLarge is returned when a forwarded request body exceeds
// the configured limit.
var ErrRequestBodyTooLarge = errors.New("request body too large")

// BodyLimiter caps the size of request bodies the proxy forwards upstream.
// Bodies are streamed to the origin, so a body without Content-Length is
// cut off while it is being sent.
type BodyLimiter struct {
	// MaxSize is the maximum allowed request body size in bytes.
	// Zero means no limit.
	MaxSize int64

	// SkipMethods lists methods whose bodies are not checked.
	SkipMethods map[string]bool
}

// NewBodyLimiter creates a BodyLimiter with the given maximum size. GET,
// HEAD, OPTIONS and TRACE are skipped.
func NewBodyLimiter(maxSize int64) *BodyLimiter {
	return &BodyLimiter{
		MaxSize: maxSize,
		SkipMethods: map[string]bool{
			http.MethodGet:     true,
			http.MethodHead:    true,
			http.MethodOptions: true,
			http.MethodTrace:   true,
		},
	}
}

// Check rejects requests whose Content-Length exceeds the limit and wraps
// the body of the rest so reading past the limit fails with
// ErrRequestBodyTooLarge.
func (bl *BodyLimiter) Check(req *http.Request) error {
	if bl.MaxSize <= 0 || bl.SkipMethods[req.Method] {
		return nil
	}

	if req.ContentLength > bl.MaxSize {
		return fmt.Errorf("%w: content-length %d exceeds limit %d", ErrRequestBodyTooLarge, req.ContentLength, bl.MaxSize)
	}

	if req.Body != nil && req.Body != http.NoBody {
		req.Body = &limitedReadCloser{
			ReadCloser: req.Body,
			remaining:  bl.MaxSize,
			limit:      bl.MaxSize,
		}
	}
	return nil
}

// limitedReadCloser wraps an io.ReadCloser with a size limit.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func (l *limitedReadCloser) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, fmt.Errorf("%w: exceeded limit of %d bytes", ErrRequestBodyTooLarge, l.limit)
	}

	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}

	n, err = l.ReadCloser.Read(p)
	l.remaining -= int64(n)

	// At the limit exactly: only EOF is acceptable.
	if l.remaining == 0 && err == nil {
		var peek [1]byte
		pn, perr := l.ReadCloser.Read(peek[:])
		if pn > 0 {
			return n, fmt.Errorf("%w: exceeded limit of %d bytes", ErrRequestBodyTooLarge, l.limit)
		}
		if perr == io.EOF {
			err = io.EOF
		}
	}

	return n, err
}
