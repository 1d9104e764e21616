package adproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBodyLimiter(t *testing.T) {
	bl := NewBodyLimiter(1024)
	assert.Equal(t, int64(1024), bl.MaxSize)
	for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace} {
		assert.True(t, bl.SkipMethods[m], m)
	}
	assert.False(t, bl.SkipMethods[http.MethodPost])
}

func TestBodyLimiter_SkipMethods(t *testing.T) {
	bl := NewBodyLimiter(4)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", strings.NewReader("much longer than four"))
	require.NoError(t, bl.Check(req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "much longer than four", string(body))
}

func TestBodyLimiter_ContentLength(t *testing.T) {
	bl := NewBodyLimiter(4)
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("12345"))
	err := bl.Check(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestBodyTooLarge)
}

func TestBodyLimiter_Streaming(t *testing.T) {
	bl := NewBodyLimiter(4)
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", io.NopCloser(strings.NewReader("123456789")))
	req.ContentLength = -1
	require.NoError(t, bl.Check(req))

	_, err := io.ReadAll(req.Body)
	assert.ErrorIs(t, err, ErrRequestBodyTooLarge)
}

func TestBodyLimiter_ExactLimit(t *testing.T) {
	bl := NewBodyLimiter(4)
	req := httptest.NewRequest(http.MethodPut, "http://example.com/", io.NopCloser(strings.NewReader("1234")))
	req.ContentLength = -1
	require.NoError(t, bl.Check(req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(body))
}

func TestBodyLimiter_ZeroMeansUnlimited(t *testing.T) {
	bl := NewBodyLimiter(0)
	req := httptest.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader(strings.Repeat("x", 1<<16)))
	require.NoError(t, bl.Check(req))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Len(t, body, 1<<16)
}
