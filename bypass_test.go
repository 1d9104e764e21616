package adproxy

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bypassRequest(remote, token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://ads.example/", nil)
	req.RemoteAddr = remote
	if token != "" {
		req.Header.Set(DefaultBypassHeader, token)
	}
	return req
}

func TestNewBypass(t *testing.T) {
	b := NewBypass()
	assert.Equal(t, DefaultBypassHeader, b.Header)
	assert.Equal(t, 0, b.TokenCount())
}

func TestBypass_Tokens(t *testing.T) {
	b := NewBypass()
	b.AddToken("secret")
	b.AddToken("secret")
	assert.Equal(t, 1, b.TokenCount())

	req := bypassRequest("192.0.2.1:1234", "secret")
	assert.True(t, b.ShouldBypass(req))
	assert.Empty(t, req.Header.Get(DefaultBypassHeader), "token header must not be forwarded")

	assert.False(t, b.ShouldBypass(bypassRequest("192.0.2.1:1234", "wrong")))
	assert.False(t, b.ShouldBypass(bypassRequest("192.0.2.1:1234", "")))

	b.RemoveToken("secret")
	assert.False(t, b.ShouldBypass(bypassRequest("192.0.2.1:1234", "secret")))
}

func TestBypass_InvalidTokenStillStripped(t *testing.T) {
	b := NewBypass()
	req := bypassRequest("192.0.2.1:1234", "guess")
	assert.False(t, b.ShouldBypass(req))
	assert.Empty(t, req.Header.Get(DefaultBypassHeader))
}

func TestBypass_GenerateToken(t *testing.T) {
	b := NewBypass()
	a, err := b.GenerateToken()
	require.NoError(t, err)
	c, err := b.GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, b.TokenCount())
	assert.True(t, b.ShouldBypass(bypassRequest("192.0.2.1:1", a)))
}

func TestBypass_CustomHeader(t *testing.T) {
	b := NewBypass()
	b.Header = "X-Debug"
	b.AddToken("t")

	req := httptest.NewRequest(http.MethodGet, "http://ads.example/", nil)
	req.Header.Set("X-Debug", "t")
	assert.True(t, b.ShouldBypass(req))

	b.Header = ""
	assert.True(t, b.ShouldBypass(bypassRequest("192.0.2.1:1", "t")), "empty header falls back to the default")
}

func TestBypass_Networks(t *testing.T) {
	b := NewBypass()
	require.NoError(t, b.AddNetwork("10.1.0.0/16"))
	require.NoError(t, b.AddNetwork("2001:db8::/32"))
	assert.Error(t, b.AddNetwork("not-a-cidr"))

	tests := map[string]bool{
		"10.1.2.3:5000":          true,
		"10.1.2.3":               true,
		"[::ffff:10.1.2.3]:5000": true,
		"[2001:db8::1]:443":      true,
		"10.2.0.1:5000":          false,
		"garbage":                false,
	}
	for remote, want := range tests {
		assert.Equal(t, want, b.ShouldBypass(bypassRequest(remote, "")), remote)
	}
}

func TestBypass_Logs(t *testing.T) {
	var buf bytes.Buffer
	b := NewBypass()
	b.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	b.AddToken("t")

	require.True(t, b.ShouldBypass(bypassRequest("192.0.2.1:1", "t")))
	assert.Contains(t, buf.String(), "bypass granted")
	assert.Contains(t, buf.String(), "method=token")
}

func TestBypass_ConcurrentAccess(t *testing.T) {
	b := NewBypass()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tok, err := b.GenerateToken()
			assert.NoError(t, err)
			b.ShouldBypass(bypassRequest("192.0.2.1:1", tok))
			b.RemoveToken(tok)
		}()
		go func() {
			defer wg.Done()
			_ = b.AddNetwork("10.0.0.0/8")
			b.ShouldBypass(bypassRequest("10.0.0.1:1", ""))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.TokenCount())
}
