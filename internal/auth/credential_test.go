package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name   string
		query  url.Values
		header http.Header
		want   string
		wantOK bool
	}{
		{name: "access_key", query: url.Values{"access_key": {"sa_a"}}, want: "sa_a", wantOK: true},
		{name: "api_key", query: url.Values{"api_key": {"sa_b"}}, want: "sa_b", wantOK: true},
		{name: "bearer", header: http.Header{"Authorization": {"Bearer sa_c"}}, want: "sa_c", wantOK: true},
		{name: "x-api-key", header: http.Header{"X-Api-Key": {"sa_d"}}, want: "sa_d", wantOK: true},
		{name: "none"},
		{name: "basic auth is ignored", header: http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}}},
		{
			name:   "access_key beats everything",
			query:  url.Values{"access_key": {"sa_first"}, "api_key": {"sa_second"}},
			header: http.Header{"Authorization": {"Bearer sa_third"}, "X-Api-Key": {"sa_fourth"}},
			want:   "sa_first",
			wantOK: true,
		},
		{
			name:   "api_key beats headers",
			query:  url.Values{"api_key": {"sa_second"}},
			header: http.Header{"Authorization": {"Bearer sa_third"}},
			want:   "sa_second",
			wantOK: true,
		},
		{
			name:   "blank bearer does not fall through to x-api-key",
			header: http.Header{"Authorization": {"Bearer "}, "X-Api-Key": {"sa_fourth"}},
		},
		{
			name:   "bare bearer scheme does not fall through to x-api-key",
			header: http.Header{"Authorization": {"Bearer"}, "X-Api-Key": {"sa_fourth"}},
		},
		{
			name:   "bearer beats x-api-key",
			header: http.Header{"Authorization": {"Bearer sa_third"}, "X-Api-Key": {"sa_fourth"}},
			want:   "sa_third",
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			if q == nil {
				q = url.Values{}
			}
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			got, ok := ExtractCredential(q, h)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRandomGenerator(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := RandomGenerator{}.NewCredential()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(c, "sa_"))
		assert.Len(t, c, 35)
		assert.True(t, WellFormed(c))
		assert.False(t, seen[c], "duplicate credential %s", c)
		seen[c] = true
	}
}

func TestWellFormed(t *testing.T) {
	assert.False(t, WellFormed(""))
	assert.False(t, WellFormed("sa_"))
	assert.False(t, WellFormed("sa_nothex-nothex-nothex-nothex-no"))
	assert.False(t, WellFormed("xx_0123456789abcdef0123456789abcdef"))
	assert.True(t, WellFormed("sa_0123456789abcdef0123456789abcdef"))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "sa_...cdef", Redact("sa_0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "***", Redact("sa_1"))
}

func TestClientIP(t *testing.T) {
	proxies, err := NewIPResolver([]string{"10.0.0.0/8", "127.0.0.1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		resolver   *IPResolver
		remoteAddr string
		xff        []string
		realIP     string
		want       string
	}{
		{name: "untrusted peer ignores x-forwarded-for", resolver: proxies, remoteAddr: "203.0.113.7:4000", xff: []string{"198.51.100.1"}, want: "203.0.113.7"},
		{name: "untrusted peer ignores x-real-ip", resolver: proxies, remoteAddr: "203.0.113.7:4000", realIP: "198.51.100.1", want: "203.0.113.7"},
		{name: "nil resolver trusts nobody", remoteAddr: "127.0.0.1:4000", xff: []string{"198.51.100.1"}, want: "127.0.0.1"},
		{name: "trusted peer uses forwarded client", resolver: proxies, remoteAddr: "10.0.0.5:4000", xff: []string{"198.51.100.1"}, want: "198.51.100.1"},
		{name: "right-most untrusted hop wins", resolver: proxies, remoteAddr: "10.0.0.5:4000", xff: []string{"6.6.6.6, 198.51.100.1, 10.0.0.4"}, want: "198.51.100.1"},
		{name: "repeated headers are one chain", resolver: proxies, remoteAddr: "127.0.0.1:4000", xff: []string{"6.6.6.6", "198.51.100.2"}, want: "198.51.100.2"},
		{name: "all hops trusted uses left-most", resolver: proxies, remoteAddr: "10.0.0.5:4000", xff: []string{"10.0.0.9, 10.0.0.4"}, want: "10.0.0.9"},
		{name: "garbage hop falls back to peer", resolver: proxies, remoteAddr: "10.0.0.5:4000", xff: []string{"198.51.100.1, not-an-ip"}, want: "10.0.0.5"},
		{name: "trusted peer uses x-real-ip", resolver: proxies, remoteAddr: "10.0.0.5:4000", realIP: "198.51.100.3", want: "198.51.100.3"},
		{name: "remote addr host port", resolver: proxies, remoteAddr: "198.51.100.2:7777", want: "198.51.100.2"},
		{name: "remote addr unparseable", resolver: proxies, remoteAddr: "not-a-host-port", want: "not-a-host-port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-Ip", tt.realIP)
			}
			assert.Equal(t, tt.want, tt.resolver.ClientIP(req))
		})
	}
}

func TestNewIPResolverRejectsBadRanges(t *testing.T) {
	_, err := NewIPResolver([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, err = NewIPResolver([]string{"proxy.internal"})
	assert.Error(t, err)

	res, err := NewIPResolver([]string{"", " ::1 "})
	require.NoError(t, err)
	assert.True(t, res.trusts("::1"))
	assert.False(t, res.trusts("::2"))
}

func TestAdminTokenRoundTrip(t *testing.T) {
	token, err := GenerateAdminToken("ops", "s3cret", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)

	_, err = ValidateToken(token, "other")
	assert.Error(t, err)

	expired, err := GenerateAdminToken("ops", "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, "s3cret")
	assert.Error(t, err)
}
