package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	CredentialPrefix = "sa_"

	// QueryAccessKey is the ScreenshotOne-compatible alias and wins over QueryAPIKey.
	QueryAccessKey = "access_key"
	QueryAPIKey    = "api_key"
	HeaderAPIKey   = "X-Api-Key"

	credentialHexLen = 32
)

// ExtractCredential returns the raw credential carried by a request, checking
// access_key, api_key, the Bearer Authorization header and X-Api-Key in that
// order. The first non-empty source wins. ok is false for anonymous callers.
func ExtractCredential(query url.Values, header http.Header) (string, bool) {
	if v := query.Get(QueryAccessKey); v != "" {
		return v, true
	}
	if v := query.Get(QueryAPIKey); v != "" {
		return v, true
	}
	// A Bearer scheme ends the search even when the token is blank.
	if authz := header.Get("Authorization"); authz == "Bearer" || strings.HasPrefix(authz, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))
		return token, token != ""
	}
	if v := header.Get(HeaderAPIKey); v != "" {
		return v, true
	}
	return "", false
}

// WellFormed reports whether s could have been issued by RandomGenerator.
func WellFormed(s string) bool {
	if !strings.HasPrefix(s, CredentialPrefix) {
		return false
	}
	rest := s[len(CredentialPrefix):]
	if len(rest) != credentialHexLen {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Redact keeps enough of a credential to correlate log lines.
func Redact(s string) string {
	if len(s) <= len(CredentialPrefix)+4 {
		return "***"
	}
	return s[:len(CredentialPrefix)] + "..." + s[len(s)-4:]
}

type Generator interface {
	NewCredential() (string, error)
}

// RandomGenerator issues "sa_" + 128 random bits, hex encoded.
type RandomGenerator struct{}

func (RandomGenerator) NewCredential() (string, error) {
	b := make([]byte, credentialHexLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return CredentialPrefix + hex.EncodeToString(b), nil
}

// IPResolver derives the caller address that keys anonymous quotas and the
// signup throttle. Forwarding headers are read only when the direct peer is a
// trusted proxy; a nil or empty resolver always uses RemoteAddr.
type IPResolver struct {
	trusted []*net.IPNet
}

// NewIPResolver parses proxy ranges in CIDR notation. Bare addresses are
// treated as single-host ranges.
func NewIPResolver(proxies []string) (*IPResolver, error) {
	res := &IPResolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", p)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			p = fmt.Sprintf("%s/%d", p, bits)
		}
		_, network, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", p, err)
		}
		res.trusted = append(res.trusted, network)
	}
	return res, nil
}

func (res *IPResolver) trusts(addr string) bool {
	if res == nil {
		return false
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range res.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the right-most X-Forwarded-For hop that is not a trusted
// proxy, then X-Real-Ip, when the peer is trusted. Otherwise it returns the
// peer address.
func (res *IPResolver) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !res.trusts(peer) {
		return peer
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if net.ParseIP(hops[i]) == nil {
			return peer
		}
		if !res.trusts(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); net.ParseIP(xri) != nil {
		return xri
	}
	return peer
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
