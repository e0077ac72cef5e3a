// Package billing keeps entitlement tiers in step with the subscription
// provider. Events arrive as signed webhooks, possibly duplicated and out of
// order; every handler writes an absolute tier so redelivery is harmless.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"

	secretPrefix     = "whsec_"
	signatureVersion = "v1"
	DefaultTolerance = 5 * time.Minute
)

var ErrInvalidSignature = errors.New("billing: invalid signature")

// Verifier checks Standard Webhooks signatures: HMAC-SHA256 over
// "<id>.<timestamp>.<body>", base64 encoded, sent as "v1,<sig>" entries
// separated by spaces.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier accepts the secret with or without its whsec_ prefix.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimPrefix(strings.TrimSpace(secret), secretPrefix)
	if secret == "" {
		return nil, errors.New("empty webhook secret")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode webhook secret: %w", err)
	}
	return &Verifier{key: key, tolerance: DefaultTolerance, now: time.Now}, nil
}

func (v *Verifier) Verify(payload []byte, headers http.Header) error {
	id := strings.TrimSpace(headers.Get(HeaderWebhookID))
	ts := strings.TrimSpace(headers.Get(HeaderWebhookTimestamp))
	sigHeader := strings.TrimSpace(headers.Get(HeaderWebhookSignature))
	if id == "" || ts == "" || sigHeader == "" {
		return ErrInvalidSignature
	}

	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	sent := time.Unix(secs, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return ErrInvalidSignature
	}

	expected := sign(v.key, id, ts, payload)
	for _, entry := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != signatureVersion {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func sign(key []byte, id, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(id + "." + ts + "."))
	_, _ = mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
