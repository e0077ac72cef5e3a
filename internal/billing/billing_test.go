package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	starterProduct = "pdt_starter"
	proProduct     = "pdt_pro"
)

var (
	rawKey = []byte("0123456789abcdef0123456789abcdef")
	secret = "whsec_" + base64.StdEncoding.EncodeToString(rawKey)
)

type fixture struct {
	svc        *entitlement.Service
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc := entitlement.NewService(s, auth.RandomGenerator{}, zap.NewNop())
	return &fixture{
		svc:        svc,
		reconciler: NewReconciler(svc, NewCatalog(starterProduct, proProduct), zap.NewNop()),
	}
}

func (f *fixture) register(t *testing.T, email string) string {
	t.Helper()
	e, err := f.svc.Register(context.Background(), email)
	require.NoError(t, err)
	return e.Credential
}

func (f *fixture) peek(t *testing.T, credential string) *models.Entitlement {
	t.Helper()
	e, err := f.svc.Peek(context.Background(), credential)
	require.NoError(t, err)
	return e
}

func eventJSON(typ, subscription, product, email string, metadata map[string]any) []byte {
	body := map[string]any{
		"type": typ,
		"data": map[string]any{
			"subscription_id": subscription,
			"product_id":      product,
			"customer":        map[string]any{"customer_id": "cus_1", "email": email},
			"metadata":        metadata,
		},
	}
	b, _ := json.Marshal(body)
	return b
}

func mustParse(t *testing.T, payload []byte) *Event {
	t.Helper()
	ev, err := ParseEvent(payload)
	require.NoError(t, err)
	return ev
}

func TestParseEvent(t *testing.T) {
	ev := mustParse(t, eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", map[string]any{"credential": "sa_x"}))
	assert.Equal(t, EventSubscriptionActive, ev.Type)
	assert.Equal(t, "sub_1", ev.SubscriptionRef)
	assert.Equal(t, "cus_1", ev.CustomerRef)
	assert.Equal(t, proProduct, ev.ProductRef)
	assert.Equal(t, "a@x.com", ev.CustomerEmail)
	assert.Equal(t, "sa_x", ev.Credential)

	legacy := mustParse(t, eventJSON("subscription.active", "sub_1", proProduct, "", map[string]any{"api_key": "sa_y"}))
	assert.Equal(t, "sa_y", legacy.Credential)

	_, err := ParseEvent([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog(starterProduct, proProduct)
	assert.Equal(t, models.TierStarter, c.TierFor(starterProduct))
	assert.Equal(t, models.TierPro, c.TierFor(proProduct))
	assert.Equal(t, models.TierFree, c.TierFor("pdt_unknown"))
	assert.Equal(t, models.TierFree, c.TierFor(""))

	empty := NewCatalog("", "")
	assert.Equal(t, models.TierFree, empty.TierFor(""))
	_, ok := empty.ProductFor(models.TierPro)
	assert.False(t, ok)
}

func TestActiveByCredential(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")

	out, err := f.reconciler.Apply(context.Background(), mustParse(t,
		eventJSON("subscription.active", "sub_1", starterProduct, "a@x.com", map[string]any{"credential": cred})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	e := f.peek(t, cred)
	assert.Equal(t, models.TierStarter, e.Tier)
	require.NotNil(t, e.SubscriptionRef)
	assert.Equal(t, "sub_1", *e.SubscriptionRef)
	require.NotNil(t, e.CustomerRef)
	assert.Equal(t, "cus_1", *e.CustomerRef)
}

func TestActiveFallsBackToEmail(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")

	out, err := f.reconciler.Apply(context.Background(), mustParse(t,
		eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", nil)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, models.TierPro, f.peek(t, cred).Tier)
}

func TestActiveUnresolvableIsDropped(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")

	out, err := f.reconciler.Apply(context.Background(), mustParse(t,
		eventJSON("subscription.active", "sub_1", proProduct, "nobody@x.com", map[string]any{"credential": "sa_ffffffffffffffffffffffffffffffff"})))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnresolved, out)
	assert.Equal(t, models.TierFree, f.peek(t, cred).Tier)
}

func TestActiveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")
	ev := mustParse(t, eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", map[string]any{"credential": cred}))

	_, err := f.reconciler.Apply(context.Background(), ev)
	require.NoError(t, err)
	once := f.peek(t, cred)

	for i := 0; i < 3; i++ {
		_, err := f.reconciler.Apply(context.Background(), ev)
		require.NoError(t, err)
	}
	again := f.peek(t, cred)

	assert.Equal(t, once.Tier, again.Tier)
	assert.Equal(t, once.SubscriptionRef, again.SubscriptionRef)
	assert.Equal(t, once.CustomerRef, again.CustomerRef)
}

func TestPlanChangedBySubscriptionRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cred := f.register(t, "a@x.com")

	_, err := f.reconciler.Apply(ctx, mustParse(t, eventJSON("subscription.active", "sub_1", starterProduct, "a@x.com", map[string]any{"credential": cred})))
	require.NoError(t, err)

	out, err := f.reconciler.Apply(ctx, mustParse(t, eventJSON("subscription.plan_changed", "sub_1", proProduct, "", nil)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, models.TierPro, f.peek(t, cred).Tier)
}

func TestEventOrderConverges(t *testing.T) {
	ctx := context.Background()

	for _, order := range [][]string{{"active", "plan_changed"}, {"plan_changed", "active"}} {
		f := newFixture(t)
		cred := f.register(t, "a@x.com")
		meta := map[string]any{"credential": cred}
		events := map[string]*Event{
			"active":       mustParse(t, eventJSON("subscription.active", "sub_1", starterProduct, "a@x.com", meta)),
			"plan_changed": mustParse(t, eventJSON("subscription.plan_changed", "sub_1", proProduct, "a@x.com", meta)),
		}

		for _, name := range order {
			_, err := f.reconciler.Apply(ctx, events[name])
			require.NoError(t, err)
		}
		settled := f.peek(t, cred)
		require.NotNil(t, settled.SubscriptionRef)
		assert.Equal(t, "sub_1", *settled.SubscriptionRef)

		// replaying either event twice more changes nothing beyond its first replay
		for _, name := range order {
			_, err := f.reconciler.Apply(ctx, events[name])
			require.NoError(t, err)
		}
		replayed := f.peek(t, cred)
		for _, name := range order {
			_, err := f.reconciler.Apply(ctx, events[name])
			require.NoError(t, err)
		}
		assert.Equal(t, replayed.Tier, f.peek(t, cred).Tier, "order %v", order)
		assert.Equal(t, settled.Tier, replayed.Tier, "order %v", order)
	}
}

func TestCancelAndExpireResetToFree(t *testing.T) {
	for _, typ := range []string{"subscription.cancelled", "subscription.expired"} {
		f := newFixture(t)
		ctx := context.Background()
		cred := f.register(t, "a@x.com")

		_, err := f.reconciler.Apply(ctx, mustParse(t, eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", map[string]any{"credential": cred})))
		require.NoError(t, err)

		out, err := f.reconciler.Apply(ctx, mustParse(t, eventJSON(typ, "sub_1", proProduct, "", nil)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)

		e := f.peek(t, cred)
		assert.Equal(t, models.TierFree, e.Tier, typ)
		require.NotNil(t, e.SubscriptionRef, "subscription ref is kept as history")
		assert.Equal(t, "sub_1", *e.SubscriptionRef)
	}
}

func TestCancelUnknownSubscriptionIsNoOp(t *testing.T) {
	f := newFixture(t)
	out, err := f.reconciler.Apply(context.Background(), mustParse(t, eventJSON("subscription.cancelled", "sub_missing", "", "", nil)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnmatched, out)
}

func TestUnknownEventIgnored(t *testing.T) {
	f := newFixture(t)
	out, err := f.reconciler.Apply(context.Background(), mustParse(t, eventJSON("payment.succeeded", "", "", "", nil)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

// webhook

var fixedNow = time.Unix(1_700_000_000, 0)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(secret)
	require.NoError(t, err)
	v.now = func() time.Time { return fixedNow }
	return v
}

func signedRequest(payload []byte, id string, at time.Time, key []byte) *http.Request {
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/billing/events", strings.NewReader(string(payload)))
	req.Header.Set(HeaderWebhookID, id)
	req.Header.Set(HeaderWebhookTimestamp, ts)
	req.Header.Set(HeaderWebhookSignature, "v1,bogus v1,"+sign(key, id, ts, payload))
	return req
}

func TestVerifier(t *testing.T) {
	v := newVerifier(t)
	payload := []byte(`{"type":"subscription.active"}`)

	require.NoError(t, v.Verify(payload, signedRequest(payload, "msg_1", fixedNow, rawKey).Header))

	tampered := signedRequest(payload, "msg_1", fixedNow, rawKey)
	assert.ErrorIs(t, v.Verify([]byte(`{"type":"subscription.expired"}`), tampered.Header), ErrInvalidSignature)

	wrongKey := signedRequest(payload, "msg_1", fixedNow, []byte("other"))
	assert.ErrorIs(t, v.Verify(payload, wrongKey.Header), ErrInvalidSignature)

	stale := signedRequest(payload, "msg_1", fixedNow.Add(-10*time.Minute), rawKey)
	assert.ErrorIs(t, v.Verify(payload, stale.Header), ErrInvalidSignature)

	assert.ErrorIs(t, v.Verify(payload, http.Header{}), ErrInvalidSignature)
}

func TestNewVerifierRejectsBadSecret(t *testing.T) {
	_, err := NewVerifier("")
	assert.Error(t, err)
	_, err = NewVerifier("whsec_***not-base64***")
	assert.Error(t, err)

	v, err := NewVerifier(base64.StdEncoding.EncodeToString(rawKey))
	require.NoError(t, err)
	assert.Equal(t, rawKey, v.key)
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")
	h := NewWebhookHandler(newVerifier(t), f.reconciler, zap.NewNop())

	payload := eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(payload, "msg_1", fixedNow, rawKey))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())
	assert.Equal(t, models.TierPro, f.peek(t, cred).Tier)
}

func TestWebhookUnmatchedCancelStillAcknowledged(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(newVerifier(t), f.reconciler, zap.NewNop())

	payload := eventJSON("subscription.cancelled", "sub_missing", "", "", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(payload, "msg_2", fixedNow, rawKey))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())
}

func TestWebhookRejectsBadSignatureWithoutMutation(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")
	h := NewWebhookHandler(newVerifier(t), f.reconciler, zap.NewNop())

	payload := eventJSON("subscription.active", "sub_1", proProduct, "a@x.com", map[string]any{"credential": cred})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(payload, "msg_3", fixedNow, []byte("attacker")))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":true,"message":"Invalid webhook signature"}`, rr.Body.String())
	assert.Equal(t, models.TierFree, f.peek(t, cred).Tier)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(newVerifier(t), f.reconciler, zap.NewNop())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest([]byte(`{"type":`), "msg_4", fixedNow, rawKey))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.JSONEq(t, `{"error":true,"message":"Invalid webhook payload"}`, rr.Body.String())
}

func TestWebhookWithoutSecretDoesNotLeakConfig(t *testing.T) {
	f := newFixture(t)
	h := NewWebhookHandler(nil, f.reconciler, zap.NewNop())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/billing/events", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := rr.Body.String()
	for _, leak := range []string{"BILLING_", "WEBHOOK_SECRET", "secret", "goroutine", ".go:"} {
		assert.NotContains(t, body, leak)
	}
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &parsed))
	assert.Len(t, parsed, 2)
	assert.Equal(t, true, parsed["error"])
}
