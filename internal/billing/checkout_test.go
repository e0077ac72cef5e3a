package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutCreatesSession(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkouts", r.URL.Path)
		assert.Equal(t, "Bearer key_test", r.Header.Get("Authorization"))

		var req checkoutRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.ProductCart, 1)
		assert.Equal(t, proProduct, req.ProductCart[0].ProductID)
		assert.Equal(t, 1, req.ProductCart[0].Quantity)
		assert.Equal(t, "a@x.com", req.Customer.Email)
		assert.Equal(t, cred, req.Metadata[MetadataCredential])
		assert.Equal(t, "https://app.example.com/dashboard?upgraded=true", req.ReturnURL)

		_ = json.NewEncoder(w).Encode(checkoutResponse{SessionID: "cks_1", CheckoutURL: "https://pay.example.com/cks_1"})
	}))
	defer provider.Close()

	c := NewCheckout("key_test", provider.URL, "https://app.example.com/", NewCatalog(starterProduct, proProduct), f.svc)
	url, err := c.Create(context.Background(), cred, "pro")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/cks_1", url)
}

func TestCheckoutErrors(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")
	catalog := NewCatalog(starterProduct, proProduct)
	ctx := context.Background()

	c := NewCheckout("key_test", "http://127.0.0.1:1", "https://app.example.com", catalog, f.svc)

	_, err := c.Create(ctx, "", "pro")
	assert.Equal(t, apperr.KindValidation, apperr.As(err).Kind)

	_, err = c.Create(ctx, cred, "enterprise")
	assert.Equal(t, apperr.KindValidation, apperr.As(err).Kind)

	_, err = c.Create(ctx, cred, "free")
	assert.Equal(t, apperr.KindValidation, apperr.As(err).Kind)

	_, err = c.Create(ctx, "sa_ffffffffffffffffffffffffffffffff", "pro")
	assert.Equal(t, apperr.KindNotFound, apperr.As(err).Kind)

	unconfigured := NewCheckout("", "http://127.0.0.1:1", "https://app.example.com", catalog, f.svc)
	_, err = unconfigured.Create(ctx, cred, "pro")
	ae := apperr.As(err)
	assert.Equal(t, apperr.KindConfiguration, ae.Kind)
	assert.NotContains(t, ae.Message, "BILLING")
	assert.Contains(t, ae.Message, "contact support")

	noProduct := NewCheckout("key_test", "http://127.0.0.1:1", "https://app.example.com", NewCatalog(starterProduct, ""), f.svc)
	_, err = noProduct.Create(ctx, cred, "pro")
	assert.Equal(t, apperr.KindConfiguration, apperr.As(err).Kind)
}

func TestCheckoutProviderFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	cred := f.register(t, "a@x.com")

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"INVALID_PRODUCT"}`, http.StatusUnprocessableEntity)
	}))
	defer provider.Close()

	c := NewCheckout("key_test", provider.URL, "https://app.example.com", NewCatalog(starterProduct, proProduct), f.svc)
	_, err := c.Create(context.Background(), cred, "starter")
	ae := apperr.As(err)
	assert.Equal(t, apperr.KindInternal, ae.Kind)
	assert.NotContains(t, ae.Message, "INVALID_PRODUCT")
}
