package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/models"
)

const billingUnavailable = "Billing is not available yet. Please contact support to upgrade."

type Peeker interface {
	Peek(ctx context.Context, credential string) (*models.Entitlement, error)
}

// Checkout creates hosted checkout sessions with the billing provider.
type Checkout struct {
	apiKey     string
	apiBase    string
	publicBase string
	catalog    *Catalog
	identities Peeker
	client     *http.Client
}

func NewCheckout(apiKey, apiBase, publicBase string, catalog *Catalog, identities Peeker) *Checkout {
	return &Checkout{
		apiKey:     apiKey,
		apiBase:    strings.TrimRight(apiBase, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
		catalog:    catalog,
		identities: identities,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type checkoutRequest struct {
	ProductCart []cartItem        `json:"product_cart"`
	Customer    checkoutCustomer  `json:"customer"`
	ReturnURL   string            `json:"return_url"`
	Metadata    map[string]string `json:"metadata"`
}

type cartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutCustomer struct {
	Email string `json:"email"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Create returns the hosted checkout URL for upgrading credential to plan.
// Errors are *apperr.Error values.
func (c *Checkout) Create(ctx context.Context, credential, plan string) (string, error) {
	credential, plan = strings.TrimSpace(credential), strings.TrimSpace(plan)
	if credential == "" || plan == "" {
		return "", apperr.Validation("credential and plan are required")
	}
	tier, ok := models.ParseTier(plan)
	if !ok || tier == models.TierFree {
		return "", apperr.Validation("plan must be starter or pro")
	}

	productID, ok := c.catalog.ProductFor(tier)
	if !ok || c.apiKey == "" {
		return "", apperr.Configuration(billingUnavailable, fmt.Errorf("no billing product or api key for plan %q", plan))
	}

	e, err := c.identities.Peek(ctx, credential)
	if errors.Is(err, entitlement.ErrNotFound) {
		return "", apperr.NotFound("Invalid API key")
	}
	if err != nil {
		return "", apperr.Internal(err)
	}

	body, err := json.Marshal(checkoutRequest{
		ProductCart: []cartItem{{ProductID: productID, Quantity: 1}},
		Customer:    checkoutCustomer{Email: e.Email},
		ReturnURL:   c.publicBase + "/dashboard?upgraded=true",
		Metadata:    map[string]string{MetadataCredential: credential},
	})
	if err != nil {
		return "", apperr.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Internal(fmt.Errorf("create checkout: %w", err))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return "", apperr.Internal(fmt.Errorf("create checkout: provider status %d: %s", resp.StatusCode, raw))
	}

	var out checkoutResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.CheckoutURL == "" {
		return "", apperr.Internal(fmt.Errorf("create checkout: unexpected response: %s", raw))
	}
	return out.CheckoutURL, nil
}
