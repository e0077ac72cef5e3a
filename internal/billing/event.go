package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type EventType string

const (
	EventSubscriptionActive      EventType = "subscription.active"
	EventSubscriptionPlanChanged EventType = "subscription.plan_changed"
	EventSubscriptionCancelled   EventType = "subscription.cancelled"
	EventSubscriptionExpired     EventType = "subscription.expired"
)

// Metadata keys carrying the credential on checkout-created subscriptions.
// api_key is what older checkout sessions set.
const (
	MetadataCredential = "credential"
	MetadataAPIKey     = "api_key"
)

var ErrInvalidPayload = errors.New("billing: invalid payload")

type Event struct {
	Type            EventType
	SubscriptionRef string
	CustomerRef     string
	ProductRef      string
	CustomerEmail   string
	Credential      string
}

type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		SubscriptionID string `json:"subscription_id"`
		ProductID      string `json:"product_id"`
		Customer       struct {
			CustomerID string `json:"customer_id"`
			Email      string `json:"email"`
		} `json:"customer"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

func ParseEvent(payload []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(w.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}

	credential := readMetadataValue(w.Data.Metadata, MetadataCredential)
	if credential == "" {
		credential = readMetadataValue(w.Data.Metadata, MetadataAPIKey)
	}

	return &Event{
		Type:            EventType(w.Type),
		SubscriptionRef: strings.TrimSpace(w.Data.SubscriptionID),
		CustomerRef:     strings.TrimSpace(w.Data.Customer.CustomerID),
		ProductRef:      strings.TrimSpace(w.Data.ProductID),
		CustomerEmail:   strings.TrimSpace(w.Data.Customer.Email),
		Credential:      credential,
	}, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if s, ok := metadata[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
