package billing

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/metrics"
	"go.uber.org/zap"
)

const webhookBodyLimit = 1 << 20

// WebhookHandler serves POST /billing/events. A nil verifier means no secret
// is configured and every delivery is refused.
type WebhookHandler struct {
	verifier   *Verifier
	reconciler *Reconciler
	log        *zap.Logger
}

func NewWebhookHandler(verifier *Verifier, reconciler *Reconciler, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{verifier: verifier, reconciler: reconciler, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(rec.status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if h.verifier == nil {
		apperr.Render(rec, h.log, apperr.Configuration("", errors.New("billing webhook secret is not configured")))
		return
	}

	r.Body = http.MaxBytesReader(rec, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Warn("failed to read webhook body", zap.Error(err))
		apperr.Render(rec, h.log, apperr.Validation("Invalid webhook payload"))
		return
	}

	if err := h.verifier.Verify(payload, r.Header); err != nil {
		h.log.Warn("rejected webhook signature", zap.String("webhook_id", r.Header.Get(HeaderWebhookID)))
		apperr.Render(rec, h.log, apperr.Validation("Invalid webhook signature"))
		return
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		h.log.Warn("rejected webhook payload", zap.Error(err))
		apperr.Render(rec, h.log, apperr.Validation("Invalid webhook payload"))
		return
	}
	eventType = string(ev.Type)

	outcome, err := h.reconciler.Apply(r.Context(), ev)
	if err != nil {
		// Authentic events are always acknowledged.
		h.log.Error("failed to apply billing event",
			zap.String("webhook_id", r.Header.Get(HeaderWebhookID)),
			zap.String("event_type", eventType),
			zap.Error(err))
	} else {
		h.log.Info("billing event processed", zap.String("event_type", eventType), zap.String("outcome", string(outcome)))
	}

	apperr.WriteJSON(rec, http.StatusOK, map[string]bool{"received": true})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
