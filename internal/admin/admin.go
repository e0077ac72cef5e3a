package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/quota"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Identities interface {
	Peek(ctx context.Context, credential string) (*models.Entitlement, error)
	SetTier(ctx context.Context, credential string, tier models.Tier, customerRef, subscriptionRef *string) error
}

type Usage interface {
	CurrentCount(ctx context.Context, key models.UsageKey) (int64, error)
	TotalRequests(ctx context.Context, credential string) (int64, error)
	Stats(ctx context.Context, day string) (*models.Stats, error)
}

type AdminHandler struct {
	identities Identities
	usage      Usage
	log        *zap.Logger
	now        func() time.Time
}

func NewAdminHandler(identities Identities, usage Usage, log *zap.Logger) *AdminHandler {
	return &AdminHandler{identities: identities, usage: usage, log: log, now: time.Now}
}

// RegisterRoutes mounts the admin API under /admin behind the JWT middleware.
func (h *AdminHandler) RegisterRoutes(router *mux.Router, mw *auth.Middleware) {
	r := router.PathPrefix("/admin").Subrouter()
	r.Use(mw.Authenticate)

	r.HandleFunc("/identities/{credential}", h.GetIdentity).Methods("GET")
	r.HandleFunc("/identities/{credential}/tier", h.SetTier).Methods("PUT")
	r.HandleFunc("/stats", h.GetStats).Methods("GET")
}

type identityResponse struct {
	*models.Entitlement
	DailyLimit int64 `json:"daily_limit"`
	UsedToday  int64 `json:"used_today"`
	Total      int64 `json:"total"`
}

func (h *AdminHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	credential := mux.Vars(r)["credential"]

	e, err := h.identities.Peek(r.Context(), credential)
	if errors.Is(err, entitlement.ErrNotFound) {
		apperr.Render(w, h.log, apperr.NotFound("Identity not found"))
		return
	}
	if err != nil {
		apperr.Render(w, h.log, apperr.Internal(err))
		return
	}

	used, err := h.usage.CurrentCount(r.Context(), models.UsageKey{Day: models.Day(h.now()), Credential: credential})
	if err != nil {
		apperr.Render(w, h.log, apperr.Internal(err))
		return
	}
	total, err := h.usage.TotalRequests(r.Context(), credential)
	if err != nil {
		apperr.Render(w, h.log, apperr.Internal(err))
		return
	}

	apperr.WriteJSON(w, http.StatusOK, identityResponse{
		Entitlement: e,
		DailyLimit:  quota.DailyLimit(e.Tier),
		UsedToday:   used,
		Total:       total,
	})
}

// SetTier is a manual override. It writes the tier only and leaves billing refs alone.
func (h *AdminHandler) SetTier(w http.ResponseWriter, r *http.Request) {
	credential := mux.Vars(r)["credential"]

	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Render(w, h.log, apperr.Validation("Invalid request"))
		return
	}
	tier, ok := models.ParseTier(req.Tier)
	if !ok {
		apperr.Render(w, h.log, apperr.Validation("tier must be one of free, starter, pro"))
		return
	}

	err := h.identities.SetTier(r.Context(), credential, tier, nil, nil)
	if errors.Is(err, entitlement.ErrNotFound) {
		apperr.Render(w, h.log, apperr.NotFound("Identity not found"))
		return
	}
	if err != nil {
		apperr.Render(w, h.log, apperr.Internal(err))
		return
	}

	subject := ""
	if claims, ok := auth.AdminFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.log.Info("tier overridden",
		zap.String("admin", subject),
		zap.String("credential", auth.Redact(credential)),
		zap.String("tier", string(tier)))

	apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "updated", "tier": string(tier)})
}

func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = models.Day(h.now())
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		apperr.Render(w, h.log, apperr.Validation("day must be YYYY-MM-DD"))
		return
	}

	st, err := h.usage.Stats(r.Context(), day)
	if err != nil {
		apperr.Render(w, h.log, apperr.Internal(err))
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]any{"day": day, "stats": st})
}
