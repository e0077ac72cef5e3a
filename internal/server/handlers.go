package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/HanTheDev/capture-gateway/internal/apperr"
	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/capture"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/models"
	"github.com/HanTheDev/capture-gateway/internal/quota"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxRequestBody = 64 << 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Error("health check failed", zap.Error(err))
			apperr.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "version": Version})
			return
		}
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ledger.Stats(r.Context(), models.Day(s.now()))
	if err != nil {
		apperr.Render(w, s.log, apperr.Internal(err))
		return
	}
	apperr.WriteJSON(w, http.StatusOK, st)
}

type registerResponse struct {
	Credential string      `json:"credential"`
	Email      string      `json:"email"`
	Tier       models.Tier `json:"tier"`
	DailyLimit int64       `json:"dailyLimit"`
	Message    string      `json:"message"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		apperr.Render(w, s.log, apperr.Validation("email is required"))
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		apperr.Render(w, s.log, apperr.Validation("email is required"))
		return
	}
	if !validEmail(email) {
		apperr.Render(w, s.log, apperr.Validation("Invalid email address"))
		return
	}

	ip := s.ips.ClientIP(r)
	allowed, err := s.signups.Allow(r.Context(), ip)
	if err != nil {
		s.log.Warn("signup throttle unavailable", zap.Error(err))
		allowed = true
	}
	if !allowed {
		apperr.Render(w, s.log, apperr.RateLimited("Too many signups from this address. Please try again later."))
		return
	}

	e, err := s.identities.Register(r.Context(), email)
	if err != nil {
		apperr.Render(w, s.log, apperr.Internal(err))
		return
	}
	s.log.Info("identity registered", zap.String("credential", auth.Redact(e.Credential)))

	apperr.WriteJSON(w, http.StatusCreated, registerResponse{
		Credential: e.Credential,
		Email:      e.Email,
		Tier:       e.Tier,
		DailyLimit: quota.DailyLimit(e.Tier),
		Message:    "API key created. Use the access_key query parameter or an Authorization: Bearer header.",
	})
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

type usageBody struct {
	Today      int64 `json:"today"`
	DailyLimit int64 `json:"dailyLimit"`
	Remaining  int64 `json:"remaining"`
	Total      int64 `json:"total"`
}

type usageResponse struct {
	Credential string      `json:"credential"`
	Tier       models.Tier `json:"tier"`
	Usage      usageBody   `json:"usage"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	credential := mux.Vars(r)["credential"]

	e, err := s.identities.Peek(r.Context(), credential)
	if errors.Is(err, entitlement.ErrNotFound) {
		apperr.Render(w, s.log, apperr.NotFound("API key not found"))
		return
	}
	if err != nil {
		apperr.Render(w, s.log, apperr.Internal(err))
		return
	}

	today, err := s.ledger.CurrentCount(r.Context(), models.UsageKey{Day: models.Day(s.now()), Credential: credential})
	if err != nil {
		apperr.Render(w, s.log, apperr.Internal(err))
		return
	}
	total, err := s.ledger.TotalRequests(r.Context(), credential)
	if err != nil {
		apperr.Render(w, s.log, apperr.Internal(err))
		return
	}

	limit := quota.DailyLimit(e.Tier)
	apperr.WriteJSON(w, http.StatusOK, usageResponse{
		Credential: credential,
		Tier:       e.Tier,
		Usage: usageBody{
			Today:      today,
			DailyLimit: limit,
			Remaining:  quota.Remaining(limit, today),
			Total:      total,
		},
	})
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	values, err := requestValues(w, r)
	if err != nil {
		apperr.Render(w, s.log, err)
		return
	}

	p, err := capture.ParseParams(values)
	if err != nil {
		apperr.Render(w, s.log, err)
		return
	}

	credential, _ := auth.ExtractCredential(values, r.Header)
	d, err := s.engine.Admit(r.Context(), quota.Request{Credential: credential, IP: s.ips.ClientIP(r)})
	if err != nil {
		apperr.Render(w, s.log, err)
		return
	}
	writeRateLimitHeaders(w, d, d.Remaining)
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(d.ResetAt.Sub(s.now()).Seconds())+1, 10))
		apperr.Render(w, s.log, d.Err())
		return
	}

	out, err := s.executor.Execute(r.Context(), d.Key, p)
	if err != nil {
		apperr.Render(w, s.log, err)
		return
	}

	writeRateLimitHeaders(w, d, quota.Remaining(d.Limit, d.Used+1))
	w.Header().Set("Content-Type", p.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func writeRateLimitHeaders(w http.ResponseWriter, d *quota.Decision, remaining int64) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// requestValues merges POST body fields (JSON or form) under the query string.
// Query parameters win when both carry a key.
func requestValues(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	values := r.URL.Query()
	if r.Method != http.MethodPost || r.Body == nil {
		return values, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		var body map[string]any
		dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, apperr.Validation("Invalid JSON body")
		}
		for k, v := range body {
			if values.Has(k) {
				continue
			}
			if s, ok := stringify(v); ok {
				values.Set(k, s)
			}
		}
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		if err := r.ParseForm(); err != nil {
			return nil, apperr.Validation("Invalid form body")
		}
		for k, vs := range r.PostForm {
			if !values.Has(k) && len(vs) > 0 {
				values.Set(k, vs[0])
			}
		}
	}
	return values, nil
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Credential string `json:"credential"`
		APIKey     string `json:"api_key"`
		Plan       string `json:"plan"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		apperr.Render(w, s.log, apperr.Validation("credential and plan are required"))
		return
	}
	credential := req.Credential
	if credential == "" {
		credential = req.APIKey
	}

	checkoutURL, err := s.checkout.Create(r.Context(), credential, req.Plan)
	if err != nil {
		apperr.Render(w, s.log, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, map[string]string{"url": checkoutURL})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	apperr.Render(w, s.log, apperr.NotFound("Not found"))
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apperr.WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": true, "message": "Method not allowed"})
}
