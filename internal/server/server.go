// Package server wires the HTTP surface: registration, usage, capture,
// billing and operational endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/HanTheDev/capture-gateway/internal/admin"
	"github.com/HanTheDev/capture-gateway/internal/auth"
	"github.com/HanTheDev/capture-gateway/internal/billing"
	"github.com/HanTheDev/capture-gateway/internal/entitlement"
	"github.com/HanTheDev/capture-gateway/internal/executor"
	"github.com/HanTheDev/capture-gateway/internal/quota"
	"github.com/HanTheDev/capture-gateway/internal/ratelimit"
	"github.com/HanTheDev/capture-gateway/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const Version = "1.0.0"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Identities *entitlement.Service
	Ledger     store.Ledger
	Engine     *quota.Engine
	Executor   *executor.Executor
	Signups    *ratelimit.RateLimiter
	Webhook    http.Handler
	Checkout   *billing.Checkout
	Admin      *admin.AdminHandler
	AdminAuth  *auth.Middleware
	ClientIPs  *auth.IPResolver
	Health     Pinger
	Log        *zap.Logger
}

type Server struct {
	identities *entitlement.Service
	ledger     store.Ledger
	engine     *quota.Engine
	executor   *executor.Executor
	signups    *ratelimit.RateLimiter
	checkout   *billing.Checkout
	ips        *auth.IPResolver
	health     Pinger
	log        *zap.Logger
	now        func() time.Time

	router *mux.Router
}

func New(d Deps) *Server {
	s := &Server{
		identities: d.Identities,
		ledger:     d.Ledger,
		engine:     d.Engine,
		executor:   d.Executor,
		signups:    d.Signups,
		checkout:   d.Checkout,
		ips:        d.ClientIPs,
		health:     d.Health,
		log:        d.Log,
		now:        time.Now,
		router:     mux.NewRouter(),
	}

	r := s.router
	r.Use(s.recoverPanics, s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	for _, prefix := range []string{"/identities", "/keys"} {
		r.HandleFunc(prefix, s.handleRegister).Methods("POST")
		r.HandleFunc(prefix+"/{credential}/usage", s.handleUsage).Methods("GET")
	}

	r.HandleFunc("/take", s.handleCapture).Methods("GET", "POST")
	r.HandleFunc("/capture", s.handleCapture).Methods("GET", "POST")

	r.Handle("/billing/events", d.Webhook).Methods("POST")
	r.Handle("/billing/webhook", d.Webhook).Methods("POST")
	r.HandleFunc("/billing/checkout", s.handleCheckout).Methods("POST")

	if d.Admin != nil && d.AdminAuth != nil {
		d.Admin.RegisterRoutes(r, d.AdminAuth)
	}

	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
