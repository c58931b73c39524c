// Package billing exposes the customer-facing subscription endpoints:
// checkout creation, cancel/resume, post-checkout verification, and the
// subscription status read model.
package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/logger"
	"github.com/subflowhq/subflow/pkg/reconcile"
)

// Config holds the checkout redirect targets.
type Config struct {
	SuccessURL string `env:"CHECKOUT_SUCCESS_URL,required"`
	CancelURL  string `env:"CHECKOUT_CANCEL_URL,required"`
}

// Service handles subscription management requests. The free plan activates
// instantly through the engine; paid plans go through provider checkout and
// complete asynchronously on the webhook path.
type Service struct {
	engine   *reconcile.Engine
	gateways map[string]billing.PaymentGateway
	catalog  billing.Catalog
	cfg      Config
	log      *slog.Logger
}

type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func NewService(cfg Config, engine *reconcile.Engine, catalog billing.Catalog, gateways []billing.PaymentGateway, opts ...Option) *Service {
	if engine == nil {
		panic("billing: reconcile.Engine is required")
	}
	if len(gateways) == 0 {
		panic("billing: at least one payment gateway is required")
	}

	byName := make(map[string]billing.PaymentGateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name()] = gw
	}

	s := &Service{
		engine:   engine,
		gateways: byName,
		catalog:  catalog,
		cfg:      cfg,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the router to mount under the billing path prefix.
func (s *Service) Handle() http.Handler {
	r := chi.NewRouter()
	r.Get("/plans", s.listPlans)
	r.Post("/subscribe", s.subscribe)
	r.Post("/cancel", s.cancel)
	r.Post("/resume", s.resume)
	r.Get("/status/{userID}", s.status)
	r.Get("/verify/{provider}/{sessionID}", s.verify)
	return r
}

type subscribeRequest struct {
	UserID        string `json:"userId"`
	PlanID        string `json:"planId"`
	Provider      string `json:"provider"`
	Email         string `json:"email,omitempty"`
	ReferralUseID string `json:"referralUseId,omitempty"`
	ReferralCode  string `json:"referralCode,omitempty"`
}

type subscribeResponse struct {
	Activated   bool   `json:"activated"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	plans := s.catalog.Public()
	s.respond(w, http.StatusOK, plans)
}

// subscribe activates the free plan synchronously or creates a provider
// checkout session for a paid plan. Paid activation itself happens later,
// when the provider's webhook confirms payment.
func (s *Service) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	plan, ok := s.catalog.Plan(billing.PlanID(req.PlanID))
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	if !plan.IsPaid() {
		result, err := s.engine.ActivateFreePlan(ctx, req.UserID)
		if err != nil {
			s.handleEngineError(w, r, err)
			return
		}
		msg := "free plan activated"
		if result.AlreadySubscribed {
			msg = "already subscribed"
		}
		s.respond(w, http.StatusOK, subscribeResponse{
			Activated: true,
			Message:   msg,
		})
		return
	}

	gw, ok := s.gateways[req.Provider]
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}

	session, err := gw.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID:        req.UserID,
		Plan:          plan,
		Email:         req.Email,
		SuccessURL:    s.cfg.SuccessURL,
		CancelURL:     s.cfg.CancelURL,
		ReferralUseID: req.ReferralUseID,
		ReferralCode:  req.ReferralCode,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "checkout session creation failed",
			logger.UserID(req.UserID),
			logger.Provider(req.Provider),
			logger.Error(err))
		s.handleEngineError(w, r, err)
		return
	}

	s.respond(w, http.StatusOK, subscribeResponse{
		CheckoutURL: session.URL,
		SessionID:   session.SessionID,
	})
}

type cancelRequest struct {
	UserID    string `json:"userId"`
	Immediate bool   `json:"immediate,omitempty"`
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.CancelUserSubscription(r.Context(), req.UserID, req.Immediate); err != nil {
		s.handleEngineError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"canceled": true})
}

type resumeRequest struct {
	UserID string `json:"userId"`
}

func (s *Service) resume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.ResumeUserSubscription(r.Context(), req.UserID); err != nil {
		s.handleEngineError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"resumed": true})
}

func (s *Service) status(w http.ResponseWriter, r *http.Request) {
	data, err := s.engine.GetUserSubscriptionData(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleEngineError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, data)
}

// verify lets the post-checkout return page confirm the session outcome
// directly with the provider, without waiting for the webhook.
func (s *Service) verify(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gateways[chi.URLParam(r, "provider")]
	if !ok {
		s.respondError(w, http.StatusBadRequest, "unknown provider")
		return
	}
	status, err := gw.VerifyPaymentStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.log.ErrorContext(r.Context(), "payment verification failed", logger.Error(err))
		s.respondError(w, http.StatusBadGateway, "payment verification failed")
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Service) handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidUserID):
		s.respondError(w, http.StatusBadRequest, "invalid user id")
	case errors.Is(err, billing.ErrUserNotFound):
		s.respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		s.respondError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, billing.ErrSubscriptionNotResumable):
		s.respondError(w, http.StatusConflict, "subscription is not scheduled for cancellation")
	case errors.Is(err, billing.ErrPlanNotFound), errors.Is(err, billing.ErrInvalidPlanConfiguration):
		s.respondError(w, http.StatusBadRequest, "plan is not available")
	default:
		s.log.ErrorContext(r.Context(), "billing operation failed", logger.Error(err))
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("failed to encode response", logger.Error(err))
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]string{"error": message})
}
