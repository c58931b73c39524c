// Package webhook exposes the provider webhook ingestion endpoint.
//
// One route, POST /{provider}, runs the full ingestion pipeline: signature
// verification via the provider gateway, at-most-once dedupe within the
// guard's TTL window, then dispatch to the reconciliation handlers. The HTTP
// status code tells the provider whether to redeliver: 2xx never, 5xx yes.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/subflowhq/subflow/pkg/billing"
	"github.com/subflowhq/subflow/pkg/dispatch"
	"github.com/subflowhq/subflow/pkg/idempotency"
	"github.com/subflowhq/subflow/pkg/logger"
)

// DefaultMaxBodyBytes caps webhook payload size. Provider events are a few
// KB; anything near this limit is hostile or broken.
const DefaultMaxBodyBytes = 256 << 10

// Service wires gateways, the idempotency guard, and the dispatcher into an
// HTTP handler.
type Service struct {
	gateways   map[string]billing.PaymentGateway
	guard      idempotency.Guard
	dispatcher *dispatch.Dispatcher
	metrics    *dispatch.Metrics
	log        *slog.Logger
	maxBody    int64
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics attaches Prometheus instrumentation for duplicates and
// rejected deliveries.
func WithMetrics(m *dispatch.Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMaxBodyBytes overrides the payload size cap.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// NewService creates the webhook ingestion service. Panics when a required
// collaborator is missing; this is a wiring error, not a runtime condition.
func NewService(gateways []billing.PaymentGateway, guard idempotency.Guard, dispatcher *dispatch.Dispatcher, opts ...Option) *Service {
	if len(gateways) == 0 {
		panic("webhook: at least one payment gateway is required")
	}
	if guard == nil {
		panic("webhook: idempotency guard is required")
	}
	if dispatcher == nil {
		panic("webhook: dispatcher is required")
	}

	byName := make(map[string]billing.PaymentGateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Name()] = gw
	}

	s := &Service{
		gateways:   byName,
		guard:      guard,
		dispatcher: dispatcher,
		log:        slog.Default(),
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the router to mount under the webhook path prefix.
func (s *Service) Handle() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}", s.receive)
	return r
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	EventID   string `json:"eventId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providerName := chi.URLParam(r, "provider")
	gw, ok := s.gateways[providerName]
	if !ok {
		s.respond(w, http.StatusNotFound, webhookResponse{Error: "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody+1))
	if err != nil {
		s.respond(w, http.StatusBadRequest, webhookResponse{Error: "failed to read request body"})
		return
	}
	if int64(len(body)) > s.maxBody {
		s.reject(providerName, "payload_too_large")
		s.respond(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "payload too large"})
		return
	}

	signature := r.Header.Get(gw.SignatureHeader())

	event, err := gw.ParseWebhook(ctx, body, signature)
	switch {
	case errors.Is(err, billing.ErrSignatureVerification):
		s.reject(providerName, "bad_signature")
		s.log.WarnContext(ctx, "webhook signature verification failed",
			logger.Provider(providerName))
		s.respond(w, http.StatusUnauthorized, webhookResponse{Error: "signature verification failed"})
		return
	case errors.Is(err, billing.ErrMalformedPayload):
		s.reject(providerName, "malformed_payload")
		s.respond(w, http.StatusBadRequest, webhookResponse{Error: "malformed payload"})
		return
	case err != nil:
		s.reject(providerName, "parse_error")
		s.log.ErrorContext(ctx, "webhook parse failed",
			logger.Provider(providerName), logger.Error(err))
		s.respond(w, http.StatusBadRequest, webhookResponse{Error: "invalid webhook"})
		return
	}

	// Verified but unmapped events are acknowledged without claiming a
	// dedupe slot; there is nothing to protect.
	if event.Type == billing.EventIgnored {
		s.respond(w, http.StatusOK, webhookResponse{
			Success:   true,
			EventID:   event.ID,
			EventType: event.ProviderEvent,
			Message:   "event type not handled",
		})
		return
	}

	claimed, err := s.guard.MarkProcessing(ctx, event.ID)
	if err != nil {
		// Guard outage degrades to processing without dedupe. Handlers
		// carry their own idempotency records, so replays stay safe.
		s.log.ErrorContext(ctx, "idempotency guard unavailable",
			logger.Provider(providerName),
			slog.String("event_id", event.ID),
			logger.Error(err))
		claimed = true
	} else if !claimed {
		if s.metrics != nil {
			s.metrics.ObserveDuplicate(providerName)
		}
		s.log.InfoContext(ctx, "duplicate webhook delivery skipped",
			logger.Provider(providerName),
			slog.String("event_id", event.ID))
		s.respond(w, http.StatusOK, webhookResponse{
			Success:   true,
			EventID:   event.ID,
			EventType: string(event.Type),
			Message:   "duplicate event",
		})
		return
	}

	result := s.dispatcher.Dispatch(ctx, event)
	if !result.Success {
		// Release the claim so the provider's retry is not swallowed as
		// a duplicate while the failure is still unresolved.
		s.releaseClaim(ctx, event.ID)
	}

	s.respond(w, statusFor(result), responseFor(result))
}

func (s *Service) releaseClaim(ctx context.Context, eventID string) {
	if err := s.guard.Release(ctx, eventID); err != nil {
		s.log.ErrorContext(ctx, "failed to release idempotency claim",
			slog.String("event_id", eventID), logger.Error(err))
	}
}

func (s *Service) reject(provider, reason string) {
	if s.metrics != nil {
		s.metrics.ObserveRejected(provider, reason)
	}
}

func statusFor(result dispatch.Result) int {
	switch {
	case result.Success:
		return http.StatusOK
	case result.ShouldRetry:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func responseFor(result dispatch.Result) webhookResponse {
	resp := webhookResponse{
		Success:   result.Success,
		EventID:   result.EventID,
		EventType: string(result.EventType),
		Message:   result.Message,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

func (s *Service) respond(w http.ResponseWriter, status int, resp webhookResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to encode webhook response", logger.Error(err))
	}
}
