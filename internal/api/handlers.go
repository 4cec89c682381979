/**
 * @description
 * This file contains the HTTP handler functions for the billing-service.
 * Handlers gate the request (method, configuration, bearer token, identity),
 * call the subscription workflow in the service layer, and translate its
 * result or failure into the JSON response the client expects.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/identityclient"
)

const (
	corsAllowOrigin  = "*"
	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, OPTIONS"
)

// IdentityVerifier resolves an access token to the user it was issued for.
type IdentityVerifier interface {
	GetUser(ctx context.Context, accessToken string) (domain.Identity, error)
}

// SubscriptionCreator runs the subscription provisioning workflow.
type SubscriptionCreator interface {
	CreateSubscription(ctx context.Context, identity domain.Identity) (*app.Result, error)
}

// RateLimiter decides whether a user may start another subscription attempt.
type RateLimiter interface {
	Allow(ctx context.Context, userID string) (app.QuotaDecision, error)
}

// HandlerConfig carries the request-gate settings resolved at startup.
type HandlerConfig struct {
	ServerConfigured  bool
	BillingConfigured bool
}

// Handler holds the collaborators the HTTP handlers interact with.
type Handler struct {
	cfg      HandlerConfig
	identity IdentityVerifier
	service  SubscriptionCreator
	limiter  RateLimiter
	metrics  *Metrics
}

// NewHandler creates a new Handler. limiter and metrics may be nil.
func NewHandler(cfg HandlerConfig, identity IdentityVerifier, service SubscriptionCreator, limiter RateLimiter, metrics *Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		identity: identity,
		service:  service,
		limiter:  limiter,
		metrics:  metrics,
	}
}

type createSubscriptionResponse struct {
	OK                  bool   `json:"ok"`
	KeyID               string `json:"keyId"`
	SubscriptionID      string `json:"subscriptionId"`
	SubscriptionIDSnake string `json:"subscription_id"`
	ShortURL            string `json:"short_url,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleCreateSubscription provisions a subscription for the caller identified by the bearer token.
func (h *Handler) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if !h.cfg.ServerConfigured {
		h.metrics.observe("config_error", started)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server is not configured."})
		return
	}
	if !h.cfg.BillingConfigured {
		h.metrics.observe("config_error", started)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "Billing is not configured."})
		return
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		h.metrics.observe("unauthorized", started)
		respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "Missing authorization token."})
		return
	}

	if subject, role := unverifiedClaims(token); subject == "" {
		h.metrics.observe("unauthorized", started)
		respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: missingSubjectMessage(role)})
		return
	}

	identity, err := h.identity.GetUser(r.Context(), token)
	if err != nil || identity.UserID == "" {
		message := "Invalid session"
		var idErr *identityclient.Error
		if errors.As(err, &idErr) && idErr.Message != "" {
			message = idErr.Message
		}
		log.Printf("level=info component=api op=create_subscription msg=\"invalid session\" reason=%q", message)
		h.metrics.observe("unauthorized", started)
		respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: message})
		return
	}

	if decision, limited := h.rateLimited(r.Context(), identity.UserID); limited {
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
		h.metrics.observe("rate_limited", started)
		respondWithJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests."})
		return
	}

	result, err := h.service.CreateSubscription(r.Context(), identity)
	if err != nil {
		status, body, outcome := workflowErrorResponse(err)
		h.metrics.observe(outcome, started)
		respondWithJSON(w, status, body)
		return
	}

	h.metrics.observe("success", started)
	respondWithJSON(w, http.StatusOK, createSubscriptionResponse{
		OK:                  true,
		KeyID:               result.KeyID,
		SubscriptionID:      result.SubscriptionID,
		SubscriptionIDSnake: result.SubscriptionID,
		ShortURL:            result.ShortURL,
	})
}

// handleOptions answers CORS preflight and plain OPTIONS requests.
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
}

// rateLimited reports whether the caller's attempt was rejected by the limiter.
// A limiter error lets the request through.
func (h *Handler) rateLimited(ctx context.Context, userID string) (app.QuotaDecision, bool) {
	if h.limiter == nil {
		return app.QuotaDecision{Allowed: true}, false
	}

	decision, err := h.limiter.Allow(ctx, userID)
	if err != nil {
		log.Printf("level=warn component=api op=rate_limit user_id=%s msg=\"rate limiter unavailable; allowing request\" err=%v", userID, err)
		return app.QuotaDecision{Allowed: true}, false
	}
	if !decision.Allowed {
		log.Printf("level=info component=api op=rate_limit user_id=%s used=%d limit=%d retry_after=%s", userID, decision.Used, decision.Limit, decision.RetryAfter)
		return decision, true
	}
	return decision, false
}

// workflowErrorResponse maps a workflow failure to a status code, response body and metrics outcome.
func workflowErrorResponse(err error) (int, map[string]interface{}, string) {
	var wfErr *app.WorkflowError
	if !errors.As(err, &wfErr) {
		log.Printf("level=error component=api op=create_subscription err=%v", err)
		return http.StatusInternalServerError, map[string]interface{}{"error": err.Error()}, "internal_error"
	}

	body := make(map[string]interface{}, len(wfErr.Fields)+1)
	for key, value := range wfErr.Fields {
		body[key] = value
	}
	body["error"] = wfErr.Message

	switch wfErr.Kind {
	case app.KindConflict:
		return http.StatusBadRequest, body, "conflict"
	case app.KindStoreRead:
		return http.StatusInternalServerError, body, "store_error"
	case app.KindPayment:
		return http.StatusInternalServerError, body, "payment_error"
	case app.KindPersistence:
		return http.StatusInternalServerError, body, "persistence_error"
	default:
		return http.StatusInternalServerError, body, "internal_error"
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", corsAllowOrigin)
	w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
	w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
