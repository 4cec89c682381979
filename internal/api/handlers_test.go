package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/billing-service/internal/app"
	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/pkg/identityclient"
)

type fakeIdentityVerifier struct {
	identity domain.Identity
	err      error
	calls    int
}

func (f *fakeIdentityVerifier) GetUser(ctx context.Context, accessToken string) (domain.Identity, error) {
	f.calls++
	return f.identity, f.err
}

type fakeSubscriptionCreator struct {
	result *app.Result
	err    error
	calls  int
}

func (f *fakeSubscriptionCreator) CreateSubscription(ctx context.Context, identity domain.Identity) (*app.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeRateLimiter struct {
	decision app.QuotaDecision
	err      error
	userIDs  []string
}

func (f *fakeRateLimiter) Allow(ctx context.Context, userID string) (app.QuotaDecision, error) {
	f.userIDs = append(f.userIDs, userID)
	return f.decision, f.err
}

type handlerFixture struct {
	identity *fakeIdentityVerifier
	creator  *fakeSubscriptionCreator
	metrics  *Metrics
	router   http.Handler
}

func newHandlerFixture(cfg HandlerConfig, limiter RateLimiter) *handlerFixture {
	registry := prometheus.NewRegistry()
	fixture := &handlerFixture{
		identity: &fakeIdentityVerifier{identity: domain.Identity{UserID: "u1", Email: "a@example.com"}},
		creator: &fakeSubscriptionCreator{result: &app.Result{
			KeyID:          "rzp_test_key",
			CustomerID:     "cust_1",
			SubscriptionID: "sub_42",
			ShortURL:       "https://rzp.io/i/xyz",
		}},
		metrics: NewMetrics(registry),
	}
	handler := NewHandler(cfg, fixture.identity, fixture.creator, limiter, fixture.metrics)
	fixture.router = NewRouter(handler, registry)
	return fixture
}

func configured() HandlerConfig {
	return HandlerConfig{ServerConfigured: true, BillingConfigured: true}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unrelated-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func doRequest(router http.Handler, method, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/billing-create-subscription", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func assertCORSHeaders(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin *, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "authorization, x-client-info, apikey, content-type" {
		t.Fatalf("unexpected Access-Control-Allow-Headers %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Fatalf("unexpected Access-Control-Allow-Methods %q", got)
	}
}

func TestCreateSubscriptionOptionsReturnsOK(t *testing.T) {
	fixture := newHandlerFixture(HandlerConfig{}, nil)

	rec := doRequest(fixture.router, http.MethodOptions, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected body ok, got %q", rec.Body.String())
	}
	assertCORSHeaders(t, rec)
	if fixture.identity.calls != 0 || fixture.creator.calls != 0 {
		t.Fatalf("expected no collaborator calls on OPTIONS")
	}
}

func TestCreateSubscriptionRejectsOtherMethods(t *testing.T) {
	fixture := newHandlerFixture(configured(), nil)

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			rec := doRequest(fixture.router, method, "Bearer whatever")
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected 405, got %d", rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != "Method not allowed" {
				t.Fatalf("unexpected body %v", body)
			}
			assertCORSHeaders(t, rec)
		})
	}
	if fixture.identity.calls != 0 || fixture.creator.calls != 0 {
		t.Fatalf("expected no collaborator calls on rejected methods, got identity=%d workflow=%d", fixture.identity.calls, fixture.creator.calls)
	}
}

func TestCreateSubscriptionCORSPreflight(t *testing.T) {
	fixture := newHandlerFixture(configured(), nil)

	req := httptest.NewRequest(http.MethodOptions, "/billing-create-subscription", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")
	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("expected preflight to reach the handler and answer ok, got %q", rec.Body.String())
	}
	assertCORSHeaders(t, rec)
	if vary := strings.Join(rec.Header().Values("Vary"), ","); !strings.Contains(vary, "Origin") {
		t.Fatalf("expected Vary to include Origin, got %q", vary)
	}
	if fixture.identity.calls != 0 || fixture.creator.calls != 0 {
		t.Fatalf("expected no collaborator calls on preflight, got identity=%d workflow=%d", fixture.identity.calls, fixture.creator.calls)
	}
}

func TestCreateSubscriptionConfigurationChecks(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HandlerConfig
		wantErr string
	}{
		{name: "server missing", cfg: HandlerConfig{BillingConfigured: true}, wantErr: "Server is not configured."},
		{name: "both missing", cfg: HandlerConfig{}, wantErr: "Server is not configured."},
		{name: "billing missing", cfg: HandlerConfig{ServerConfigured: true}, wantErr: "Billing is not configured."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newHandlerFixture(tt.cfg, nil)
			rec := doRequest(fixture.router, http.MethodPost, "")
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != tt.wantErr {
				t.Fatalf("expected error %q, got %v", tt.wantErr, body["error"])
			}
			if fixture.identity.calls != 0 {
				t.Fatalf("expected no identity calls before configuration passes")
			}
		})
	}
}

func TestCreateSubscriptionAuthenticationFailures(t *testing.T) {
	anonToken := signedToken(t, jwt.MapClaims{"role": "anon"})

	tests := []struct {
		name       string
		authHeader string
		identity   *fakeIdentityVerifier
		wantErr    string
		wantVerify int
	}{
		{
			name:    "missing header",
			wantErr: "Missing authorization token.",
		},
		{
			name:       "wrong scheme",
			authHeader: "Basic dXNlcjpwYXNz",
			wantErr:    "Missing authorization token.",
		},
		{
			name:       "empty bearer",
			authHeader: "Bearer   ",
			wantErr:    "Missing authorization token.",
		},
		{
			name:       "anon key without sub",
			authHeader: "Bearer " + anonToken,
			wantErr:    "Invalid authorization token: missing sub claim (role=anon). Please login again and ensure Authorization uses the user's access_token, not the anon key.",
		},
		{
			name:       "undecodable token",
			authHeader: "bearer not-a-jwt",
			wantErr:    "Invalid authorization token: missing sub claim (role=). Please login again and ensure Authorization uses the user's access_token, not the anon key.",
		},
		{
			name:       "provider rejects session",
			authHeader: "Bearer " + signedToken(t, jwt.MapClaims{"sub": "u1"}),
			identity:   &fakeIdentityVerifier{err: &identityclient.Error{StatusCode: 401, Message: "JWT expired"}},
			wantErr:    "JWT expired",
			wantVerify: 1,
		},
		{
			name:       "provider unreachable",
			authHeader: "Bearer " + signedToken(t, jwt.MapClaims{"sub": "u1"}),
			identity:   &fakeIdentityVerifier{err: errors.New("dial tcp: timeout")},
			wantErr:    "Invalid session",
			wantVerify: 1,
		},
		{
			name:       "provider returns no user",
			authHeader: "Bearer " + signedToken(t, jwt.MapClaims{"sub": "u1"}),
			identity:   &fakeIdentityVerifier{},
			wantErr:    "Invalid session",
			wantVerify: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newHandlerFixture(configured(), nil)
			if tt.identity != nil {
				fixture.identity.identity = tt.identity.identity
				fixture.identity.err = tt.identity.err
			}

			rec := doRequest(fixture.router, http.MethodPost, tt.authHeader)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if body := decodeBody(t, rec); body["error"] != tt.wantErr {
				t.Fatalf("expected error %q, got %v", tt.wantErr, body["error"])
			}
			if fixture.identity.calls != tt.wantVerify {
				t.Fatalf("expected %d identity calls, got %d", tt.wantVerify, fixture.identity.calls)
			}
			if fixture.creator.calls != 0 {
				t.Fatalf("expected workflow not to run")
			}
			if got := testutil.ToFloat64(fixture.metrics.CreateSubscriptionTotal.WithLabelValues("unauthorized")); got != 1 {
				t.Fatalf("expected unauthorized outcome recorded once, got %v", got)
			}
		})
	}
}

func TestCreateSubscriptionSuccess(t *testing.T) {
	fixture := newHandlerFixture(configured(), nil)

	rec := doRequest(fixture.router, http.MethodPost, "BEARER "+signedToken(t, jwt.MapClaims{"sub": "u1", "role": "authenticated"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}
	assertCORSHeaders(t, rec)

	body := decodeBody(t, rec)
	if body["ok"] != true || body["keyId"] != "rzp_test_key" || body["subscriptionId"] != "sub_42" || body["subscription_id"] != "sub_42" || body["short_url"] != "https://rzp.io/i/xyz" {
		t.Fatalf("unexpected success body %v", body)
	}
	if got := testutil.ToFloat64(fixture.metrics.CreateSubscriptionTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected success outcome recorded once, got %v", got)
	}
}

func TestCreateSubscriptionWorkflowErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantFields map[string]interface{}
		outcome    string
	}{
		{
			name:       "already active",
			err:        app.ErrAlreadyActive,
			wantStatus: http.StatusBadRequest,
			wantFields: map[string]interface{}{"error": "Subscription already active."},
			outcome:    "conflict",
		},
		{
			name:       "store read",
			err:        &app.WorkflowError{Kind: app.KindStoreRead, Message: "permission denied for table user_billing"},
			wantStatus: http.StatusInternalServerError,
			wantFields: map[string]interface{}{"error": "permission denied for table user_billing"},
			outcome:    "store_error",
		},
		{
			name: "customer creation",
			err: &app.WorkflowError{
				Kind:    app.KindPayment,
				Message: "Failed to create customer: 401 Unauthorized",
				Fields:  map[string]interface{}{"details": "bad key"},
			},
			wantStatus: http.StatusInternalServerError,
			wantFields: map[string]interface{}{"error": "Failed to create customer: 401 Unauthorized", "details": "bad key"},
			outcome:    "payment_error",
		},
		{
			name: "plan validation",
			err: &app.WorkflowError{
				Kind:    app.KindPayment,
				Message: "Razorpay plan_id is not valid for these keys/mode.",
				Fields:  map[string]interface{}{"plan_id": "plan_basic"},
			},
			wantStatus: http.StatusInternalServerError,
			wantFields: map[string]interface{}{"error": "Razorpay plan_id is not valid for these keys/mode.", "plan_id": "plan_basic"},
			outcome:    "payment_error",
		},
		{
			name: "persistence",
			err: &app.WorkflowError{
				Kind:    app.KindPersistence,
				Message: "Failed to update billing record.",
				Fields:  map[string]interface{}{"details": "duplicate key"},
			},
			wantStatus: http.StatusInternalServerError,
			wantFields: map[string]interface{}{"error": "Failed to update billing record.", "details": "duplicate key"},
			outcome:    "persistence_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newHandlerFixture(configured(), nil)
			fixture.creator.result = nil
			fixture.creator.err = tt.err

			rec := doRequest(fixture.router, http.MethodPost, "Bearer "+signedToken(t, jwt.MapClaims{"sub": "u1"}))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decodeBody(t, rec)
			for key, want := range tt.wantFields {
				if body[key] != want {
					t.Fatalf("expected %s=%v, got %v", key, want, body[key])
				}
			}
			if got := testutil.ToFloat64(fixture.metrics.CreateSubscriptionTotal.WithLabelValues(tt.outcome)); got != 1 {
				t.Fatalf("expected %s outcome recorded once, got %v", tt.outcome, got)
			}
		})
	}
}

func TestCreateSubscriptionRateLimit(t *testing.T) {
	tests := []struct {
		name         string
		limiter      *fakeRateLimiter
		wantStatus   int
		wantWorkflow int
	}{
		{
			name:         "allowed",
			limiter:      &fakeRateLimiter{decision: app.QuotaDecision{Allowed: true, Limit: 3, Used: 3, RetryAfter: 40 * time.Second}},
			wantStatus:   http.StatusOK,
			wantWorkflow: 1,
		},
		{
			name:         "rejected",
			limiter:      &fakeRateLimiter{decision: app.QuotaDecision{Allowed: false, Limit: 3, Used: 3, RetryAfter: 39*time.Second + 200*time.Millisecond}},
			wantStatus:   http.StatusTooManyRequests,
			wantWorkflow: 0,
		},
		{
			name:         "limiter down",
			limiter:      &fakeRateLimiter{err: errors.New("redis: connection refused")},
			wantStatus:   http.StatusOK,
			wantWorkflow: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fixture := newHandlerFixture(configured(), tt.limiter)

			rec := doRequest(fixture.router, http.MethodPost, "Bearer "+signedToken(t, jwt.MapClaims{"sub": "u1"}))
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if fixture.creator.calls != tt.wantWorkflow {
				t.Fatalf("expected %d workflow calls, got %d", tt.wantWorkflow, fixture.creator.calls)
			}
			if len(tt.limiter.userIDs) != 1 || tt.limiter.userIDs[0] != "u1" {
				t.Fatalf("expected limiter keyed by verified user u1, got %v", tt.limiter.userIDs)
			}
			if tt.wantStatus == http.StatusTooManyRequests {
				if got := rec.Header().Get("Retry-After"); got != "40" {
					t.Fatalf("expected Retry-After 40, got %q", got)
				}
				if body := decodeBody(t, rec); body["error"] != "Too many requests." {
					t.Fatalf("unexpected body %v", body)
				}
			}
		})
	}
}

func TestCreateSubscriptionRateLimitWithRedisQuota(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fixture := newHandlerFixture(configured(), app.NewSubscriptionQuota(client, "test:billing", 1))
	authHeader := "Bearer " + signedToken(t, jwt.MapClaims{"sub": "u1"})

	if rec := doRequest(fixture.router, http.MethodPost, authHeader); rec.Code != http.StatusOK {
		t.Fatalf("expected first attempt to succeed, got %d", rec.Code)
	}
	rec := doRequest(fixture.router, http.MethodPost, authHeader)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second attempt to be limited, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if fixture.creator.calls != 1 {
		t.Fatalf("expected one workflow call, got %d", fixture.creator.calls)
	}
	if got, err := server.Get("test:billing:create_subscription:u1"); err != nil || got != "1" {
		t.Fatalf("expected stored attempt count 1, got %q (%v)", got, err)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	fixture := newHandlerFixture(configured(), nil)
	_ = doRequest(fixture.router, http.MethodPost, "Bearer "+signedToken(t, jwt.MapClaims{"sub": "u1"}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	fixture.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `billing_create_subscription_requests_total{outcome="success"} 1`) {
		t.Fatalf("expected success counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer abc", want: "abc", ok: true},
		{header: "BeArEr  abc ", want: "abc", ok: true},
		{header: "Bearer", ok: false},
		{header: "Token abc", ok: false},
		{header: "", ok: false},
	}

	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("bearerToken(%q): expected (%q, %v), got (%q, %v)", tt.header, tt.want, tt.ok, got, ok)
		}
	}
}
