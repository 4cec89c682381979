package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

const billingColumns = "user_id,razorpay_customer_id,razorpay_subscription_id,subscription_status,trial_ends_at,current_period_end,updated_at"

// RESTRepository reads and writes user_billing through the PostgREST API
// using the project's service-role key. It is used when no direct database
// URL is configured.
type RESTRepository struct {
	baseURL        string
	serviceRoleKey string
	httpClient     *http.Client
}

// NewRESTRepository creates a repository rooted at {projectURL}/rest/v1.
func NewRESTRepository(projectURL, serviceRoleKey string) *RESTRepository {
	return &RESTRepository{
		baseURL:        strings.TrimRight(strings.TrimSpace(projectURL), "/") + "/rest/v1",
		serviceRoleKey: serviceRoleKey,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

// restError mirrors the PostgREST error body.
type restError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *restError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "postgrest error " + e.Code
}

// GetBillingByUserID retrieves the billing record for a given user ID.
func (r *RESTRepository) GetBillingByUserID(ctx context.Context, userID string) (*domain.BillingRecord, error) {
	query := url.Values{}
	query.Set("select", billingColumns)
	query.Set("user_id", "eq."+userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/user_billing?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing read request: %w", err)
	}
	r.authorize(req)

	bodyBytes, err := r.execute(req, "get_billing")
	if err != nil {
		return nil, err
	}

	var rows []billingRow
	if err := json.Unmarshal(bodyBytes, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode billing rows: %w", err)
	}
	switch len(rows) {
	case 0:
		return nil, ErrBillingNotFound
	case 1:
		return rows[0].toRecord()
	default:
		return nil, fmt.Errorf("expected at most one billing row for user %s, got %d", userID, len(rows))
	}
}

// billingRow is a user_billing row as PostgREST renders it. Timestamps stay
// strings until toRecord because their shape depends on the column type.
type billingRow struct {
	UserID                 string  `json:"user_id"`
	RazorpayCustomerID     *string `json:"razorpay_customer_id"`
	RazorpaySubscriptionID *string `json:"razorpay_subscription_id"`
	SubscriptionStatus     *string `json:"subscription_status"`
	TrialEndsAt            *string `json:"trial_ends_at"`
	CurrentPeriodEnd       *string `json:"current_period_end"`
	UpdatedAt              *string `json:"updated_at"`
}

func (row billingRow) toRecord() (*domain.BillingRecord, error) {
	record := &domain.BillingRecord{
		UserID:                  row.UserID,
		ProcessorCustomerID:     row.RazorpayCustomerID,
		ProcessorSubscriptionID: row.RazorpaySubscriptionID,
	}
	if row.SubscriptionStatus != nil {
		record.Status = domain.SubscriptionStatus(*row.SubscriptionStatus)
	}

	var err error
	if record.TrialEndsAt, err = parseTimestamp("trial_ends_at", row.TrialEndsAt); err != nil {
		return nil, err
	}
	if record.CurrentPeriodEnd, err = parseTimestamp("current_period_end", row.CurrentPeriodEnd); err != nil {
		return nil, err
	}
	updatedAt, err := parseTimestamp("updated_at", row.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		record.UpdatedAt = *updatedAt
	}
	return record, nil
}

// timestampLayouts covers timestamptz output (with offset) and timestamp
// without time zone output, in both the ISO "T" and the Postgres space form.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp reads a PostgREST timestamp. Values without an offset are
// taken as UTC. A null or blank value yields nil.
func parseTimestamp(column string, raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	value := strings.TrimSpace(*raw)
	for _, layout := range timestampLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			utc := parsed.UTC()
			return &utc, nil
		}
	}
	return nil, fmt.Errorf("failed to parse %s timestamp %q", column, value)
}

// UpsertBilling writes the record, replacing any existing row with the same user_id.
func (r *RESTRepository) UpsertBilling(ctx context.Context, record *domain.BillingRecord) error {
	if record == nil || record.UserID == "" {
		return errors.New("billing record requires a user id")
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal billing record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/user_billing?on_conflict=user_id", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create billing upsert request: %w", err)
	}
	r.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	_, err = r.execute(req, "upsert_billing")
	return err
}

func (r *RESTRepository) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", r.serviceRoleKey)
	req.Header.Set("Authorization", "Bearer "+r.serviceRoleKey)
}

func (r *RESTRepository) execute(req *http.Request, op string) ([]byte, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		restErr := &restError{}
		if jsonErr := json.Unmarshal(bodyBytes, restErr); jsonErr != nil || restErr.Message == "" {
			restErr.Message = fmt.Sprintf("%s failed with status %d", op, resp.StatusCode)
		}
		log.Printf("level=warn component=billing_store op=%s status=%d code=%q", op, resp.StatusCode, restErr.Code)
		return nil, restErr
	}

	return bodyBytes, nil
}
