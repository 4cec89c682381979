/**
 * @description
 * This package provides a client for interacting with the Razorpay REST API.
 * It encapsulates the logic for making basic-auth HTTP requests to the
 * customers, plans and subscriptions endpoints, handling request body
 * construction, and parsing responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, errors, fmt, net/http, time: Standard Go libraries.
 */
package razorpayclient

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
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public Razorpay API host.
const DefaultBaseURL = "https://api.razorpay.com"

// Client is a client for the Razorpay API.
type Client struct {
	BaseURL    string
	KeyID      string
	KeySecret  string
	HTTPClient *http.Client
}

// NewClient creates a new Razorpay API client.
func NewClient(baseURL, keyID, keySecret string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   baseURL,
		KeyID:     keyID,
		KeySecret: keySecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CreateCustomerRequest is the payload for POST /v1/customers.
type CreateCustomerRequest struct {
	Name  string            `json:"name"`
	Notes map[string]string `json:"notes,omitempty"`
}

// Customer is the subset of the customer entity the service reads.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Plan is the subset of the plan entity the service reads.
type Plan struct {
	ID     string `json:"id"`
	Period string `json:"period"`
}

// CreateSubscriptionRequest is the payload for POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	PlanID     string            `json:"plan_id"`
	CustomerID string            `json:"customer_id"`
	TotalCount int               `json:"total_count"`
	Notes      map[string]string `json:"notes,omitempty"`
}

// Subscription is the subscription entity returned on creation.
type Subscription struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PlanID     string `json:"plan_id"`
	CustomerID string `json:"customer_id"`
	// CurrentEnd is epoch seconds; null until the first charge.
	CurrentEnd *int64 `json:"current_end"`
	ShortURL   string `json:"short_url"`
}

// ErrEmptyID is returned by the lookup calls when no id is given. An empty
// path segment would address the collection endpoint instead of an entity.
var ErrEmptyID = errors.New("razorpay: empty entity id")

// APIError is returned for any non-2xx response. Body holds the raw upstream
// response so callers can surface it verbatim.
type APIError struct {
	Op         string
	StatusCode int
	StatusText string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay api error: op=%s status=%d %s", e.Op, e.StatusCode, e.StatusText)
}

type errorEnvelope struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateCustomer sends a request to Razorpay to create a customer.
func (c *Client) CreateCustomer(ctx context.Context, reqPayload CreateCustomerRequest) (*Customer, error) {
	var customer Customer
	if err := c.do(ctx, "create_customer", http.MethodPost, "/v1/customers", reqPayload, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetPlan fetches a plan by id.
func (c *Client) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("get_plan: %w", ErrEmptyID)
	}
	var plan Plan
	if err := c.do(ctx, "get_plan", http.MethodGet, "/v1/plans/"+url.PathEscape(planID), nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetCustomer fetches a customer by id.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("get_customer: %w", ErrEmptyID)
	}
	var customer Customer
	if err := c.do(ctx, "get_customer", http.MethodGet, "/v1/customers/"+url.PathEscape(customerID), nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// CreateSubscription sends a request to Razorpay to create a recurring subscription.
func (c *Client) CreateSubscription(ctx context.Context, reqPayload CreateSubscriptionRequest) (*Subscription, error) {
	var subscription Subscription
	if err := c.do(ctx, "create_subscription", http.MethodPost, "/v1/subscriptions", reqPayload, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}

// do is a generic helper to execute an authenticated request and decode a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.KeyID, c.KeySecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			StatusText: statusText(resp),
			Body:       string(bodyBytes),
		}
		var envelope errorEnvelope
		if jsonErr := json.Unmarshal(bodyBytes, &envelope); jsonErr == nil && envelope.Error.Code != "" {
			log.Printf("level=warn component=razorpay_client op=%s status=%d code=%q description=%q", op, resp.StatusCode, envelope.Error.Code, envelope.Error.Description)
		} else {
			log.Printf("level=warn component=razorpay_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// statusText returns the reason phrase of the response, e.g. "Not Found".
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}
