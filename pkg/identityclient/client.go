/**
 * @description
 * This package provides a client for the Supabase Auth API. It resolves a
 * caller's access token into the authoritative user id and email by calling
 * GET /auth/v1/user with the project's anon key.
 */
package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// Client is a client for the Supabase Auth API.
type Client struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
}

// NewClient creates a new identity client.
func NewClient(baseURL, anonKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		AnonKey: anonKey,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Error is returned when the auth API rejects the token.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("identity provider returned status %d", e.StatusCode)
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type errorResponse struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
}

func (e errorResponse) text() string {
	for _, candidate := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

// GetUser verifies the access token and returns the user it belongs to.
func (c *Client) GetUser(ctx context.Context, accessToken string) (domain.Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return domain.Identity{}, errors.New("access token is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to create get user request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.AnonKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to execute get user request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to read get user response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		_ = json.Unmarshal(bodyBytes, &errResp)
		log.Printf("level=warn component=identity_client op=get_user status=%d", resp.StatusCode)
		return domain.Identity{}, &Error{StatusCode: resp.StatusCode, Message: errResp.text()}
	}

	var user userResponse
	if err := json.Unmarshal(bodyBytes, &user); err != nil {
		return domain.Identity{}, fmt.Errorf("failed to decode get user response: %w", err)
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.Identity{}, &Error{StatusCode: resp.StatusCode}
	}

	return domain.Identity{UserID: user.ID, Email: user.Email}, nil
}
