package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// AuthClient calls the auth provider's token and logout endpoints.
type AuthClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

var _ AuthAPI = (*AuthClient)(nil)

// NewAuthClient returns a client for the auth API at baseURL (e.g. https://auth.example.com/auth/v1).
func NewAuthClient(baseURL, apiKey string) *AuthClient {
	return &AuthClient{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// StatusError is a non-2xx response from the auth API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth: %s failed status=%d body=%s", e.Op, e.Status, e.Body)
}

// Unwrap reports rejected credentials as ErrSessionRevoked.
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusBadRequest || e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrSessionRevoked
	}
	return nil
}

func isRevoked(err error) bool {
	return errors.Is(err, ErrSessionRevoked)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges refreshToken for a new token pair.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	raw, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return Tokens{}, err
	}
	resp, err := c.post(ctx, "/token?grant_type=refresh_token", "", raw)
	if err != nil {
		return Tokens{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Tokens{}, statusError("refresh", resp)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Tokens{}, fmt.Errorf("auth: decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return Tokens{}, errors.New("auth: refresh response has no access token")
	}
	return Tokens{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}, nil
}

// Logout revokes the session behind accessToken. An already invalid token is not an error.
func (c *AuthClient) Logout(ctx context.Context, accessToken string) error {
	resp, err := c.post(ctx, "/logout", accessToken, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized, http.StatusNotFound:
		return nil
	}
	return statusError("logout", resp)
}

func (c *AuthClient) post(ctx context.Context, path, bearer string, body []byte) (*http.Response, error) {
	if c.BaseURL == "" {
		return nil, errors.New("auth: base URL not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.HTTPClient.Do(req)
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Op: op, Status: resp.StatusCode, Body: string(b)}
}
