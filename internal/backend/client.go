package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/songzhibin97/tradedesk/internal/models"
	"github.com/songzhibin97/tradedesk/internal/utils/request"
)

var (
	// ErrNotLoggedIn is returned for a missing or expired session (401/403 or logged_in=false).
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrRejected is returned when the backend refuses a transaction.
	ErrRejected = errors.New("transaction rejected")
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
}

// APIError is a non-2xx answer other than an authentication failure.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// Client talks to the trading backend. Authentication is carried by the
// session cookie kept in the client's jar.
type Client struct {
	http   *resty.Client
	logger Logger
}

func NewClient(baseURL string, timeout time.Duration, retries int, logger Logger) *Client {
	return &Client{
		http:   request.New(strings.TrimRight(baseURL, "/"), timeout, retries),
		logger: logger,
	}
}

type authStatus struct {
	LoggedIn bool   `json:"logged_in"`
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Login opens a session and confirms it through /auth-status.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/login", body, nil, nil); err != nil {
		if errors.Is(err, ErrNotLoggedIn) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	session, err := c.Resume(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm session: %w", err)
	}

	c.logger.Debug("logged in", "user_id", session.user.UserID, "email", session.user.Email)
	return session, nil
}

// Resume returns a Session for the cookie already held by the client.
func (c *Client) Resume(ctx context.Context) (*Session, error) {
	var status authStatus
	if err := c.do(ctx, http.MethodGet, "/auth-status", nil, nil, &status); err != nil {
		return nil, err
	}
	if !status.LoggedIn {
		return nil, ErrNotLoggedIn
	}

	return &Session{
		client: c,
		user: models.User{
			UserID:   status.UserID,
			Email:    status.Email,
			Username: status.Username,
		},
	}, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("username, email and password are required")
	}

	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/register", body, nil, nil); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	return nil
}

// do sends one request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}

	status := resp.StatusCode()
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Debug("backend refused session", "path", path, "status", status)
		return fmt.Errorf("%s %s: %w", method, path, ErrNotLoggedIn)
	}
	if resp.IsError() || status >= http.StatusMultipleChoices {
		apiErr := &APIError{Method: method, Path: path, Status: status, Message: errorMessage(resp.Body())}
		c.logger.Error("backend request failed", "path", path, "status", status, "message", apiErr.Message)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage extracts msg or message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Msg != "":
		return payload.Msg
	case payload.Message != "":
		return payload.Message
	default:
		return payload.Error
	}
}
