package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"TrafficEye/internal/config"
	"TrafficEye/internal/session"
)

// APIError is returned for a non-2xx reply of a REST call
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus returns the response status code
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// NewHTTPClient returns a client with a cookie jar so the login session is
// shared between REST calls and streams. There is no timeout: streams stay
// open until the caller stops them.
func NewHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &http.Client{Jar: jar, Timeout: 0}, nil
}

// Client calls the non-streaming endpoints of the backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client for baseURL
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if httpClient == nil {
		hc, err := NewHTTPClient()
		if err != nil {
			return nil, err
		}
		httpClient = hc
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ListConversations returns the conversations of the logged-in user
func (c *Client) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	var result struct {
		Conversations []session.Conversation `json:"conversations"`
	}
	if err := c.sendJSON(ctx, http.MethodGet, config.EndpointConversations, nil, &result); err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	return result.Conversations, nil
}

// GetConversation fetches one conversation with its messages
func (c *Client) GetConversation(ctx context.Context, id int64) (*ConversationDetail, error) {
	var result ConversationDetail
	path := fmt.Sprintf("%s/%d", config.EndpointConversations, id)
	if err := c.sendJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &result, nil
}

// CreateConversation creates a conversation and returns it. The backend may
// answer with the conversation object or with a bare id.
func (c *Client) CreateConversation(ctx context.Context, title string) (*session.Conversation, error) {
	var result struct {
		ID           int64                 `json:"id"`
		Conversation *session.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title}
	if err := c.sendJSON(ctx, http.MethodPost, config.EndpointConversations, body, &result); err != nil {
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}

	conv := result.Conversation
	if conv == nil {
		conv = &session.Conversation{ID: result.ID, Title: title}
	}
	if conv.ID == 0 {
		return nil, fmt.Errorf("create conversation failed: response has no id")
	}
	c.logger.Info("created conversation", "conversation_id", conv.ID)
	return conv, nil
}

// UploadVideo sends a video as multipart field "video" and returns the
// filename the server stored it under.
func (c *Client) UploadVideo(ctx context.Context, name string, r io.Reader) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("video", name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+config.EndpointUploadVideo, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result UploadResult
	if err := c.do(req, &result); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload video failed: %w", err)
	}

	c.logger.Info("uploaded video", "name", name, "filename", result.Filename)
	return &result, nil
}

// GetSettings returns the model API keys configured on the backend
func (c *Client) GetSettings(ctx context.Context) (*Settings, error) {
	var result Settings
	if err := c.sendJSON(ctx, http.MethodGet, config.EndpointSettings, nil, &result); err != nil {
		return nil, fmt.Errorf("get settings failed: %w", err)
	}
	return &result, nil
}

// SaveSettings stores model API keys; empty keys are left unchanged
func (c *Client) SaveSettings(ctx context.Context, s Settings) error {
	if err := c.sendJSON(ctx, http.MethodPost, config.EndpointSettings, s, nil); err != nil {
		return fmt.Errorf("save settings failed: %w", err)
	}
	return nil
}

// Login opens a backend session
func (c *Client) Login(ctx context.Context, username, password string, rememberMe bool) (*session.User, error) {
	var result authResponse
	body := loginRequest{Username: username, Password: password, RememberMe: rememberMe}
	if err := c.sendJSON(ctx, http.MethodPost, config.EndpointAuth+"/login", body, &result); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return result.User, nil
}

// Register creates an account and logs it in
func (c *Client) Register(ctx context.Context, username, email, password string) (*session.User, error) {
	var result authResponse
	body := registerRequest{Username: username, Email: email, Password: password}
	if err := c.sendJSON(ctx, http.MethodPost, config.EndpointAuth+"/register", body, &result); err != nil {
		return nil, fmt.Errorf("register failed: %w", err)
	}
	return result.User, nil
}

// Logout closes the backend session
func (c *Client) Logout(ctx context.Context) error {
	if err := c.sendJSON(ctx, http.MethodPost, config.EndpointAuth+"/logout", nil, nil); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// Me returns the logged-in user
func (c *Client) Me(ctx context.Context) (*session.User, error) {
	var result struct {
		User *session.User `json:"user"`
	}
	if err := c.sendJSON(ctx, http.MethodGet, config.EndpointAuth+"/me", nil, &result); err != nil {
		return nil, fmt.Errorf("get current user failed: %w", err)
	}
	return result.User, nil
}

// sendJSON sends an optional JSON body and decodes the reply into result
func (c *Client) sendJSON(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
		}
		c.logger.Warn("backend request failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode)
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}
