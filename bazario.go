// Package bazario provides the Go client for the Bazario vendor platform's
// session and messaging backend.
//
// The package covers the realtime coordinator of the vendor app: device
// session registration, the live socket channel, the optimistic message
// store, and presence/typing tracking.
//
// Example:
//
//	client := bazario.NewClient(token)
//
//	socket := bazario.NewSocketManager(client, nil)
//	sessions := bazario.NewSessionManager(client, creds, devices, socket, nil)
//	sessions.RegisterSession(ctx, token, bazario.User{ID: "u1", Email: "v@shop.io"})
//
//	store := bazario.NewChatStore(client, socket, "u1", nil)
//	detach := store.Attach(socket)
//	defer detach()
//	store.SendText(ctx, "u2", "hello")
package bazario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.bazario.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Bazario backend. It is also the factory
// input for the socket, session, and store components, which share its base
// URL, auth token, and logger.
type Client struct {
	authToken  string
	baseURL    string
	socketURL  string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithSocketURL overrides the socket endpoint. By default it is derived from
// the base URL by swapping the scheme to ws/wss.
func WithSocketURL(url string) ClientOption {
	return func(c *Client) { c.socketURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the logger shared by all components built from this client.
// The default is a no-op logger.
func WithLogger(log *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new Bazario client authenticated with the given bearer
// token. The token may be updated later via SetToken after a re-login.
func NewClient(authToken string, opts ...ClientOption) *Client {
	c := &Client{
		authToken: authToken,
		baseURL:   DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	return c
}

// SetToken sets or updates the auth token.
func (c *Client) SetToken(token string) {
	c.authToken = token
}

// SocketURL returns the socket endpoint for this client.
func (c *Client) SocketURL() string {
	if c.socketURL != "" {
		return c.socketURL
	}
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if result, derr := decodeJSON[APIResult](data); derr == nil && result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Session endpoints
// ============================================================================

// RegisterSession registers or reuses a device session. When req.SessionID
// carries a previously persisted identifier the backend updates the existing
// session instead of creating a duplicate.
func (c *Client) RegisterSession(ctx context.Context, req *RegisterSessionRequest) (string, error) {
	data, err := c.doRequest(ctx, "POST", "/sessions/register", req, nil)
	if err != nil {
		return "", err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return "", err
	}
	var session Session
	if err := result.Decode(&session); err != nil {
		return "", fmt.Errorf("failed to decode session: %w", err)
	}
	if session.ID == "" {
		return "", fmt.Errorf("register response missing session id")
	}
	return session.ID, nil
}

// UpdateSession flips the online flag of an existing session.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, isOnline bool) error {
	_, err := c.doRequest(ctx, "PUT", "/sessions/update/"+sessionID,
		map[string]bool{"isOnline": isOnline}, nil)
	return err
}

// Logout notifies the backend that this device session is ending.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, "POST", "/sessions/logout", nil, nil)
	return err
}

// ============================================================================
// Message endpoints
// ============================================================================

// FetchMessages returns the conversation with the given user, in the order
// the backend stores it.
func (c *Client) FetchMessages(ctx context.Context, otherUserID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/messages/"+otherUserID, nil, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Messages []Message `json:"messages"`
	}
	if err := result.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return payload.Messages, nil
}

// MarkMessagesRead persists the read state of every message from senderID to
// the caller. Durability path for read receipts — the live path is the
// socket's ack_read emission.
func (c *Client) MarkMessagesRead(ctx context.Context, senderID string) error {
	_, err := c.doRequest(ctx, "POST", "/messages/read",
		map[string]string{"senderId": senderID}, nil)
	return err
}

// ============================================================================
// Media upload
// ============================================================================

// UploadMedia uploads an attachment and returns the hosted URL to reference
// from a send_message frame.
func (c *Client) UploadMedia(ctx context.Context, fileName string, data []byte) (string, error) {
	if fileName == "" {
		return "", fmt.Errorf("fileName is required")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/media/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	result, err := decodeJSON[APIResult](body)
	if err != nil {
		return "", err
	}
	var uploaded struct {
		URL string `json:"url"`
	}
	if err := result.Decode(&uploaded); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if uploaded.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return uploaded.URL, nil
}
