// Package amp provides a client for AMP relay hosts.
package amp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Payload types.
const (
	TypeRequest      = "request"
	TypeResponse     = "response"
	TypeNotification = "notification"
	TypeUpdate       = "update"
	TypeSystem       = "system"
)

// Client is an AMP API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	AgentID    string
	Address    string
	APIKey     string
	PrivateKey ed25519.PrivateKey
	HTTPClient *http.Client
}

// Config holds agent credentials on disk.
type Config struct {
	AgentID string `json:"agent_id"`
	Address string `json:"address"`
	APIKey  string `json:"api_key"`
}

// APIError is an error reply from the relay.
type APIError struct {
	StatusCode  int      `json:"-"`
	Message     string   `json:"error"`
	Code        string   `json:"code,omitempty"`
	Field       string   `json:"field,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("AMP error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("AMP error %d: %s", e.StatusCode, e.Message)
}

// ErrNoKey is returned when an operation needs a keypair that is not loaded.
var ErrNoKey = errors.New("no private key loaded")

// NewClient creates a new AMP client and loads saved credentials, if any.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	configDir := os.Getenv("AMP_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".amp")
	}

	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads agent credentials from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "agent.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}

	keyData, err := os.ReadFile(filepath.Join(c.ConfigDir, "private.pem"))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return errors.New("malformed private key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return err
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return errors.New("private key is not Ed25519")
	}

	c.AgentID = config.AgentID
	c.Address = config.Address
	c.APIKey = config.APIKey
	c.PrivateKey = priv
	return nil
}

// SaveConfig saves agent credentials to disk.
func (c *Client) SaveConfig() error {
	if c.PrivateKey == nil {
		return ErrNoKey
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	config := Config{AgentID: c.AgentID, Address: c.Address, APIKey: c.APIKey}
	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(c.ConfigDir, "agent.json"), data, 0600); err != nil {
		return err
	}

	der, err := x509.MarshalPKCS8PrivateKey(c.PrivateKey)
	if err != nil {
		return err
	}
	keyData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return os.WriteFile(filepath.Join(c.ConfigDir, "private.pem"), keyData, 0600)
}

// GenerateKeypair generates a new Ed25519 keypair.
func (c *Client) GenerateKeypair() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	c.PrivateKey = priv
	return nil
}

// PublicKeyPEM returns the PKIX PEM encoding of the client's public key.
func (c *Client) PublicKeyPEM() (string, error) {
	if c.PrivateKey == nil {
		return "", ErrNoKey
	}
	der, err := x509.MarshalPKIXPublicKey(c.PrivateKey.Public())
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// doRequest performs an HTTP request and decodes a JSON reply into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.APIKey == "" {
			return errors.New("not registered: no api key")
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		// A rejected route still carries its result.
		if out != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			json.Unmarshal(respBody, out)
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterRequest is the request body for agent registration.
type RegisterRequest struct {
	Tenant       string          `json:"tenant"`
	Name         string          `json:"name"`
	PublicKey    string          `json:"public_key"`
	KeyAlgorithm string          `json:"key_algorithm"`
	Alias        string          `json:"alias,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// RegisterResponse is the response from agent registration.
type RegisterResponse struct {
	Address      string    `json:"address"`
	ShortAddress string    `json:"short_address"`
	AgentID      string    `json:"agent_id"`
	TenantID     string    `json:"tenant_id"`
	APIKey       string    `json:"api_key"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register creates a keypair if none is loaded and registers name under
// tenant. The returned credentials are kept on the client.
func (c *Client) Register(ctx context.Context, tenant, name string) (*RegisterResponse, error) {
	if c.PrivateKey == nil {
		if err := c.GenerateKeypair(); err != nil {
			return nil, err
		}
	}
	pubPEM, err := c.PublicKeyPEM()
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	err = c.doRequest(ctx, http.MethodPost, "/v1/register", RegisterRequest{
		Tenant:       tenant,
		Name:         name,
		PublicKey:    pubPEM,
		KeyAlgorithm: "Ed25519",
	}, &resp, false)
	if err != nil {
		return nil, err
	}

	c.AgentID = resp.AgentID
	c.Address = resp.Address
	c.APIKey = resp.APIKey
	return &resp, nil
}

// Payload is the content of a message. The field order is part of the
// signature and must not change.
type Payload struct {
	Type        string          `json:"type"`
	Message     string          `json:"message"`
	Context     json.RawMessage `json:"context,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

// Message is an outgoing message.
type Message struct {
	To        string  `json:"to"`
	Subject   string  `json:"subject"`
	Payload   Payload `json:"payload"`
	Priority  string  `json:"priority,omitempty"`
	InReplyTo string  `json:"in_reply_to,omitempty"`
	ThreadID  string  `json:"thread_id,omitempty"`
	Signature string  `json:"signature,omitempty"`
}

// RouteResult is the relay's decision for one message.
type RouteResult struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Method          string `json:"method,omitempty"`
	RemoteHost      string `json:"remote_host,omitempty"`
	Error           string `json:"error,omitempty"`
	Note            string `json:"note,omitempty"`
	SignatureStatus string `json:"signature_status,omitempty"`
}

// Sign computes the envelope signature of msg as sent from the client's
// address: from|to|subject|priority|in_reply_to|base64(sha256(payload json)).
func (c *Client) Sign(msg Message) (string, error) {
	if c.PrivateKey == nil {
		return "", ErrNoKey
	}
	priority := msg.Priority
	if priority == "" {
		priority = "normal"
	}
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	canonical := strings.Join([]string{
		c.Address, msg.To, msg.Subject, priority, msg.InReplyTo,
		base64.StdEncoding.EncodeToString(sum[:]),
	}, "|")
	return base64.StdEncoding.EncodeToString(ed25519.Sign(c.PrivateKey, []byte(canonical))), nil
}

// Send signs and routes a message.
func (c *Client) Send(ctx context.Context, msg Message) (*RouteResult, error) {
	if msg.Signature == "" && c.PrivateKey != nil {
		sig, err := c.Sign(msg)
		if err != nil {
			return nil, err
		}
		msg.Signature = sig
	}

	var resp RouteResult
	if err := c.doRequest(ctx, http.MethodPost, "/v1/route", msg, &resp, true); err != nil {
		if resp.Status != "" {
			return &resp, err
		}
		return nil, err
	}
	return &resp, nil
}

// Envelope is the routing metadata of a received message.
type Envelope struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature,omitempty"`
	InReplyTo string    `json:"in_reply_to,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
}

// PendingMessage is a relay queue entry.
type PendingMessage struct {
	ID               string    `json:"id"`
	Envelope         Envelope  `json:"envelope"`
	Payload          Payload   `json:"payload"`
	SenderPublicKey  string    `json:"sender_public_key,omitempty"`
	QueuedAt         time.Time `json:"queued_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	DeliveryAttempts int       `json:"delivery_attempts"`
}

// PendingResponse is the relay queue listing.
type PendingResponse struct {
	Messages  []PendingMessage `json:"messages"`
	Count     int              `json:"count"`
	Remaining int              `json:"remaining"`
}

// Pending lists up to limit queued messages, oldest first.
func (c *Client) Pending(ctx context.Context, limit int) (*PendingResponse, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/messages/pending"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp PendingResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

type ackResponse struct {
	Acknowledged int `json:"acknowledged"`
}

// Ack acknowledges one queued message.
func (c *Client) Ack(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/v1/messages/pending/"+url.PathEscape(id), nil, nil, true)
}

// AckBatch acknowledges up to 100 queued messages and returns how many were removed.
func (c *Client) AckBatch(ctx context.Context, ids []string) (int, error) {
	var resp ackResponse
	err := c.doRequest(ctx, http.MethodPost, "/v1/messages/pending/ack", map[string][]string{"ids": ids}, &resp, true)
	return resp.Acknowledged, err
}

// InboxMessage is a locally delivered message.
type InboxMessage struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	Subject   string     `json:"subject"`
	Priority  string     `json:"priority"`
	Envelope  Envelope   `json:"envelope"`
	Payload   Payload    `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// Inbox lists locally delivered messages, newest first.
func (c *Client) Inbox(ctx context.Context, unreadOnly bool) ([]InboxMessage, error) {
	path := "/v1/messages"
	if unreadOnly {
		path += "?unread=true"
	}
	var resp struct {
		Messages []InboxMessage `json:"messages"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkRead marks an inbox message as read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(id)+"/read", nil, nil, true)
}

// Identity is the public identity behind an address.
type Identity struct {
	AgentID     string `json:"agent_id"`
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
	Online      bool   `json:"online"`
	HostID      string `json:"host_id"`
	PublicKey   string `json:"public_key"`
}

// Resolve looks up the identity registered under address.
func (c *Client) Resolve(ctx context.Context, address string) (*Identity, error) {
	var resp Identity
	if err := c.doRequest(ctx, http.MethodGet, "/v1/agents/resolve/"+url.PathEscape(address), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProviderInfo describes a relay host.
type ProviderInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Organization string   `json:"organization"`
	Provider     string   `json:"provider"`
	HostID       string   `json:"host_id"`
	MeshPeers    []string `json:"mesh_peers"`
}

// Info fetches the provider description.
func (c *Client) Info(ctx context.Context) (*ProviderInfo, error) {
	var resp ProviderInfo
	if err := c.doRequest(ctx, http.MethodGet, "/v1/info", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                       `json:"status"`
	Version   string                       `json:"version"`
	HostID    string                       `json:"host_id"`
	Checks    map[string]map[string]string `json:"checks"`
	Timestamp string                       `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}
