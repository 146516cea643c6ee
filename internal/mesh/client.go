package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/metrics"
	"github.com/eldtechnologies/amprelay/internal/models"
)

// Provenance headers set on forwarded route requests.
const (
	HeaderForwardedFrom = "X-AMP-Forwarded-From"
	HeaderEnvelopeID    = "X-AMP-Envelope-ID"
	HeaderSignature     = "X-AMP-Signature"
	HeaderSenderKey     = "X-AMP-Sender-Key"
	HeaderMeshToken     = "X-AMP-Mesh-Token"
)

// DefaultTimeout bounds a single forward call.
const DefaultTimeout = 10 * time.Second

var (
	ErrUnknownHost = errors.New("unknown mesh host")
	ErrCircuitOpen = errors.New("mesh host circuit open")
	ErrForward     = errors.New("mesh forward failed")

	// ErrPeerRejected marks a forward the peer refused as invalid. Retrying
	// the same message will not succeed.
	ErrPeerRejected = errors.New("message rejected by peer")
)

// Provenance travels in the body of a forwarded request.
type Provenance struct {
	From       string    `json:"from"`
	OriginalTo string    `json:"original_to"`
	OriginHost string    `json:"origin_host"`
	EnvelopeID string    `json:"envelope_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// RouteBody is the body of a forwarded POST /v1/route.
type RouteBody struct {
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Payload   models.Payload `json:"payload"`
	Priority  string         `json:"priority,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Forwarded *Provenance    `json:"forwarded,omitempty"`
}

// Request is one message to hand to a peer host.
type Request struct {
	Host            string
	To              string // recipient name on the peer
	OriginalTo      string
	Envelope        models.Envelope
	Payload         models.Payload
	SenderPublicKey string // raw base64
}

// Result is the peer's answer.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Method string `json:"method,omitempty"`
}

// Client forwards messages to peer hosts over HTTP.
type Client struct {
	dir     *Directory
	http    *http.Client
	token   string
	breaker *Breaker
	logger  zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the shared mesh token sent to peers.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithBreaker sets the circuit breaker.
func WithBreaker(b *Breaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With().Str("component", "mesh").Logger() }
}

// NewClient creates a forward client over dir.
func NewClient(dir *Directory, opts ...ClientOption) *Client {
	c := &Client{
		dir:    dir,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(c.logger)
	}
	return c
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Self returns the local host id.
func (c *Client) Self() string {
	return c.dir.Self()
}

// Knows reports whether host is a configured peer.
func (c *Client) Knows(host string) bool {
	_, ok := c.dir.Lookup(host)
	return ok
}

// Forward posts the message to the peer's route endpoint. Any error means
// the message was not accepted by the peer.
func (c *Client) Forward(ctx context.Context, req Request) (*Result, error) {
	baseURL, ok := c.dir.Lookup(req.Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, req.Host)
	}
	if !c.breaker.Allow(req.Host) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, req.Host)
	}

	env := req.Envelope
	body, err := json.Marshal(RouteBody{
		To:        req.To,
		Subject:   env.Subject,
		Payload:   req.Payload,
		Priority:  env.Priority,
		InReplyTo: env.InReplyTo,
		ThreadID:  env.ThreadID,
		Forwarded: &Provenance{
			From:       env.From,
			OriginalTo: req.OriginalTo,
			OriginHost: c.dir.Self(),
			EnvelopeID: env.ID,
			Timestamp:  env.Timestamp,
		},
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/route", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderForwardedFrom, c.dir.Self())
	httpReq.Header.Set(HeaderEnvelopeID, env.ID)
	if env.Signature != "" {
		httpReq.Header.Set(HeaderSignature, env.Signature)
	}
	if req.SenderPublicKey != "" {
		httpReq.Header.Set(HeaderSenderKey, req.SenderPublicKey)
	}
	if c.token != "" {
		httpReq.Header.Set(HeaderMeshToken, c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.MeshForwardDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.breaker.Failure(req.Host)
		return nil, fmt.Errorf("%w: %s: %v", ErrForward, req.Host, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.Failure(req.Host)
		return nil, fmt.Errorf("%w: %s: %v", ErrForward, req.Host, err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.Failure(req.Host)
		return nil, fmt.Errorf("%w: %s returned %d", ErrForward, req.Host, resp.StatusCode)
	}
	// The peer answered, so it is healthy even if it refused the message.
	c.breaker.Success(req.Host)
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		if permanent(resp.StatusCode) {
			return nil, fmt.Errorf("%w: %w: %s returned %d: %s", ErrForward, ErrPeerRejected, req.Host, resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrForward, req.Host, resp.StatusCode, errResp.Error)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response: %v", ErrForward, req.Host, err)
	}

	c.logger.Debug().
		Str("host", req.Host).
		Str("message_id", env.ID).
		Str("status", result.Status).
		Msg("message forwarded")
	return &result, nil
}

// permanent reports whether a 4xx answer rejects the message itself rather
// than this host's credentials or request rate.
func permanent(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
