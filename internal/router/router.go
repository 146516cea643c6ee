// Package router decides how a message reaches its recipient: local inbox,
// a peer host in the mesh, or the relay queue.
package router

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/metrics"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/notify"
)

// Route statuses.
const (
	StatusDelivered = "delivered"
	StatusQueued    = "queued"
	StatusRejected  = "rejected"
)

// Delivery methods.
const (
	MethodLocal = "local"
	MethodMesh  = "mesh"
	MethodRelay = "relay"
)

var (
	ErrFederation          = errors.New("federation to external providers is not supported")
	ErrUnauthenticated     = errors.New("sender is not authenticated")
	ErrSignatureRejected   = errors.New("signature rejected")
	ErrInvalidRouteRequest = errors.New("invalid route request")
)

// FieldError reports a missing or invalid request field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidRouteRequest
}

// Registry resolves agent names to identities.
type Registry interface {
	LookupByName(ctx context.Context, name, hostID string) (*models.AgentIdentity, error)
	LookupAnywhere(ctx context.Context, name string) (*models.AgentIdentity, error)
}

// Relay queues messages that cannot be delivered now.
type Relay interface {
	Enqueue(ctx context.Context, recipient string, env models.Envelope, payload models.Payload, senderPublicKey string) (*models.PendingMessage, error)
}

// Forwarder hands messages to peer hosts.
type Forwarder interface {
	Knows(host string) bool
	Forward(ctx context.Context, req mesh.Request) (*mesh.Result, error)
}

// Deliverer writes a message into a local agent's inbox.
type Deliverer interface {
	Send(ctx context.Context, fromAgentID, toAgentID string, env models.Envelope, payload models.Payload) (string, error)
}

// Notifier signals a live agent process. Failures are ignored.
type Notifier interface {
	Notify(ctx context.Context, agentID string, ev notify.Event) error
}

// Config is the routing configuration of this host.
type Config struct {
	Organization   string
	ProviderDomain string
	SelfHost       string
	Policy         crypto.Policy
}

// Deps are the router's collaborators. Forwarder and Notifier may be nil.
type Deps struct {
	Registry  Registry
	Relay     Relay
	Forwarder Forwarder
	Deliverer Deliverer
	Notifier  Notifier
}

// Sender is the authenticated origin of a route request.
type Sender struct {
	AgentID   string
	Address   string
	PublicKey string // PEM or raw base64
}

// Request is one message to route.
type Request struct {
	Sender    Sender
	To        string
	Subject   string
	Payload   models.Payload
	Priority  string
	InReplyTo string
	ThreadID  string
	Signature string

	// Forwarded is set when the request was handed over by a mesh peer.
	Forwarded *mesh.Provenance
}

// Result is the terminal outcome of a route.
type Result struct {
	ID              string                 `json:"id"`
	Status          string                 `json:"status"`
	Method          string                 `json:"method,omitempty"`
	RemoteHost      string                 `json:"remote_host,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Note            string                 `json:"note,omitempty"`
	SignatureStatus crypto.SignatureStatus `json:"signature_status,omitempty"`
}

// Router routes messages. It holds no state between calls.
type Router struct {
	cfg   Config
	codec *address.Codec
	deps  Deps
	now   func() time.Time

	logger zerolog.Logger
}

// New creates a router.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Router {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Router{
		cfg:    cfg,
		codec:  address.NewCodec(cfg.ProviderDomain),
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// target is where classification sends a message.
type target struct {
	name     string
	host     string // explicit host, empty when none
	explicit bool   // the address named this host explicitly
}

// Route runs one request to a terminal outcome. Errors are only returned for
// invalid, unauthenticated, rejected or unstorable requests; every transient
// delivery failure ends in the relay queue.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	// RESOLVE_ADDRESS
	tgt, resolveErr := r.resolve(req.To)
	env := r.envelope(req)

	// AUTHENTICATE_SENDER
	if req.Sender.AgentID == "" && req.Forwarded == nil {
		return nil, ErrUnauthenticated
	}

	if resolveErr != nil {
		metrics.RoutesTotal.WithLabelValues(StatusRejected, "federation").Inc()
		r.logger.Info().Str("to", req.To).Str("from", env.From).Msg("federation rejected")
		return &Result{ID: env.ID, Status: StatusRejected, Error: resolveErr.Error()}, resolveErr
	}

	// VERIFY_SIGNATURE
	sigStatus := crypto.VerifyEnvelope(env, req.Payload, req.Sender.PublicKey)
	metrics.SignatureChecks.WithLabelValues(string(sigStatus)).Inc()
	if sigStatus == crypto.SignatureInvalid {
		r.logger.Warn().
			Str("type", "security").
			Str("message_id", env.ID).
			Str("from", env.From).
			Msg("invalid envelope signature")
	}
	if err := r.cfg.Policy.Check(sigStatus); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignatureRejected, err)
	}

	senderKey := rawKey(req.Sender.PublicKey)

	// CLASSIFY_RECIPIENT
	res, err := r.classify(ctx, req, tgt, env, senderKey)
	if err != nil {
		return nil, err
	}
	res.SignatureStatus = sigStatus
	metrics.RoutesTotal.WithLabelValues(res.Status, res.Method).Inc()
	r.logger.Info().
		Str("message_id", res.ID).
		Str("from", env.From).
		Str("to", env.To).
		Str("status", res.Status).
		Str("method", res.Method).
		Str("remote_host", res.RemoteHost).
		Str("signature", string(sigStatus)).
		Msg("message routed")
	return res, nil
}

func validate(req *Request) error {
	switch {
	case strings.TrimSpace(req.To) == "":
		return &FieldError{Field: "to", Reason: "required"}
	case address.BareName(req.To) == "":
		return &FieldError{Field: "to", Reason: "recipient name is empty"}
	case strings.TrimSpace(req.Subject) == "":
		return &FieldError{Field: "subject", Reason: "required"}
	case req.Payload.Type == "":
		return &FieldError{Field: "payload.type", Reason: "required"}
	case !models.ValidPayloadType(req.Payload.Type):
		return &FieldError{Field: "payload.type", Reason: "unknown payload type"}
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(req.Priority) {
		return &FieldError{Field: "priority", Reason: "must be low, normal, high or urgent"}
	}
	return nil
}

// envelope builds the envelope. A forwarded message keeps its original id,
// sender, recipient and timestamp so the signature still verifies.
func (r *Router) envelope(req Request) models.Envelope {
	env := models.Envelope{
		ID:        crypto.NewMessageID(),
		From:      req.Sender.Address,
		To:        req.To,
		Subject:   req.Subject,
		Priority:  req.Priority,
		Timestamp: r.now().UTC(),
		Signature: req.Signature,
		InReplyTo: req.InReplyTo,
		ThreadID:  req.ThreadID,
	}
	if f := req.Forwarded; f != nil {
		if f.EnvelopeID != "" {
			env.ID = f.EnvelopeID
		}
		if f.From != "" {
			env.From = f.From
		}
		if f.OriginalTo != "" {
			env.To = f.OriginalTo
		}
		if !f.Timestamp.IsZero() {
			env.Timestamp = f.Timestamp
		}
	}
	return env
}

// resolve parses to. An unparsable address degrades to a bare local name.
// Names are case-folded so relay keys match the registered name.
func (r *Router) resolve(to string) (target, error) {
	addr, err := r.codec.Parse(to)
	if err != nil {
		return target{name: strings.ToLower(address.BareName(to))}, nil
	}
	addr.Name = strings.ToLower(addr.Name)
	if !address.IsLocalProvider(addr.Provider, r.cfg.ProviderDomain) {
		return target{}, fmt.Errorf("%w: %s", ErrFederation, addr.Provider)
	}

	// The tenant label names a mesh host; the organization name means any host.
	host := addr.Tenant
	switch {
	case r.cfg.Organization != "" && strings.EqualFold(host, r.cfg.Organization):
		return target{name: addr.Name}, nil
	case strings.EqualFold(host, r.cfg.SelfHost):
		return target{name: addr.Name, explicit: true}, nil
	}
	return target{name: addr.Name, host: host}, nil
}

func (r *Router) classify(ctx context.Context, req Request, tgt target, env models.Envelope, senderKey string) (*Result, error) {
	if tgt.host != "" {
		if r.deps.Forwarder == nil || !r.deps.Forwarder.Knows(tgt.host) {
			return r.queue(ctx, tgt.name+"@"+tgt.host, env, req.Payload, senderKey,
				fmt.Sprintf("host %s is not known yet", tgt.host))
		}
		return r.forward(ctx, req, tgt.name, tgt.host, env, senderKey)
	}

	identity, err := r.deps.Registry.LookupByName(ctx, tgt.name, r.cfg.SelfHost)
	if err != nil {
		r.logger.Warn().Err(err).Str("name", tgt.name).Msg("registry lookup failed")
		return r.queue(ctx, tgt.name, env, req.Payload, senderKey, "recipient lookup failed")
	}
	if identity == nil && !tgt.explicit {
		identity, err = r.deps.Registry.LookupAnywhere(ctx, tgt.name)
		if err != nil {
			r.logger.Warn().Err(err).Str("name", tgt.name).Msg("mesh lookup failed")
			return r.queue(ctx, tgt.name, env, req.Payload, senderKey, "recipient lookup failed")
		}
	}

	switch {
	case identity == nil:
		return r.queue(ctx, tgt.name, env, req.Payload, senderKey, "recipient not registered")
	case identity.HostID != "" && !strings.EqualFold(identity.HostID, r.cfg.SelfHost):
		return r.forward(ctx, req, tgt.name, identity.HostID, env, senderKey)
	case !identity.Online:
		return r.queue(ctx, identity.AgentID, env, req.Payload, senderKey, "recipient offline")
	}
	return r.deliver(ctx, req, identity, env, senderKey)
}

func (r *Router) forward(ctx context.Context, req Request, name, host string, env models.Envelope, senderKey string) (*Result, error) {
	key := name + "@" + host
	if req.Forwarded != nil {
		return r.queue(ctx, key, env, req.Payload, senderKey, "forwarded messages are not forwarded again")
	}
	if r.deps.Forwarder == nil {
		return r.queue(ctx, key, env, req.Payload, senderKey, "mesh forwarding disabled")
	}

	fwd, err := r.deps.Forwarder.Forward(ctx, mesh.Request{
		Host:            host,
		To:              name,
		OriginalTo:      env.To,
		Envelope:        env,
		Payload:         req.Payload,
		SenderPublicKey: senderKey,
	})
	if err != nil {
		metrics.MeshForwardFailures.WithLabelValues(host).Inc()
		r.logger.Warn().Err(err).Str("host", host).Str("message_id", env.ID).Msg("mesh forward failed, queueing")
		return r.queue(ctx, key, env, req.Payload, senderKey, "mesh forward to "+host+" failed, queued for relay")
	}

	res := &Result{ID: env.ID, Status: StatusDelivered, Method: MethodMesh, RemoteHost: host}
	if fwd.Status == StatusQueued {
		res.Note = "queued on " + host
	}
	return res, nil
}

func (r *Router) deliver(ctx context.Context, req Request, identity *models.AgentIdentity, env models.Envelope, senderKey string) (*Result, error) {
	id, err := r.deps.Deliverer.Send(ctx, req.Sender.AgentID, identity.AgentID, env, req.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("agent_id", identity.AgentID).Str("message_id", env.ID).Msg("local delivery failed, queueing")
		return r.queue(ctx, identity.AgentID, env, req.Payload, senderKey, "local delivery failed")
	}

	if err := r.deps.Notifier.Notify(ctx, identity.AgentID, notify.NewEvent(env, MethodLocal)); err != nil {
		r.logger.Debug().Err(err).Str("agent_id", identity.AgentID).Msg("notification failed")
	}
	return &Result{ID: id, Status: StatusDelivered, Method: MethodLocal}, nil
}

func (r *Router) queue(ctx context.Context, recipient string, env models.Envelope, payload models.Payload, senderKey, note string) (*Result, error) {
	pm, err := r.deps.Relay.Enqueue(ctx, recipient, env, payload, senderKey)
	if err != nil {
		return nil, fmt.Errorf("relay enqueue: %w", err)
	}
	return &Result{ID: pm.ID, Status: StatusQueued, Method: MethodRelay, Note: note}, nil
}

// rawKey converts a PEM key to raw base64 for the relay and mesh headers.
func rawKey(key string) string {
	if key == "" {
		return ""
	}
	pub, err := crypto.ParsePublicKey(key, crypto.AlgorithmEd25519)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(pub)
}
