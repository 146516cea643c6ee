// Package registration onboards new agent identities.
package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/metrics"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/store"
)

// Error codes.
const (
	CodeMissingField       = "missing_field"
	CodeInvalidField       = "invalid_field"
	CodeNameTaken          = "name_taken"
	CodeOrganizationNotSet = "organization_not_set"
)

const (
	maxNameLen         = 63
	maxAliasLen        = 100
	maxSuggestionTries = 20
)

var (
	nameRegex  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,61}[a-z0-9]$`)
	labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// ValidName reports whether name (already case-folded) is a valid agent name.
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// Error is a registration failure.
type Error struct {
	Code        string   `json:"code"`
	Field       string   `json:"field,omitempty"`
	Message     string   `json:"error"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func fieldError(code, field, format string, args ...any) *Error {
	return &Error{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Store is the registry the service persists into.
type Store interface {
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgentByName(ctx context.Context, name, hostID string) (*models.Agent, error)
}

// Config identifies the organization and host agents register on.
type Config struct {
	Organization   string
	ProviderDomain string
	HostID         string
}

// Request is a registration request.
type Request struct {
	Tenant       string          `json:"tenant"`
	Name         string          `json:"name"`
	PublicKey    string          `json:"public_key"`
	KeyAlgorithm string          `json:"key_algorithm"`
	Alias        string          `json:"alias,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	Delivery     json.RawMessage `json:"delivery,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Result is a successful registration. APIKey is only ever shown here.
type Result struct {
	Address      string    `json:"address"`
	ShortAddress string    `json:"short_address"`
	AgentID      string    `json:"agent_id"`
	TenantID     string    `json:"tenant_id"`
	APIKey       string    `json:"api_key"`
	Fingerprint  string    `json:"fingerprint"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Service registers agents.
type Service struct {
	cfg    Config
	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a registration service.
func New(cfg Config, st Store, logger zerolog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		store:  st,
		now:    time.Now,
		logger: logger.With().Str("component", "registration").Logger(),
	}
}

// Register validates req, persists the identity and mints its credential.
// Validation failures are returned as *Error.
func (s *Service) Register(ctx context.Context, req Request) (*Result, error) {
	res, err := s.register(ctx, req)
	if err != nil {
		var regErr *Error
		if errors.As(err, &regErr) {
			metrics.RegistrationFailures.WithLabelValues(regErr.Code).Inc()
			s.logger.Info().Str("code", regErr.Code).Str("field", regErr.Field).Str("name", req.Name).Msg("registration refused")
		}
		return nil, err
	}
	metrics.AgentsRegistered.Inc()
	s.logger.Info().Str("agent_id", res.AgentID).Str("address", res.Address).Msg("agent registered")
	return res, nil
}

func (s *Service) register(ctx context.Context, req Request) (*Result, error) {
	if s.cfg.Organization == "" {
		return nil, &Error{Code: CodeOrganizationNotSet, Message: "organization is not configured on this host"}
	}

	tenant := strings.ToLower(strings.TrimSpace(req.Tenant))
	name := strings.ToLower(strings.TrimSpace(req.Name))
	switch {
	case tenant == "":
		return nil, fieldError(CodeMissingField, "tenant", "tenant is required")
	case name == "":
		return nil, fieldError(CodeMissingField, "name", "name is required")
	case strings.TrimSpace(req.PublicKey) == "":
		return nil, fieldError(CodeMissingField, "public_key", "public_key is required")
	}

	if !ValidName(name) {
		return nil, fieldError(CodeInvalidField, "name",
			"name must be 2-63 characters of a-z, 0-9 and '-', starting and ending with a letter or digit")
	}
	alg, err := crypto.NormalizeAlgorithm(req.KeyAlgorithm)
	if err != nil {
		return nil, fieldError(CodeInvalidField, "key_algorithm", "%v", err)
	}
	pub, err := crypto.ParsePublicKey(req.PublicKey, alg)
	if err != nil {
		return nil, fieldError(CodeInvalidField, "public_key", "%v", err)
	}
	if tenant != strings.ToLower(s.cfg.Organization) {
		return nil, fieldError(CodeInvalidField, "tenant", "tenant must be %q", s.cfg.Organization)
	}
	scope := strings.ToLower(strings.TrimSpace(req.Scope))
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	alias := sanitizeAlias(req.Alias)

	existing, err := s.store.GetAgentByName(ctx, name, s.cfg.HostID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, s.nameTaken(ctx, name)
	}

	pemKey, err := crypto.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:           crypto.NewUUIDv7(),
		Name:         name,
		HostID:       s.cfg.HostID,
		Tenant:       tenant,
		Scope:        scope,
		Alias:        alias,
		Address:      address.FormatScoped(name, scope, tenant, s.cfg.ProviderDomain),
		PublicKey:    pemKey,
		KeyAlgorithm: alg,
		Fingerprint:  crypto.Fingerprint(pub),
		Delivery:     req.Delivery,
		Metadata:     req.Metadata,
		RegisteredAt: s.now().UTC(),
	}

	apiKey, hash, err := MintAPIKey(agent.ID)
	if err != nil {
		return nil, fmt.Errorf("mint api key: %w", err)
	}
	agent.APIKeyHash = hash

	if err := s.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return nil, s.nameTaken(ctx, name)
		}
		return nil, err
	}

	return &Result{
		Address:      agent.Address,
		ShortAddress: address.Format(name, s.cfg.HostID, s.cfg.ProviderDomain),
		AgentID:      agent.ID.String(),
		TenantID:     tenant,
		APIKey:       apiKey,
		Fingerprint:  agent.Fingerprint,
		RegisteredAt: agent.RegisteredAt,
	}, nil
}

func (s *Service) nameTaken(ctx context.Context, name string) *Error {
	isTaken := func(ctx context.Context, candidate string) bool {
		a, err := s.store.GetAgentByName(ctx, candidate, s.cfg.HostID)
		return err != nil || a != nil
	}
	return &Error{
		Code:        CodeNameTaken,
		Field:       "name",
		Message:     fmt.Sprintf("name %q is already registered on this host", name),
		Suggestions: suggestNames(ctx, name, isTaken),
	}
}

func validateScope(scope string) error {
	if scope == "" {
		return nil
	}
	for _, label := range strings.Split(scope, ".") {
		if !labelRegex.MatchString(label) {
			return fieldError(CodeInvalidField, "scope", "scope labels must be DNS labels")
		}
	}
	return nil
}

// sanitizeAlias trims and limits alias, removing control characters.
func sanitizeAlias(alias string) string {
	alias = strings.TrimSpace(alias)

	alias = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, alias)

	if len(alias) > maxAliasLen {
		alias = alias[:maxAliasLen]
	}
	return alias
}
