package registration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/store"
)

func TestMain(m *testing.M) {
	BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

type memStore struct {
	mu     sync.Mutex
	agents map[string]*models.Agent
}

func newMemStore() *memStore {
	return &memStore{agents: map[string]*models.Agent{}}
}

func (m *memStore) CreateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(a.Name) + "@" + a.HostID
	if _, ok := m.agents[key]; ok {
		return store.ErrNameTaken
	}
	m.agents[key] = a
	return nil
}

func (m *memStore) GetAgentByName(_ context.Context, name, host string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agents[strings.ToLower(name)+"@"+host], nil
}

func newKey(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pemKey, err := crypto.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return pemKey, pub
}

func newService(st Store, org string) *Service {
	return New(Config{Organization: org, ProviderDomain: "aimaestro.local", HostID: "host-a"}, st, zerolog.Nop())
}

func TestRegisterAlice(t *testing.T) {
	st := newMemStore()
	svc := newService(st, "acme")
	pemKey, pub := newKey(t)

	res, err := svc.Register(context.Background(), Request{
		Tenant:       "acme",
		Name:         "alice",
		PublicKey:    pemKey,
		KeyAlgorithm: "Ed25519",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@acme.aimaestro.local", res.Address)
	assert.Equal(t, "alice@host-a.aimaestro.local", res.ShortAddress)
	assert.Equal(t, "acme", res.TenantID)
	assert.NotEmpty(t, res.APIKey)
	assert.Len(t, res.Fingerprint, 50)
	assert.Equal(t, crypto.Fingerprint(pub), res.Fingerprint)
	assert.False(t, res.RegisteredAt.IsZero())

	agent, err := st.GetAgentByName(context.Background(), "alice", "host-a")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, res.AgentID, agent.ID.String())
	assert.Equal(t, res.Fingerprint, agent.Fingerprint)
	assert.NotContains(t, agent.APIKeyHash, res.APIKey)

	id, secret, err := ParseAPIKey(res.APIKey)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, id)
	assert.True(t, CheckAPIKey(agent.APIKeyHash, secret))
	assert.False(t, CheckAPIKey(agent.APIKeyHash, secret+"x"))
}

func TestRegisterRawKeyAndScope(t *testing.T) {
	svc := newService(newMemStore(), "acme")
	_, pub := newKey(t)

	res, err := svc.Register(context.Background(), Request{
		Tenant:    "ACME",
		Name:      "Builder-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Scope:     "team.eu",
	})
	require.NoError(t, err)
	assert.Equal(t, "builder-1@team.eu.acme.aimaestro.local", res.Address)
}

func TestRegisterNameTaken(t *testing.T) {
	st := newMemStore()
	svc := newService(st, "acme")
	key1, _ := newKey(t)
	key2, _ := newKey(t)

	_, err := svc.Register(context.Background(), Request{Tenant: "acme", Name: "bob", PublicKey: key1})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), Request{Tenant: "acme", Name: "BOB", PublicKey: key2})
	var regErr *Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, CodeNameTaken, regErr.Code)
	assert.Equal(t, "name", regErr.Field)
	require.Len(t, regErr.Suggestions, 3)
	for _, s := range regErr.Suggestions {
		assert.True(t, ValidName(s), s)
		assert.NotEqual(t, "bob", s)
	}
	assert.Equal(t, "bob-2", regErr.Suggestions[0])
	assert.Equal(t, "bob-3", regErr.Suggestions[1])
}

func TestRegisterOtherHostAllowed(t *testing.T) {
	st := newMemStore()
	key1, _ := newKey(t)
	key2, _ := newKey(t)

	_, err := newService(st, "acme").Register(context.Background(), Request{Tenant: "acme", Name: "bob", PublicKey: key1})
	require.NoError(t, err)

	other := New(Config{Organization: "acme", ProviderDomain: "aimaestro.local", HostID: "host-b"}, st, zerolog.Nop())
	_, err = other.Register(context.Background(), Request{Tenant: "acme", Name: "bob", PublicKey: key2})
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	pemKey, _ := newKey(t)
	valid := Request{Tenant: "acme", Name: "alice", PublicKey: pemKey}

	tests := []struct {
		name  string
		mod   func(*Request)
		code  string
		field string
	}{
		{"missing tenant", func(r *Request) { r.Tenant = "" }, CodeMissingField, "tenant"},
		{"missing name", func(r *Request) { r.Name = " " }, CodeMissingField, "name"},
		{"missing key", func(r *Request) { r.PublicKey = "" }, CodeMissingField, "public_key"},
		{"short name", func(r *Request) { r.Name = "a" }, CodeInvalidField, "name"},
		{"leading dash", func(r *Request) { r.Name = "-alice" }, CodeInvalidField, "name"},
		{"bad chars", func(r *Request) { r.Name = "alice_bot" }, CodeInvalidField, "name"},
		{"long name", func(r *Request) { r.Name = strings.Repeat("a", 64) }, CodeInvalidField, "name"},
		{"bad algorithm", func(r *Request) { r.KeyAlgorithm = "RSA" }, CodeInvalidField, "key_algorithm"},
		{"bad key", func(r *Request) { r.PublicKey = "bm90IGEga2V5" }, CodeInvalidField, "public_key"},
		{"wrong tenant", func(r *Request) { r.Tenant = "globex" }, CodeInvalidField, "tenant"},
		{"bad scope", func(r *Request) { r.Scope = "team..eu" }, CodeInvalidField, "scope"},
	}

	svc := newService(newMemStore(), "acme")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mod(&req)
			_, err := svc.Register(context.Background(), req)
			var regErr *Error
			require.ErrorAs(t, err, &regErr)
			assert.Equal(t, tt.code, regErr.Code)
			assert.Equal(t, tt.field, regErr.Field)
		})
	}
}

func TestRegisterOrganizationNotSet(t *testing.T) {
	pemKey, _ := newKey(t)
	_, err := newService(newMemStore(), "").Register(context.Background(), Request{Tenant: "acme", Name: "alice", PublicKey: pemKey})
	var regErr *Error
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, CodeOrganizationNotSet, regErr.Code)
}

func TestSuggestNames(t *testing.T) {
	taken := map[string]bool{"bob-2": true}
	isTaken := func(_ context.Context, s string) bool { return taken[s] }

	got := suggestNames(context.Background(), "bob", isTaken)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"bob-3", "bob-4"}, got[:2])
	assert.Regexp(t, `^[a-z]+-[a-z]+$`, got[2])

	long := strings.Repeat("x", 63)
	got = suggestNames(context.Background(), long, isTaken)
	require.Len(t, got, 3)
	for _, s := range got {
		assert.True(t, ValidName(s), s)
	}
}

func TestParseAPIKey(t *testing.T) {
	id := crypto.NewUUIDv7()
	key, hash, err := MintAPIKey(id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "amp_"+id.String()+"."))

	gotID, secret, err := ParseAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.True(t, CheckAPIKey(hash, secret))

	for _, bad := range []string{"", "amp_", "amp_nope.secret", "key_" + id.String() + ".x", "amp_" + id.String() + "."} {
		_, _, err := ParseAPIKey(bad)
		assert.ErrorIs(t, err, ErrMalformedAPIKey, bad)
	}
}
