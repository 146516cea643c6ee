package amp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/amprelay/internal/address"
	"github.com/eldtechnologies/amprelay/internal/api"
	"github.com/eldtechnologies/amprelay/internal/api/middleware"
	"github.com/eldtechnologies/amprelay/internal/crypto"
	"github.com/eldtechnologies/amprelay/internal/handlers"
	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/registration"
	"github.com/eldtechnologies/amprelay/internal/relay"
	"github.com/eldtechnologies/amprelay/internal/router"
	"github.com/eldtechnologies/amprelay/internal/store"
)

func TestMain(m *testing.M) {
	registration.BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// newTestServer runs a single relay host backed by a temp SQLite database.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	ds, err := store.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "amp.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	registry := store.NewRegistry(ds, time.Minute)
	relayStore := relay.NewStore(relay.NewMemoryBackend())
	dir := mesh.NewDirectory("host-a", nil)

	rt := router.New(router.Config{
		Organization:   "acme",
		ProviderDomain: address.LegacyProvider,
		SelfHost:       "host-a",
		Policy:         crypto.Policy{RejectInvalidSignature: true},
	}, router.Deps{
		Registry:  registry,
		Relay:     relayStore,
		Deliverer: store.NewInbox(ds),
	}, logger)

	reg := registration.New(registration.Config{
		Organization:   "acme",
		ProviderDomain: address.LegacyProvider,
		HostID:         "host-a",
	}, ds, logger)

	h := handlers.NewHandler(handlers.Deps{
		Store:     ds,
		Registry:  registry,
		Router:    rt,
		Relay:     relayStore,
		Registrar: reg,
		Directory: dir,
	}, handlers.Info{Organization: "acme", ProviderDomain: address.LegacyProvider, HostID: "host-a"}, logger)

	auth := middleware.NewAuthMiddleware(ds, middleware.AuthConfig{IsPeer: dir.IsPeer}, logger)

	srv := httptest.NewServer(api.NewRouter(logger, h, auth, nil))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("AMP_CONFIG", t.TempDir())
	return NewClient(baseURL)
}

func TestRegisterSendAndAck(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	alice := newTestClient(t, srv.URL)
	res, err := alice.Register(ctx, "acme", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@acme.aimaestro.local", res.Address)
	assert.Equal(t, res.APIKey, alice.APIKey)

	bob := newTestClient(t, srv.URL)
	_, err = bob.Register(ctx, "acme", "bob")
	require.NoError(t, err)

	sent, err := alice.Send(ctx, Message{
		To:      "bob@acme.aimaestro.local",
		Subject: "status",
		Payload: Payload{Type: TypeRequest, Message: "what is the build status?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", sent.Status)
	assert.Equal(t, "valid", sent.SignatureStatus, "client and relay agree on the signed form")

	pending, err := bob.Pending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, pending.Count)
	msg := pending.Messages[0]
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, "alice@acme.aimaestro.local", msg.Envelope.From)
	assert.NotEmpty(t, msg.Envelope.Signature)

	require.NoError(t, bob.Ack(ctx, msg.ID))

	var apiErr *APIError
	err = bob.Ack(ctx, msg.ID)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	// bob is online now, so the reply goes to his inbox.
	_, err = alice.Send(ctx, Message{
		To:      "bob",
		Subject: "again",
		Payload: Payload{Type: TypeNotification, Message: "ping"},
	})
	require.NoError(t, err)
	inbox, err := bob.Inbox(ctx, true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.NoError(t, bob.MarkRead(ctx, inbox[0].ID))

	n, err := bob.AckBatch(ctx, []string{"msg_none"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendRejected(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	alice := newTestClient(t, srv.URL)
	_, err := alice.Register(ctx, "acme", "alice")
	require.NoError(t, err)

	res, err := alice.Send(ctx, Message{
		To:      "x@corp.example.com",
		Subject: "hi",
		Payload: Payload{Type: TypeRequest, Message: "m"},
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.NotNil(t, res)
	assert.Equal(t, "rejected", res.Status)

	// A forged signature is refused under the reject policy.
	_, err = alice.Send(ctx, Message{
		To:        "bob",
		Subject:   "hi",
		Payload:   Payload{Type: TypeRequest, Message: "m"},
		Signature: "Zm9yZ2Vk",
	})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "signature_rejected", apiErr.Code)
}

func TestRegisterNameTaken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := newTestClient(t, srv.URL).Register(ctx, "acme", "alice")
	require.NoError(t, err)

	_, err = newTestClient(t, srv.URL).Register(ctx, "acme", "alice")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "name_taken", apiErr.Code)
	assert.Len(t, apiErr.Suggestions, 3)
}

func TestConfigRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	c := newTestClient(t, srv.URL)
	_, err := c.Register(ctx, "acme", "alice")
	require.NoError(t, err)
	require.NoError(t, c.SaveConfig())

	loaded := &Client{ConfigDir: c.ConfigDir}
	require.NoError(t, loaded.LoadConfig())
	assert.Equal(t, c.AgentID, loaded.AgentID)
	assert.Equal(t, c.Address, loaded.Address)
	assert.Equal(t, c.APIKey, loaded.APIKey)
	assert.True(t, c.PrivateKey.Equal(loaded.PrivateKey))

	id, err := c.Resolve(ctx, "alice@acme.aimaestro.local")
	require.NoError(t, err)
	assert.Equal(t, c.AgentID, id.AgentID)

	info, err := c.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "host-a", info.HostID)
	assert.Empty(t, info.MeshPeers)
}

func TestSignMatchesRelay(t *testing.T) {
	c := &Client{Address: "alice@acme.aimaestro.local"}
	require.NoError(t, c.GenerateKeypair())

	msg := Message{To: "bob", Subject: "s", Payload: Payload{Type: TypeUpdate, Message: "m"}}
	sig, err := c.Sign(msg)
	require.NoError(t, err)

	pemKey, err := c.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := crypto.ParsePublicKey(pemKey, crypto.AlgorithmEd25519)
	require.NoError(t, err)

	hash, err := crypto.PayloadHash(toModelPayload(msg.Payload))
	require.NoError(t, err)
	canonical := crypto.Canonicalize(c.Address, "bob", "s", "normal", "", hash)
	assert.NoError(t, crypto.Verify(canonical, sig, pub))
}

func toModelPayload(p Payload) models.Payload {
	return models.Payload{Type: p.Type, Message: p.Message, Context: p.Context, Attachments: p.Attachments}
}
