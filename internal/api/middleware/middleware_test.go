package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/amprelay/internal/mesh"
	"github.com/eldtechnologies/amprelay/internal/models"
	"github.com/eldtechnologies/amprelay/internal/registration"
)

type fakeAgents struct {
	mu      sync.Mutex
	agents  map[uuid.UUID]*models.Agent
	touched map[uuid.UUID]time.Time
}

func (f *fakeAgents) GetAgentByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[id], nil
}

func (f *fakeAgents) TouchAgent(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id] = at
	return nil
}

func newFakeAgents(t *testing.T) (*fakeAgents, *models.Agent, string) {
	t.Helper()
	registration.BcryptCost = bcrypt.MinCost

	id := uuid.New()
	apiKey, hash, err := registration.MintAPIKey(id)
	require.NoError(t, err)
	agent := &models.Agent{ID: id, Name: "alice", HostID: "host-a", APIKeyHash: hash}
	return &fakeAgents{
		agents:  map[uuid.UUID]*models.Agent{id: agent},
		touched: map[uuid.UUID]time.Time{},
	}, agent, apiKey
}

// echoAgent reports who the middleware authenticated.
var echoAgent = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if a := GetAgentFromContext(r.Context()); a != nil {
		w.Write([]byte("agent:" + a.Name))
		return
	}
	w.Write([]byte("mesh:" + GetMeshOrigin(r.Context())))
})

func TestRequireAuth(t *testing.T) {
	agents, agent, apiKey := newFakeAgents(t)
	auth := NewAuthMiddleware(agents, AuthConfig{}, zerolog.Nop())
	h := auth.RequireAuth(echoAgent)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer " + apiKey, http.StatusOK},
		{"lowercase scheme", "bearer " + apiKey, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Bearer nope", http.StatusUnauthorized},
		{"wrong secret", "Bearer amp_" + agent.ID.String() + ".AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", http.StatusUnauthorized},
		{"unknown agent", "Bearer amp_" + uuid.New().String() + ".secret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "agent:alice", rec.Body.String())
			}
		})
	}

	_, ok := agents.touched[agent.ID]
	assert.True(t, ok, "authenticated requests record presence")
}

func TestRequireAgentOrMesh(t *testing.T) {
	agents, _, apiKey := newFakeAgents(t)
	auth := NewAuthMiddleware(agents, AuthConfig{
		MeshToken: "tok",
		IsPeer:    func(h string) bool { return h == "host-b" },
	}, zerolog.Nop())
	h := auth.RequireAgentOrMesh(echoAgent)

	serve := func(headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := serve(map[string]string{"Authorization": "Bearer " + apiKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent:alice", rec.Body.String())

	rec = serve(map[string]string{mesh.HeaderForwardedFrom: "host-b", mesh.HeaderMeshToken: "tok"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "mesh:host-b", rec.Body.String())

	rec = serve(map[string]string{mesh.HeaderForwardedFrom: "host-b"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(map[string]string{mesh.HeaderForwardedFrom: "host-z", mesh.HeaderMeshToken: "tok"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAgentOrMeshRejectsUntrustedOrigins(t *testing.T) {
	dir := mesh.NewDirectory("host-a", map[string]string{"host-b": "http://b:8080"})
	agents, _, _ := newFakeAgents(t)

	tests := []struct {
		name   string
		token  string
		origin string
	}{
		{"no mesh token configured", "", "host-b"},
		{"self origin", "tok", "host-a"},
		{"self origin mixed case", "tok", "HOST-A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := NewAuthMiddleware(agents, AuthConfig{MeshToken: tt.token, IsPeer: dir.IsPeer}, zerolog.Nop())
			reached := false
			h := auth.RequireAgentOrMesh(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				reached = true
			}))

			req := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
			req.Header.Set(mesh.HeaderForwardedFrom, tt.origin)
			req.Header.Set(mesh.HeaderMeshToken, tt.token)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, reached)
		})
	}
}

func newTestLimiter(t *testing.T, cfg RateLimiterConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, zerolog.Nop(), cfg), mr
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiterRegister(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{})
	h := rl.Middleware(okHandler)

	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/register", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		if i < 10 {
			require.Equal(t, http.StatusOK, last.Code, "request %d", i)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/v1/register", nil)
	req.RemoteAddr = "203.0.113.8:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterWhitelistAndBlock(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimiterConfig{Whitelist: []string{"10.0.0.0/8", "192.0.2.1"}})
	h := rl.Middleware(okHandler)

	for _, ip := range []string{"10.1.2.3", "192.0.2.1"} {
		for i := 0; i < 15; i++ {
			req := httptest.NewRequest(http.MethodPost, "/v1/register", nil)
			req.RemoteAddr = ip + ":1"
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	}

	rl.blocker.Block(context.Background(), "198.51.100.1", time.Minute, "test")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rl.blocker.Unblock(context.Background(), "198.51.100.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiterAutoBlock(t *testing.T) {
	rl, mr := newTestLimiter(t, RateLimiterConfig{AutoBlockEnabled: true})
	h := rl.Middleware(okHandler)

	codes := map[int]int{}
	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/register", nil)
		req.RemoteAddr = "203.0.113.9:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Equal(t, 10, codes[http.StatusOK])
	assert.Equal(t, 10, codes[http.StatusTooManyRequests])
	assert.Equal(t, 1, codes[http.StatusForbidden])
	assert.True(t, mr.Exists("blocked:ip:203.0.113.9"))
}

func TestRateLimiterDisabled(t *testing.T) {
	h := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{}).Middleware(okHandler)
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/register", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestFindLimitAndKeys(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	ack := httptest.NewRequest(http.MethodPost, "/v1/messages/pending/ack", nil)
	limit := rl.findLimit(ack)
	require.NotNil(t, limit)
	assert.Equal(t, 60, limit.Requests)

	read := httptest.NewRequest(http.MethodPost, "/v1/messages/msg_1/read", nil)
	limit = rl.findLimit(read)
	require.NotNil(t, limit)
	assert.Equal(t, 120, limit.Requests)

	assert.Nil(t, rl.findLimit(httptest.NewRequest(http.MethodGet, "/health", nil)))

	req := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
	req.Header.Set("Authorization", "Bearer amp_abc.def")
	assert.Equal(t, "ratelimit:agent:abc", senderKey(req))
	req.Header.Set(mesh.HeaderForwardedFrom, "host-b")
	assert.Equal(t, "ratelimit:host:host-b", senderKey(req))
}

func TestSecurityMiddleware(t *testing.T) {
	h := SecurityHeaders(ValidateRequest(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"wrong content type", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader("x=1"))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			return r
		}, http.StatusUnsupportedMediaType},
		{"path traversal", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/v1/agents/resolve/..%2Fetc", nil)
		}, http.StatusBadRequest},
		{"control character header", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
			r.Header.Set(mesh.HeaderSignature, "abc\x01")
			return r
		}, http.StatusBadRequest},
		{"oversized header", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
			r.Header.Set(mesh.HeaderEnvelopeID, strings.Repeat("a", maxHeaderValue+1))
			return r
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req())
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	body := MaxBodySize(4)(okHandler)
	rec = httptest.NewRecorder()
	body.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader("123456")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
