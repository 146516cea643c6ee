package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/amprelay/internal/models"
)

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("host-b=http://b:8080/, host-c=http://c:8080")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host-b": "http://b:8080/", "host-c": "http://c:8080"}, peers)

	peers, err = ParsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = ParsePeers("host-b")
	assert.Error(t, err)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory("host-a", map[string]string{
		"host-a": "http://self",
		"host-b": "http://b:8080/",
	})

	assert.Equal(t, "host-a", d.Self())
	assert.True(t, d.IsSelf("HOST-A"))
	assert.False(t, d.IsPeer("host-a"))
	assert.True(t, d.IsPeer("host-b"))
	assert.False(t, d.IsPeer("host-z"))
	assert.Equal(t, []string{"host-b"}, d.Peers())

	url, ok := d.Lookup("Host-B")
	assert.True(t, ok)
	assert.Equal(t, "http://b:8080", url)

	_, ok = d.Lookup("host-a")
	assert.False(t, ok)
}

func TestBreaker(t *testing.T) {
	now := time.Now()
	b := NewBreaker(zerolog.Nop())
	b.now = func() time.Time { return now }

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.Failure("h")
	}
	assert.Equal(t, StateClosed, b.State("h"))
	assert.True(t, b.Allow("h"))

	b.Failure("h")
	assert.Equal(t, StateOpen, b.State("h"))
	assert.False(t, b.Allow("h"))
	assert.True(t, b.Allow("other"))

	now = now.Add(DefaultOpenTimeout)
	assert.True(t, b.Allow("h"))
	assert.Equal(t, StateHalfOpen, b.State("h"))

	b.Failure("h")
	assert.Equal(t, StateOpen, b.State("h"))

	now = now.Add(DefaultOpenTimeout)
	require.True(t, b.Allow("h"))
	b.Success("h")
	assert.Equal(t, StateHalfOpen, b.State("h"))
	b.Success("h")
	assert.Equal(t, StateClosed, b.State("h"))
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := NewBreaker(zerolog.Nop())
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.Failure("h")
	}
	b.Success("h")
	b.Failure("h")
	assert.Equal(t, StateClosed, b.State("h"))
}

func testRequest() Request {
	return Request{
		Host:       "host-b",
		To:         "bob",
		OriginalTo: "bob@host-b.aimaestro.local",
		Envelope: models.Envelope{
			ID:        "msg_01",
			From:      "alice@acme.aimaestro.local",
			To:        "bob@host-b.aimaestro.local",
			Subject:   "hi",
			Priority:  models.PriorityNormal,
			Timestamp: time.Now().UTC(),
			Signature: "SIG",
		},
		Payload:         models.Payload{Type: models.PayloadRequest, Message: "hello"},
		SenderPublicKey: "KEY",
	}
}

func TestForward(t *testing.T) {
	var got RouteBody
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/route", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{ID: "msg_01", Status: "delivered", Method: "local"})
	}))
	defer srv.Close()

	c := NewClient(NewDirectory("host-a", map[string]string{"host-b": srv.URL}), WithToken("secret"))
	res, err := c.Forward(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "delivered", res.Status)

	assert.Equal(t, "host-a", headers.Get(HeaderForwardedFrom))
	assert.Equal(t, "msg_01", headers.Get(HeaderEnvelopeID))
	assert.Equal(t, "SIG", headers.Get(HeaderSignature))
	assert.Equal(t, "KEY", headers.Get(HeaderSenderKey))
	assert.Equal(t, "secret", headers.Get(HeaderMeshToken))

	assert.Equal(t, "bob", got.To)
	require.NotNil(t, got.Forwarded)
	assert.Equal(t, "alice@acme.aimaestro.local", got.Forwarded.From)
	assert.Equal(t, "bob@host-b.aimaestro.local", got.Forwarded.OriginalTo)
	assert.Equal(t, "host-a", got.Forwarded.OriginHost)
	assert.Equal(t, "msg_01", got.Forwarded.EnvelopeID)
}

func TestForwardErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(NewDirectory("host-a", map[string]string{"host-b": srv.URL}))

	t.Run("UnknownHost", func(t *testing.T) {
		req := testRequest()
		req.Host = "host-z"
		_, err := c.Forward(context.Background(), req)
		assert.ErrorIs(t, err, ErrUnknownHost)
	})

	t.Run("ServerErrorsOpenCircuit", func(t *testing.T) {
		for i := 0; i < DefaultFailureThreshold; i++ {
			_, err := c.Forward(context.Background(), testRequest())
			assert.ErrorIs(t, err, ErrForward)
		}
		assert.Equal(t, StateOpen, c.Breaker().State("host-b"))

		_, err := c.Forward(context.Background(), testRequest())
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, int32(DefaultFailureThreshold), calls.Load())
	})
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(NewDirectory("host-a", map[string]string{"host-b": srv.URL}), WithTimeout(50*time.Millisecond))
	_, err := c.Forward(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrForward)
}

func TestForwardRejectedByPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	c := NewClient(NewDirectory("host-a", map[string]string{"host-b": srv.URL}))
	_, err := c.Forward(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrForward)
	assert.NotErrorIs(t, err, ErrPeerRejected)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, StateClosed, c.Breaker().State("host-b"))
}

func TestForwardInvalidMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"signature rejected"}`))
	}))
	defer srv.Close()

	c := NewClient(NewDirectory("host-a", map[string]string{"host-b": srv.URL}))
	_, err := c.Forward(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrForward)
	assert.ErrorIs(t, err, ErrPeerRejected)
}
