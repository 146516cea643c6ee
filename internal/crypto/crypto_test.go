package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/amprelay/internal/models"
)

func generateTestKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestParsePublicKeyPEMAndRaw(t *testing.T) {
	pub, _ := generateTestKeypair(t)

	pemKey, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	fromPEM, err := ParsePublicKey(pemKey, "Ed25519")
	require.NoError(t, err)
	assert.True(t, pub.Equal(fromPEM))

	fromRaw, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pub), "ed25519")
	require.NoError(t, err)
	assert.True(t, pub.Equal(fromRaw))
}

func TestParsePublicKeyErrors(t *testing.T) {
	_, err := ParsePublicKey("", "Ed25519")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString(make([]byte, 16)), "Ed25519")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParsePublicKey("-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----", "Ed25519")
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParsePublicKey("AAAA", "RSA")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestParsePrivateKey(t *testing.T) {
	_, priv := generateTestKeypair(t)

	pemKey, err := EncodePrivateKeyPEM(priv)
	require.NoError(t, err)
	got, err := ParsePrivateKey(pemKey)
	require.NoError(t, err)
	assert.True(t, priv.Equal(got))

	got, err = ParsePrivateKey(base64.StdEncoding.EncodeToString(priv.Seed()))
	require.NoError(t, err)
	assert.True(t, priv.Equal(got))
}

func TestFingerprint(t *testing.T) {
	pub, _ := generateTestKeypair(t)
	fp := Fingerprint(pub)
	assert.True(t, strings.HasPrefix(fp, "SHA256:"))
	assert.Len(t, fp, 50)
	assert.Equal(t, fp, Fingerprint(pub))
}

func TestCanonicalize(t *testing.T) {
	got := Canonicalize("a@x.local", "b@y.local", "hi", "normal", "", "HASH")
	assert.Equal(t, "a@x.local|b@y.local|hi|normal||HASH", got)
}

func TestSignAndVerifyEnvelope(t *testing.T) {
	pub, priv := generateTestKeypair(t)
	pemKey, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	env := models.Envelope{
		ID:       "msg_1",
		From:     "alice@acme.aimaestro.local",
		To:       "bob",
		Subject:  "hi",
		Priority: models.PriorityNormal,
	}
	payload := models.Payload{Type: models.PayloadRequest, Message: "ping"}

	env.Signature, err = SignEnvelope(priv, env, payload)
	require.NoError(t, err)
	assert.Equal(t, SignatureValid, VerifyEnvelope(env, payload, pemKey))

	// id and timestamp are not covered
	env.ID = "msg_2"
	assert.Equal(t, SignatureValid, VerifyEnvelope(env, payload, base64.StdEncoding.EncodeToString(pub)))

	tampered := payload
	tampered.Message = "pong"
	assert.Equal(t, SignatureInvalid, VerifyEnvelope(env, tampered, pemKey))

	other, _ := generateTestKeypair(t)
	assert.Equal(t, SignatureInvalid, VerifyEnvelope(env, payload, base64.StdEncoding.EncodeToString(other)))

	assert.Equal(t, SignatureUnverified, VerifyEnvelope(env, payload, ""))

	env.Signature = ""
	assert.Equal(t, SignatureMissing, VerifyEnvelope(env, payload, pemKey))
}

func TestPolicyCheck(t *testing.T) {
	soft := Policy{}
	assert.NoError(t, soft.Check(SignatureMissing))
	assert.NoError(t, soft.Check(SignatureInvalid))
	assert.NoError(t, soft.Check(SignatureValid))

	strict := Policy{RequireSignature: true, RejectInvalidSignature: true}
	assert.ErrorIs(t, strict.Check(SignatureMissing), ErrSignatureRequired)
	assert.ErrorIs(t, strict.Check(SignatureUnverified), ErrSignatureRequired)
	assert.ErrorIs(t, strict.Check(SignatureInvalid), ErrInvalidSignature)
	assert.NoError(t, strict.Check(SignatureValid))
}

func TestNewMessageID(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "msg_"))
	assert.Len(t, a, 30)
}
