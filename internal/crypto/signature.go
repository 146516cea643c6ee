package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/eldtechnologies/amprelay/internal/models"
)

// SignatureStatus is the outcome of checking an envelope signature.
type SignatureStatus string

const (
	SignatureValid      SignatureStatus = "valid"
	SignatureMissing    SignatureStatus = "missing"
	SignatureInvalid    SignatureStatus = "invalid"
	SignatureUnverified SignatureStatus = "unverified" // signed, but no sender key to check against
)

// Canonicalize builds the signed form of an envelope.
// Format: from|to|subject|priority|in_reply_to|payload_hash
//
// The envelope id and timestamp are excluded so sender and verifier agree
// regardless of what the transport assigns.
func Canonicalize(from, to, subject, priority, inReplyTo, payloadHash string) string {
	return strings.Join([]string{from, to, subject, priority, inReplyTo, payloadHash}, "|")
}

// PayloadHash returns the base64 SHA-256 of the payload's JSON encoding.
func PayloadHash(p models.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Verify checks a base64 signature over a canonical string.
func Verify(canonical, signatureB64 string, pub ed25519.PublicKey) error {
	return VerifySignature(pub, []byte(canonical), signatureB64)
}

// SignEnvelope signs the canonical form of env and payload.
func SignEnvelope(priv ed25519.PrivateKey, env models.Envelope, payload models.Payload) (string, error) {
	hash, err := PayloadHash(payload)
	if err != nil {
		return "", err
	}
	canonical := Canonicalize(env.From, env.To, env.Subject, env.Priority, env.InReplyTo, hash)
	return Sign(priv, []byte(canonical)), nil
}

// Policy decides which signature outcomes block delivery.
type Policy struct {
	RequireSignature       bool
	RejectInvalidSignature bool
}

// Check returns an error when status must block delivery under the policy.
func (p Policy) Check(status SignatureStatus) error {
	switch status {
	case SignatureMissing:
		if p.RequireSignature {
			return ErrSignatureRequired
		}
	case SignatureInvalid:
		if p.RejectInvalidSignature {
			return ErrInvalidSignature
		}
	case SignatureUnverified:
		if p.RequireSignature {
			return ErrSignatureRequired
		}
	}
	return nil
}

// VerifyEnvelope checks the signature of env against publicKey (PEM or raw
// base64). It never fails; the status is left for the policy to judge.
func VerifyEnvelope(env models.Envelope, payload models.Payload, publicKey string) SignatureStatus {
	if env.Signature == "" {
		return SignatureMissing
	}
	if publicKey == "" {
		return SignatureUnverified
	}
	pub, err := ParsePublicKey(publicKey, AlgorithmEd25519)
	if err != nil {
		return SignatureInvalid
	}
	hash, err := PayloadHash(payload)
	if err != nil {
		return SignatureInvalid
	}
	canonical := Canonicalize(env.From, env.To, env.Subject, env.Priority, env.InReplyTo, hash)
	if err := Verify(canonical, env.Signature, pub); err != nil {
		return SignatureInvalid
	}
	return SignatureValid
}
