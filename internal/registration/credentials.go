package registration

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every bearer credential.
const APIKeyPrefix = "amp_"

// BcryptCost is the hashing cost for credential secrets.
var BcryptCost = bcrypt.DefaultCost

var ErrMalformedAPIKey = errors.New("malformed api key")

// MintAPIKey creates a credential amp_<agentId>.<secret> and the bcrypt hash
// of its secret. The key itself is never stored.
func MintAPIKey(agentID uuid.UUID) (key, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(secret), BcryptCost)
	if err != nil {
		return "", "", err
	}
	return APIKeyPrefix + agentID.String() + "." + secret, string(h), nil
}

// ParseAPIKey splits a credential into its agent id and secret.
func ParseAPIKey(key string) (uuid.UUID, string, error) {
	rest, ok := strings.CutPrefix(key, APIKeyPrefix)
	if !ok {
		return uuid.Nil, "", ErrMalformedAPIKey
	}
	idStr, secret, ok := strings.Cut(rest, ".")
	if !ok || secret == "" {
		return uuid.Nil, "", ErrMalformedAPIKey
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", ErrMalformedAPIKey
	}
	return id, secret, nil
}

// CheckAPIKey reports whether secret matches hash.
func CheckAPIKey(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
