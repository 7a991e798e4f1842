// Package identity issues the key/secret capability pairs that name a session.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/pscheid92/stbsettings/internal/domain"
)

const (
	keyBytes    = 16 // 128 bits, typed by a human
	secretBytes = 32 // 256 bits, device only
)

// Issuer produces fresh identities. Registration is the caller's job.
type Issuer interface {
	Issue() (domain.Identity, error)
}

// RandomIssuer draws key and secret independently from an entropy source.
type RandomIssuer struct {
	entropy io.Reader
}

// NewRandomIssuer returns an issuer reading from entropy, or crypto/rand when nil.
func NewRandomIssuer(entropy io.Reader) *RandomIssuer {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &RandomIssuer{entropy: entropy}
}

func (i *RandomIssuer) Issue() (domain.Identity, error) {
	key, err := i.token(keyBytes)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to generate key: %w", err)
	}
	secret, err := i.token(secretBytes)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return domain.Identity{Key: key, Secret: secret}, nil
}

func (i *RandomIssuer) token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(i.entropy, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
