package resolver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Identity strategy names.
const (
	IdentityClient = "client"
	IdentityUUID   = "uuid"
	IdentityRandom = "random"
)

// IdentityAssigner picks the registry identity for a new session from the
// identity the peer asked for.
type IdentityAssigner interface {
	Assign(requested string) (string, error)
}

// IdentityFunc adapts a function to IdentityAssigner.
type IdentityFunc func(requested string) (string, error)

func (f IdentityFunc) Assign(requested string) (string, error) { return f(requested) }

// ClientIdentity uses the requested identity as is. Peers must supply one.
func ClientIdentity() IdentityAssigner {
	return IdentityFunc(func(requested string) (string, error) {
		id := strings.TrimSpace(requested)
		if id == "" {
			return "", fmt.Errorf("%w: identity required", dmtp.ErrHandshakeFailure)
		}
		return id, nil
	})
}

// UUIDIdentity ignores the request and assigns a random UUID.
func UUIDIdentity() IdentityAssigner {
	return IdentityFunc(func(string) (string, error) {
		return uuid.NewString(), nil
	})
}

// RandomIdentity ignores the request and assigns 16 random bytes as hex.
func RandomIdentity() IdentityAssigner {
	return IdentityFunc(func(string) (string, error) {
		return GenerateID()
	})
}

// GenerateID returns a random 32 character hex string.
func GenerateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("resolver: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func IdentityByName(name string) (IdentityAssigner, error) {
	switch name {
	case IdentityClient, "":
		return ClientIdentity(), nil
	case IdentityUUID:
		return UUIDIdentity(), nil
	case IdentityRandom:
		return RandomIdentity(), nil
	default:
		return nil, fmt.Errorf("resolver: unknown identity strategy '%s'", name)
	}
}
