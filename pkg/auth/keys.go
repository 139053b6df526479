// Package auth generates and verifies the two shared secrets of the relay.
//
//   - Agent secret (agt_ prefix): the local agent sends it as X-Agent-Secret
//     on every relay call.
//   - API key (api_ prefix): the message front end sends it as a Bearer token.
//
// Only Argon2id hashes are configured on the cloud backend. The plaintext is
// printed once by `cloud-backend setup` and then lives on the agent machine
// (or in the front end's secret store).
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	PrefixAgent = "agt_"
	PrefixAPI   = "api_"
)

// GeneratedKey is a fresh key and its hash. Key is shown once.
type GeneratedKey struct {
	Key  string
	Hash string
}

// GenerateAgentKey creates a new local agent secret.
func GenerateAgentKey() (*GeneratedKey, error) {
	return generateKey(PrefixAgent)
}

// GenerateAPIKey creates a new message API key.
func GenerateAPIKey() (*GeneratedKey, error) {
	return generateKey(PrefixAPI)
}

func generateKey(prefix string) (*GeneratedKey, error) {
	// 32 random bytes → 43 base64url characters
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}

	key := prefix + base64.RawURLEncoding.EncodeToString(secret)
	hash, err := HashKey(key)
	if err != nil {
		return nil, fmt.Errorf("hashing key: %w", err)
	}
	return &GeneratedKey{Key: key, Hash: hash}, nil
}

// KeyKind returns the prefix of a well-formed key, or an error naming the
// accepted prefixes.
func KeyKind(key string) (string, error) {
	for _, p := range []string{PrefixAgent, PrefixAPI} {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown key prefix: key must start with %q or %q", PrefixAgent, PrefixAPI)
}
