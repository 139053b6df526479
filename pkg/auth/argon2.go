package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/crypto/argon2"
)

// ErrNotConfigured is returned when no hash is set for the requested key kind.
var ErrNotConfigured = errors.New("key not configured")

// Argon2id parameters (OWASP defaults): 64 MiB, 3 passes, 4 lanes.
const (
	argon2Memory      = 64 * 1024
	argon2Iterations  = 3
	argon2Parallelism = 4
	argon2KeyLength   = 32
	argon2SaltLength  = 16
)

// HashKey hashes key with Argon2id into a PHC string:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
func HashKey(key string) (string, error) {
	salt := make([]byte, argon2SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	sum := argon2.IDKey([]byte(key), salt, argon2Iterations, argon2Memory, argon2Parallelism, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Iterations, argon2Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum)), nil
}

// VerifyKey reports whether key matches the PHC hash. The comparison is
// constant-time.
func VerifyKey(key, phc string) (bool, error) {
	p, err := parsePHC(phc)
	if err != nil {
		return false, fmt.Errorf("parsing hash: %w", err)
	}
	sum := argon2.IDKey([]byte(key), p.salt, p.iterations, p.memory, p.parallelism, uint32(len(p.hash)))
	return subtle.ConstantTimeCompare(sum, p.hash) == 1, nil
}

type phcHash struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(phc string) (phcHash, error) {
	var p phcHash
	// ["", "argon2id", "v=19", "m=65536,t=3,p=4", "<salt>", "<hash>"]
	parts := strings.Split(phc, "$")
	if len(parts) != 6 {
		return p, fmt.Errorf("invalid PHC format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return p, fmt.Errorf("unsupported algorithm: %q (only argon2id supported)", parts[1])
	}
	n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism)
	if err != nil || n != 3 {
		return p, fmt.Errorf("invalid parameters: %q", parts[3])
	}
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("decoding salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("decoding hash: %w", err)
	}
	return p, nil
}

// Verifier checks presented secrets against the configured hashes and
// remembers each verdict for a TTL, so only the first request with a given
// secret pays for Argon2id. Negative verdicts are cached too.
type Verifier struct {
	agentHash string
	apiHash   string
	ttl       time.Duration
	clock     quartz.Clock

	mu    sync.RWMutex
	cache map[string]verdict
}

type verdict struct {
	valid     bool
	expiresAt time.Time
}

// NewVerifier creates a Verifier. Either hash may be empty, in which case
// that kind of key is rejected with ErrNotConfigured.
func NewVerifier(agentHash, apiHash string, cacheTTL time.Duration, clock quartz.Clock) *Verifier {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Verifier{
		agentHash: agentHash,
		apiHash:   apiHash,
		ttl:       cacheTTL,
		clock:     clock,
		cache:     make(map[string]verdict),
	}
}

// VerifyAgentKey checks an X-Agent-Secret value.
func (v *Verifier) VerifyAgentKey(key string) (bool, error) {
	if v.agentHash == "" {
		return false, fmt.Errorf("agent secret: %w", ErrNotConfigured)
	}
	return v.verify(key, v.agentHash)
}

// VerifyAPIKey checks a Bearer token from the message front end.
func (v *Verifier) VerifyAPIKey(key string) (bool, error) {
	if v.apiHash == "" {
		return false, fmt.Errorf("API key: %w", ErrNotConfigured)
	}
	return v.verify(key, v.apiHash)
}

func (v *Verifier) verify(key, hash string) (bool, error) {
	if key == "" {
		return false, nil
	}
	// Keyed on the hash too, so rotating a hash invalidates old verdicts.
	cacheKey := key + "|" + hash
	now := v.clock.Now()

	v.mu.RLock()
	e, ok := v.cache[cacheKey]
	v.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.valid, nil
	}

	valid, err := VerifyKey(key, hash)
	if err != nil {
		return false, err
	}

	v.mu.Lock()
	v.cache[cacheKey] = verdict{valid: valid, expiresAt: now.Add(v.ttl)}
	v.mu.Unlock()
	return valid, nil
}
