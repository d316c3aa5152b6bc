// Package validator injects token validation into the control handler and
// public router as a narrow function-value capability, keeping the core
// decoupled from whatever external database or cache actually stores
// credentials (spec §9 "Validator injection").
package validator

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// TokenPrefix marks a server-issued agent token, mirroring the teacher's
// convention of a human-recognisable prefix on generated secrets.
const TokenPrefix = "rfb_"

// GenerateToken creates a new server-issued agent token: the plaintext is
// returned to the agent once (over LoginResult), and its HashToken digest
// is returned alongside for a caller that stores tokens by hash.
func GenerateToken() (plaintext string, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	hash = HashToken(plaintext)
	return plaintext, hash, nil
}

// Result is the outcome of a token check.
type Result int

const (
	Invalid Result = iota
	Valid
	Transient
)

// Func is the injected validation capability: given a bearer token, report
// whether it is currently accepted, rejected, or whether the check itself
// failed (e.g. the backing database/cache is unreachable).
type Func func(token string) Result

// ErrNoFallback names the case of a transient error with no bootstrap key
// configured. Nothing in this package returns it: Bootstrap.Validate
// reports that case as Invalid.
var ErrNoFallback = errors.New("validator: no bootstrap fallback configured")

// Bootstrap wraps an upstream Func with a static fallback key used only
// when the upstream reports Transient -- e.g. the credential database is
// briefly unreachable during a deploy. The static key is never compared
// in the clear: it is bcrypt-hashed once at construction, mirroring the
// password-hashing convention this fabric was grounded on.
type Bootstrap struct {
	upstream     Func
	fallbackHash []byte // bcrypt hash; nil if no fallback configured
	log          *slog.Logger
	onFallback   func()
}

// NewBootstrap wraps upstream with an optional static fallback key. Pass
// an empty fallbackKey to disable the fallback entirely (a Transient
// result from upstream is then treated as Invalid).
func NewBootstrap(upstream Func, fallbackKey string, log *slog.Logger, onFallback func()) (*Bootstrap, error) {
	b := &Bootstrap{upstream: upstream, log: log, onFallback: onFallback}
	if fallbackKey == "" {
		return b, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(fallbackKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	b.fallbackHash = hash
	return b, nil
}

// Validate implements Func: valid/invalid/transient_error, falling back to
// the static bootstrap key on a transient upstream failure.
func (b *Bootstrap) Validate(token string) Result {
	switch b.upstream(token) {
	case Valid:
		return Valid
	case Invalid:
		return Invalid
	default: // Transient
		if b.fallbackHash == nil {
			return Invalid
		}
		if bcrypt.CompareHashAndPassword(b.fallbackHash, []byte(token)) == nil {
			if b.log != nil {
				b.log.Warn("validator: upstream unreachable, accepted bootstrap fallback key")
			}
			if b.onFallback != nil {
				b.onFallback()
			}
			return Valid
		}
		return Invalid
	}
}

// ExtractBearerToken extracts a bearer token from an Authorization header
// value. Accepts either "Bearer <tok>" or a bare token, per spec §4.6.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return authHeader
}

// HashToken returns the SHA-256 hex digest of a token, for validators that
// store hashes rather than plaintext (e.g. internal/store's bootstrap
// token bucket).
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking timing
// information about where they first differ -- used when a validator
// compares against a fixed, small set of known-good hashes.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
