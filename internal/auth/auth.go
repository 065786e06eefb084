// Package auth validates client tokens presented on the streaming endpoint.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrAuth is returned for any rejected client token.
var ErrAuth = errors.New("authentication failed")

// Identity is the validated caller.
type Identity struct {
	ClientID string // Stable id of the caller
	Account  string // Broker account whose feed the caller uses; empty = default
	// MaxSymbols caps the caller's concurrent subscriptions. 0 means the
	// gateway-wide limit applies.
	MaxSymbols int
}

// Validator validates a client token.
type Validator interface {
	ValidateClientToken(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

// ValidateClientToken implements Validator.
func (f ValidatorFunc) ValidateClientToken(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey is one configured static key. Only the SHA-256 digest of the key is
// kept.
type APIKey struct {
	Digest     string // Hex SHA-256 of the key
	ClientID   string
	Account    string
	MaxSymbols int
}

// HashKey returns the hex SHA-256 digest stored for key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyValidator accepts static keys.
type APIKeyValidator struct {
	keys map[string]APIKey
}

// NewAPIKeyValidator returns a validator for keys. Digests are matched
// case-insensitively.
func NewAPIKeyValidator(keys []APIKey) (*APIKeyValidator, error) {
	v := &APIKeyValidator{keys: make(map[string]APIKey, len(keys))}
	for i, k := range keys {
		digest := strings.ToLower(strings.TrimSpace(k.Digest))
		if len(digest) != sha256.Size*2 {
			return nil, fmt.Errorf("api key %d: digest must be %d hex characters", i, sha256.Size*2)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return nil, fmt.Errorf("api key %d: %w", i, err)
		}
		if k.ClientID == "" {
			return nil, fmt.Errorf("api key %d: client id is required", i)
		}
		k.Digest = digest
		v.keys[digest] = k
	}
	return v, nil
}

func (v *APIKeyValidator) ValidateClientToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrAuth)
	}
	digest := HashKey(token)
	k, ok := v.keys[digest]
	if !ok || subtle.ConstantTimeCompare([]byte(k.Digest), []byte(digest)) != 1 {
		return Identity{}, fmt.Errorf("%w: unknown api key", ErrAuth)
	}
	return Identity{ClientID: k.ClientID, Account: k.Account, MaxSymbols: k.MaxSymbols}, nil
}

// -----------------------------------------------------------------------------
// Chain
// -----------------------------------------------------------------------------

// Chain tries each validator in order and returns the first success.
type Chain []Validator

func (c Chain) ValidateClientToken(ctx context.Context, token string) (Identity, error) {
	if len(c) == 0 {
		return Identity{}, fmt.Errorf("%w: no validators configured", ErrAuth)
	}
	var errs []error
	for _, v := range c {
		id, err := v.ValidateClientToken(ctx, token)
		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return Identity{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return Identity{}, fmt.Errorf("%w: %w", ErrAuth, errors.Join(errs...))
}
