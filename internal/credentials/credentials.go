// Package credentials supplies the already-authenticated broker sessions the
// connection manager logs in with. Sessions are minted by the login flow
// elsewhere; this package only reads them.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
)

// Errors
var (
	ErrExpired  = errors.New("broker session expired")
	ErrNotFound = errors.New("no broker session for account")
)

// Provider returns the broker session of an account.
type Provider interface {
	GetBrokerSession(ctx context.Context, accountID string) (broker.Credentials, error)
}

// expired wraps ErrExpired with broker.ErrAuth so callers that only know the
// broker taxonomy treat it as an authentication failure.
func expired(accountID string, at time.Time) error {
	return fmt.Errorf("%w: %w: account %s at %s", ErrExpired, broker.ErrAuth, accountID, at.Format(time.RFC3339))
}

// Static serves sessions from configuration.
type Static struct {
	sessions map[string]broker.Credentials
	now      func() time.Time
}

// NewStatic returns a provider over sessions keyed by account id.
func NewStatic(sessions map[string]broker.Credentials) *Static {
	m := make(map[string]broker.Credentials, len(sessions))
	for id, c := range sessions {
		if c.AccountID == "" {
			c.AccountID = id
		}
		m[id] = c
	}
	return &Static{sessions: m, now: time.Now}
}

func (s *Static) GetBrokerSession(ctx context.Context, accountID string) (broker.Credentials, error) {
	c, ok := s.sessions[accountID]
	if !ok {
		return broker.Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}
	if c.Expired(s.now()) {
		return broker.Credentials{}, expired(accountID, c.ExpiresAt)
	}
	return c, nil
}
