package credentials

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
)

// DefaultKeyPrefix prefixes the per-account session hash.
const DefaultKeyPrefix = "broker:session:"

// hashReader is the subset of redis.Cmdable the provider uses.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Redis reads sessions from one hash per account, written by the login
// service. Known fields are client_code, api_key, access_token, feed_token
// and expires_at (RFC 3339 or Unix seconds); every other field lands in
// Credentials.Extra.
type Redis struct {
	client hashReader
	prefix string
	now    func() time.Time
}

// NewRedis wraps client. The client is owned by the caller.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return newRedis(client, prefix)
}

func newRedis(client hashReader, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// Key returns the hash key of an account.
func (r *Redis) Key(accountID string) string {
	return r.prefix + accountID
}

func (r *Redis) GetBrokerSession(ctx context.Context, accountID string) (broker.Credentials, error) {
	fields, err := r.client.HGetAll(ctx, r.Key(accountID)).Result()
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("read session %s: %w", accountID, err)
	}
	if len(fields) == 0 {
		return broker.Credentials{}, fmt.Errorf("%w: %s", ErrNotFound, accountID)
	}

	c := broker.Credentials{AccountID: accountID}
	for k, v := range fields {
		switch k {
		case "client_code":
			c.ClientCode = v
		case "api_key":
			c.APIKey = v
		case "access_token":
			c.AccessToken = v
		case "feed_token":
			c.FeedToken = v
		case "expires_at":
			at, err := parseExpiry(v)
			if err != nil {
				return broker.Credentials{}, fmt.Errorf("session %s: expires_at: %w", accountID, err)
			}
			c.ExpiresAt = at
		default:
			if c.Extra == nil {
				c.Extra = make(map[string]string)
			}
			c.Extra[k] = v
		}
	}

	if c.Expired(r.now()) {
		return broker.Credentials{}, expired(accountID, c.ExpiresAt)
	}
	return c, nil
}

func parseExpiry(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
