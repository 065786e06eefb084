package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
)

func TestStatic(t *testing.T) {
	now := time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC)
	s := NewStatic(map[string]broker.Credentials{
		"zerodha-main": {APIKey: "k", AccessToken: "t", ExpiresAt: now.Add(time.Hour)},
		"dhan-old":     {AccessToken: "t", ExpiresAt: now.Add(-time.Minute)},
	})
	s.now = func() time.Time { return now }
	ctx := context.Background()

	c, err := s.GetBrokerSession(ctx, "zerodha-main")
	require.NoError(t, err)
	assert.Equal(t, "zerodha-main", c.AccountID)
	assert.Equal(t, "t", c.AccessToken)

	_, err = s.GetBrokerSession(ctx, "dhan-old")
	assert.ErrorIs(t, err, ErrExpired)
	assert.ErrorIs(t, err, broker.ErrAuth)

	_, err = s.GetBrokerSession(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

// fakeHash answers HGetAll from a map of hashes.
type fakeHash struct {
	hashes map[string]map[string]string
	err    error
	keys   []string
}

func (f *fakeHash) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return redis.NewMapStringStringResult(nil, f.err)
	}
	return redis.NewMapStringStringResult(f.hashes[key], nil)
}

func TestRedis(t *testing.T) {
	now := time.Date(2024, 12, 2, 9, 0, 0, 0, time.UTC)
	fake := &fakeHash{hashes: map[string]map[string]string{
		"sess:angel-1": {
			"client_code":  "A123",
			"api_key":      "key",
			"access_token": "jwt",
			"feed_token":   "feed",
			"expires_at":   now.Add(8 * time.Hour).Format(time.RFC3339),
			"vendor":       "smartapi",
		},
		"sess:zerodha-1": {
			"access_token": "tok",
			"expires_at":   "1733115600", // 2024-12-02T05:00:00Z
		},
	}}
	r := newRedis(fake, "sess:")
	r.now = func() time.Time { return now }
	ctx := context.Background()

	c, err := r.GetBrokerSession(ctx, "angel-1")
	require.NoError(t, err)
	assert.Equal(t, "angel-1", c.AccountID)
	assert.Equal(t, "A123", c.ClientCode)
	assert.Equal(t, "feed", c.FeedToken)
	assert.Equal(t, map[string]string{"vendor": "smartapi"}, c.Extra)
	assert.True(t, c.ExpiresAt.Equal(now.Add(8*time.Hour)))

	_, err = r.GetBrokerSession(ctx, "zerodha-1")
	assert.ErrorIs(t, err, ErrExpired)

	_, err = r.GetBrokerSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"sess:angel-1", "sess:zerodha-1", "sess:missing"}, fake.keys)
}

func TestRedis_Errors(t *testing.T) {
	r := newRedis(&fakeHash{err: errors.New("dial tcp: connection refused")}, "")
	_, err := r.GetBrokerSession(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	r = newRedis(&fakeHash{hashes: map[string]map[string]string{
		DefaultKeyPrefix + "x": {"expires_at": "tomorrow"},
	}}, "")
	_, err = r.GetBrokerSession(context.Background(), "x")
	assert.Error(t, err)
}
