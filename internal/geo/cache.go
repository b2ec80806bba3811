package geo

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedProvider memoises leg results in Redis. Cache failures never fail the call.
type CachedProvider struct {
	next Provider
	rdb  redis.UniversalClient
	ttl  time.Duration
	log  zerolog.Logger
}

func NewCachedProvider(next Provider, rdb redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &CachedProvider{next: next, rdb: rdb, ttl: ttl, log: log.With().Str("component", "leg_cache").Logger()}
}

func (c *CachedProvider) GetLegs(ctx context.Context, req LegsRequest) (LegsResult, error) {
	key, err := cacheKey(req)
	if err != nil {
		return c.next.GetLegs(ctx, req)
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res LegsResult
		if jerr := json.Unmarshal(raw, &res); jerr == nil {
			return res, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Msg("leg cache read failed")
	}

	res, err := c.next.GetLegs(ctx, req)
	if err != nil {
		return LegsResult{}, err
	}
	if b, jerr := json.Marshal(res); jerr == nil {
		if werr := c.rdb.Set(ctx, key, b, c.ttl).Err(); werr != nil {
			c.log.Warn().Err(werr).Msg("leg cache write failed")
		}
	}
	return res, nil
}

// cacheKey hashes the request without the departure time, which OSRM does not use.
func cacheKey(req LegsRequest) (string, error) {
	req.DepartureTime = nil
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(b)
	return "legs:" + hex.EncodeToString(sum[:]), nil
}
