package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResolver fronts another resolver with a Redis cache. Unknown
// addresses are cached too, as an empty object, so repeated misses stay cheap.
type CachedResolver struct {
	next   Resolver
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewCachedResolver(next Resolver, rdb redis.UniversalClient, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedResolver{next: next, rdb: rdb, prefix: "geo:", ttl: ttl}
}

func (c *CachedResolver) Lookup(ctx context.Context, ip string) (*Location, error) {
	key := c.prefix + ip

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var loc Location
		if jerr := json.Unmarshal(raw, &loc); jerr == nil {
			if loc.Empty() {
				return nil, nil
			}
			return &loc, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		// Cache trouble degrades to a direct lookup.
		slog.Debug("geo cache read failed", "ip", ip, "error", err)
	}

	loc, err := c.next.Lookup(ctx, ip)
	if err != nil {
		return nil, err
	}

	var cached Location
	if loc != nil {
		cached = *loc
	}
	data, _ := json.Marshal(cached)
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		slog.Debug("geo cache write failed", "ip", ip, "error", err)
	}
	return loc, nil
}
