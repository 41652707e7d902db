package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list RedisSink appends to.
const DefaultRedisKey = "audit:log"

// RedisSink appends JSON-encoded records to a Redis list. Each batch is
// pushed inside MULTI/EXEC so it lands whole or not at all.
type RedisSink struct {
	rdb    redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisSink returns a sink writing to key. A positive maxLen trims the
// list to its newest maxLen entries after every batch.
func NewRedisSink(rdb redis.UniversalClient, key string, maxLen int64) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{rdb: rdb, key: key, maxLen: maxLen}
}

func (s *RedisSink) AppendBatch(ctx context.Context, batch []Record) error {
	if len(batch) == 0 {
		return nil
	}
	values := make([]any, 0, len(batch))
	for _, r := range batch {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("audit redis: encode %s: %w", r.ID, err)
		}
		values = append(values, data)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.key, values...)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, s.key, -s.maxLen, -1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit redis: append: %w", err)
	}
	return nil
}
