// Package throttle tracks how many regions are in flight per endpoint
// across the whole cluster. The counters live in Redis so every worker sees
// the same numbers; increments and decrements are atomic and the decrement
// never drives a counter below zero.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL guards against leaked counters when a worker dies between
// increment and decrement; an idle endpoint's key expires on its own.
const counterTTL = 24 * time.Hour

// decrFloorScript decrements the counter but never below zero.
var decrFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= 0 then
  redis.call('SET', KEYS[1], '0', 'EX', ARGV[1])
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// EndpointStatistics is the shared in-progress region counter.
type EndpointStatistics struct {
	client *redis.Client
}

// New creates the statistics store over a Redis client.
func New(client *redis.Client) *EndpointStatistics {
	return &EndpointStatistics{client: client}
}

func key(endpointID string) string {
	return "endpoint:in_progress_regions:" + endpointID
}

// InProgressRegions returns the current in-flight region count for the
// endpoint.
func (s *EndpointStatistics) InProgressRegions(ctx context.Context, endpointID string) (int, error) {
	v, err := s.client.Get(ctx, key(endpointID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read in-progress regions for %s: %w", endpointID, err)
	}
	return v, nil
}

// IncrementRegions records one more in-flight region.
func (s *EndpointStatistics) IncrementRegions(ctx context.Context, endpointID string) error {
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key(endpointID))
	pipe.Expire(ctx, key(endpointID), counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment in-progress regions for %s: %w", endpointID, err)
	}
	return nil
}

// DecrementRegions records one region leaving flight. Safe to call on a
// counter that is already zero.
func (s *EndpointStatistics) DecrementRegions(ctx context.Context, endpointID string) error {
	if err := decrFloorScript.Run(ctx, s.client, []string{key(endpointID)}, int(counterTTL.Seconds())).Err(); err != nil {
		return fmt.Errorf("decrement in-progress regions for %s: %w", endpointID, err)
	}
	return nil
}
