package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/tbwo/internal/router"
)

// RouterStats keeps the last window outcomes per model in a capped list, so
// every instance routes from the same history. It implements
// router.StatsStore.
type RouterStats struct {
	client *redis.Client
	window int64
}

// NewRouterStats creates a store keeping window outcomes per model.
func NewRouterStats(client *redis.Client, window int) *RouterStats {
	if window <= 0 {
		window = 100
	}
	return &RouterStats{client: client, window: int64(window)}
}

func statsKey(model string) string { return "router:outcomes:" + model }

func (s *RouterStats) Record(ctx context.Context, model string, success bool) error {
	v := "0"
	if success {
		v = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, statsKey(model), v)
	pipe.LTrim(ctx, statsKey(model), 0, s.window-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record outcome for %s: %w", model, err)
	}
	return nil
}

func (s *RouterStats) Stats(ctx context.Context, model string) (router.Stats, error) {
	vals, err := s.client.LRange(ctx, statsKey(model), 0, s.window-1).Result()
	if err != nil {
		return router.Stats{}, fmt.Errorf("read outcomes for %s: %w", model, err)
	}
	st := router.Stats{Calls: len(vals)}
	for _, v := range vals {
		if v == "1" {
			st.Successes++
		}
	}
	return st, nil
}
