package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/compozy/taskengine/engine/watcher"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/slok/goresilience"
	"github.com/slok/goresilience/circuitbreaker"
	rerrors "github.com/slok/goresilience/errors"
	"github.com/slok/goresilience/timeout"
)

const defaultQueryTimeout = 2 * time.Second

// ErrHistoryUnavailable is returned while the circuit to Redis is open.
var ErrHistoryUnavailable = errors.New("history service unavailable")

// History serves the last value of each metric series from Redis. Each OCID is
// stored under prefix+ocid as a JSON {timestamp, data} document.
type History struct {
	client RedisInterface
	prefix string
	runner goresilience.Runner
}

func NewHistory(client RedisInterface, cfg *Config) *History {
	prefix := DefaultHistoryPrefix
	queryTimeout := defaultQueryTimeout
	if cfg != nil {
		if cfg.HistoryPrefix != "" {
			prefix = cfg.HistoryPrefix
		}
		if cfg.QueryTimeout > 0 {
			queryTimeout = cfg.QueryTimeout
		}
	}
	runner := goresilience.RunnerChain(
		timeout.NewMiddleware(timeout.Config{Timeout: queryTimeout}),
		circuitbreaker.NewMiddleware(circuitbreaker.Config{
			ErrorPercentThresholdToOpen:        50,
			MinimumRequestToOpen:               10,
			SuccessfulRequiredOnHalfOpen:       1,
			WaitDurationInOpenState:            10 * time.Second,
			MetricsSlidingWindowBucketQuantity: 10,
			MetricsBucketDuration:              1 * time.Second,
		}),
	)
	return &History{client: client, prefix: prefix, runner: runner}
}

func (h *History) key(ocid int64) string {
	return h.prefix + strconv.FormatInt(ocid, 10)
}

// LastValues implements watcher.History. Missing keys and undecodable values
// are omitted.
func (h *History) LastValues(ctx context.Context, ocids []int64) (map[int64]watcher.Value, error) {
	out := make(map[int64]watcher.Value, len(ocids))
	if len(ocids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ocids))
	for i, ocid := range ocids {
		keys[i] = h.key(ocid)
	}
	var raw []any
	err := h.runner.Run(ctx, func(ctx context.Context) error {
		vals, err := h.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		if errors.Is(err, rerrors.ErrCircuitOpen) {
			return nil, ErrHistoryUnavailable
		}
		return nil, fmt.Errorf("reading last values: %w", err)
	}
	log := logger.FromContext(ctx)
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var value watcher.Value
		if err := json.Unmarshal([]byte(s), &value); err != nil {
			log.Warn("Skipping malformed history value", "ocid", ocids[i], "error", err)
			continue
		}
		out[ocids[i]] = value
	}
	return out, nil
}

// Record stores the latest value of a series.
func (h *History) Record(ctx context.Context, ocid int64, value watcher.Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value of %d: %w", ocid, err)
	}
	return h.runner.Run(ctx, func(ctx context.Context) error {
		return h.client.Set(ctx, h.key(ocid), data, 0).Err()
	})
}

// Forget removes the stored value of a series.
func (h *History) Forget(ctx context.Context, ocid int64) error {
	err := h.client.Del(ctx, h.key(ocid)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("deleting value of %d: %w", ocid, err)
	}
	return nil
}
