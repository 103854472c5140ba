// Package buffer is the Event Buffer: a Redis list that ingestion handlers
// push onto and the pipeline drains.
//
// Each list element is one JSON array of events, as written by Push. Drain
// reads and deletes the whole list inside one MULTI/EXEC transaction, so an
// event is visible to at most one run.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/steveyegge/sift/internal/types"
)

// ErrMalformedPayload marks a list element that is not a JSON array of events
var ErrMalformedPayload = errors.New("malformed buffer payload")

// Config holds event buffer configuration
type Config struct {
	// Addr is the Redis host:port
	// Default: localhost:6379
	Addr string `yaml:"addr"`

	// Password for Redis AUTH, empty for none
	Password string `yaml:"password"`

	// DB is the Redis logical database
	DB int `yaml:"db"`

	// Key is the list the pipeline drains
	// Default: sift:errors
	Key string `yaml:"key"`

	// DialTimeout bounds connection setup
	// Default: 5 seconds
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns default buffer configuration
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Key:         "sift:errors",
		DialTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db must be non-negative, got %d", c.DB)
	}
	return nil
}

// Batch is the result of one drain
type Batch struct {
	Events []*types.RawEvent
	// Elements is the number of list elements read
	Elements int
	// Malformed counts elements that were not valid JSON arrays
	Malformed int
	// Invalid counts events that failed validation
	Invalid int
	// Duplicates counts events dropped as identical to an earlier one
	Duplicates int
}

// Redis drains and fills the event list
type Redis struct {
	client redis.UniversalClient
	key    string
}

// New connects to Redis using cfg
func New(cfg Config) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid buffer config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return NewWithClient(client, cfg.Key), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Ping checks connectivity
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying client
func (r *Redis) Close() error {
	return r.client.Close()
}

// Len returns the number of pending list elements
func (r *Redis) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	return n, nil
}

// Push appends events to the buffer as a single JSON array element
func (r *Redis) Push(ctx context.Context, events []*types.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push events: %w", err)
	}
	return nil
}

// Drain atomically reads and clears the buffer. Any error from Redis is
// returned before events are decoded; in that case nothing was removed.
func (r *Redis) Drain(ctx context.Context) (*Batch, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, r.key, 0, -1)
		pipe.Del(ctx, r.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain buffer: %w", err)
	}

	elements, err := lrange.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read drained elements: %w", err)
	}
	return Decode(elements), nil
}

// Decode parses drained list elements into a deduplicated set of valid
// events. Malformed elements and invalid events are logged and skipped.
func Decode(elements []string) *Batch {
	batch := &Batch{Elements: len(elements)}
	seen := make(map[string]struct{})

	for i, el := range elements {
		events, err := decodeElement(el)
		if err != nil {
			batch.Malformed++
			slog.Warn("skipping buffer element", "index", i, "error", err)
			continue
		}
		for _, ev := range events {
			if ev == nil {
				batch.Invalid++
				continue
			}
			ev.Normalize()
			if err := ev.Validate(); err != nil {
				batch.Invalid++
				slog.Warn("skipping invalid event", "project", ev.ProjectID, "error", err)
				continue
			}
			key, err := ev.IdentityKey()
			if err != nil {
				batch.Invalid++
				slog.Warn("skipping unhashable event", "project", ev.ProjectID, "error", err)
				continue
			}
			if _, dup := seen[key]; dup {
				batch.Duplicates++
				continue
			}
			seen[key] = struct{}{}
			batch.Events = append(batch.Events, ev)
		}
	}
	return batch
}

func decodeElement(el string) ([]*types.RawEvent, error) {
	var events []*types.RawEvent
	if err := json.Unmarshal([]byte(el), &events); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return events, nil
}
