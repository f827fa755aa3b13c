package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookingd/internal/model"
	"github.com/redis/go-redis/v9"
)

// BusyCache holds the external busy view computed by the last successful run.
type BusyCache interface {
	Store(ctx context.Context, busy []model.Slot) error
	Load(ctx context.Context) ([]model.Slot, error)
}

// MemoryBusyCache keeps the busy view in process.
type MemoryBusyCache struct {
	mu   sync.RWMutex
	busy []model.Slot
}

func NewMemoryBusyCache() *MemoryBusyCache {
	return &MemoryBusyCache{}
}

func (c *MemoryBusyCache) Store(_ context.Context, busy []model.Slot) error {
	cp := append([]model.Slot(nil), busy...)
	c.mu.Lock()
	c.busy = cp
	c.mu.Unlock()
	return nil
}

func (c *MemoryBusyCache) Load(context.Context) ([]model.Slot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Slot(nil), c.busy...), nil
}

// RedisBusyCache shares the busy view between processes. Entries expire after
// ttl so a stalled reconciler does not keep stale busy time alive forever.
type RedisBusyCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisBusyCache(client *redis.Client, key string, ttl time.Duration) *RedisBusyCache {
	if key == "" {
		key = "bookingd:calendar:busy"
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisBusyCache{client: client, key: key, ttl: ttl}
}

type busyEntry struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (c *RedisBusyCache) Store(ctx context.Context, busy []model.Slot) error {
	entries := make([]busyEntry, len(busy))
	for i, s := range busy {
		entries[i] = busyEntry{Start: s.Start.UTC(), End: s.End.UTC()}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store busy view: %w", err)
	}
	return nil
}

func (c *RedisBusyCache) Load(ctx context.Context) ([]model.Slot, error) {
	val, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load busy view: %w", err)
	}
	var entries []busyEntry
	if err := json.Unmarshal(val, &entries); err != nil {
		return nil, fmt.Errorf("decode busy view: %w", err)
	}
	out := make([]model.Slot, len(entries))
	for i, e := range entries {
		out[i] = model.Slot{Start: e.Start, End: e.End}
	}
	return out, nil
}
