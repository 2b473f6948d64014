// Package cache stores discovery results in Redis with a per-target TTL so
// browser-backed connectors can reconnect without re-driving the browser.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/krawall/krawall/discovery"
	"github.com/krawall/krawall/socketio"
)

// DefaultTTL is the discovery result lifetime used when the target config
// does not set a session max-age.
const DefaultTTL = 5 * time.Minute

type (
	// Cache is the Redis-backed discovery result store. Keys are
	// "<namespace>:discovery:<targetId>".
	Cache struct {
		rdb       redis.UniversalClient
		namespace string
	}

	// record is the wire form. discoveredAt travels as an ISO-8601 string.
	record struct {
		WSSURL           string              `json:"wssUrl"`
		Cookies          []discovery.Cookie  `json:"cookies,omitempty"`
		Headers          map[string]string   `json:"headers,omitempty"`
		LocalStorage     map[string]string   `json:"localStorage,omitempty"`
		SessionStorage   map[string]string   `json:"sessionStorage,omitempty"`
		CapturedFrames   []capturedFrame     `json:"capturedFrames,omitempty"`
		DetectedProtocol string              `json:"detectedProtocol"`
		SocketIOConfig   json.RawMessage     `json:"socketIoConfig,omitempty"`
		DiscoveredAt     string              `json:"discoveredAt"`
	}

	capturedFrame struct {
		Direction string `json:"direction"`
		Data      string `json:"data"`
		Timestamp string `json:"timestamp"`
	}
)

// New builds a Cache. namespace prefixes every key so multiple runtimes can
// share one store.
func New(rdb redis.UniversalClient, namespace string) *Cache {
	return &Cache{rdb: rdb, namespace: namespace}
}

// Set stores the result under the target's key with the given TTL. TTLs are
// rounded up to whole seconds. Write failures are logged, never returned:
// losing a cache entry only costs a rediscovery.
func (c *Cache) Set(ctx context.Context, targetID string, res *discovery.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	buf, err := json.Marshal(toRecord(res))
	if err != nil {
		log.Errorf(ctx, err, "marshal discovery result for %s", targetID)
		return
	}
	if err := c.rdb.Set(ctx, c.key(targetID), buf, ttl).Err(); err != nil {
		log.Errorf(ctx, err, "cache discovery result for %s", targetID)
	}
}

// Get returns the cached result for the target, or nil when absent or
// expired.
func (c *Cache) Get(ctx context.Context, targetID string) (*discovery.Result, error) {
	buf, err := c.rdb.Get(ctx, c.key(targetID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read discovery cache for %s: %w", targetID, err)
	}
	var rec record
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("decode discovery cache for %s: %w", targetID, err)
	}
	return fromRecord(rec)
}

// Delete drops the cached result, forcing the next connect to rediscover.
func (c *Cache) Delete(ctx context.Context, targetID string) error {
	return c.rdb.Del(ctx, c.key(targetID)).Err()
}

func (c *Cache) key(targetID string) string {
	return c.namespace + ":discovery:" + targetID
}

func toRecord(res *discovery.Result) record {
	rec := record{
		WSSURL:           res.WSSURL,
		Cookies:          res.Cookies,
		Headers:          res.Headers,
		LocalStorage:     res.LocalStorage,
		SessionStorage:   res.SessionStorage,
		DetectedProtocol: string(res.DetectedProtocol),
		DiscoveredAt:     res.DiscoveredAt.UTC().Format(time.RFC3339Nano),
	}
	if res.SocketIOConfig != nil {
		rec.SocketIOConfig, _ = json.Marshal(res.SocketIOConfig)
	}
	for _, f := range res.CapturedFrames {
		rec.CapturedFrames = append(rec.CapturedFrames, capturedFrame{
			Direction: string(f.Direction),
			Data:      f.Data,
			Timestamp: f.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return rec
}

func fromRecord(rec record) (*discovery.Result, error) {
	at, err := time.Parse(time.RFC3339Nano, rec.DiscoveredAt)
	if err != nil {
		return nil, fmt.Errorf("decode discoveredAt: %w", err)
	}
	res := &discovery.Result{
		WSSURL:           rec.WSSURL,
		Cookies:          rec.Cookies,
		Headers:          rec.Headers,
		LocalStorage:     rec.LocalStorage,
		SessionStorage:   rec.SessionStorage,
		DetectedProtocol: socketio.Protocol(rec.DetectedProtocol),
		DiscoveredAt:     at,
	}
	if len(rec.SocketIOConfig) > 0 {
		if err := json.Unmarshal(rec.SocketIOConfig, &res.SocketIOConfig); err != nil {
			return nil, fmt.Errorf("decode socket.io config: %w", err)
		}
	}
	for _, f := range rec.CapturedFrames {
		ts, _ := time.Parse(time.RFC3339Nano, f.Timestamp)
		res.CapturedFrames = append(res.CapturedFrames, discovery.CapturedFrame{
			Direction: discovery.FrameDirection(f.Direction),
			Data:      f.Data,
			Timestamp: ts,
		})
	}
	return res, nil
}
