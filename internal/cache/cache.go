// internal/cache/cache.go

// Package cache is the read-through lobby cache. Level one is an in-process map with a TTL;
// level two is Redis, shared by every instance. Invalidation is synchronous for the calling
// instance and propagated to the others over a Redis channel.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// DefaultKeyPrefix prefixes every Redis key and channel used by the cache.
const DefaultKeyPrefix = "lobby:cache:"

// Loader fetches the authoritative lobby on a miss.
type Loader func(ctx context.Context) (*models.Lobby, error)

type entry struct {
	lobby   *models.Lobby
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.RWMutex
	l1     map[int64]entry
	gen    map[int64]uint64 // bumped by every invalidation of the id
	ttl    time.Duration
	rdb    redis.UniversalClient
	prefix string
	origin string
	group  singleflight.Group
	log    *logrus.Entry
}

// Config configures a Cache.
type Config struct {
	// Redis enables the shared second level and cross-instance invalidation. Optional.
	Redis redis.UniversalClient
	// TTL bounds how long an entry lives in either level. Defaults to 30s.
	TTL time.Duration
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	Logger    *logrus.Logger
}

// New creates a cache.
func New(cfg Config) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		l1:     make(map[int64]entry),
		gen:    make(map[int64]uint64),
		ttl:    ttl,
		rdb:    cfg.Redis,
		prefix: prefix,
		origin: uuid.NewString(),
		log:    logger.WithField("component", "cache"),
	}
}

func (c *Cache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

func (c *Cache) channel() string {
	return c.prefix + "invalidate"
}

// GetOrLoad returns the cached lobby, consulting L1, then L2, then loader. Concurrent misses
// for the same id share one loader call. Loader errors are returned and never cached, and a
// load that an invalidation overtook is returned to its callers but not cached.
func (c *Cache) GetOrLoad(ctx context.Context, id int64, loader Loader) (*models.Lobby, error) {
	if l, ok := c.getL1(id); ok {
		return l, nil
	}

	gen := c.generation(id)
	v, err, _ := c.group.Do(c.flightKey(id, gen), func() (any, error) {
		if l, ok := c.getL2(ctx, id); ok {
			c.setL1If(l, gen)
			return l, nil
		}
		l, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.warmIf(ctx, l, gen)
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.(*models.Lobby)), nil
}

func (c *Cache) flightKey(id int64, gen uint64) string {
	return c.key(id) + "@" + strconv.FormatUint(gen, 10)
}

func (c *Cache) generation(id int64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen[id]
}

// warmIf is Warm for a value loaded at generation gen. It stores nothing if the id was
// invalidated since, and undoes its L2 write if an invalidation races with it.
func (c *Cache) warmIf(ctx context.Context, l *models.Lobby, gen uint64) {
	if l == nil || !c.setL1If(l, gen) || c.rdb == nil {
		return
	}
	c.setL2(ctx, l)
	if c.generation(l.ID) != gen {
		if err := c.rdb.Del(ctx, c.key(l.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("lobby_id", l.ID).Warn("failed to drop overtaken lobby from redis")
		}
	}
}

// Warm stores a fresh copy of l in both levels.
func (c *Cache) Warm(ctx context.Context, l *models.Lobby) {
	if l == nil {
		return
	}
	c.setL1(l)
	if c.rdb != nil {
		c.setL2(ctx, l)
	}
}

func (c *Cache) setL2(ctx context.Context, l *models.Lobby) {
	data, err := json.Marshal(cachedLobby{Lobby: l, PasswordHash: l.PasswordHash})
	if err != nil {
		c.log.WithError(err).Warn("failed to marshal lobby for cache")
		return
	}
	if err := c.rdb.Set(ctx, c.key(l.ID), data, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithField("lobby_id", l.ID).Warn("failed to write lobby to redis")
	}
}

// Invalidate drops id from L1 and L2 before returning, so the caller's next read reloads.
// Other instances are told to drop their L1 entry through a Redis publish; that propagation
// is asynchronous.
func (c *Cache) Invalidate(ctx context.Context, id int64) error {
	c.dropL1(id)

	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return apperr.Unavailable("cache invalidate", err)
	}
	msg := c.origin + ":" + strconv.FormatInt(id, 10)
	if err := c.rdb.Publish(ctx, c.channel(), msg).Err(); err != nil {
		c.log.WithError(err).WithField("lobby_id", id).Warn("failed to publish cache invalidation")
	}
	return nil
}

// Listen applies invalidations published by other instances until ctx is done. Without Redis
// it returns immediately.
func (c *Cache) Listen(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	sub := c.rdb.Subscribe(ctx, c.channel())
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, idStr, found := strings.Cut(msg.Payload, ":")
			if !found || origin == c.origin {
				continue
			}
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				c.log.WithField("payload", msg.Payload).Warn("malformed invalidation message")
				continue
			}
			c.dropL1(id)
		}
	}
}

func (c *Cache) getL1(id int64) (*models.Lobby, bool) {
	c.mu.RLock()
	e, ok := c.l1[id]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return clone(e.lobby), true
}

// dropL1 removes id from L1 and bumps its generation so in-flight loads do not re-add it.
func (c *Cache) dropL1(id int64) {
	c.mu.Lock()
	delete(c.l1, id)
	c.gen[id]++
	c.mu.Unlock()
}

// setL1If stores l only while the id is still at generation gen.
func (c *Cache) setL1If(l *models.Lobby, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[l.ID] != gen {
		return false
	}
	c.l1[l.ID] = entry{lobby: clone(l), expires: time.Now().Add(c.ttl)}
	return true
}

func (c *Cache) setL1(l *models.Lobby) {
	c.mu.Lock()
	c.l1[l.ID] = entry{lobby: clone(l), expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) getL2(ctx context.Context, id int64) (*models.Lobby, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithError(err).WithField("lobby_id", id).Warn("redis read failed, falling back to store")
		}
		return nil, false
	}
	var cl cachedLobby
	if err := json.Unmarshal(data, &cl); err != nil || cl.Lobby == nil {
		return nil, false
	}
	cl.Lobby.PasswordHash = cl.PasswordHash
	return cl.Lobby, true
}

// cachedLobby carries the password hash, which models.Lobby hides from JSON.
type cachedLobby struct {
	*models.Lobby
	PasswordHash string `json:"password_hash,omitempty"`
}

// clone copies the parts of a lobby callers may mutate.
func clone(l *models.Lobby) *models.Lobby {
	if l == nil {
		return nil
	}
	cp := *l
	if l.HostID != nil {
		h := *l.HostID
		cp.HostID = &h
	}
	cp.MemberIDs = append([]int64(nil), l.MemberIDs...)
	if l.Metadata != nil {
		cp.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
