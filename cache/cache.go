// Package cache is an in-process cache whose entries carry a tag, so that
// everything belonging to a previous user can be dropped at once.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jmcleod/authkeeper/session"
)

// DefaultSize bounds the number of entries.
const DefaultSize = 1024

type entry struct {
	value     any
	tag       string
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, entry]
	now     func() time.Time

	mu   sync.RWMutex
	user *session.User
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	size int
	now  func() time.Time
}

// WithSize bounds the number of entries. Defaults to DefaultSize.
func WithSize(n int) Option {
	return func(c *config) { c.size = n }
}

// WithClock overrides time.Now for entry expiry.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New returns an empty Cache.
func New(opts ...Option) (*Cache, error) {
	cfg := config{size: DefaultSize, now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	entries, err := lru.New[string, entry](cfg.size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, now: cfg.now}, nil
}

// Set stores value under key with the given tag. A positive ttl bounds its
// lifetime.
func (c *Cache) Set(key, tag string, value any, ttl time.Duration) {
	e := entry{value: value, tag: tag}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, e)
}

// Get returns the value under key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.entries.Remove(key)
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// SetCachedUser replaces the cached current user.
func (c *Cache) SetCachedUser(u *session.User) {
	if u != nil {
		cp := *u
		u = &cp
	}
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

// CachedUser returns a copy of the cached current user.
func (c *Cache) CachedUser() *session.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// InvalidateAllExcept removes every entry whose tag differs from keep. An
// empty keep removes everything, including the cached user. It returns the
// number of entries removed.
func (c *Cache) InvalidateAllExcept(keep string) int {
	if keep == "" {
		n := c.entries.Len()
		c.entries.Purge()
		c.SetCachedUser(nil)
		return n
	}
	n := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && e.tag != keep {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}
