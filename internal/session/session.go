// Package session caches per-user broker sessions between calls.
//
// A session binds a user address to its delegated broker handle and tracks
// activity so idle sessions can be evicted. Sessions never contain user
// secrets; the broker's signer is an ephemeral key generated server-side.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/inferbroker/internal/broker"
	"github.com/mbd888/inferbroker/internal/metrics"
)

var ErrNotFound = errors.New("session: not found")

// Session is one user's broker session.
type Session struct {
	Address     string
	Broker      *broker.Broker
	Initialized bool
	LastUsed    time.Time
}

// Config for the cache lifecycle.
type Config struct {
	// TTL is the inactivity window after which a session is evicted.
	TTL time.Duration
	// CleanupInterval is how often eviction runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Cache is the process-wide session store. Construct at startup, Stop on
// shutdown; tests instantiate isolated caches.
type Cache struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its eviction goroutine.
func New(cfg Config, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   logger,
		stop:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Stop stops the eviction goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// GetOrCreate returns the session for an address, creating one via newBroker
// on first use. The second return reports whether the session already existed.
func (c *Cache) GetOrCreate(address string, newBroker func() (*broker.Broker, error)) (*Session, bool, error) {
	key := strings.ToLower(address)

	c.mu.Lock()
	if s, ok := c.sessions[key]; ok {
		s.LastUsed = time.Now()
		c.mu.Unlock()
		return s, true, nil
	}
	c.mu.Unlock()

	// Broker construction may dial RPC; never under the lock.
	b, err := newBroker()
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Lost the race to another init for the same address: keep the first.
	if s, ok := c.sessions[key]; ok {
		s.LastUsed = time.Now()
		return s, true, nil
	}

	s := &Session{
		Address:     key,
		Broker:      b,
		Initialized: true,
		LastUsed:    time.Now(),
	}
	c.sessions[key] = s
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	return s, false, nil
}

// Get returns the session for an address, refreshing its activity timestamp.
func (c *Cache) Get(address string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[strings.ToLower(address)]
	if !ok {
		return nil, ErrNotFound
	}
	s.LastUsed = time.Now()
	return s, nil
}

// Touch refreshes a session's activity timestamp if it exists.
func (c *Cache) Touch(address string) {
	c.mu.Lock()
	if s, ok := c.sessions[strings.ToLower(address)]; ok {
		s.LastUsed = time.Now()
	}
	c.mu.Unlock()
}

// Remove evicts a session immediately.
func (c *Cache) Remove(address string) {
	c.mu.Lock()
	delete(c.sessions, strings.ToLower(address))
	metrics.ActiveSessions.Set(float64(len(c.sessions)))
	c.mu.Unlock()
}

// Len reports the number of live sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictIdle(time.Now())
		}
	}
}

func (c *Cache) evictIdle(now time.Time) {
	cutoff := now.Add(-c.cfg.TTL)

	c.mu.Lock()
	evicted := 0
	for key, s := range c.sessions {
		if s.LastUsed.Before(cutoff) {
			delete(c.sessions, key)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.ActiveSessions.Set(float64(len(c.sessions)))
	}
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Info("evicted idle sessions", "count", evicted)
	}
}
