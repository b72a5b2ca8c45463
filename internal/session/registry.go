package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Factory builds a fresh controller for a session key.
type Factory func(key, conditionCode string) *Controller

// Registry maps session keys to controllers. Idle sessions expire after the
// configured TTL and the least recently used are evicted beyond capacity.
type Registry struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, *Controller]
	factory Factory
	logger  *slog.Logger
}

// NewRegistry creates a registry holding at most size sessions.
func NewRegistry(size int, ttl time.Duration, factory Factory, logger *slog.Logger) *Registry {
	if size <= 0 {
		size = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{factory: factory, logger: logger}
	r.cache = expirable.NewLRU[string, *Controller](size, func(key string, _ *Controller) {
		r.logger.Info("Session evicted", "session_key", key)
	}, ttl)
	return r
}

// GetOrCreate returns the session for key, creating it with conditionCode
// when absent. Access refreshes the idle timer. The bool reports creation.
func (r *Registry) GetOrCreate(key, conditionCode string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache.Get(key); ok {
		r.cache.Add(key, c)
		return c, false
	}
	c := r.factory(key, conditionCode)
	r.cache.Add(key, c)
	r.logger.Info("Session created", "session_key", key, "condition_code", conditionCode)
	return c, true
}

// Get returns the session for key without creating it or refreshing its
// idle timer.
func (r *Registry) Get(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Peek(key)
}

// Remove drops the session for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(key)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}
