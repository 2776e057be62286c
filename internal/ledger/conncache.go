package ledger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// HandleCache bounds the number of live per-user ledger connections. A
// handle is evicted when the cache is full (least recently used first) or
// when it has been idle past the TTL; eviction closes the underlying
// client. Concurrent Acquire calls for the same user share one handle.
type HandleCache struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, Client]
	connector Connector
	log       *slog.Logger
}

// NewHandleCache creates a cache holding at most maxHandles connections,
// each expiring after ttl of inactivity.
func NewHandleCache(connector Connector, maxHandles int, ttl time.Duration, log *slog.Logger) *HandleCache {
	c := &HandleCache{connector: connector, log: log}
	c.lru = expirable.NewLRU[string, Client](maxHandles, c.onEvict, ttl)
	return c
}

func (c *HandleCache) onEvict(userID string, client Client) {
	if err := client.Close(); err != nil {
		c.log.Warn("closing evicted ledger handle", "user_id", userID, "error", err)
	}
}

// Acquire returns the cached handle for the user, connecting with the
// given identity if none is live. Each hit refreshes the idle timer.
func (c *HandleCache) Acquire(id Identity) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.lru.Get(id.UserID); ok {
		return client, nil
	}
	client, err := c.connector.Connect(id)
	if err != nil {
		return nil, err
	}
	c.lru.Add(id.UserID, client)
	return client, nil
}

// Invalidate drops and closes the user's handle, if any. Called on wallet
// revocation so a stale certificate cannot keep transacting.
func (c *HandleCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(userID)
}

// Len reports the number of live handles.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Close drops every handle.
func (c *HandleCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
