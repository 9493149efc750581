package identity

import (
	"context"
	"sync"
)

// Cache is an in-memory user/world cache that satisfies both Directory and
// Resolver. Lookups never leave the process; a miss is ErrNotFound.
//
// Thread-safety: all methods are safe for concurrent use. Resolver calls run
// on goroutines spawned by the engine while the event loop reads through
// Directory.
type Cache struct {
	mu     sync.RWMutex
	users  map[string]User // by id
	names  map[string]string
	worlds map[string]World
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		users:  make(map[string]User),
		names:  make(map[string]string),
		worlds: make(map[string]World),
	}
}

// PutUser inserts or replaces a user snapshot. A changed display name
// drops the old name mapping.
func (c *Cache) PutUser(u User) {
	if u.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.users[u.ID]; ok {
		delete(c.names, NormalizeName(old.DisplayName))
	}
	c.users[u.ID] = u
	if key := NormalizeName(u.DisplayName); key != "" {
		c.names[key] = u.ID
	}
}

// PutWorld inserts or replaces a world snapshot.
func (c *Cache) PutWorld(w World) {
	if w.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worlds[w.ID] = w
}

func (c *Cache) UserByID(id string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	return u, ok
}

func (c *Cache) UserByName(displayName string) (User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.names[NormalizeName(displayName)]
	if !ok {
		return User{}, false
	}
	u, ok := c.users[id]
	return u, ok
}

func (c *Cache) LookupUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u, ok := c.UserByID(id); ok {
		return u, nil
	}
	return User{}, ErrNotFound
}

func (c *Cache) LookupUserByName(ctx context.Context, displayName string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if u, ok := c.UserByName(displayName); ok {
		return u, nil
	}
	return User{}, ErrNotFound
}

func (c *Cache) LookupWorld(ctx context.Context, id string) (World, error) {
	if err := ctx.Err(); err != nil {
		return World{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if w, ok := c.worlds[id]; ok {
		return w, nil
	}
	return World{}, ErrNotFound
}
