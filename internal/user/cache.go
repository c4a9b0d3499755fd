// Package user provides the cached view of viewer accounts the auth chain
// and background engines consult on every request.
package user

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/owlcap/owlcap/internal/esstore"
)

// cacheTTL bounds how stale a cached user may be; user mutation endpoints
// also invalidate explicitly.
const cacheTTL = 30 * time.Second

// Source is the slice of esstore the cache reads through to.
type Source interface {
	GetUser(ctx context.Context, userID string) (*esstore.User, error)
	SaveUser(ctx context.Context, u *esstore.User) error
	ListUsers(ctx context.Context) ([]*esstore.User, error)
	DeleteUser(ctx context.Context, userID string) error
}

type cacheEntry struct {
	user      *esstore.User
	expiresAt time.Time
}

// Cache is the process-wide TTL user cache.
type Cache struct {
	src     Source
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	log     *logrus.Entry
}

// NewCache creates a Cache over src.
func NewCache(src Source) *Cache {
	return &Cache{
		src:     src,
		entries: make(map[string]*cacheEntry),
		log:     logrus.WithField("component", "user-cache"),
	}
}

// Get returns the user, from cache when fresh.
func (c *Cache) Get(ctx context.Context, userID string) (*esstore.User, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.user, nil
	}

	u, err := c.src.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = &cacheEntry{user: u, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
	return u, nil
}

// Invalidate drops a cached user after a mutation.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Save writes the user through and refreshes the cache entry.
func (c *Cache) Save(ctx context.Context, u *esstore.User) error {
	if err := c.src.SaveUser(ctx, u); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[u.UserID] = &cacheEntry{user: u, expiresAt: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
	return nil
}

// Delete removes the user and its cache entry.
func (c *Cache) Delete(ctx context.Context, userID string) error {
	if err := c.src.DeleteUser(ctx, userID); err != nil {
		return err
	}
	c.Invalidate(userID)
	return nil
}

// HA1 computes the digest-auth credential stored in passStore.
func HA1(userID, realm, password string) string {
	sum := md5.Sum([]byte(userID + ":" + realm + ":" + password))
	return hex.EncodeToString(sum[:])
}

// AutoCreate materializes a user from the configured JSON template when
// header auth sees an unknown userId. The template may reference the user id
// with "$userId".
func (c *Cache) AutoCreate(ctx context.Context, userID, tmpl string) (*esstore.User, error) {
	u := &esstore.User{}
	if err := json.Unmarshal([]byte(replaceUserID(tmpl, userID)), u); err != nil {
		return nil, fmt.Errorf("bad user auto-create template: %w", err)
	}
	u.UserID = userID
	if u.UserName == "" {
		u.UserName = userID
	}
	if err := c.Save(ctx, u); err != nil {
		return nil, err
	}
	c.log.WithField("user", userID).Info("Auto-created user from template")
	return u, nil
}

func replaceUserID(tmpl, userID string) string {
	out := make([]byte, 0, len(tmpl))
	for i := 0; i < len(tmpl); {
		if i+7 <= len(tmpl) && tmpl[i:i+7] == "$userId" {
			out = append(out, userID...)
			i += 7
			continue
		}
		out = append(out, tmpl[i])
		i++
	}
	return string(out)
}
