package cache

import (
	"context"
	"sync"
	"time"

	"TrafficEye/internal/session"
)

// Lister fetches the conversation list from the backend
type Lister interface {
	ListConversations(ctx context.Context) ([]session.Conversation, error)
}

// Conversations caches the conversation list and the active conversation id
type Conversations struct {
	mu        sync.Mutex
	items     []session.Conversation
	fetchedAt time.Time
	activeID  int64
	ttl       time.Duration
	now       func() time.Time
}

// NewConversations creates a cache whose list goes stale after ttl
func NewConversations(ttl time.Duration) *Conversations {
	return &Conversations{ttl: ttl, now: time.Now}
}

// List returns the cached list, refreshing it through l when stale
func (c *Conversations) List(ctx context.Context, l Lister) ([]session.Conversation, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		items := append([]session.Conversation(nil), c.items...)
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	items, err := l.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	c.Store(items)
	return append([]session.Conversation(nil), items...), nil
}

// Store replaces the cached list
func (c *Conversations) Store(items []session.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]session.Conversation(nil), items...)
	c.fetchedAt = c.now()
}

// Add puts a newly created conversation at the front of the list
func (c *Conversations) Add(conv session.Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append([]session.Conversation{conv}, c.items...)
}

// Invalidate forces the next List to hit the backend
func (c *Conversations) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

// ActiveID returns the active conversation id, 0 when none
func (c *Conversations) ActiveID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// SetActive selects the conversation new turns are sent to
func (c *Conversations) SetActive(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = id
}
