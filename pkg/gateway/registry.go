package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle in status output. Idle clients are not
// disconnected.
const idleAfter = 5 * time.Minute

// ClientRegistry is the set of live connections keyed by client id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers c and returns the new connection count.
func (r *ClientRegistry) Add(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ID] = c
	return len(r.clients)
}

// Remove forgets a client and returns the remaining connection count.
func (r *ClientRegistry) Remove(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	return len(r.clients)
}

// Lookup returns the client only once it has authenticated.
func (r *ClientRegistry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[id]
	r.mu.RUnlock()
	if !ok || !c.Authenticated() {
		return nil, false
	}
	return c, true
}

// snapshot copies the clients matching keep.
func (r *ClientRegistry) snapshot(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// All returns every connection, authenticated or not.
func (r *ClientRegistry) All() []*Client {
	return r.snapshot(nil)
}

// Subscribers returns the clients that receive broadcast events.
func (r *ClientRegistry) Subscribers() []*Client {
	return r.snapshot((*Client).Authenticated)
}

// Infos describes every connection, oldest first.
func (r *ClientRegistry) Infos(now time.Time) []ClientInfo {
	clients := r.All()
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})

	infos := make([]ClientInfo, len(clients))
	for i, c := range clients {
		last := c.LastActivity()
		infos[i] = ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated(),
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  last,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(last) > idleAfter,
		}
	}
	return infos
}
