package gateway

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ClientRegistry tracks connected clients and which session streams each
// one wants. A client starts out following every session; its first
// session.subscribe narrows delivery to the named identities, and the set
// stays authoritative from then on, even when unsubscribing empties it.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	subs    map[string]map[string]struct{} // client id -> session identities
}

// NewClientRegistry creates an empty client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Add registers a connected client in follow-all mode
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove drops a client and its subscriptions
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	delete(r.subs, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// Subscribe narrows a client's delivery to the named session identity
// (cumulative with earlier subscriptions).
func (r *ClientRegistry) Subscribe(clientID, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; !exists {
		return fmt.Errorf("unknown client %s", clientID)
	}
	set, ok := r.subs[clientID]
	if !ok {
		set = make(map[string]struct{})
		r.subs[clientID] = set
	}
	set[identity] = struct{}{}
	return nil
}

// Unsubscribe removes one session identity from a client's set. A client
// that never subscribed stays in follow-all mode.
func (r *ClientRegistry) Unsubscribe(clientID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.subs[clientID]; ok {
		delete(set, identity)
	}
}

// Subscriptions returns the client's subscribed identities, sorted; nil
// means follow-all.
func (r *ClientRegistry) Subscriptions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subscriptionsLocked(clientID)
}

func (r *ClientRegistry) subscriptionsLocked(clientID string) []string {
	set, ok := r.subs[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RecipientsFor returns the authenticated clients that want events from
// the given session: everyone still in follow-all mode plus explicit
// subscribers.
func (r *ClientRegistry) RecipientsFor(identity string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for id, client := range r.clients {
		if !client.Authenticated {
			continue
		}
		set, narrowed := r.subs[id]
		if !narrowed {
			out = append(out, client)
			continue
		}
		if _, want := set[identity]; want {
			out = append(out, client)
		}
	}
	return out
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for id, client := range r.clients {
		idle := now.Sub(client.LastActivity) > 5*time.Minute

		infos = append(infos, ClientInfo{
			ID:            id,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          idle,
			Subscriptions: r.subscriptionsLocked(id),
		})
	}

	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
