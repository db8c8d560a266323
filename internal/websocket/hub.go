package websocket

import (
	"sync"
)

// JobUpdate is pushed to subscribed clients whenever one of their jobs
// changes state.
type JobUpdate struct {
	JobID            string  `json:"job_id"`
	Status           string  `json:"status"`
	OutputURL        *string `json:"output_url,omitempty"`
	ErrorCategory    *string `json:"error_category,omitempty"`
	DetectedBlocks   *int    `json:"detected_blocks,omitempty"`
	TranslatedBlocks *int    `json:"translated_blocks,omitempty"`
}

// Hub fans job updates out to the websocket connections of a user.
// Subscriptions are keyed by user ID; one user may hold several
// connections across tabs and devices.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Client]struct{})
	}
	h.clients[userID][client] = struct{}{}
}

func (h *Hub) Unregister(userID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		return
	}
	delete(h.clients[userID], client)
	if len(h.clients[userID]) == 0 {
		delete(h.clients, userID)
	}
}

// BroadcastJob delivers the update to every connection of the user. Slow
// consumers are skipped rather than blocking the caller.
func (h *Hub) BroadcastJob(userID string, update JobUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.updates <- update:
		default:
		}
	}
}
