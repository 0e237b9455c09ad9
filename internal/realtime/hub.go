package realtime

import (
	"sync"

	"github.com/clinicdesk/wa-inbox-service/internal/observer"
)

// Hub tracks live dashboard sessions grouped by clinic and fans change
// payloads out to them. Tenancy is structural: a session only ever sees its
// own clinic's subjects.
type Hub struct {
	mu      sync.RWMutex
	clinics map[string]map[*Client]struct{}
	total   int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clinics: make(map[string]map[*Client]struct{})}
}

// Register adds a session under its clinic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions, ok := h.clinics[client.ClinicID]
	if !ok {
		sessions = make(map[*Client]struct{})
		h.clinics[client.ClinicID] = sessions
	}
	sessions[client] = struct{}{}
	h.total++
	observer.SetWsSessionsActive(h.total)
}

// Unregister drops a session and closes it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if sessions, ok := h.clinics[client.ClinicID]; ok {
		if _, present := sessions[client]; present {
			delete(sessions, client)
			h.total--
			if len(sessions) == 0 {
				delete(h.clinics, client.ClinicID)
			}
		}
	}
	observer.SetWsSessionsActive(h.total)
	h.mu.Unlock()
	client.Close()
}

// Broadcast delivers one payload to every session of the given clinic.
func (h *Hub) Broadcast(clinicID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clinics[clinicID] {
		client.Deliver(payload)
	}
}

// SessionCount returns the number of live sessions for one clinic.
func (h *Hub) SessionCount(clinicID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clinics[clinicID])
}

// TotalSessions returns the number of live sessions across clinics.
func (h *Hub) TotalSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}
