// Package sse provides Server-Sent Events support for live run updates.
package sse

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"rivvi_backend/platform/httpkit"
	"rivvi_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventRunStatusChanged EventType = "run_status_changed"
)

// clientBuffer is how many events a slow client may lag behind before events are dropped.
const clientBuffer = 32

// Event represents an SSE event payload
type Event struct {
	Type  EventType   `json:"type"`
	RunID uuid.UUID   `json:"runId,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// client represents a connected SSE client
type client struct {
	userID uuid.UUID
	orgID  uuid.UUID
	events chan Event
}

// Service manages SSE connections and broadcasts events per organization.
type Service struct {
	mu      sync.RWMutex
	clients map[uuid.UUID][]*client // orgID -> clients
	log     *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		clients: make(map[uuid.UUID][]*client),
		log:     log,
	}
}

// addClient registers a new client connection
func (s *Service) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.orgID] = append(s.clients[c.orgID], c)
}

// removeClient unregisters a client connection. A client already dropped by Close is ignored.
func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[c.orgID]
	for i, cl := range clients {
		if cl == c {
			s.clients[c.orgID] = append(clients[:i], clients[i+1:]...)
			if len(s.clients[c.orgID]) == 0 {
				delete(s.clients, c.orgID)
			}
			close(c.events)
			return
		}
	}
}

// PublishToOrganization broadcasts an event to every client of the organization.
func (s *Service) PublishToOrganization(orgID uuid.UUID, event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients[orgID] {
		select {
		case c.events <- event:
		default:
			s.log.Warn("sse event dropped, client buffer full",
				slog.String("org_id", orgID.String()),
				slog.String("user_id", c.userID.String()),
			)
		}
	}
}

// ClientCount returns the number of connected clients of an organization.
func (s *Service) ClientCount(orgID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[orgID])
}

// Handler returns a Gin handler streaming the caller's organization events.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := httpkit.MustGetIdentity(c)
		if identity == nil {
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		cl := &client{
			userID: identity.UserID(),
			orgID:  identity.OrgID(),
			events: make(chan Event, clientBuffer),
		}
		s.addClient(cl)
		defer s.removeClient(cl)

		c.SSEvent("connected", gin.H{"userId": cl.userID, "orgId": cl.orgID})
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case event, ok := <-cl.events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					continue
				}
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close disconnects every client.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, clients := range s.clients {
		for _, c := range clients {
			close(c.events)
		}
	}
	s.clients = make(map[uuid.UUID][]*client)
}
