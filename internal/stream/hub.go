// Package stream pushes job events to websocket clients.
package stream

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/playscope/pkg/events"
	"github.com/psantana5/playscope/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
	registerWait   = 5 * time.Second
)

// Subscriber is the read side of the event broker
type Subscriber interface {
	Subscribe(buffer int) *events.Subscription
}

// Hub owns the set of connected clients and fans broker events out to them
type Hub struct {
	sub        Subscriber
	logger     *logging.Logger
	upgrader   websocket.Upgrader
	register   chan *client
	unregister chan *client
	clients    atomic.Int64
}

// NewHub creates a hub. checkOrigin may be nil to allow any origin.
func NewHub(sub Subscriber, logger *logging.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		sub:    sub,
		logger: logger.WithComponent("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// Serve runs the hub until ctx is cancelled, then disconnects every client
func (h *Hub) Serve(ctx context.Context) error {
	sub := h.sub.Subscribe(events.DefaultBufferSize)
	defer sub.Close()
	eventsC := sub.C()

	clients := make(map[*client]struct{})
	drop := func(c *client) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			h.clients.Add(-1)
		}
	}
	defer func() {
		for c := range clients {
			drop(c)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Stream hub stopping", map[string]interface{}{"clients": len(clients)})
			return ctx.Err()

		case c := <-h.register:
			clients[c] = struct{}{}
			h.clients.Add(1)
			h.logger.Debug("Websocket client connected", map[string]interface{}{"clients": len(clients), "job_id": c.jobID})

		case c := <-h.unregister:
			drop(c)
			h.logger.Debug("Websocket client disconnected", map[string]interface{}{"clients": len(clients)})

		case evt, ok := <-eventsC:
			if !ok {
				// Broker closed; keep existing clients until shutdown
				eventsC = nil
				continue
			}
			for c := range clients {
				if !c.wants(evt) {
					continue
				}
				select {
				case c.send <- evt:
				default:
					h.logger.Warn("Dropping slow websocket client")
					drop(c)
				}
			}
		}
	}
}

// String names the service in supervisor logs
func (h *Hub) String() string { return "stream-hub" }

// ServeHTTP upgrades the connection and registers a client.
// The optional job_id query parameter limits the stream to one job.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		h.logger.Debug("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan events.JobEvent, sendBuffer),
		jobID: r.URL.Query().Get("job_id"),
	}

	select {
	case h.register <- c:
	case <-time.After(registerWait):
		h.logger.Warn("Stream hub not running, closing websocket")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
