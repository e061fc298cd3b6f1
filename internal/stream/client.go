package stream

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/psantana5/playscope/pkg/events"
)

type client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan events.JobEvent
	jobID string
}

func (c *client) wants(evt events.JobEvent) bool {
	if c.jobID == "" {
		return true
	}
	return evt.Job != nil && evt.Job.ID == c.jobID
}

// readPump discards client messages and keeps the read deadline fresh on pong
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-time.After(registerWait):
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Unexpected websocket close", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

// writePump sends events and pings until the hub closes send
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(evt); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
