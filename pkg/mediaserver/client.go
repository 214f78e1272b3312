package mediaserver

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	// writeWait is how long to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds inbound media frames. Caller audio arrives in
	// small chunks; anything bigger is a misbehaving peer.
	maxFrameSize = 64 * 1024

	// sendBuffer holds roughly 2.5 seconds of 20 ms frames.
	sendBuffer = 128
)

// client is one media leg: a websocket connection with a read pump feeding
// caller audio in and a write pump draining agent audio out.
type client struct {
	server *Server
	conn   *websocket.Conn
	id     string
	callID string
	send   chan []byte
}

func newClient(s *Server, conn *websocket.Conn, id, callID string) *client {
	return &client{
		server: s,
		conn:   conn,
		id:     id,
		callID: callID,
		send:   make(chan []byte, sendBuffer),
	}
}

// run starts the write pump and blocks in the read pump until the connection
// closes.
func (c *client) run() {
	go c.writePump()
	c.readPump()
}

// readPump delivers inbound binary frames to the audio handler. Text frames
// are ignored; the media leg speaks raw audio only.
func (c *client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		if c.server.OnCallerAudio != nil {
			c.server.OnCallerAudio(c.callID, data)
		}
	}
}

// writePump is the only goroutine that writes to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
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
