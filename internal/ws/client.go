package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vigil/internal/metrics"
)

const (
	sendQueueSize = 16
	writeTimeout  = 10 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		// In production, this should be more restrictive
		return true
	},
}

type outbound struct {
	kind    string
	payload []byte
}

// Client is one WebSocket connection with its bounded send queue and
// per-connection streaming flag.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan outbound
	done      chan struct{}
	streaming atomic.Bool
	hub       *Hub
	closeOnce sync.Once
}

// ServeWS returns the /ws upgrade handler.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[WS] Upgrade error: %v", err)
			return
		}

		c := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan outbound, sendQueueSize),
			done: make(chan struct{}),
			hub:  hub,
		}
		log.Printf("[WS] New connection %s from %s", c.id, r.RemoteAddr)

		hub.register(c)
		go c.writePump()
		go c.readPump()
	}
}

// queue enqueues an outbound message. video_frame messages are dropped on a
// full queue; anything else evicts one queued item, then blocks until the
// writer drains or the client goes away.
func (c *Client) queue(o outbound) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- o:
		return
	default:
	}

	if o.kind == MessageVideoFrame {
		metrics.WSFramesDropped.Inc()
		return
	}

	select {
	case dropped := <-c.send:
		if dropped.kind == MessageVideoFrame {
			metrics.WSFramesDropped.Inc()
		}
	default:
	}

	select {
	case c.send <- o:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case o := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, o.payload); err != nil {
				log.Printf("[WS] Error sending to client %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles client commands and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024) // Small limit since clients only send commands
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for client %s: %v", c.id, err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("[WS] Bad command from client %s: %v", c.id, err)
			continue
		}

		switch cmd.Type {
		case CommandStartStream:
			c.streaming.Store(true)
			c.reply(MessageStreamStatus, StreamStatusData{Streaming: true})
			log.Printf("[WS] Client %s started streaming", c.id)
		case CommandStopStream:
			c.streaming.Store(false)
			c.reply(MessageStreamStatus, StreamStatusData{Streaming: false})
			log.Printf("[WS] Client %s stopped streaming", c.id)
		default:
			c.reply(MessageError, ErrorData{Message: "unknown command: " + cmd.Type})
		}
	}
}

func (c *Client) reply(msgType string, data any) {
	payload, err := encodeMessage(msgType, data)
	if err != nil {
		return
	}
	c.queue(outbound{kind: msgType, payload: payload})
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) close() {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	c.conn.Close()
}
