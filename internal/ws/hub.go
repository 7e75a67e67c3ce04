package ws

import (
	"encoding/base64"
	"log"
	"sync"
	"sync/atomic"

	"vigil/internal/metrics"
	"vigil/internal/pipeline"
)

// Hub manages WebSocket connections for the live surface. Frame delivery is
// gated twice: globally by the REST stream controls, and per-connection by
// the client's start_stream/stop_stream commands.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	globalStreaming atomic.Bool
}

// NewHub creates a hub with global streaming enabled.
func NewHub() *Hub {
	h := &Hub{
		clients: make(map[*Client]bool),
	}
	h.globalStreaming.Store(true)
	return h
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.Inc()
	log.Printf("[WS] Client %s registered (total: %d)", c.id, total)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.closeSend()
		metrics.WSClients.Dec()
		log.Printf("[WS] Client %s unregistered (remaining: %d)", c.id, total)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AnyStreaming reports whether at least one connection has streaming on.
func (h *Hub) AnyStreaming() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.streaming.Load() {
			return true
		}
	}
	return false
}

// GlobalStreaming reports the REST-controlled gate.
func (h *Hub) GlobalStreaming() bool {
	return h.globalStreaming.Load()
}

// SetGlobalStreaming flips the REST-controlled gate and tells clients.
func (h *Hub) SetGlobalStreaming(on bool) {
	h.globalStreaming.Store(on)
	h.BroadcastStatus(MessageStreamStatus, StreamStatusData{Streaming: on})
	log.Printf("[WS] Global streaming: %v", on)
}

// BroadcastFrame pushes a frame to every streaming client. Frames are
// droppable: a client with a full send queue loses the frame, never blocks
// the distributor.
func (h *Hub) BroadcastFrame(f *pipeline.Frame) {
	if f == nil || !h.globalStreaming.Load() {
		return
	}

	h.mu.RLock()
	anyStreaming := false
	for c := range h.clients {
		if c.streaming.Load() {
			anyStreaming = true
			break
		}
	}
	h.mu.RUnlock()
	if !anyStreaming {
		return
	}

	payload, err := encodeMessage(MessageVideoFrame, VideoFrameData{
		Frame:       base64.StdEncoding.EncodeToString(f.Data),
		FrameNumber: f.Seq,
		Timestamp:   float64(f.Timestamp.UnixNano()) / 1e9,
	})
	if err != nil {
		log.Printf("[WS] Error marshaling frame message: %v", err)
		return
	}

	h.mu.RLock()
	for c := range h.clients {
		if c.streaming.Load() {
			c.queue(outbound{kind: MessageVideoFrame, payload: payload})
		}
	}
	h.mu.RUnlock()
}

// BroadcastRecord pushes a finalized inference record to every client.
// Records are never dropped: on a full queue a buffered frame gets evicted
// instead.
func (h *Hub) BroadcastRecord(rec *pipeline.InferenceRecord) {
	if rec == nil {
		return
	}
	payload, err := encodeMessage(MessageInferenceResult, rec)
	if err != nil {
		log.Printf("[WS] Error marshaling inference message: %v", err)
		return
	}
	h.broadcast(outbound{kind: MessageInferenceResult, payload: payload})
}

// BroadcastStatus pushes a status_update or stream_status message.
func (h *Hub) BroadcastStatus(msgType string, data any) {
	payload, err := encodeMessage(msgType, data)
	if err != nil {
		log.Printf("[WS] Error marshaling status message: %v", err)
		return
	}
	h.broadcast(outbound{kind: msgType, payload: payload})
}

// BroadcastError pushes a diagnostic to every client.
func (h *Hub) BroadcastError(msg string) {
	payload, err := encodeMessage(MessageError, ErrorData{Message: msg})
	if err != nil {
		return
	}
	h.broadcast(outbound{kind: MessageError, payload: payload})
}

func (h *Hub) broadcast(o outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		c.queue(o)
	}
}

// CloseAll closes every connection cleanly on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		h.unregister(c)
	}
}
