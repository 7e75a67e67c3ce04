package ws

import (
	"encoding/json"
	"time"
)

// Message types pushed to clients
const (
	MessageVideoFrame      = "video_frame"
	MessageInferenceResult = "inference_result"
	MessageStatusUpdate    = "status_update"
	MessageStreamStatus    = "stream_status"
	MessageError           = "error"
)

// Client commands
const (
	CommandStartStream = "start_stream"
	CommandStopStream  = "stop_stream"
)

// Message is the wire envelope for every server-to-client push.
type Message struct {
	Type      string  `json:"type"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

// VideoFrameData carries one base64 JPEG frame.
type VideoFrameData struct {
	Frame       string  `json:"frame"`
	FrameNumber uint64  `json:"frame_number"`
	Timestamp   float64 `json:"timestamp"`
}

// StreamStatusData reports the per-connection streaming flag.
type StreamStatusData struct {
	Streaming bool `json:"streaming"`
}

// ErrorData carries a short diagnostic.
type ErrorData struct {
	Message string `json:"message"`
}

// clientCommand is what clients send to the server.
type clientCommand struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func encodeMessage(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}
