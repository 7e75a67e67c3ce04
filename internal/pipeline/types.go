package pipeline

import "time"

// Frame is one decoded JPEG image from the upstream stream.
// Frames are immutable once emitted by the reader.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Relative  float64 // seconds since session start
	Data      []byte  // encoded JPEG bytes
	Width     int
	Height    int
}

// ArtifactKind distinguishes single-frame artifacts from sampled clips.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactVideo ArtifactKind = "video"
)

// SampledFrame describes one frame chosen by the sampler for a video artifact.
type SampledFrame struct {
	Index         int     `json:"index"`
	OriginalFrame uint64  `json:"original_frame_number"`
	Timestamp     float64 `json:"timestamp"`
	TimestampISO  string  `json:"timestamp_iso"`
	Relative      float64 `json:"relative_timestamp"`
	SavedPath     string  `json:"saved_path,omitempty"`
}

// MediaArtifact is a packaged unit of media ready for inference. Each
// artifact owns a sub-directory under the session where its media file and
// result files live.
type MediaArtifact struct {
	ID         string         `json:"media_id"`
	Kind       ArtifactKind   `json:"media_type"`
	Dir        string         `json:"-"`
	Path       string         `json:"media_path"`
	FrameRange [2]uint64      `json:"original_frame_range"`
	Sampled    []SampledFrame `json:"sampled_frames,omitempty"`
	CreatedAt  time.Time      `json:"-"`
	Created    float64        `json:"creation_time"`
	CreatedISO string         `json:"creation_timestamp"`
	Duration   float64        `json:"target_duration,omitempty"`
	SampleFPS  float64        `json:"frames_per_second,omitempty"`
	Width      int            `json:"width,omitempty"`
	Height     int            `json:"height,omitempty"`
}

// ImageDimensions records the pixel space the model saw, so consumers can
// remap bounding boxes to display coordinates.
type ImageDimensions struct {
	ModelWidth  int `json:"model_width"`
	ModelHeight int `json:"model_height"`
}

// Person is one detected person in a SceneResult.
type Person struct {
	ID       int       `json:"id"`
	BBox     []float64 `json:"bbox"`
	Activity string    `json:"activity"`
}

// Vehicle is one detected vehicle in a SceneResult.
type Vehicle struct {
	ID     int       `json:"id"`
	BBox   []float64 `json:"bbox"`
	Type   string    `json:"type"`
	Status string    `json:"status"`
}

// SceneResult is the structured scene description parsed from the model
// response. Bounding boxes are stored exactly as received.
type SceneResult struct {
	Timestamp       string           `json:"timestamp"`
	PeopleCount     int              `json:"people_count"`
	VehicleCount    int              `json:"vehicle_count"`
	People          []Person         `json:"people"`
	Vehicles        []Vehicle        `json:"vehicles"`
	Summary         string           `json:"summary"`
	Response        string           `json:"response,omitempty"`
	ImageDimensions *ImageDimensions `json:"image_dimensions,omitempty"`
}

// MCPResult is the outcome of a camera-control round trip, or the parsed
// intent when the bridge did not run.
type MCPResult struct {
	Success    bool           `json:"success"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Result     string         `json:"result,omitempty"`
	AIResponse string         `json:"ai_response,omitempty"`
}

// InferenceRecord is attached 1:1 to a MediaArtifact once its inference
// returns. Times are epoch seconds with ISO companions.
type InferenceRecord struct {
	MediaPath        string       `json:"media_path"`
	MediaID          string       `json:"media_id"`
	MediaType        ArtifactKind `json:"media_type"`
	FrameRange       [2]uint64    `json:"original_frame_range"`
	StartTime        float64      `json:"inference_start_time"`
	EndTime          float64      `json:"inference_end_time"`
	StartTimestamp   string       `json:"inference_start_timestamp"`
	EndTimestamp     string       `json:"inference_end_timestamp"`
	Duration         float64      `json:"inference_duration"`
	ResultReceivedAt string       `json:"result_received_at,omitempty"`
	RawResult        string       `json:"raw_result"`
	Parsed           *SceneResult `json:"parsed_result,omitempty"`
	AIResponse       string       `json:"ai_response,omitempty"`
	UserQuestion     string       `json:"user_question,omitempty"`
	MCP              *MCPResult   `json:"mcp_result,omitempty"`
	ErrorKind        string       `json:"error,omitempty"`
}

// Completed reports whether the remote call has returned for this record.
// In-progress records are excluded from latest-with-AI queries.
func (r *InferenceRecord) Completed() bool {
	return r.EndTimestamp != ""
}

// HasAIContent reports whether the record is analytically meaningful:
// non-zero object counts, a non-empty response to the user, or an attached
// MCP result. An MCP result alone qualifies.
func (r *InferenceRecord) HasAIContent() bool {
	if r.MCP != nil {
		return true
	}
	if r.Parsed == nil {
		return false
	}
	return r.Parsed.PeopleCount > 0 || r.Parsed.VehicleCount > 0 || r.Parsed.Response != ""
}

// Analysis is what the VLM client hands back to the scheduler. Parsing is
// total: Scene is always non-nil, with defaults when the payload was
// malformed, and ParseErr carries the reason.
type Analysis struct {
	Raw        string
	Scene      *SceneResult
	AIResponse string
	MCPIntent  *MCPResult
	ParseErr   string
}
