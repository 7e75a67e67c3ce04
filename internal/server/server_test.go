package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/ws"
)

type stubSource struct{}

func (s *stubSource) Start() error { return nil }
func (s *stubSource) Stop()        {}
func (s *stubSource) Stats() pipeline.ReaderStats {
	return pipeline.ReaderStats{State: pipeline.ReaderUp}
}

func newTestServer(t *testing.T) (*Server, *store.Store, *pipeline.Distributor) {
	t.Helper()

	st, err := store.NewSession(t.TempDir(), store.ProcessorConfig{TargetVideoDuration: 3, FramesPerSecond: 5})
	require.NoError(t, err)

	dist := pipeline.NewDistributor()
	pk := pipeline.NewPackager(pipeline.PackagerConfig{
		TargetDuration: 3, SampleFPS: 5, TargetFrames: 15, SessionDir: st.Dir(),
	})
	sched := pipeline.NewScheduler(pipeline.SchedulerConfig{SyncMode: true},
		nil, nil, st, pipeline.NewQuestionRegistry(time.Minute), pipeline.NewEventBus())

	return New(st, &stubSource{}, pk, sched, dist, ws.NewHub()), st, dist
}

func get(t *testing.T, h http.Handler, method, path string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return rr.Code, resp
}

func dataMap(t *testing.T, resp apiResponse) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is not an object: %T", resp.Data)
	return m
}

func finalize(t *testing.T, st *store.Store, id string, end float64, scene *pipeline.SceneResult) {
	t.Helper()
	dir := filepath.Join(st.Dir(), id+"_details")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, st.FinalizeInference(&pipeline.InferenceRecord{
		MediaPath:    filepath.Join(dir, id+".mp4"),
		MediaID:      id,
		MediaType:    pipeline.ArtifactVideo,
		EndTime:      end,
		EndTimestamp: time.Unix(int64(end), 0).Format(time.RFC3339),
		Parsed:       scene,
	}))
}

func TestStatusEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	code, resp := get(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	assert.NotZero(t, resp.Timestamp)

	data := dataMap(t, resp)
	assert.Equal(t, st.SessionID(), data["session_id"])
	assert.Equal(t, true, data["streaming"])
	assert.Equal(t, float64(0), data["websocket_clients"])

	reader, ok := data["reader"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "up", reader["state"])

	sched, ok := data["scheduler"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, sched["sync_mode"])
}

func TestLatestInferenceEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	code, resp := get(t, h, http.MethodGet, "/api/latest-inference")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	finalize(t, st, "v_empty", 100, &pipeline.SceneResult{})
	finalize(t, st, "v_people", 50, &pipeline.SceneResult{PeopleCount: 2})

	code, resp = get(t, h, http.MethodGet, "/api/latest-inference")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v_empty", dataMap(t, resp)["media_id"], "latest by completion time")

	// The empty newer record must not shadow the older one with content.
	code, resp = get(t, h, http.MethodGet, "/api/latest-inference-with-ai")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v_people", dataMap(t, resp)["media_id"])

	code, resp = get(t, h, http.MethodGet, "/api/inference-count")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), dataMap(t, resp)["count"])
}

func TestInferenceHistoryLimit(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	for i := 1; i <= 15; i++ {
		finalize(t, st, "v"+time.Unix(int64(i), 0).Format("150405"), float64(i*10), &pipeline.SceneResult{})
	}

	code, resp := get(t, h, http.MethodGet, "/api/inference-history")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10), dataMap(t, resp)["count"], "default limit is 10")

	code, resp = get(t, h, http.MethodGet, "/api/inference-history?limit=3")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), dataMap(t, resp)["count"])

	code, resp = get(t, h, http.MethodGet, "/api/inference-history?limit=bogus")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(10), dataMap(t, resp)["count"], "bad limit falls back to default")
}

func TestClearHistory(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	finalize(t, st, "v1", 100, &pipeline.SceneResult{})

	code, resp := get(t, h, http.MethodDelete, "/api/history")
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	code, resp = get(t, h, http.MethodGet, "/api/inference-count")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), dataMap(t, resp)["count"])
}

func TestMediaFileServing(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	dir := filepath.Join(st.Dir(), "sampled_video_1_details")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sampled_video_1.mp4"), []byte("mp4-bytes"), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/api/videos/sampled_video_1.mp4", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "mp4-bytes", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("Accept-Ranges"), "media serving must support range requests")

	code, resp := get(t, h, http.MethodGet, "/api/media/not-there.mp4")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
}

func TestStreamControls(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()

	code, resp := get(t, h, http.MethodPost, "/api/stream/stop")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, dataMap(t, resp)["streaming"])

	code, resp = get(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, dataMap(t, resp)["streaming"])

	code, resp = get(t, h, http.MethodPost, "/api/stream/start")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, dataMap(t, resp)["streaming"])
}

func TestSentryToggleTwiceRestores(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()

	code, resp := get(t, h, http.MethodGet, "/api/sentry/status")
	require.Equal(t, http.StatusOK, code)
	initial := dataMap(t, resp)["enabled"]

	code, resp = get(t, h, http.MethodPost, "/api/sentry/toggle")
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, initial, dataMap(t, resp)["enabled"])

	code, resp = get(t, h, http.MethodPost, "/api/sentry/toggle")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, initial, dataMap(t, resp)["enabled"])
}

func TestInternalVideoEndpoints(t *testing.T) {
	s, _, dist := newTestServer(t)
	h := s.Router()

	code, resp := get(t, h, http.MethodGet, "/internal/video/latest-frame")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)

	dist.Publish(&pipeline.Frame{Seq: 9, Timestamp: time.Now(), Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}})

	code, resp = get(t, h, http.MethodGet, "/internal/video/latest-frame")
	require.Equal(t, http.StatusOK, code)
	data := dataMap(t, resp)
	assert.Equal(t, float64(9), data["frame_number"])
	assert.NotEmpty(t, data["frame_data"])

	code, resp = get(t, h, http.MethodGet, "/internal/video/status")
	require.Equal(t, http.StatusOK, code)
	data = dataMap(t, resp)
	assert.Equal(t, true, data["has_latest_frame"])
	assert.Equal(t, float64(1), data["frame_count"])
}

func TestExperimentLogEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	h := s.Router()

	finalize(t, st, "v1", 100, &pipeline.SceneResult{Summary: "quiet"})

	code, resp := get(t, h, http.MethodGet, "/api/experiment-log")
	require.Equal(t, http.StatusOK, code)
	data := dataMap(t, resp)

	logEntries, ok := data["inference_log"].([]any)
	require.True(t, ok)
	assert.Len(t, logEntries, 1)
	_, ok = data["processor_config"].(map[string]any)
	assert.True(t, ok)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
