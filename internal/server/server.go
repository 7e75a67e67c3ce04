// Package server is the REST and WebSocket delivery surface over the
// running pipeline and the session store.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"vigil/internal/metrics"
	"vigil/internal/pipeline"
	"vigil/internal/store"
	"vigil/internal/ws"
)

const defaultHistoryLimit = 10

// Server exposes pipeline state and session results over HTTP.
type Server struct {
	store     *store.Store
	reader    pipeline.FrameSource
	packager  *pipeline.Packager
	scheduler *pipeline.Scheduler
	dist      *pipeline.Distributor
	hub       *ws.Hub
}

// New wires the delivery surface to the running components.
func New(st *store.Store, reader pipeline.FrameSource, pk *pipeline.Packager, sched *pipeline.Scheduler, dist *pipeline.Distributor, hub *ws.Hub) *Server {
	return &Server{
		store:     st,
		reader:    reader,
		packager:  pk,
		scheduler: sched,
		dist:      dist,
		hub:       hub,
	}
}

// apiResponse is the envelope every JSON endpoint replies with.
type apiResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Router returns the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/experiment-log", s.handleExperimentLog).Methods(http.MethodGet)
	api.HandleFunc("/inference-history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/latest-inference", s.handleLatestInference).Methods(http.MethodGet)
	api.HandleFunc("/latest-inference-with-ai", s.handleLatestWithAI).Methods(http.MethodGet)
	api.HandleFunc("/inference-count", s.handleInferenceCount).Methods(http.MethodGet)
	api.HandleFunc("/media-history", s.handleMediaHistory).Methods(http.MethodGet)
	api.HandleFunc("/videos/{filename}", s.handleMediaFile).Methods(http.MethodGet)
	api.HandleFunc("/media/{filename}", s.handleMediaFile).Methods(http.MethodGet)
	api.HandleFunc("/stream/start", s.handleStreamStart).Methods(http.MethodPost)
	api.HandleFunc("/stream/stop", s.handleStreamStop).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handleClearHistory).Methods(http.MethodDelete)
	api.HandleFunc("/sentry/status", s.handleSentryStatus).Methods(http.MethodGet)
	api.HandleFunc("/sentry/toggle", s.handleSentryToggle).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/video/latest-frame", s.handleLatestFrame).Methods(http.MethodGet)
	internal.HandleFunc("/video/status", s.handleVideoStatus).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", ws.ServeWS(s.hub))

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{
		"session_id":        s.store.SessionID(),
		"session_dir":       s.store.Dir(),
		"uptime_seconds":    time.Since(s.store.StartTime()).Seconds(),
		"reader":            s.reader.Stats(),
		"packager":          s.packager.Stats(),
		"scheduler":         s.scheduler.Status(),
		"websocket_clients": s.hub.ClientCount(),
		"streaming":         s.hub.GlobalStreaming(),
	})
}

func (s *Server) handleExperimentLog(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.store.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultHistoryLimit)
	records := s.store.History(limit)
	s.ok(w, map[string]any{
		"count":   len(records),
		"results": records,
	})
}

func (s *Server) handleLatestInference(w http.ResponseWriter, r *http.Request) {
	rec := s.store.LatestInference()
	if rec == nil {
		s.fail(w, http.StatusNotFound, "no inference results yet")
		return
	}
	s.ok(w, rec)
}

func (s *Server) handleLatestWithAI(w http.ResponseWriter, r *http.Request) {
	rec := s.store.LatestInferenceWithAI()
	if rec == nil {
		s.fail(w, http.StatusNotFound, "no inference results with AI analysis yet")
		return
	}
	s.ok(w, rec)
}

func (s *Server) handleInferenceCount(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"count": s.store.Count()})
}

func (s *Server) handleMediaHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultHistoryLimit)
	media := s.store.MediaHistory(limit)
	s.ok(w, map[string]any{
		"count":   len(media),
		"results": media,
	})
}

// handleMediaFile serves media files by bare filename. http.ServeFile gives
// clients Range support, which video elements need for seeking.
func (s *Server) handleMediaFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	path, err := s.store.MediaFilePath(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.fail(w, http.StatusNotFound, "media file not found")
			return
		}
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	s.hub.SetGlobalStreaming(true)
	s.ok(w, map[string]any{"streaming": true})
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	s.hub.SetGlobalStreaming(false)
	s.ok(w, map[string]any{"streaming": false})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.store.ClearHistory()
	s.ok(w, map[string]any{"cleared": true})
}

func (s *Server) handleSentryStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"enabled": s.scheduler.SentryEnabled()})
}

func (s *Server) handleSentryToggle(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{"enabled": s.scheduler.ToggleSentry()})
}

// handleLatestFrame hands the newest frame to sibling services (the MCP
// bridge uses it to ground camera decisions).
func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	f := s.dist.Latest()
	if f == nil {
		s.fail(w, http.StatusNotFound, "no frames received yet")
		return
	}
	s.ok(w, map[string]any{
		"frame_data":   base64.StdEncoding.EncodeToString(f.Data),
		"timestamp":    float64(f.Timestamp.UnixNano()) / 1e9,
		"frame_number": f.Seq,
	})
}

func (s *Server) handleVideoStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, map[string]any{
		"streaming":        s.hub.GlobalStreaming(),
		"subscriber_count": s.dist.SubscriberCount(),
		"frame_count":      s.dist.FrameCount(),
		"has_latest_frame": s.dist.Latest() != nil,
	})
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	writeResponse(w, http.StatusOK, apiResponse{
		Success:   true,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) fail(w http.ResponseWriter, status int, msg string) {
	writeResponse(w, status, apiResponse{
		Success:   false,
		Error:     msg,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
}

func writeResponse(w http.ResponseWriter, status int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[Server] Error encoding response: %v", err)
	}
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
