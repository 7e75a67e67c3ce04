// Package asr is the question-intake HTTP surface. Speech-to-text frontends
// post recognized questions here; the pipeline consumes them through the
// shared question registry.
package asr

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"vigil/internal/pipeline"
)

// Server accepts user questions over HTTP and exposes them to the pipeline.
type Server struct {
	questions *pipeline.QuestionRegistry
	maxLen    int
	start     time.Time
}

// NewServer builds the intake server around the shared registry.
func NewServer(questions *pipeline.QuestionRegistry, maxQuestionLength int) *Server {
	if maxQuestionLength <= 0 {
		maxQuestionLength = 500
	}
	return &Server{
		questions: questions,
		maxLen:    maxQuestionLength,
		start:     time.Now(),
	}
}

// Router returns the HTTP routes of the intake surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/asr", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/question/current", s.handleCurrent).Methods(http.MethodGet)
	r.HandleFunc("/question/clear", s.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// apiResponse is the envelope every endpoint replies with.
type apiResponse struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

type questionRequest struct {
	Question string `json:"question"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, http.StatusBadRequest, "question must not be empty")
		return
	}
	if len(question) > s.maxLen {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("question exceeds maximum length of %d characters", s.maxLen))
		return
	}

	s.questions.Set(question)
	writeData(w, map[string]any{
		"status":    "success",
		"message":   "question received",
		"question":  question,
		"timestamp": epochSeconds(time.Now()),
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	q, setAt, ok := s.questions.Current()
	data := map[string]any{
		"has_question": ok,
	}
	if ok {
		data["question"] = q
		data["timestamp"] = epochSeconds(setAt)
	}
	writeData(w, data)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	old := s.questions.Clear()
	writeData(w, map[string]any{
		"status":           "success",
		"message":          "question cleared",
		"cleared_question": old,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	_, setAt, ok := s.questions.Current()
	data := map[string]any{
		"server_status":            "running",
		"current_question_exists":  ok,
		"question_timeout_seconds": s.questions.Expiry().Seconds(),
		"max_question_length":      s.maxLen,
		"uptime_seconds":           time.Since(s.start).Seconds(),
	}
	if ok {
		data["question_timestamp"] = epochSeconds(setAt)
	}
	writeData(w, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	q, _, _ := s.questions.Current()
	writeData(w, map[string]any{
		"status":           "healthy",
		"timestamp":        epochSeconds(time.Now()),
		"current_question": q,
	})
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResponse{
		Success:   true,
		Data:      data,
		Timestamp: epochSeconds(time.Now()),
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{
		Success:   false,
		Error:     msg,
		Timestamp: epochSeconds(time.Now()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ASR] Error encoding response: %v", err)
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
