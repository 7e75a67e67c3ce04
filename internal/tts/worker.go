// Package tts watches the session output on disk and forwards fresh scene
// summaries to a speech service. The worker is filesystem-driven so it can
// run in-process or as a standalone binary against the same output tree.
package tts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"vigil/internal/pipeline"
	"vigil/internal/store"
)

var fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// Config controls polling and delivery.
type Config struct {
	OutputDir     string
	URL           string
	CheckInterval time.Duration
	MaxRetries    uint
	Timeout       time.Duration
}

// Worker polls the newest session's experiment log and speaks new summaries.
type Worker struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	seen map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker builds a worker over the session output directory.
func NewWorker(cfg Config) *Worker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		seen:   make(map[string]bool),
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		log.Printf("[TTS] Watching %s, speaking to %s", w.cfg.OutputDir, w.cfg.URL)

		ticker := time.NewTicker(w.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.poll()
			}
		}
	}()
}

// Stop ends the polling loop.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) poll() {
	dir, ok := latestSessionDir(w.cfg.OutputDir)
	if !ok {
		return
	}

	data, err := os.ReadFile(filepath.Join(dir, "experiment_log.json"))
	if err != nil {
		return // log not written yet
	}
	var elog store.ExperimentLog
	if err := json.Unmarshal(data, &elog); err != nil {
		log.Printf("[TTS] Bad experiment log in %s: %v", dir, err)
		return
	}

	for _, rec := range elog.InferenceLog {
		if !rec.Completed() {
			continue
		}
		key := filepath.Dir(rec.MediaPath) + "|" + rec.EndTimestamp
		w.mu.Lock()
		done := w.seen[key]
		if !done {
			w.seen[key] = true
		}
		w.mu.Unlock()
		if done {
			continue
		}

		summary := extractSummary(rec)
		if summary == "" {
			continue // marked seen, nothing to say
		}
		if err := w.speak(summary); err != nil {
			log.Printf("[TTS] Failed to deliver summary: %v", err)
		}
	}
}

// extractSummary prefers the parsed summary and falls back to a fenced JSON
// block inside the raw model output.
func extractSummary(rec *pipeline.InferenceRecord) string {
	if rec.Parsed != nil && rec.Parsed.Summary != "" {
		return rec.Parsed.Summary
	}
	m := fencedJSONRe.FindStringSubmatch(rec.RawResult)
	if m == nil {
		return ""
	}
	var partial struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(m[1]), &partial); err != nil {
		return ""
	}
	return strings.TrimSpace(partial.Summary)
}

func (w *Worker) speak(text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			resp, err := w.client.Post(w.cfg.URL, "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 {
				return fmt.Errorf("tts service returned %s", resp.Status)
			}
			log.Printf("[TTS] Spoke: %q", truncate(text, 80))
			return nil
		},
		retry.Attempts(w.cfg.MaxRetries),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
}

// latestSessionDir picks the lexicographically newest session directory,
// which sorts correctly because session ids embed a sortable timestamp.
func latestSessionDir(outputDir string) (string, bool) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", false
	}

	var sessions []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "session_") {
			sessions = append(sessions, e.Name())
		}
	}
	if len(sessions) == 0 {
		return "", false
	}
	sort.Strings(sessions)
	return filepath.Join(outputDir, sessions[len(sessions)-1]), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
