// Package store owns the session directory: media artifact registration,
// per-artifact result files, the session experiment log, and the
// latest-by-predicate queries the delivery surface is built on.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"vigil/internal/pipeline"
)

// ProcessorConfig is the configuration snapshot persisted with the session.
type ProcessorConfig struct {
	TargetVideoDuration     float64 `json:"target_video_duration"`
	FramesPerSecond         float64 `json:"frames_per_second"`
	OriginalFPS             float64 `json:"original_fps"`
	TargetFramesPerVideo    int     `json:"target_frames_per_video"`
	FramesToCollectPerVideo int     `json:"frames_to_collect_per_video"`
	MaxConcurrentInferences int     `json:"max_concurrent_inferences"`
}

// Statistics is the session-level counter block in the experiment log.
type Statistics struct {
	TotalFramesReceived      uint64  `json:"total_frames_received"`
	TotalVideosCreated       uint64  `json:"total_videos_created"`
	TotalImagesCreated       uint64  `json:"total_images_created"`
	TotalInferencesStarted   uint64  `json:"total_inferences_started"`
	TotalInferencesCompleted uint64  `json:"total_inferences_completed"`
	StartTime                float64 `json:"start_time"`
	StartTimestamp           string  `json:"start_timestamp"`
	TotalDuration            float64 `json:"total_duration"`
}

// ExperimentLog is the schema of experiment_log.json.
type ExperimentLog struct {
	ProcessorConfig ProcessorConfig             `json:"processor_config"`
	Statistics      Statistics                  `json:"statistics"`
	InferenceLog    []*pipeline.InferenceRecord `json:"inference_log"`
}

// Store is the session-scoped result store. Writes within one artifact
// directory are serialized per-directory; the experiment-log rewrite is
// serialized globally.
type Store struct {
	dir       string
	sessionID string
	start     time.Time
	procCfg   ProcessorConfig

	mu      sync.RWMutex
	records []*pipeline.InferenceRecord
	media   []*pipeline.MediaArtifact
	stats   Statistics

	lockMu   sync.Mutex
	dirLocks map[string]*sync.Mutex

	logMu sync.Mutex
}

// NewSession creates the on-disk session directory under outputDir.
func NewSession(outputDir string, cfg ProcessorConfig) (*Store, error) {
	now := time.Now()
	sessionID := "session_" + now.Format("20060102_150405")
	dir := filepath.Join(outputDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	log.Printf("[Store] Session %s at %s", sessionID, dir)
	return &Store{
		dir:       dir,
		sessionID: sessionID,
		start:     now,
		procCfg:   cfg,
		dirLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the session directory.
func (s *Store) Dir() string { return s.dir }

// SessionID returns the timestamped session id.
func (s *Store) SessionID() string { return s.sessionID }

// StartTime returns the session start.
func (s *Store) StartTime() time.Time { return s.start }

// RegisterMedia records a freshly packaged artifact.
func (s *Store) RegisterMedia(a *pipeline.MediaArtifact) {
	if a == nil {
		return
	}
	s.mu.Lock()
	s.media = append(s.media, a)
	switch a.Kind {
	case pipeline.ArtifactVideo:
		s.stats.TotalVideosCreated++
	case pipeline.ArtifactImage:
		s.stats.TotalImagesCreated++
	}
	s.mu.Unlock()
}

// FinalizeInference writes the record's result file into its artifact
// directory and adds it to the in-memory history. Records sharing a media
// id replace the earlier entry: they are the same logical record.
func (s *Store) FinalizeInference(rec *pipeline.InferenceRecord) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}

	dir := filepath.Dir(rec.MediaPath)
	mu := s.dirLock(dir)
	mu.Lock()
	err := writeJSONAtomic(filepath.Join(dir, "inference_result.json"), rec)
	if err == nil && rec.MCP != nil {
		err = writeJSONAtomic(filepath.Join(dir, "mcp_result.json"), rec.MCP)
	}
	mu.Unlock()

	s.mu.Lock()
	replaced := false
	for i, existing := range s.records {
		if existing.MediaID == rec.MediaID {
			s.records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.records = append(s.records, rec)
	}
	s.stats.TotalInferencesCompleted++
	s.mu.Unlock()

	if err != nil {
		// StoreError: the record stays incomplete on disk, the session
		// continues.
		return fmt.Errorf("persist record for %s: %w", rec.MediaID, err)
	}
	return nil
}

// LatestMedia returns the most recently created artifact, tie-broken by id.
func (s *Store) LatestMedia() *pipeline.MediaArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *pipeline.MediaArtifact
	for _, a := range s.media {
		if best == nil ||
			a.CreatedAt.After(best.CreatedAt) ||
			(a.CreatedAt.Equal(best.CreatedAt) && a.ID > best.ID) {
			best = a
		}
	}
	return best
}

// MediaHistory returns registered artifacts, newest first, bounded by limit.
func (s *Store) MediaHistory(limit int) []*pipeline.MediaArtifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*pipeline.MediaArtifact, len(s.media))
	copy(out, s.media)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LatestInference returns the most recently completed record.
func (s *Store) LatestInference() *pipeline.InferenceRecord {
	return s.latestMatching(func(r *pipeline.InferenceRecord) bool { return true })
}

// LatestInferenceWithAI returns the most recently completed record that is
// analytically meaningful (see InferenceRecord.HasAIContent).
func (s *Store) LatestInferenceWithAI() *pipeline.InferenceRecord {
	return s.latestMatching(func(r *pipeline.InferenceRecord) bool { return r.HasAIContent() })
}

func (s *Store) latestMatching(pred func(*pipeline.InferenceRecord) bool) *pipeline.InferenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *pipeline.InferenceRecord
	for _, r := range s.records {
		if !r.Completed() || !pred(r) {
			continue
		}
		if best == nil || r.EndTime > best.EndTime {
			best = r
		}
	}
	return best
}

// History returns completed records newest-first, bounded by limit.
func (s *Store) History(limit int) []*pipeline.InferenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*pipeline.InferenceRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Completed() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EndTime > out[j].EndTime
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of completed records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if r.Completed() {
			n++
		}
	}
	return n
}

// ClearHistory drops the in-memory history. Files on disk are untouched.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	s.records = nil
	s.mu.Unlock()
	log.Printf("[Store] History cleared")
}

// SetFrameCount updates the session frame counter for the next checkpoint.
func (s *Store) SetFrameCount(n uint64) {
	s.mu.Lock()
	s.stats.TotalFramesReceived = n
	s.mu.Unlock()
}

// SetInferencesStarted updates the dispatch counter for the next checkpoint.
func (s *Store) SetInferencesStarted(n uint64) {
	s.mu.Lock()
	s.stats.TotalInferencesStarted = n
	s.mu.Unlock()
}

// Snapshot builds the current experiment log. The inference_log array is
// sorted ascending by the media's first frame, which keeps logs
// diff-friendly across runs.
func (s *Store) Snapshot() ExperimentLog {
	s.mu.RLock()
	records := make([]*pipeline.InferenceRecord, len(s.records))
	copy(records, s.records)
	stats := s.stats
	s.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FrameRange[0] < records[j].FrameRange[0]
	})

	stats.StartTime = float64(s.start.UnixNano()) / 1e9
	stats.StartTimestamp = s.start.Format(time.RFC3339)
	stats.TotalDuration = time.Since(s.start).Seconds()

	return ExperimentLog{
		ProcessorConfig: s.procCfg,
		Statistics:      stats,
		InferenceLog:    records,
	}
}

// Checkpoint rewrites experiment_log.json atomically.
func (s *Store) Checkpoint() error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return writeJSONAtomic(filepath.Join(s.dir, "experiment_log.json"), s.Snapshot())
}

// MediaFilePath resolves a bare media filename to its absolute path inside
// the session directory. Names carrying path separators are rejected.
func (s *Store) MediaFilePath(filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid media filename %q", filename)
	}

	var found string
	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == filename {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", os.ErrNotExist
	}
	return found, nil
}

func (s *Store) dirLock(dir string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	mu, ok := s.dirLocks[dir]
	if !ok {
		mu = &sync.Mutex{}
		s.dirLocks[dir] = mu
	}
	return mu
}

// writeJSONAtomic writes v as indented JSON via write-to-temp-then-rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Ensure Store implements the scheduler's RecordSink
var _ pipeline.RecordSink = (*Store)(nil)
