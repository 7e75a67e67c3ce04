package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"vigil/internal/metrics"
)

const (
	DefaultInferenceTimeout = 60 * time.Second
	DefaultMaxConcurrent    = 1
)

// Analyzer is the remote VLM call.
type Analyzer interface {
	Analyze(ctx context.Context, artifact *MediaArtifact, question string) (*Analysis, error)
}

// ControlBridge forwards camera-control requests to the MCP service. It
// never returns an error: failures come back as an MCPResult with
// Success=false so they cannot fail the parent inference.
type ControlBridge interface {
	Analyze(ctx context.Context, mediaPath, question string) *MCPResult
}

// RecordSink persists finalized inference records.
type RecordSink interface {
	FinalizeInference(rec *InferenceRecord) error
}

// SchedulerConfig configures the inference discipline.
type SchedulerConfig struct {
	SyncMode      bool
	MaxConcurrent int
	Timeout       time.Duration
	SentryEnabled bool
}

// SchedulerStatus is a copy-on-read snapshot of scheduler state.
type SchedulerStatus struct {
	SyncMode           bool   `json:"sync_mode"`
	InferenceActive    bool   `json:"inference_active"`
	ActiveTasks        int    `json:"active_tasks"`
	HasPendingFrame    bool   `json:"has_pending_frame"`
	PendingFrameNumber uint64 `json:"pending_frame_number"`
	SkippedInSyncMode  uint64 `json:"skipped_in_sync_mode"`
	SentryEnabled      bool   `json:"sentry_enabled"`
	TotalStarted       uint64 `json:"total_inferences_started"`
	TotalCompleted     uint64 `json:"total_inferences_completed"`
	TotalFailed        uint64 `json:"total_inferences_failed"`
}

// Scheduler enforces the sync-or-async inference discipline. One mutex
// serializes the counters, the pending-latest slot, and question binding;
// it is never held across I/O. Dispatched inferences run on worker
// goroutines.
type Scheduler struct {
	analyzer  Analyzer
	bridge    ControlBridge // nil when MCP is disabled
	sink      RecordSink
	events    *EventBus
	questions *QuestionRegistry

	mu            sync.Mutex
	syncMode      bool
	maxConcurrent int
	timeout       time.Duration
	sentry        bool
	active        int
	current       *MediaArtifact
	pending       *MediaArtifact
	skipped       uint64
	started       uint64
	completed     uint64
	failed        uint64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(cfg SchedulerConfig, analyzer Analyzer, bridge ControlBridge, sink RecordSink, questions *QuestionRegistry, events *EventBus) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInferenceTimeout
	}
	return &Scheduler{
		analyzer:      analyzer,
		bridge:        bridge,
		sink:          sink,
		events:        events,
		questions:     questions,
		syncMode:      cfg.SyncMode,
		maxConcurrent: cfg.MaxConcurrent,
		timeout:       cfg.Timeout,
		sentry:        cfg.SentryEnabled,
		stopCh:        make(chan struct{}),
	}
}

// Start consumes the packager's ready queue until Stop or channel close.
func (s *Scheduler) Start(ready <-chan *MediaArtifact) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case a, ok := <-ready:
				if !ok {
					return
				}
				s.Submit(a)
			}
		}
	}()
}

// Stop ends the decision loop and waits for in-flight inferences.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

// Submit runs the dispatch algorithm for one artifact.
func (s *Scheduler) Submit(a *MediaArtifact) {
	if a == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitLocked(a)
}

func (s *Scheduler) submitLocked(a *MediaArtifact) {
	if s.stopped {
		return
	}

	// An active user question preempts the sync gate, but only when nothing
	// is in flight: a question must never bind to more than one inference.
	if s.active == 0 {
		if q, ok := s.questions.Take(); ok {
			s.dispatchLocked(a, q)
			return
		}
	}

	if !s.syncMode && s.active < s.maxConcurrent {
		s.dispatchLocked(a, "")
		return
	}

	if s.syncMode && s.active == 0 {
		if s.pending != nil {
			next := s.pending
			s.pending = a
			s.dispatchLocked(next, "")
		} else {
			s.dispatchLocked(a, "")
		}
		return
	}

	// In flight or at cap: keep only the freshest artifact.
	if s.pending != nil {
		s.skipped++
		metrics.SyncSkips.Inc()
	}
	s.pending = a
}

func (s *Scheduler) dispatchLocked(a *MediaArtifact, question string) {
	s.active++
	s.current = a
	s.started++
	metrics.InferencesStarted.Inc()

	s.wg.Add(1)
	go s.runInference(a, question)
}

func (s *Scheduler) runInference(a *MediaArtifact, question string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	rec := &InferenceRecord{
		MediaPath:      a.Path,
		MediaID:        a.ID,
		MediaType:      a.Kind,
		FrameRange:     a.FrameRange,
		StartTime:      epochSeconds(start),
		StartTimestamp: start.Format(time.RFC3339),
		UserQuestion:   question,
	}

	res, err := s.analyzer.Analyze(ctx, a, question)

	end := time.Now()
	rec.EndTime = epochSeconds(end)
	rec.EndTimestamp = end.Format(time.RFC3339)
	rec.Duration = end.Sub(start).Seconds()
	rec.ResultReceivedAt = end.Format(time.RFC3339)

	if err != nil {
		rec.ErrorKind = "transient"
		if errors.Is(err, context.DeadlineExceeded) {
			rec.ErrorKind = "timeout"
		}
		log.Printf("[Scheduler] Inference %s failed (%s): %v", a.ID, rec.ErrorKind, err)
		s.events.Publish(&Event{Type: EventError, Err: err.Error()})
	} else {
		rec.RawResult = res.Raw
		rec.Parsed = res.Scene
		rec.AIResponse = res.AIResponse
		if res.ParseErr != "" {
			rec.ErrorKind = "parse"
		}
		s.maybeRunControl(ctx, a, question, res, rec)
	}

	if serr := s.sink.FinalizeInference(rec); serr != nil {
		log.Printf("[Scheduler] Failed to persist record for %s: %v", a.ID, serr)
	}
	s.events.Publish(&Event{Type: EventInferenceCompleted, Record: rec, Timestamp: end})

	// Completion re-entry happens under the same mutex that guards enqueue,
	// closing the freshest-between-completion-and-reentry race.
	s.mu.Lock()
	s.active--
	if s.current == a {
		s.current = nil
	}
	if err != nil {
		s.failed++
		metrics.InferencesFailed.Inc()
	} else {
		s.completed++
		metrics.InferencesCompleted.Inc()
	}
	if s.pending != nil && s.canDispatchLocked() {
		next := s.pending
		s.pending = nil
		s.submitLocked(next)
	}
	s.mu.Unlock()
}

func (s *Scheduler) canDispatchLocked() bool {
	if s.syncMode {
		return s.active == 0
	}
	return s.active < s.maxConcurrent
}

// maybeRunControl invokes the MCP bridge when the response carries a
// tool-call intent or sentry mode is on, and attaches the result to rec.
func (s *Scheduler) maybeRunControl(ctx context.Context, a *MediaArtifact, question string, res *Analysis, rec *InferenceRecord) {
	if s.bridge == nil {
		if res.MCPIntent != nil {
			// No bridge to execute against; record the parsed intent.
			rec.MCP = res.MCPIntent
		}
		return
	}
	if res.MCPIntent == nil && !s.SentryEnabled() {
		return
	}

	instruction := question
	if instruction == "" && res.MCPIntent != nil {
		instruction = res.MCPIntent.Reason
	}
	if instruction == "" && res.Scene != nil {
		instruction = res.Scene.Summary
	}

	mcpRes := s.bridge.Analyze(ctx, a.Path, instruction)
	if mcpRes == nil {
		mcpRes = &MCPResult{Success: false, Result: "control bridge returned no result"}
	}
	if res.MCPIntent != nil {
		if mcpRes.ToolName == "" {
			mcpRes.ToolName = res.MCPIntent.ToolName
		}
		if mcpRes.Arguments == nil {
			mcpRes.Arguments = res.MCPIntent.Arguments
		}
		if mcpRes.Reason == "" {
			mcpRes.Reason = res.MCPIntent.Reason
		}
	}
	rec.MCP = mcpRes
}

// Status returns a copy of the scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		SyncMode:          s.syncMode,
		InferenceActive:   s.active > 0,
		ActiveTasks:       s.active,
		HasPendingFrame:   s.pending != nil,
		SkippedInSyncMode: s.skipped,
		SentryEnabled:     s.sentry,
		TotalStarted:      s.started,
		TotalCompleted:    s.completed,
		TotalFailed:       s.failed,
	}
	if s.pending != nil {
		st.PendingFrameNumber = s.pending.FrameRange[0]
	}
	return st
}

// SetSyncMode switches the inference discipline at runtime.
func (s *Scheduler) SetSyncMode(sync bool) {
	s.mu.Lock()
	s.syncMode = sync
	s.mu.Unlock()
	log.Printf("[Scheduler] Sync mode: %v", sync)
}

// SentryEnabled reports whether sentry mode is on.
func (s *Scheduler) SentryEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentry
}

// ToggleSentry flips sentry mode and returns the new state.
func (s *Scheduler) ToggleSentry() bool {
	s.mu.Lock()
	s.sentry = !s.sentry
	v := s.sentry
	s.mu.Unlock()
	log.Printf("[Scheduler] Sentry mode: %v", v)
	return v
}
