package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/metrics"
)

const (
	DefaultIntakeCapacity = 100
	DefaultReadyCapacity  = 10
)

// PackagerConfig selects the operating mode via the configuration triple
// (TargetDuration, SampleFPS, TargetFrames): (1,1,1) is image mode,
// anything else is video mode.
type PackagerConfig struct {
	TargetDuration float64 // seconds covered by one artifact
	SampleFPS      float64 // output sampling rate (video mode)
	TargetFrames   int     // sampled frames per video
	UpstreamFPS    float64 // assumed upstream camera rate
	MaxWidth       int
	MaxHeight      int
	JPEGQuality    int
	IntakeCapacity int // lossy-on-full, drop the oldest
	ReadyCapacity  int // blocking
	SessionDir     string
}

// PackagerStats is a copy-on-read snapshot of packager counters.
type PackagerStats struct {
	FramesIngested uint64 `json:"frames_ingested"`
	FramesDropped  uint64 `json:"frames_dropped"`
	VideosCreated  uint64 `json:"videos_created"`
	ImagesCreated  uint64 `json:"images_created"`
	BatchesDropped uint64 `json:"batches_dropped"`
}

// Packager turns the live frame stream into MediaArtifacts on a fixed
// cadence. It owns the in-progress batch; ready artifacts flow out on a
// blocking channel consumed by the scheduler.
type Packager struct {
	cfg     PackagerConfig
	intake  chan *Frame
	ready   chan *MediaArtifact
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	stats   PackagerStats
	statsMu sync.RWMutex
}

// videoDetails is the per-video companion JSON.
type videoDetails struct {
	VideoPath       string         `json:"video_path"`
	CreationTime    float64        `json:"creation_time"`
	CreationStamp   string         `json:"creation_timestamp"`
	TotalFrames     int            `json:"total_frames"`
	FramesPerSecond float64        `json:"frames_per_second"`
	TargetDuration  float64        `json:"target_duration"`
	FrameRange      [2]uint64      `json:"original_frame_range"`
	SampledFrames   []SampledFrame `json:"sampled_frames"`
}

// imageDetails is the per-image companion JSON.
type imageDetails struct {
	ImagePath     string  `json:"image_path"`
	FrameNumber   uint64  `json:"frame_number"`
	CreationTime  float64 `json:"creation_time"`
	CreationStamp string  `json:"creation_timestamp"`
}

// NewPackager creates a packager writing artifacts under cfg.SessionDir.
func NewPackager(cfg PackagerConfig) *Packager {
	if cfg.IntakeCapacity <= 0 {
		cfg.IntakeCapacity = DefaultIntakeCapacity
	}
	if cfg.ReadyCapacity <= 0 {
		cfg.ReadyCapacity = DefaultReadyCapacity
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = DefaultMaxHeight
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultJPEGQuality
	}
	if cfg.UpstreamFPS <= 0 {
		cfg.UpstreamFPS = 25
	}
	return &Packager{
		cfg:    cfg,
		intake: make(chan *Frame, cfg.IntakeCapacity),
		ready:  make(chan *MediaArtifact, cfg.ReadyCapacity),
		stopCh: make(chan struct{}),
	}
}

// ImageMode reports whether the configuration triple selects image mode.
func (p *Packager) ImageMode() bool {
	return p.cfg.TargetDuration == 1 && p.cfg.SampleFPS == 1 && p.cfg.TargetFrames == 1
}

// FramesPerBatch is the video-mode batch size.
func (p *Packager) FramesPerBatch() int {
	return int(math.Ceil(p.cfg.TargetDuration * p.cfg.UpstreamFPS))
}

// Offer feeds a frame into the intake queue. On a full queue the oldest
// queued frame is dropped, never the caller blocked.
func (p *Packager) Offer(f *Frame) {
	if f == nil {
		return
	}

	p.statsMu.Lock()
	p.stats.FramesIngested++
	p.statsMu.Unlock()

	select {
	case p.intake <- f:
		return
	default:
	}

	select {
	case <-p.intake:
		p.statsMu.Lock()
		p.stats.FramesDropped++
		p.statsMu.Unlock()
		metrics.FramesDropped.Inc()
	default:
	}
	select {
	case p.intake <- f:
	default:
	}
}

// Ready exposes the blocking artifact queue.
func (p *Packager) Ready() <-chan *MediaArtifact {
	return p.ready
}

// Start launches the packaging worker.
func (p *Packager) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go p.run()
}

// Stop terminates the worker. Any in-progress batch is discarded.
func (p *Packager) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
	close(p.ready)
}

// Stats returns a copy of the current counters.
func (p *Packager) Stats() PackagerStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

func (p *Packager) run() {
	defer p.wg.Done()

	if p.ImageMode() {
		log.Printf("[Packager] Image mode, cadence %.1fs", p.cfg.TargetDuration)
		p.runImageMode()
		return
	}
	log.Printf("[Packager] Video mode: %d frames per batch, %d sampled at %.1f fps",
		p.FramesPerBatch(), p.targetFrameCount(), p.cfg.SampleFPS)
	p.runVideoMode()
}

// runImageMode emits the newest frame on every cadence tick. A tick with no
// fresh frame since the previous one emits nothing.
func (p *Packager) runImageMode() {
	ticker := time.NewTicker(time.Duration(p.cfg.TargetDuration * float64(time.Second)))
	defer ticker.Stop()

	var latest *Frame
	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.intake:
			latest = f
		case <-ticker.C:
			if latest == nil {
				continue
			}
			artifact, err := p.packageImage(latest)
			latest = nil
			if err != nil {
				log.Printf("[Packager] Image packaging failed: %v", err)
				p.noteBatchDropped()
				continue
			}
			if !p.deliver(artifact) {
				return
			}
		}
	}
}

func (p *Packager) runVideoMode() {
	batchSize := p.FramesPerBatch()
	batch := make([]*Frame, 0, batchSize)

	for {
		select {
		case <-p.stopCh:
			return
		case f := <-p.intake:
			batch = append(batch, f)
			if len(batch) < batchSize {
				continue
			}
			artifact, err := p.packageVideo(batch)
			batch = make([]*Frame, 0, batchSize)
			if err != nil {
				log.Printf("[Packager] Video packaging failed, batch dropped: %v", err)
				p.noteBatchDropped()
				continue
			}
			if !p.deliver(artifact) {
				return
			}
		}
	}
}

// deliver blocks on the ready queue; a full queue pauses packaging.
func (p *Packager) deliver(a *MediaArtifact) bool {
	select {
	case p.ready <- a:
		return true
	case <-p.stopCh:
		return false
	}
}

func (p *Packager) targetFrameCount() int {
	if p.cfg.TargetFrames > 0 {
		return p.cfg.TargetFrames
	}
	n := int(p.cfg.TargetDuration * p.cfg.SampleFPS)
	if n < 1 {
		n = 1
	}
	return n
}

// packageImage writes a single resized frame as an image artifact.
func (p *Packager) packageImage(f *Frame) (*MediaArtifact, error) {
	data, w, h, err := resizeJPEG(f.Data, p.cfg.MaxWidth, p.cfg.MaxHeight, p.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("re-encode frame %d: %w", f.Seq, err)
	}

	stamp := fmt.Sprintf("%s_%03d", f.Timestamp.Format("150405"), f.Timestamp.Nanosecond()/1e6)
	dir := filepath.Join(p.cfg.SessionDir, fmt.Sprintf("frame_%d_%s_details", f.Seq, stamp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("frame_%06d_%s.jpg", f.Seq, stamp)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}

	now := time.Now()
	artifact := &MediaArtifact{
		ID:         fmt.Sprintf("frame_%06d", f.Seq),
		Kind:       ArtifactImage,
		Dir:        dir,
		Path:       path,
		FrameRange: [2]uint64{f.Seq, f.Seq},
		CreatedAt:  now,
		Created:    epochSeconds(now),
		CreatedISO: now.Format(time.RFC3339),
		Width:      w,
		Height:     h,
	}

	details := imageDetails{
		ImagePath:     path,
		FrameNumber:   f.Seq,
		CreationTime:  artifact.Created,
		CreationStamp: artifact.CreatedISO,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "image_details.json"), details); err != nil {
		return nil, err
	}

	p.statsMu.Lock()
	p.stats.ImagesCreated++
	p.statsMu.Unlock()
	metrics.ArtifactsCreated.WithLabelValues(string(ArtifactImage)).Inc()

	return artifact, nil
}

// packageVideo samples the closed batch and muxes the picks into an MP4.
func (p *Packager) packageVideo(batch []*Frame) (*MediaArtifact, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	ts := make([]float64, len(batch))
	for i, f := range batch {
		ts[i] = f.Relative
	}
	picks := sampleIndices(ts, p.targetFrameCount())

	encoded := make([][]byte, 0, len(picks))
	sampled := make([]SampledFrame, 0, len(picks))
	var vw, vh int
	for i, idx := range picks {
		f := batch[idx]
		data, w, h, err := resizeJPEG(f.Data, p.cfg.MaxWidth, p.cfg.MaxHeight, p.cfg.JPEGQuality)
		if err != nil {
			return nil, fmt.Errorf("re-encode frame %d: %w", f.Seq, err)
		}
		encoded = append(encoded, data)
		vw, vh = w, h
		sampled = append(sampled, SampledFrame{
			Index:         i,
			OriginalFrame: f.Seq,
			Timestamp:     epochSeconds(f.Timestamp),
			TimestampISO:  f.Timestamp.Format(time.RFC3339),
			Relative:      f.Relative,
		})
	}

	id := fmt.Sprintf("%d", time.Now().UnixMilli())
	dir := filepath.Join(p.cfg.SessionDir, fmt.Sprintf("sampled_video_%s_details", id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fmt.Sprintf("sampled_video_%s.mp4", id))
	if err := writeMJPEGVideo(path, encoded, p.cfg.SampleFPS, vw, vh); err != nil {
		return nil, fmt.Errorf("mux video: %w", err)
	}

	now := time.Now()
	artifact := &MediaArtifact{
		ID:         "sampled_video_" + id,
		Kind:       ArtifactVideo,
		Dir:        dir,
		Path:       path,
		FrameRange: [2]uint64{batch[0].Seq, batch[len(batch)-1].Seq},
		Sampled:    sampled,
		CreatedAt:  now,
		Created:    epochSeconds(now),
		CreatedISO: now.Format(time.RFC3339),
		Duration:   p.cfg.TargetDuration,
		SampleFPS:  p.cfg.SampleFPS,
		Width:      vw,
		Height:     vh,
	}

	details := videoDetails{
		VideoPath:       path,
		CreationTime:    artifact.Created,
		CreationStamp:   artifact.CreatedISO,
		TotalFrames:     len(sampled),
		FramesPerSecond: p.cfg.SampleFPS,
		TargetDuration:  p.cfg.TargetDuration,
		FrameRange:      artifact.FrameRange,
		SampledFrames:   sampled,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "video_details.json"), details); err != nil {
		return nil, err
	}

	p.statsMu.Lock()
	p.stats.VideosCreated++
	p.statsMu.Unlock()
	metrics.ArtifactsCreated.WithLabelValues(string(ArtifactVideo)).Inc()

	log.Printf("[Packager] Video %s: frames [%d,%d], %d sampled",
		id, artifact.FrameRange[0], artifact.FrameRange[1], len(sampled))
	return artifact, nil
}

func (p *Packager) noteBatchDropped() {
	p.statsMu.Lock()
	p.stats.BatchesDropped++
	p.statsMu.Unlock()
	metrics.BatchesDropped.Inc()
}

// writeJSONAtomic writes v as indented JSON via write-to-temp-then-rename,
// so readers never see a partial file.
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

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
