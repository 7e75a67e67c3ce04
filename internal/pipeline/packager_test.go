package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T, seq uint64, rel float64) *Frame {
	t.Helper()
	data := makeJPEG(t, 64, 48)
	return &Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Relative:  rel,
		Data:      data,
		Width:     64,
		Height:    48,
	}
}

func TestPackagerModeSelection(t *testing.T) {
	img := NewPackager(PackagerConfig{TargetDuration: 1, SampleFPS: 1, TargetFrames: 1, SessionDir: t.TempDir()})
	assert.True(t, img.ImageMode())

	vid := NewPackager(PackagerConfig{TargetDuration: 3, SampleFPS: 5, TargetFrames: 15, UpstreamFPS: 25, SessionDir: t.TempDir()})
	assert.False(t, vid.ImageMode())
	assert.Equal(t, 75, vid.FramesPerBatch())

	// Fractional products round up so a batch never under-covers its window.
	frac := NewPackager(PackagerConfig{TargetDuration: 2.5, SampleFPS: 5, TargetFrames: 10, UpstreamFPS: 10.1, SessionDir: t.TempDir()})
	assert.Equal(t, 26, frac.FramesPerBatch())
}

func TestPackagerOfferDropsOldest(t *testing.T) {
	p := NewPackager(PackagerConfig{
		TargetDuration: 3, SampleFPS: 5, TargetFrames: 15,
		IntakeCapacity: 2, SessionDir: t.TempDir(),
	})

	p.Offer(testFrame(t, 1, 0))
	p.Offer(testFrame(t, 2, 0.1))
	p.Offer(testFrame(t, 3, 0.2)) // queue full, frame 1 goes

	st := p.Stats()
	assert.Equal(t, uint64(3), st.FramesIngested)
	assert.Equal(t, uint64(1), st.FramesDropped)

	first := <-p.intake
	assert.Equal(t, uint64(2), first.Seq)
	second := <-p.intake
	assert.Equal(t, uint64(3), second.Seq)
}

func TestPackageImage(t *testing.T) {
	dir := t.TempDir()
	p := NewPackager(PackagerConfig{TargetDuration: 1, SampleFPS: 1, TargetFrames: 1, SessionDir: dir})

	f := testFrame(t, 12, 1.5)
	artifact, err := p.packageImage(f)
	require.NoError(t, err)

	assert.Equal(t, "frame_000012", artifact.ID)
	assert.Equal(t, ArtifactImage, artifact.Kind)
	assert.Equal(t, [2]uint64{12, 12}, artifact.FrameRange)
	assert.True(t, strings.HasSuffix(artifact.Path, ".jpg"))

	// Media file and details live in the artifact's own directory.
	_, err = os.Stat(artifact.Path)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(artifact.Dir, "image_details.json"))
	require.NoError(t, err)
	var details map[string]any
	require.NoError(t, json.Unmarshal(raw, &details))
	assert.Equal(t, artifact.Path, details["image_path"])
	assert.Equal(t, float64(12), details["frame_number"])

	assert.Equal(t, uint64(1), p.Stats().ImagesCreated)
}

func TestPackageVideo(t *testing.T) {
	dir := t.TempDir()
	p := NewPackager(PackagerConfig{
		TargetDuration: 2, SampleFPS: 2, TargetFrames: 4,
		UpstreamFPS: 5, SessionDir: dir,
	})

	batch := make([]*Frame, 10)
	for i := range batch {
		batch[i] = testFrame(t, uint64(i+1), float64(i)*0.2)
	}

	artifact, err := p.packageVideo(batch)
	require.NoError(t, err)

	assert.Equal(t, ArtifactVideo, artifact.Kind)
	assert.True(t, strings.HasPrefix(artifact.ID, "sampled_video_"))
	assert.Equal(t, [2]uint64{1, 10}, artifact.FrameRange)
	assert.Len(t, artifact.Sampled, 4)

	// First and last batch frames anchor the sample grid.
	assert.Equal(t, uint64(1), artifact.Sampled[0].OriginalFrame)
	assert.Equal(t, uint64(10), artifact.Sampled[3].OriginalFrame)

	raw, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 8)
	assert.Equal(t, "ftyp", string(raw[4:8]), "output must start with an MP4 ftyp box")

	var details videoDetails
	data, err := os.ReadFile(filepath.Join(artifact.Dir, "video_details.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &details))
	assert.Equal(t, artifact.Path, details.VideoPath)
	assert.Equal(t, 4, details.TotalFrames)
	assert.Equal(t, [2]uint64{1, 10}, details.FrameRange)

	assert.Equal(t, uint64(1), p.Stats().VideosCreated)
}

func TestPackagerVideoModeEndToEnd(t *testing.T) {
	dir := t.TempDir()
	p := NewPackager(PackagerConfig{
		TargetDuration: 1, SampleFPS: 3, TargetFrames: 3,
		UpstreamFPS: 5, SessionDir: dir,
	})
	p.Start()
	defer p.Stop()

	for i := 1; i <= 5; i++ {
		p.Offer(testFrame(t, uint64(i), float64(i)*0.2))
	}

	select {
	case artifact := <-p.Ready():
		require.NotNil(t, artifact)
		assert.Equal(t, ArtifactVideo, artifact.Kind)
		assert.Equal(t, [2]uint64{1, 5}, artifact.FrameRange)
	case <-time.After(5 * time.Second):
		t.Fatal("no artifact produced from a full batch")
	}
}

func TestPackagerImageModeCadence(t *testing.T) {
	dir := t.TempDir()
	p := NewPackager(PackagerConfig{TargetDuration: 1, SampleFPS: 1, TargetFrames: 1, SessionDir: dir})
	require.True(t, p.ImageMode())

	// Drive the cadence loop with a scaled-down duration via direct call
	// instead: a full tick would make the test take a wall-clock second.
	f := testFrame(t, 3, 0.5)
	artifact, err := p.packageImage(f)
	require.NoError(t, err)
	assert.Equal(t, ArtifactImage, artifact.Kind)
}
