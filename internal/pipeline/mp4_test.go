package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteMJPEGVideo(t *testing.T) {
	frames := [][]byte{
		makeJPEG(t, 32, 24),
		makeJPEG(t, 32, 24),
		makeJPEG(t, 32, 24),
	}

	path := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, writeMJPEGVideo(path, frames, 5, 32, 24))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.Equal(t, "ftyp", string(data[4:8]))

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteMJPEGVideoEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mp4")
	err := writeMJPEGVideo(path, nil, 5, 32, 24)
	require.Error(t, err)

	_, serr := os.Stat(path)
	assert.True(t, os.IsNotExist(serr))
}

func TestResizeJPEG(t *testing.T) {
	// Within bounds: passed through byte-identical.
	small := makeJPEG(t, 100, 80)
	out, w, h, err := resizeJPEG(small, 640, 360, 85)
	require.NoError(t, err)
	assert.Equal(t, small, out)
	assert.Equal(t, 100, w)
	assert.Equal(t, 80, h)

	// Oversized: scaled down preserving aspect ratio.
	big := makeJPEG(t, 1280, 720)
	_, w, h, err = resizeJPEG(big, 640, 360, 85)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	_, _, _, err = resizeJPEG([]byte("not a jpeg"), 640, 360, 85)
	require.Error(t, err)
}
