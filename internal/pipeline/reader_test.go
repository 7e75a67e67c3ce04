package pipeline

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamHeader() []byte {
	return []byte{'F', 'R', 'A', 'M', protocolVersion, 0, 0, 0}
}

func record(payload []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

func newTestReader(dist *Distributor) *TCPFrameReader {
	return NewTCPFrameReader(ReaderConfig{Endpoint: "127.0.0.1:0"}, dist, nil)
}

func TestReaderCleanStream(t *testing.T) {
	jpg := makeJPEG(t, 32, 24)

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(record(jpg))
	stream.Write(record(jpg))
	stream.Write(record(jpg))

	dist := NewDistributor()
	r := newTestReader(dist)
	err := r.readStream(bufio.NewReader(&stream))
	require.ErrorIs(t, err, io.EOF)

	st := r.Stats()
	assert.Equal(t, uint64(3), st.FramesReceived)
	assert.Equal(t, uint64(0), st.ProtocolErrors)
	assert.Equal(t, uint64(0), st.DecodeErrors)
	assert.Equal(t, uint64(3), dist.FrameCount())

	f := dist.Latest()
	require.NotNil(t, f)
	assert.Equal(t, uint64(3), f.Seq)
	assert.Equal(t, 32, f.Width)
	assert.Equal(t, 24, f.Height)
}

func TestReaderBadMagic(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{'X', 'X', 'X', 'X', protocolVersion, 0, 0, 0})

	r := newTestReader(NewDistributor())
	err := r.readStream(bufio.NewReader(&stream))
	require.Error(t, err)
	assert.Equal(t, uint64(1), r.Stats().ProtocolErrors)
}

func TestReaderUnsupportedVersion(t *testing.T) {
	var stream bytes.Buffer
	stream.Write([]byte{'F', 'R', 'A', 'M', 99, 0, 0, 0})

	r := newTestReader(NewDistributor())
	err := r.readStream(bufio.NewReader(&stream))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestReaderResyncsAfterBogusLength(t *testing.T) {
	jpg := makeJPEG(t, 16, 16)

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(record(jpg))
	// Implausible length prefix: the reader must scan forward to the next
	// valid record instead of tearing the connection down.
	stream.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	stream.Write(record(jpg))
	stream.Write(record(jpg))

	dist := NewDistributor()
	r := newTestReader(dist)
	err := r.readStream(bufio.NewReader(&stream))
	require.ErrorIs(t, err, io.EOF)

	st := r.Stats()
	assert.Equal(t, uint64(3), st.FramesReceived, "frames after the corruption must survive")
	assert.Equal(t, uint64(1), st.ProtocolErrors)
	assert.Equal(t, uint64(3), dist.FrameCount())
}

func TestReaderResyncsAfterNonJPEGBody(t *testing.T) {
	jpg := makeJPEG(t, 16, 16)
	garbage := bytes.Repeat([]byte{0xAB}, 64)

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(record(garbage)) // plausible length, body is not a JPEG
	stream.Write(record(jpg))

	dist := NewDistributor()
	r := newTestReader(dist)
	err := r.readStream(bufio.NewReader(&stream))
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, uint64(1), r.Stats().ProtocolErrors)
	assert.Equal(t, uint64(1), r.Stats().FramesReceived)
}

func TestReaderSkipsUndecodableFrame(t *testing.T) {
	jpg := makeJPEG(t, 16, 16)
	// Valid JPEG wrapper, junk inside: passes the record scan, fails decode.
	fake := []byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0xFF, 0xD9}

	var stream bytes.Buffer
	stream.Write(streamHeader())
	stream.Write(record(fake))
	stream.Write(record(jpg))

	dist := NewDistributor()
	r := newTestReader(dist)
	err := r.readStream(bufio.NewReader(&stream))
	require.ErrorIs(t, err, io.EOF)

	st := r.Stats()
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(1), st.FramesReceived)
	// Sequence numbers count emitted frames only, no gaps for skips.
	require.NotNil(t, dist.Latest())
	assert.Equal(t, uint64(1), dist.Latest().Seq)
}

func TestIsJPEG(t *testing.T) {
	assert.True(t, isJPEG([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}))
	assert.False(t, isJPEG([]byte{0xFF, 0xD8}))
	assert.False(t, isJPEG([]byte{0x00, 0x00, 0xFF, 0xD9}))
	assert.False(t, isJPEG([]byte{0xFF, 0xD8, 0x00, 0x00}))
}
