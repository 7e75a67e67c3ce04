package pipeline

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go/v4"

	"vigil/internal/metrics"
)

const (
	frameMagic      = "FRAM"
	protocolVersion = 1

	// Records larger than this are treated as protocol errors.
	maxFrameBytes = 50 << 20

	DefaultDialTimeout = 5 * time.Second
	DefaultDialRetries = 5
)

// ErrStopped is returned from the read loop when Stop tears the reader down.
var ErrStopped = errors.New("reader stopped")

// ReaderState is the externally visible connection state.
type ReaderState string

const (
	ReaderUp       ReaderState = "up"
	ReaderDown     ReaderState = "down"
	ReaderTerminal ReaderState = "terminal"
)

// ReaderStats is a copy-on-read snapshot of reader counters.
type ReaderStats struct {
	State          ReaderState `json:"state"`
	FramesReceived uint64      `json:"frames_received"`
	DecodeErrors   uint64      `json:"decode_errors"`
	ProtocolErrors uint64      `json:"protocol_errors"`
	Reconnects     uint64      `json:"reconnects"`
}

// FrameSource produces frames for the Distributor. The TCP decoder is one
// implementation; an alternate decoder can be substituted without touching
// anything downstream.
type FrameSource interface {
	Start() error
	Stop()
	Stats() ReaderStats
}

// TCPFrameReader owns the single upstream TCP connection. The wire protocol
// is an 8-byte header ("FRAM", version, 3 reserved) followed by records of a
// 4-byte big-endian length prefix and a JPEG body. Any parse deviation
// triggers a resync scan for the next plausible record.
type TCPFrameReader struct {
	endpoint     string
	dialTimeout  time.Duration
	maxRetries   uint
	dist         *Distributor
	events       *EventBus
	sessionStart time.Time
	debug        bool

	conn    net.Conn
	connMu  sync.Mutex
	seq     atomic.Uint64
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	stats   ReaderStats
	statsMu sync.RWMutex
}

// ReaderConfig configures a TCPFrameReader.
type ReaderConfig struct {
	Endpoint    string
	DialTimeout time.Duration
	MaxRetries  uint
	Debug       bool
}

// NewTCPFrameReader creates a reader publishing into dist.
func NewTCPFrameReader(cfg ReaderConfig, dist *Distributor, events *EventBus) *TCPFrameReader {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultDialRetries
	}
	return &TCPFrameReader{
		endpoint:     cfg.Endpoint,
		dialTimeout:  cfg.DialTimeout,
		maxRetries:   cfg.MaxRetries,
		debug:        cfg.Debug,
		dist:         dist,
		events:       events,
		sessionStart: time.Now(),
		stopCh:       make(chan struct{}),
		stats:        ReaderStats{State: ReaderDown},
	}
}

// Start dials the endpoint and launches the read worker.
func (r *TCPFrameReader) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reader already running")
	}

	if err := r.connect(); err != nil {
		r.running.Store(false)
		r.setState(ReaderTerminal)
		return fmt.Errorf("connect %s: %w", r.endpoint, err)
	}

	r.wg.Add(1)
	go r.run()

	log.Printf("[Reader] Connected to %s", r.endpoint)
	return nil
}

// Stop tears down the socket and joins the read worker. Idempotent.
func (r *TCPFrameReader) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)

	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.connMu.Unlock()

	r.wg.Wait()
	log.Printf("[Reader] Stopped")
}

// Stats returns a copy of the current counters.
func (r *TCPFrameReader) Stats() ReaderStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

func (r *TCPFrameReader) connect() error {
	return retry.Do(
		func() error {
			conn, err := net.DialTimeout("tcp", r.endpoint, r.dialTimeout)
			if err != nil {
				return err
			}
			r.connMu.Lock()
			r.conn = conn
			r.connMu.Unlock()
			return nil
		},
		retry.Attempts(r.maxRetries),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

func (r *TCPFrameReader) run() {
	defer r.wg.Done()

	for {
		r.setState(ReaderUp)
		r.publishStatus("reader up")

		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()

		err := r.readStream(bufio.NewReaderSize(conn, 64*1024))
		if errors.Is(err, ErrStopped) || !r.running.Load() {
			return
		}

		log.Printf("[Reader] Connection lost: %v, reconnecting", err)
		r.setState(ReaderDown)
		r.bumpReconnects()
		metrics.Reconnects.Inc()

		if err := r.connect(); err != nil {
			// Retry budget exhausted. The reader stays down until it is
			// externally restarted.
			log.Printf("[Reader] Reconnect failed: %v", err)
			r.setState(ReaderTerminal)
			r.publishStatus("reader terminal")
			r.running.Store(false)
			return
		}
	}
}

// readStream consumes one connection's worth of the wire protocol. It
// returns when the connection errors or the reader is stopped.
func (r *TCPFrameReader) readStream(br *bufio.Reader) error {
	if err := r.readHeader(br); err != nil {
		return err
	}

	for {
		select {
		case <-r.stopCh:
			return ErrStopped
		default:
		}

		payload, err := r.readRecord(br)
		if err != nil {
			return err
		}
		r.emit(payload)
	}
}

// readHeader validates the 8-byte stream prelude.
func (r *TCPFrameReader) readHeader(br *bufio.Reader) error {
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return err
	}
	if string(hdr[:4]) != frameMagic {
		r.bumpProtocolErrors()
		metrics.ProtocolErrors.Inc()
		return fmt.Errorf("bad stream magic %q", hdr[:4])
	}
	if hdr[4] != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", hdr[4])
	}
	return nil
}

// readRecord reads one length-prefixed JPEG record, resyncing past any
// malformed bytes.
func (r *TCPFrameReader) readRecord(br *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < 4 || n > maxFrameBytes {
		r.bumpProtocolErrors()
		metrics.ProtocolErrors.Inc()
		return r.resync(br)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, err
	}
	if !isJPEG(payload) {
		r.bumpProtocolErrors()
		metrics.ProtocolErrors.Inc()
		return r.resync(br)
	}
	return payload, nil
}

// resync discards bytes until it finds a length prefix whose body looks like
// a complete JPEG, then returns that body.
func (r *TCPFrameReader) resync(br *bufio.Reader) ([]byte, error) {
	for {
		select {
		case <-r.stopCh:
			return nil, ErrStopped
		default:
		}

		hdr, err := br.Peek(6)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		if n < 4 || n > maxFrameBytes || hdr[4] != 0xFF || hdr[5] != 0xD8 {
			if _, err := br.Discard(1); err != nil {
				return nil, err
			}
			continue
		}

		if _, err := br.Discard(4); err != nil {
			return nil, err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, err
		}
		if isJPEG(payload) {
			return payload, nil
		}
	}
}

// emit assigns the next sequence number, timestamps the frame, and offers it
// to the distributor. Frames whose JPEG headers fail to decode are skipped.
func (r *TCPFrameReader) emit(payload []byte) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		r.statsMu.Lock()
		r.stats.DecodeErrors++
		r.statsMu.Unlock()
		metrics.DecodeErrors.Inc()
		return
	}

	seq := r.seq.Add(1)
	now := time.Now()

	frame := &Frame{
		Seq:       seq,
		Timestamp: now,
		Relative:  now.Sub(r.sessionStart).Seconds(),
		Data:      payload,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}

	r.statsMu.Lock()
	r.stats.FramesReceived++
	r.statsMu.Unlock()
	metrics.FramesReceived.Inc()

	r.dist.Publish(frame)

	if r.debug || seq%100 == 0 {
		log.Printf("[Reader] Frame %d (%dx%d, %d bytes)", seq, cfg.Width, cfg.Height, len(payload))
	}
}

func (r *TCPFrameReader) setState(s ReaderState) {
	r.statsMu.Lock()
	r.stats.State = s
	r.statsMu.Unlock()
}

func (r *TCPFrameReader) bumpProtocolErrors() {
	r.statsMu.Lock()
	r.stats.ProtocolErrors++
	r.statsMu.Unlock()
}

func (r *TCPFrameReader) bumpReconnects() {
	r.statsMu.Lock()
	r.stats.Reconnects++
	r.statsMu.Unlock()
}

func (r *TCPFrameReader) publishStatus(msg string) {
	if r.events == nil {
		return
	}
	st := r.Stats()
	r.events.Publish(&Event{
		Type: EventStatusUpdate,
		Status: map[string]any{
			"component": "reader",
			"message":   msg,
			"state":     st.State,
			"frames":    st.FramesReceived,
		},
	})
}

func isJPEG(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == 0xFF && b[1] == 0xD8 &&
		b[len(b)-2] == 0xFF && b[len(b)-1] == 0xD9
}

// Ensure TCPFrameReader implements FrameSource
var _ FrameSource = (*TCPFrameReader)(nil)
