package audio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/chadiek/voice-engine/internal/vad"
)

const (
	// CaptureSampleRate is the microphone rate handed to transcription.
	CaptureSampleRate = 16000
	// captureBlock is samples per block: 256 @ 16kHz is ~16ms, giving the
	// detector its ~60 Hz frame cadence.
	captureBlock = 256
	// preRollMs of audio before the confirmed start is included in the
	// segment so debounce does not clip the first syllable.
	preRollMs = 200
	// ringMs is how much history the capture ring retains.
	ringMs = 30000
)

// ErrNoInputDevice is surfaced when the host has no usable microphone. This
// is user-actionable; the conversation must not start.
var ErrNoInputDevice = errors.New("audio: no usable input device")

// CaptureConfig bounds what counts as a real recording.
type CaptureConfig struct {
	// MinRecording and MinBytes discard sub-threshold segments without
	// invoking transcription.
	MinRecording time.Duration
	MinBytes     int
}

// DefaultCaptureConfig returns conservative segment minimums.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{MinRecording: 350 * time.Millisecond, MinBytes: 3200}
}

// Capture owns the microphone exclusively. It buffers continuously into a
// ring and hands one spectrum frame per block to the registered observer;
// the observer (the VAD) decides when, Capture decides how.
type Capture struct {
	cfg     CaptureConfig
	ring    *pcmRing
	onFrame func(vad.Frame, time.Time)

	mu       sync.Mutex
	stream   *portaudio.Stream
	running  bool
	segStart int64 // absolute sample position; -1 when no utterance is open
}

// NewCapture registers the per-frame observer at construction.
func NewCapture(cfg CaptureConfig, onFrame func(vad.Frame, time.Time)) *Capture {
	if cfg.MinRecording == 0 {
		cfg.MinRecording = DefaultCaptureConfig().MinRecording
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = DefaultCaptureConfig().MinBytes
	}
	return &Capture{
		cfg:      cfg,
		ring:     newPCMRing(ringMs, CaptureSampleRate),
		onFrame:  onFrame,
		segStart: -1,
	}
}

// Start acquires the default input device and begins continuous capture.
// Device failures are terminal and user-actionable.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("audio: capture already running")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: initialize: %w", err)
	}
	buffer := make([]int16, captureBlock)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(CaptureSampleRate), captureBlock, buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("audio: start input stream: %w", err)
	}
	c.stream = stream
	c.running = true
	go c.captureLoop(stream, buffer)
	return nil
}

func (c *Capture) captureLoop(stream *portaudio.Stream, buffer []int16) {
	for {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}
		if err := stream.Read(); err != nil {
			c.mu.Lock()
			stillRunning := c.running
			c.mu.Unlock()
			if !stillRunning {
				return
			}
			log.Printf("audio: input read error: %v", err)
			continue
		}
		block := make([]int16, len(buffer))
		copy(block, buffer)
		c.ingest(block, time.Now())
	}
}

// ingest appends one PCM block to the ring and emits its spectrum frame.
func (c *Capture) ingest(block []int16, now time.Time) {
	c.ring.Write(block)
	if c.onFrame != nil {
		c.onFrame(spectrumFrame(block, float64(CaptureSampleRate)), now)
	}
}

// MarkSpeechStart opens an utterance at the current position, minus a short
// pre-roll so the confirmation window does not clip the first syllable.
// Only one utterance may be open at a time; a second mark is ignored.
func (c *Capture) MarkSpeechStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.segStart >= 0 {
		log.Printf("audio: speech start while utterance already open, ignoring")
		return
	}
	start := c.ring.Pos() - c.ring.msToSamples(preRollMs)
	if start < 0 {
		start = 0
	}
	c.segStart = start
}

// CutSegment finalizes the open utterance and returns it as a WAV blob.
// Sub-threshold segments are discarded: ok is false and capture simply
// continues.
func (c *Capture) CutSegment() (wav []byte, ok bool) {
	c.mu.Lock()
	start := c.segStart
	c.segStart = -1
	c.mu.Unlock()
	if start < 0 {
		return nil, false
	}
	pcm := c.ring.Slice(start, c.ring.Pos())
	dur := time.Duration(len(pcm)) * time.Second / CaptureSampleRate
	if dur < c.cfg.MinRecording || len(pcm)*2 < c.cfg.MinBytes {
		log.Printf("audio: discarding %v segment below recording minimums", dur)
		return nil, false
	}
	return encodeWAV(pcm, CaptureSampleRate), true
}

// DiscardSegment drops the open utterance, if any.
func (c *Capture) DiscardSegment() {
	c.mu.Lock()
	c.segStart = -1
	c.mu.Unlock()
}

// Close stops the stream and releases the device.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	if c.stream != nil {
		_ = c.stream.Stop()
		if err := c.stream.Close(); err != nil {
			return fmt.Errorf("audio: close input stream: %w", err)
		}
		c.stream = nil
	}
	return portaudio.Terminate()
}
