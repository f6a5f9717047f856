package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// ErrNoOutputDevice is surfaced when the host has no usable playback device.
var ErrNoOutputDevice = errors.New("audio: no usable output device")

const playbackBlock = 1024

// PortAudioSink owns the playback device exclusively. Writes are blocking
// and paced by the device clock.
type PortAudioSink struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
	open   bool
}

// NewPortAudioSink acquires the default output device at the synthesis rate.
func NewPortAudioSink() (*PortAudioSink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: initialize: %w", err)
	}
	buf := make([]int16, playbackBlock)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(PlaybackSampleRate), playbackBlock, &buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrNoOutputDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("audio: start output stream: %w", err)
	}
	return &PortAudioSink{stream: stream, buf: buf, open: true}, nil
}

// Write plays PCM16 mono, block by block, zero-padding the tail.
func (s *PortAudioSink) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("audio: sink closed")
	}
	for off := 0; off < len(pcm); off += playbackBlock {
		for i := 0; i < playbackBlock; i++ {
			if off+i < len(pcm) {
				s.buf[i] = pcm[off+i]
			} else {
				s.buf[i] = 0
			}
		}
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("audio: output write: %w", err)
		}
	}
	return nil
}

// Pause suspends the device clock.
func (s *PortAudioSink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	return s.stream.Stop()
}

// Resume restarts the device clock.
func (s *PortAudioSink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	return s.stream.Start()
}

// Reset is a no-op at the device level: pacing is synchronous, so there is
// nothing buffered beyond the current block.
func (s *PortAudioSink) Reset() {}

// Close releases the device.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	_ = s.stream.Stop()
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
