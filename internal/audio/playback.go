package audio

import (
	"log"
	"sync"
)

// Chunk is one opaque encoded audio buffer owned by the playback queue.
type Chunk struct {
	Data      []byte
	Seq       int
	ContextID string
}

// Decoder turns an encoded chunk into playable PCM samples.
type Decoder interface {
	Decode(data []byte) ([]int16, error)
}

// Sink is the playback device. Pause/Resume suspend the audio clock; Reset
// drops anything the device has buffered (used for barge-in).
type Sink interface {
	Write(pcm []int16) error
	Pause() error
	Resume() error
	Reset()
	Close() error
}

// Playback owns a FIFO queue of chunks and plays them back to back. The
// queue and the in-flight chunk belong to exactly one context at a time.
type Playback struct {
	dec  Decoder
	sink Sink

	mu       sync.Mutex
	queue    []Chunk
	ctxID    string
	stopping bool
	paused   bool
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

func NewPlayback(dec Decoder, sink Sink) *Playback {
	p := &Playback{
		dec:  dec,
		sink: sink,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

// SetContext arms the queue for a new context. This is the only call that
// clears the stopping flag: after a Stop, nothing plays until the next turn
// is armed.
func (p *Playback) SetContext(id string) {
	p.mu.Lock()
	p.ctxID = id
	p.stopping = false
	p.mu.Unlock()
}

// Enqueue appends a chunk if it belongs to the armed context and no stop is
// in progress. Anything else is dropped, never queued.
func (p *Playback) Enqueue(ch Chunk) bool {
	p.mu.Lock()
	if p.closed || p.stopping || ch.ContextID == "" || ch.ContextID != p.ctxID {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, ch)
	p.mu.Unlock()
	p.kick()
	return true
}

// Stop hard-resets playback. The stopping flag is set first, before the
// queue is cleared or the sink is reset, so a completion racing with Stop
// observes it and does not continue the chain.
func (p *Playback) Stop() {
	p.mu.Lock()
	p.stopping = true
	p.queue = nil
	p.mu.Unlock()
	p.sink.Reset()
}

// Pause suspends the audio clock without losing queued chunks.
func (p *Playback) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return p.sink.Pause()
}

// Resume restarts the clock and the queue drain.
func (p *Playback) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	if err := p.sink.Resume(); err != nil {
		return err
	}
	p.kick()
	return nil
}

// QueueLen reports pending chunks.
func (p *Playback) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close terminates the player goroutine and the sink.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	close(p.done)
	p.mu.Unlock()
	return p.sink.Close()
}

func (p *Playback) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Playback) run() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if p.closed || p.stopping || p.paused || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			ch := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			pcm, err := p.dec.Decode(ch.Data)
			if err != nil {
				// A corrupted chunk must not abort the turn; advance.
				log.Printf("playback: decode failed on chunk %d (%s): %v", ch.Seq, ch.ContextID, err)
				continue
			}
			// Re-check after the decode: a Stop may have landed while the
			// codec was running.
			p.mu.Lock()
			halted := p.stopping || p.closed
			p.mu.Unlock()
			if halted {
				continue
			}
			if err := p.sink.Write(pcm); err != nil {
				log.Printf("playback: sink write: %v", err)
			}
		}
	}
}
