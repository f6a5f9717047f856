package audio

import "sync"

// pcmRing stores 16-bit PCM samples in a fixed circular buffer while
// tracking the absolute sample position, so a recording segment can be cut
// by position after the fact.
type pcmRing struct {
	mu     sync.Mutex
	buf    []int16
	size   int
	pos    int64 // absolute samples written since start
	sample int   // sample rate, for ms conversions
}

func newPCMRing(capacityMs, sampleRate int) *pcmRing {
	n := capacityMs * sampleRate / 1000
	if n < sampleRate/10 {
		n = sampleRate / 10
	}
	return &pcmRing{buf: make([]int16, n), size: n, sample: sampleRate}
}

func (r *pcmRing) Write(frame []int16) {
	r.mu.Lock()
	for _, s := range frame {
		r.buf[int(r.pos)%r.size] = s
		r.pos++
	}
	r.mu.Unlock()
}

// Pos returns the absolute write position in samples.
func (r *pcmRing) Pos() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// Slice copies samples [from, to). Positions older than the ring capacity
// are clamped to the oldest retained sample.
func (r *pcmRing) Slice(from, to int64) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to > r.pos {
		to = r.pos
	}
	oldest := r.pos - int64(r.size)
	if oldest < 0 {
		oldest = 0
	}
	if from < oldest {
		from = oldest
	}
	if from >= to {
		return nil
	}
	out := make([]int16, to-from)
	for i := range out {
		out[i] = r.buf[int((from+int64(i))%int64(r.size))]
	}
	return out
}

func (r *pcmRing) msToSamples(ms int) int64 {
	return int64(ms * r.sample / 1000)
}
