package textbuf

import (
	"strings"
	"sync"
	"unicode"
)

// Config holds the flush thresholds.
type Config struct {
	// MinChars is the steady-state minimum before a sentence boundary can
	// flush.
	MinChars int
	// MaxChars forces a flush regardless of punctuation.
	MaxChars int
	// FirstFlushFloor, when > 0, enables the first-flush exception: the very
	// first chunk of a turn flushes at the first word boundary past this
	// floor, trading prosody for time-to-first-audio. 0 disables it.
	FirstFlushFloor int
}

// DefaultConfig returns thresholds tuned for conversational replies.
func DefaultConfig() Config {
	return Config{MinChars: 50, MaxChars: 160, FirstFlushFloor: 16}
}

// Buffer accumulates streaming reply tokens into speakable chunks. The
// concatenation of every flushed chunk plus the final Flush equals exactly
// the token stream fed to Add.
type Buffer struct {
	cfg Config

	mu         sync.Mutex
	buf        strings.Builder
	firstFlush bool // true until the first chunk of the turn has flushed
}

func New(cfg Config) *Buffer {
	return &Buffer{cfg: cfg, firstFlush: true}
}

// Add appends one token and returns any chunks that became flushable.
func (b *Buffer) Add(token string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(token)

	var out []string
	for {
		chunk := b.tryFlushLocked()
		if chunk == "" {
			return out
		}
		out = append(out, chunk)
	}
}

// Flush drains whatever remains, regardless of thresholds. Used at
// end-of-turn so no trailing text is lost.
func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	if s != "" {
		b.firstFlush = false
	}
	return s
}

// Clear resets both the buffer and the first-flush flag. Used on barge-in
// and on conversation end.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.buf.Reset()
	b.firstFlush = true
	b.mu.Unlock()
}

// Len reports the pending character count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *Buffer) tryFlushLocked() string {
	s := b.buf.String()
	n := len(s)
	if n == 0 {
		return ""
	}

	// First-flush exception: break at the first word boundary past the floor.
	if b.firstFlush && b.cfg.FirstFlushFloor > 0 && n >= b.cfg.FirstFlushFloor {
		if i := boundaryAfter(s, b.cfg.FirstFlushFloor); i > 0 {
			return b.takeLocked(i)
		}
	}

	if n >= b.cfg.MaxChars {
		return b.takeLocked(n)
	}
	if n >= b.cfg.MinChars && endsSentence(s) {
		return b.takeLocked(n)
	}
	// A softer pause boundary flushes only once the buffer is well past the
	// sentence threshold.
	if n >= softMin(b.cfg) && endsPause(s) {
		return b.takeLocked(n)
	}
	return ""
}

// takeLocked flushes the first n bytes and retains the remainder.
func (b *Buffer) takeLocked(n int) string {
	s := b.buf.String()
	chunk, rest := s[:n], s[n:]
	b.buf.Reset()
	b.buf.WriteString(rest)
	b.firstFlush = false
	return chunk
}

func softMin(cfg Config) int {
	return cfg.MinChars + (cfg.MaxChars-cfg.MinChars)/2
}

// boundaryAfter returns the end index (exclusive, including the space) of
// the first whitespace at or past floor, or 0 when none exists yet.
func boundaryAfter(s string, floor int) int {
	for i := floor; i < len(s); i++ {
		if unicode.IsSpace(rune(s[i])) {
			return i + 1
		}
	}
	return 0
}

// endsSentence reports whether the buffer tail is sentence-ending
// punctuation followed by whitespace.
func endsSentence(s string) bool {
	return tailPunct(s, ".!?")
}

// endsPause reports whether the tail is a softer pause boundary.
func endsPause(s string) bool {
	return tailPunct(s, ",;:")
}

func tailPunct(s string, punct string) bool {
	i := len(s) - 1
	if i < 1 || !unicode.IsSpace(rune(s[i])) {
		return false
	}
	for i > 0 && unicode.IsSpace(rune(s[i])) {
		i--
	}
	return strings.ContainsRune(punct, rune(s[i]))
}
