package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chadiek/voice-engine/internal/llm"
	"github.com/chadiek/voice-engine/internal/state"
	"github.com/chadiek/voice-engine/internal/textbuf"
	"github.com/chadiek/voice-engine/internal/transcript"
)

// fakeRecorder mirrors the capture contract: one open segment at a time, a
// second mark while one is open is ignored, cut and discard both close it.
type fakeRecorder struct {
	mu           sync.Mutex
	marks        int
	ignoredMarks int
	discards     int
	open         bool
	wav          []byte
	ok           bool
}

func (r *fakeRecorder) MarkSpeechStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		r.ignoredMarks++
		return
	}
	r.open = true
	r.marks++
}

func (r *fakeRecorder) CutSegment() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil, false
	}
	r.open = false
	return r.wav, r.ok
}

func (r *fakeRecorder) DiscardSegment() {
	r.mu.Lock()
	r.discards++
	r.open = false
	r.mu.Unlock()
}

func (r *fakeRecorder) markCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.marks
}

func (r *fakeRecorder) ignoredMarkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ignoredMarks
}

type fakeSTT struct {
	mu    sync.Mutex
	res   transcript.Result
	err   error
	calls int
}

func (s *fakeSTT) Transcribe(ctx context.Context, wav []byte) (transcript.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.res, s.err
}

// fakeGen emits its tokens, then either closes the stream or holds it open
// until cancellation.
type fakeGen struct {
	mu     sync.Mutex
	tokens []string
	hold   bool
	calls  int
}

func (g *fakeGen) GenerateStream(ctx context.Context, prompt string) (*llm.Stream, error) {
	g.mu.Lock()
	g.calls++
	tokens := g.tokens
	hold := g.hold
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan string, len(tokens))
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		for _, tok := range tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return &llm.Stream{Tokens: out, Err: errc, Cancel: cancel}, nil
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type sentText struct {
	text  string
	final bool
}

type fakeSynth struct {
	mu      sync.Mutex
	nextID  int
	current string
	spoken  map[string]string
	sends   []sentText
	closes  []string
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{spoken: map[string]string{}}
}

func (s *fakeSynth) CreateContext() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != "" {
		return "", errors.New("context already open")
	}
	s.nextID++
	s.current = fmt.Sprintf("ctx-%d", s.nextID)
	return s.current, nil
}

func (s *fakeSynth) SendText(text string, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return errors.New("no context")
	}
	s.sends = append(s.sends, sentText{text, final})
	s.spoken[s.current] += text
	return nil
}

func (s *fakeSynth) CloseContext(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, id)
	if s.current == id {
		s.current = ""
	}
	return nil
}

func (s *fakeSynth) SpokenText(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spoken[id]
}

func (s *fakeSynth) CurrentContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *fakeSynth) sentAll() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentText, len(s.sends))
	copy(out, s.sends)
	return out
}

func (s *fakeSynth) closedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.closes))
	copy(out, s.closes)
	return out
}

type fakePlayer struct {
	mu    sync.Mutex
	ctxs  []string
	stops int
}

func (p *fakePlayer) SetContext(id string) {
	p.mu.Lock()
	p.ctxs = append(p.ctxs, id)
	p.mu.Unlock()
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *fakePlayer) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type harness struct {
	engine  *Engine
	machine *state.Machine
	rec     *fakeRecorder
	stt     *fakeSTT
	gen     *fakeGen
	synth   *fakeSynth
	player  *fakePlayer

	mu     sync.Mutex
	trans  []string
	turns  chan [2]string
	barged chan string
}

func newHarness(cfg Config, stt *fakeSTT, gen *fakeGen) *harness {
	h := &harness{
		rec:    &fakeRecorder{wav: []byte("RIFFwav"), ok: true},
		stt:    stt,
		gen:    gen,
		synth:  newFakeSynth(),
		player: &fakePlayer{},
		turns:  make(chan [2]string, 4),
		barged: make(chan string, 4),
	}
	h.machine = state.NewMachine(func(from, to state.Phase, reason string) {
		h.mu.Lock()
		h.trans = append(h.trans, from.String()+">"+to.String())
		h.mu.Unlock()
	})
	h.engine = New(cfg, h.machine, h.rec, h.stt, h.gen, h.synth, h.player, Events{
		OnTurn:        func(user, spoken string) { h.turns <- [2]string{user, spoken} },
		OnInterrupted: func(spoken string) { h.barged <- spoken },
	})
	return h
}

func (h *harness) transitions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.trans))
	copy(out, h.trans)
	return out
}

func waitPhase(t *testing.T, e *Engine, want state.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase never reached %s (at %s)", want, e.Phase())
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TextBuf = textbuf.Config{MinChars: 10, MaxChars: 60}
	return cfg
}

func TestEngine_FullTurn(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "what is the weather"}}
	gen := &fakeGen{tokens: []string{"It is ", "sunny today. ", "Bring ", "sunglasses."}}
	h := newHarness(testConfig(), stt, gen)

	if err := h.engine.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	var turn [2]string
	select {
	case turn = <-h.turns:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never completed")
	}
	if turn[0] != "what is the weather" {
		t.Fatalf("user text = %q", turn[0])
	}
	if turn[1] != "It is sunny today. Bring sunglasses." {
		t.Fatalf("spoken = %q", turn[1])
	}
	if h.engine.Phase() != state.Listening {
		t.Fatalf("phase after turn = %s", h.engine.Phase())
	}

	sends := h.synth.sentAll()
	if len(sends) < 2 {
		t.Fatalf("expected multiple synthesis sends, got %d", len(sends))
	}
	if !sends[len(sends)-1].final {
		t.Fatalf("last send not final: %+v", sends[len(sends)-1])
	}
	var joined strings.Builder
	for _, s := range sends {
		joined.WriteString(s.text)
	}
	if joined.String() != "It is sunny today. Bring sunglasses." {
		t.Fatalf("synthesized text = %q", joined.String())
	}
	if got := h.synth.closedIDs(); len(got) != 1 || got[0] != "ctx-1" {
		t.Fatalf("context closes = %v", got)
	}
	if len(h.player.ctxs) != 1 || h.player.ctxs[0] != "ctx-1" {
		t.Fatalf("player contexts = %v", h.player.ctxs)
	}
	want := []string{"idle>listening", "listening>thinking", "thinking>speaking", "speaking>listening"}
	if got := h.transitions(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("transitions = %v", got)
	}
}

func TestEngine_EmptyTranscriptResumesListening(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: ""}}
	gen := &fakeGen{tokens: []string{"never"}}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	waitPhase(t, h.engine, state.Listening)
	if gen.callCount() != 0 {
		t.Fatalf("generator invoked for empty transcript")
	}
	for _, tr := range h.transitions() {
		if strings.Contains(tr, "error") {
			t.Fatalf("empty transcript entered error: %v", h.transitions())
		}
	}
}

func TestEngine_RetryableTranscriptionResumes(t *testing.T) {
	stt := &fakeSTT{err: fmt.Errorf("%w: boom", transcript.ErrRetryable)}
	gen := &fakeGen{}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	waitPhase(t, h.engine, state.Listening)
	for _, tr := range h.transitions() {
		if strings.Contains(tr, "error") {
			t.Fatalf("retryable failure entered error: %v", h.transitions())
		}
	}
	if gen.callCount() != 0 {
		t.Fatalf("generator invoked after failed transcription")
	}
}

func TestEngine_TerminalTranscriptionEntersError(t *testing.T) {
	stt := &fakeSTT{err: errors.New("status 400")}
	gen := &fakeGen{}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	waitPhase(t, h.engine, state.Listening)
	got := strings.Join(h.transitions(), " ")
	if !strings.Contains(got, "thinking>error") || !strings.Contains(got, "error>listening") {
		t.Fatalf("expected error round trip, got %v", h.transitions())
	}
}

func TestEngine_BargeIn(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "tell me a long story"}}
	gen := &fakeGen{tokens: []string{"Once upon a time. ", "There was a fox. "}, hold: true}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	waitPhase(t, h.engine, state.Speaking)
	marksBefore := h.rec.markCount()

	h.engine.HandleSpeechStart(time.Now())

	var spoken string
	select {
	case spoken = <-h.barged:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnInterrupted never fired")
	}
	if !strings.Contains(spoken, "Once upon a time.") {
		t.Fatalf("interrupted text = %q", spoken)
	}
	if h.engine.Phase() != state.Listening {
		t.Fatalf("phase after barge-in = %s", h.engine.Phase())
	}
	if h.player.stopCount() != 1 {
		t.Fatalf("player stops = %d", h.player.stopCount())
	}
	if h.engine.buf.Len() != 0 {
		t.Fatalf("text buffer not cleared: %d chars", h.engine.buf.Len())
	}
	if h.synth.CurrentContext() != "" {
		t.Fatalf("synthesis context left open")
	}
	if h.rec.markCount() != marksBefore+1 {
		t.Fatalf("capture segmentation not resumed")
	}
}

func TestEngine_BargeInCooldownSwallowsRepeat(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "hi"}}
	gen := &fakeGen{tokens: []string{"A healthy reply. "}, hold: true}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))
	waitPhase(t, h.engine, state.Speaking)

	at := time.Now()
	h.engine.interrupt(at)
	h.engine.interrupt(at.Add(100 * time.Millisecond))

	if h.player.stopCount() != 1 {
		t.Fatalf("repeat trigger not swallowed: %d stops", h.player.stopCount())
	}
	if got := len(h.barged); got != 1 {
		t.Fatalf("OnInterrupted fired %d times", got)
	}
}

func TestEngine_PipelineTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PipelineTimeout = 50 * time.Millisecond
	stt := &fakeSTT{res: transcript.Result{Text: "hang"}}
	gen := &fakeGen{tokens: []string{"stall"}, hold: true}
	h := newHarness(cfg, stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	waitPhase(t, h.engine, state.Listening)
	if h.engine.buf.Len() != 0 {
		t.Fatalf("buffer not cleared after timeout")
	}
	got := strings.Join(h.transitions(), " ")
	if !strings.HasSuffix(got, ">listening") {
		t.Fatalf("timeout did not resume listening: %v", h.transitions())
	}
}

func TestEngine_AbortedBlipDoesNotPrefixNextUtterance(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "the real question"}}
	gen := &fakeGen{tokens: []string{"An answer. "}}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()

	// A blip: the detector confirms a start, then retracts it.
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechAbort(now)
	if h.rec.discards != 1 {
		t.Fatalf("aborted start must discard the open segment")
	}

	// The next real utterance must get a fresh segment, not the blip's.
	later := now.Add(10 * time.Second)
	h.engine.HandleSpeechStart(later)
	h.engine.HandleSpeechEnd(later, later.Add(2*time.Second))

	select {
	case <-h.turns:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never completed after aborted blip")
	}
	if h.rec.ignoredMarkCount() != 0 {
		t.Fatalf("real utterance's mark was ignored: blip segment left open")
	}
	if h.rec.markCount() != 2 {
		t.Fatalf("marks = %d, want 2", h.rec.markCount())
	}
}

func TestEngine_InterruptAfterTurnCompletedIsNoop(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "quick one"}}
	gen := &fakeGen{tokens: []string{"A short answer. "}}
	h := newHarness(testConfig(), stt, gen)

	_ = h.engine.Start()
	now := time.Now()
	h.engine.HandleSpeechStart(now)
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))

	select {
	case <-h.turns:
	case <-time.After(2 * time.Second):
		t.Fatalf("turn never completed")
	}

	// A trigger landing after the turn already finished must not re-run the
	// barge-in effects or duplicate the exchange.
	h.engine.interrupt(time.Now())

	if h.player.stopCount() != 0 {
		t.Fatalf("late trigger stopped playback of a finished turn")
	}
	select {
	case spoken := <-h.barged:
		t.Fatalf("late trigger reported an interruption: %q", spoken)
	default:
	}
	h.engine.mu.Lock()
	entries := len(h.engine.history)
	h.engine.mu.Unlock()
	if entries != 2 {
		t.Fatalf("history has %d entries, want one user/assistant pair", entries)
	}
}

func TestEngine_SpeechEndOutsideListeningDiscards(t *testing.T) {
	stt := &fakeSTT{res: transcript.Result{Text: "x"}}
	h := newHarness(testConfig(), stt, &fakeGen{})

	// Still idle: no conversation armed.
	now := time.Now()
	h.engine.HandleSpeechEnd(now, now.Add(time.Second))
	if h.rec.discards != 1 {
		t.Fatalf("segment not discarded outside listening")
	}
	if stt.calls != 0 {
		t.Fatalf("transcription ran outside listening")
	}
}
