package engine

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/voice-engine/internal/state"
	"github.com/chadiek/voice-engine/internal/textbuf"
	"github.com/chadiek/voice-engine/internal/transcript"
)

// Config holds the turn pipeline knobs.
type Config struct {
	TextBuf textbuf.Config
	// PipelineTimeout bounds one full transcribe-generate-speak turn.
	PipelineTimeout time.Duration
	// InterruptCooldown swallows repeat barge-in triggers after one fired.
	InterruptCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		TextBuf:           textbuf.DefaultConfig(),
		PipelineTimeout:   5 * time.Minute,
		InterruptCooldown: 700 * time.Millisecond,
	}
}

// Events carries the engine's outbound notifications, registered at
// construction.
type Events struct {
	// OnInterrupted receives the text actually spoken before a barge-in cut
	// the reply short.
	OnInterrupted func(spoken string)
	// OnTurn fires after a completed turn with the user's text and exactly
	// what was spoken back.
	OnTurn func(user, spoken string)
}

// InterruptionCoordinator debounces barge-in: after one trigger fires, any
// further trigger inside the cooldown window is swallowed.
type InterruptionCoordinator struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
}

func newCoordinator(cooldown time.Duration) *InterruptionCoordinator {
	if cooldown <= 0 {
		cooldown = 700 * time.Millisecond
	}
	return &InterruptionCoordinator{cooldown: cooldown}
}

func (c *InterruptionCoordinator) allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.last.IsZero() && now.Sub(c.last) < c.cooldown {
		return false
	}
	c.last = now
	return true
}

// Engine owns the conversation loop. It is the only component that mutates
// the phase machine; capture, detection and synthesis report in through it.
type Engine struct {
	cfg     Config
	machine *state.Machine
	rec     Recorder
	stt     Transcriber
	gen     Generator
	synth   Synthesizer
	player  Player
	buf     *textbuf.Buffer
	coord   *InterruptionCoordinator
	ev      Events

	mu         sync.Mutex
	turnCancel context.CancelFunc
	turnUser   string
	// turnClaimed arbitrates between normal turn completion and barge-in:
	// whichever claims the turn first finishes it, the other backs off.
	turnClaimed bool
	history     []convTurn
}

type convTurn struct {
	Role string // "USER" or "ASSISTANT"
	Text string
}

func New(cfg Config, machine *state.Machine, rec Recorder, stt Transcriber, gen Generator, syn Synthesizer, player Player, ev Events) *Engine {
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = 5 * time.Minute
	}
	return &Engine{
		cfg:     cfg,
		machine: machine,
		rec:     rec,
		stt:     stt,
		gen:     gen,
		synth:   syn,
		player:  player,
		buf:     textbuf.New(cfg.TextBuf),
		coord:   newCoordinator(cfg.InterruptCooldown),
		ev:      ev,
	}
}

// Start arms the conversation. The engine is event-driven after this; it
// reacts to speech boundaries delivered by the detector.
func (e *Engine) Start() error {
	return e.machine.Transition(state.Listening, "engine started")
}

// Stop cancels any in-flight turn and parks the machine in idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.turnCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.player.Stop()
	e.buf.Clear()
	_ = e.machine.Transition(state.Idle, "engine stopped")
}

// Phase reports the current conversation phase.
func (e *Engine) Phase() state.Phase {
	return e.machine.Phase()
}

// HandleSpeechStart receives confirmed speech onsets from the detector.
// While listening it opens a capture segment; while speaking it is a
// barge-in.
func (e *Engine) HandleSpeechStart(at time.Time) {
	switch e.machine.Phase() {
	case state.Listening:
		e.rec.MarkSpeechStart()
	case state.Speaking:
		e.interrupt(at)
	default:
		log.Printf("engine: speech start ignored in phase %s", e.machine.Phase())
	}
}

// HandleSpeechAbort receives starts the detector retracted as sub-minimum
// blips. The capture segment armed on the start must be dropped, or it
// would silently prefix the next real utterance.
func (e *Engine) HandleSpeechAbort(start time.Time) {
	e.rec.DiscardSegment()
}

// HandleSpeechEnd receives confirmed utterance ends. A turn starts only from
// the listening phase; segments ending in any other phase are discarded.
func (e *Engine) HandleSpeechEnd(start, end time.Time) {
	if e.machine.Phase() != state.Listening {
		e.rec.DiscardSegment()
		return
	}
	wav, ok := e.rec.CutSegment()
	if !ok {
		return
	}
	if err := e.machine.Transition(state.Thinking, "utterance captured"); err != nil {
		return
	}
	go e.runTurn(wav)
}

// runTurn executes one full transcribe-generate-speak pipeline.
func (e *Engine) runTurn(wav []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PipelineTimeout)
	defer func() {
		e.mu.Lock()
		e.turnCancel = nil
		e.turnUser = ""
		e.mu.Unlock()
		cancel()
	}()
	e.mu.Lock()
	e.turnCancel = cancel
	e.turnClaimed = false
	e.mu.Unlock()

	res, err := e.stt.Transcribe(ctx, wav)
	if err != nil {
		if transcript.IsRetryable(err) {
			log.Printf("engine: transcription failed, resuming: %v", err)
			_ = e.machine.Transition(state.Listening, "transcription retry")
			return
		}
		log.Printf("engine: transcription failed terminally: %v", err)
		_ = e.machine.Transition(state.Error, "transcription failed")
		_ = e.machine.Transition(state.Listening, "restart after error")
		return
	}
	user := strings.TrimSpace(res.Text)
	if user == "" {
		_ = e.machine.Transition(state.Listening, "empty transcript")
		return
	}
	log.Printf("engine: heard: %s", user)
	e.mu.Lock()
	e.turnUser = user
	e.mu.Unlock()

	stream, err := e.gen.GenerateStream(ctx, e.buildConversationPrompt(user))
	if err != nil {
		log.Printf("engine: generator error: %v", err)
		_ = e.machine.Transition(state.Error, "generator failed")
		_ = e.machine.Transition(state.Listening, "restart after error")
		return
	}
	defer stream.Cancel()

	ctxID := ""
	for tok := range stream.Tokens {
		for _, chunk := range e.buf.Add(tok) {
			if ctxID == "" {
				ctxID = e.openReply()
				if ctxID == "" {
					return
				}
			}
			if err := e.synth.SendText(chunk, false); err != nil {
				log.Printf("engine: synthesis send: %v", err)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		if !e.claimTurn() {
			// Barge-in already unwound this turn.
			return
		}
		log.Printf("engine: turn timed out after %s", e.cfg.PipelineTimeout)
		if ctxID != "" {
			_ = e.synth.CloseContext(ctxID)
			e.player.Stop()
		}
		e.buf.Clear()
		_ = e.machine.Transition(state.Listening, "pipeline timeout")
		return
	}
	if err := <-stream.Err; err != nil {
		log.Printf("engine: generation stream error: %v", err)
	}
	if !e.claimTurn() {
		return
	}

	tail := e.buf.Flush()
	if ctxID == "" {
		if strings.TrimSpace(tail) == "" {
			_ = e.machine.Transition(state.Listening, "empty reply")
			return
		}
		ctxID = e.openReply()
		if ctxID == "" {
			return
		}
	}
	if err := e.synth.SendText(tail, true); err != nil {
		log.Printf("engine: synthesis final send: %v", err)
	}
	spoken := e.synth.SpokenText(ctxID)
	_ = e.synth.CloseContext(ctxID)
	e.appendExchange(user, spoken)
	_ = e.machine.Transition(state.Listening, "reply finished")
	if e.ev.OnTurn != nil {
		e.ev.OnTurn(user, spoken)
	}
}

// openReply moves to speaking and opens the synthesis context for this turn.
// Returns "" if the turn was unwound underneath us.
func (e *Engine) openReply() string {
	if err := e.machine.Transition(state.Speaking, "reply started"); err != nil {
		return ""
	}
	id, err := e.synth.CreateContext()
	if err != nil {
		log.Printf("engine: create context: %v", err)
		_ = e.machine.Transition(state.Error, "synthesis context failed")
		_ = e.machine.Transition(state.Listening, "restart after error")
		return ""
	}
	e.player.SetContext(id)
	return id
}

// claimTurn marks the in-flight turn as finished by exactly one of the two
// paths that can end it. The loser must not run its completion effects.
func (e *Engine) claimTurn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turnClaimed {
		return false
	}
	e.turnClaimed = true
	return true
}

// interrupt runs the barge-in sequence. Each step is best-effort so that one
// failing collaborator cannot leave playback running over the user.
func (e *Engine) interrupt(now time.Time) {
	if !e.coord.allow(now) {
		log.Printf("engine: barge-in swallowed (cooldown)")
		return
	}
	if !e.claimTurn() {
		log.Printf("engine: barge-in after turn completed, ignoring")
		return
	}
	log.Printf("engine: barge-in")

	id := e.synth.CurrentContext()
	spoken := ""
	if id != "" {
		spoken = e.synth.SpokenText(id)
		if err := e.synth.CloseContext(id); err != nil {
			log.Printf("engine: close context on barge-in: %v", err)
		}
	}
	e.player.Stop()
	e.buf.Clear()
	e.mu.Lock()
	cancel := e.turnCancel
	user := e.turnUser
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = e.machine.Transition(state.Listening, "barge-in")
	e.rec.MarkSpeechStart()

	if user != "" {
		e.appendExchange(user, spoken)
	}
	if e.ev.OnInterrupted != nil {
		e.ev.OnInterrupted(spoken)
	}
}

// buildConversationPrompt formats prior turns plus the latest user text with
// [USER]/[ASSISTANT] labels; the last line is always the fresh [USER] turn.
func (e *Engine) buildConversationPrompt(latestUser string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b strings.Builder
	for _, t := range e.history {
		b.WriteString("[")
		b.WriteString(t.Role)
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(latestUser)
	return b.String()
}

// appendExchange records a user/assistant pair. The assistant side is what
// was actually spoken, which may be a truncated reply.
func (e *Engine) appendExchange(user, assistant string) {
	e.mu.Lock()
	e.history = append(e.history, convTurn{Role: "USER", Text: user})
	e.history = append(e.history, convTurn{Role: "ASSISTANT", Text: assistant})
	e.mu.Unlock()
}
