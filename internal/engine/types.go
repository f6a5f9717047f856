package engine

import (
	"context"

	"github.com/chadiek/voice-engine/internal/llm"
	"github.com/chadiek/voice-engine/internal/transcript"
)

// Recorder is the capture surface the engine segments utterances with.
// audio.Capture implements it.
type Recorder interface {
	MarkSpeechStart()
	CutSegment() (wav []byte, ok bool)
	DiscardSegment()
}

// Transcriber turns one finished audio segment into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (transcript.Result, error)
}

// Generator produces a streaming reply for a prompt.
type Generator interface {
	GenerateStream(ctx context.Context, prompt string) (*llm.Stream, error)
}

// Synthesizer is the per-turn context surface of the speech service.
// synth.Client implements it.
type Synthesizer interface {
	CreateContext() (string, error)
	SendText(text string, final bool) error
	CloseContext(id string) error
	SpokenText(id string) string
	CurrentContext() string
}

// Player gates and drains synthesized audio. audio.Playback implements it.
type Player interface {
	SetContext(id string)
	Stop()
}
