package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/voice-engine/internal/audio"
	"github.com/chadiek/voice-engine/internal/config"
	"github.com/chadiek/voice-engine/internal/engine"
	"github.com/chadiek/voice-engine/internal/httpserver"
	"github.com/chadiek/voice-engine/internal/llm"
	"github.com/chadiek/voice-engine/internal/state"
	"github.com/chadiek/voice-engine/internal/synth"
	"github.com/chadiek/voice-engine/internal/textbuf"
	"github.com/chadiek/voice-engine/internal/transcript"
	"github.com/chadiek/voice-engine/internal/vad"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	machine := state.NewMachine(nil)

	decoder, err := audio.NewOpusDecoder()
	if err != nil {
		log.Fatalf("opus decoder: %v", err)
	}
	sink, err := audio.NewPortAudioSink()
	if err != nil {
		log.Fatalf("output device: %v", err)
	}
	playback := audio.NewPlayback(decoder, sink)

	synthClient := synth.NewClient(synth.Config{
		URL:          cfg.SynthWSURL,
		APIKey:       cfg.SynthAPIKey,
		VoiceID:      cfg.SynthVoiceID,
		ModelID:      cfg.SynthModelID,
		MaxReconnect: cfg.SynthMaxReconnect,
	}, synth.Events{
		OnAudio: func(ch synth.Chunk) {
			playback.Enqueue(audio.Chunk{Data: ch.Data, Seq: ch.Seq, ContextID: ch.ContextID})
		},
		OnError: func(err error) {
			log.Printf("synthesis connection lost: %v", err)
		},
	})
	if err := synthClient.Connect(); err != nil {
		log.Fatalf("synthesis connect: %v", err)
	}

	// The engine pointer is filled in below; the detector closures only run
	// once capture starts.
	var eng *engine.Engine
	detector := vad.New(vad.Config{
		EnergyFloor:     cfg.VADEnergyFloor,
		NoiseMultiplier: cfg.VADNoiseMultiplier,
		StartWindow:     cfg.VADStartWindow,
		SilenceWindow:   cfg.VADSilenceEnd,
		MinSpeech:       cfg.VADMinSpeech,
	}, vad.Events{
		OnSpeechStart: func(at time.Time) { eng.HandleSpeechStart(at) },
		OnSpeechEnd:   func(start, end time.Time) { eng.HandleSpeechEnd(start, end) },
		OnSpeechAbort: func(start time.Time) { eng.HandleSpeechAbort(start) },
	})

	capture := audio.NewCapture(audio.DefaultCaptureConfig(), func(f vad.Frame, now time.Time) {
		detector.Process(f, now)
	})

	eng = engine.New(
		engine.Config{
			TextBuf: textbuf.Config{
				MinChars:        cfg.TextMinChars,
				MaxChars:        cfg.TextMaxChars,
				FirstFlushFloor: cfg.TextFirstFlushFloor,
			},
			PipelineTimeout: cfg.PipelineTimeout,
		},
		machine,
		capture,
		transcript.NewClient(cfg.TranscribeURL, cfg.TranscribeAPIKey),
		llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID),
		synthClient,
		playback,
		engine.Events{
			OnTurn: func(user, spoken string) {
				log.Printf("turn: user=%q assistant=%q", user, spoken)
			},
			OnInterrupted: func(spoken string) {
				log.Printf("interrupted after: %q", spoken)
			},
		},
	)

	if err := capture.Start(); err != nil {
		log.Fatalf("input device: %v", err)
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("engine start: %v", err)
	}

	srv := httpserver.New(eng)
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("ops server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	eng.Stop()
	_ = capture.Close()
	_ = synthClient.Close()
	_ = playback.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
