package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full runtime configuration of the voice engine.
type Config struct {
	HTTPAddress string

	// Synthesis service
	SynthWSURL        string
	SynthAPIKey       string
	SynthVoiceID      string
	SynthModelID      string
	SynthMaxReconnect int

	// Transcription service
	TranscribeURL    string
	TranscribeAPIKey string

	// Reply generator
	CerebrasKey     string
	CerebrasModelID string

	// Speech endpoint detection. EnergyFloor is the absolute minimum
	// speech-start threshold; NoiseMultiplier scales the calibrated ambient
	// noise estimate.
	VADEnergyFloor     float64
	VADNoiseMultiplier float64
	VADMinSpeech       time.Duration
	VADSilenceEnd      time.Duration
	VADStartWindow     time.Duration

	// Text buffering thresholds. FirstFlushFloor lowers the first flush of
	// a turn to a word boundary past this many chars; 0 disables it.
	TextMinChars        int
	TextMaxChars        int
	TextFirstFlushFloor int

	// Whole-turn wall clock limit from transcription to last audio chunk.
	PipelineTimeout time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("config: no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	synthURL := os.Getenv("SYNTH_WS_URL")
	if synthURL == "" {
		synthURL = "wss://api.elevenlabs.io/v1/text-to-speech/stream-input"
	}
	synthKey := os.Getenv("SYNTH_API_KEY")
	if synthKey == "" {
		log.Println("Warning: SYNTH_API_KEY not set - speech synthesis will not work")
	}
	voiceID := os.Getenv("SYNTH_VOICE_ID")
	if voiceID == "" {
		log.Println("Warning: SYNTH_VOICE_ID not set - set a concrete voice ID from your provider dashboard")
	}
	synthModel := os.Getenv("SYNTH_MODEL_ID")
	if synthModel == "" {
		synthModel = "eleven_flash_v2_5"
	}

	transcribeURL := os.Getenv("TRANSCRIBE_URL")
	if transcribeURL == "" {
		transcribeURL = "https://api.elevenlabs.io/v1/speech-to-text"
	}
	transcribeKey := os.Getenv("TRANSCRIBE_API_KEY")
	if transcribeKey == "" {
		log.Println("Warning: TRANSCRIBE_API_KEY not set - transcription will not work")
	}

	cerebrasKey := os.Getenv("CEREBRAS_API_KEY")
	cerebrasModel := os.Getenv("CEREBRAS_MODEL_ID")
	if cerebrasModel == "" {
		cerebrasModel = "gpt-oss-120b"
	}
	if cerebrasKey == "" {
		log.Println("Warning: CEREBRAS_API_KEY not set - reply generation will not work")
	}

	cfg := Config{
		HTTPAddress:         addr,
		SynthWSURL:          synthURL,
		SynthAPIKey:         synthKey,
		SynthVoiceID:        voiceID,
		SynthModelID:        synthModel,
		SynthMaxReconnect:   envInt("SYNTH_MAX_RECONNECTS", 5),
		TranscribeURL:       transcribeURL,
		TranscribeAPIKey:    transcribeKey,
		CerebrasKey:         cerebrasKey,
		CerebrasModelID:     cerebrasModel,
		VADEnergyFloor:      envFloat("VAD_ENERGY_FLOOR", 180.0),
		VADNoiseMultiplier:  envFloat("VAD_NOISE_MULTIPLIER", 2.5),
		VADMinSpeech:        envMillis("VAD_MIN_SPEECH_MS", 350),
		VADSilenceEnd:       envMillis("VAD_SILENCE_END_MS", 1000),
		VADStartWindow:      envMillis("VAD_START_WINDOW_MS", 120),
		TextMinChars:        envInt("TEXTBUF_MIN_CHARS", 50),
		TextMaxChars:        envInt("TEXTBUF_MAX_CHARS", 160),
		TextFirstFlushFloor: envInt("TEXTBUF_FIRST_FLUSH_FLOOR", 16),
		PipelineTimeout:     time.Duration(envInt("PIPELINE_TIMEOUT_S", 300)) * time.Second,
	}

	log.Printf("config: HTTP_ADDRESS=%s", cfg.HTTPAddress)
	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %g", key, v, def)
		return def
	}
	return f
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
