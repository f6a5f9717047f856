package vad

import (
	"log"
	"math"
	"sync"
	"time"
)

// Speech band limits in Hz. Energy outside this band (fans, hum, HVAC) is
// ignored entirely.
const (
	speechBandLowHz  = 300.0
	speechBandHighHz = 3400.0
)

// Frame is one frequency-domain energy sample: magnitudes for evenly spaced
// bins of width BinHz. Frames arrive on a fixed cadence (~60 Hz).
type Frame struct {
	Bins  []float64
	BinHz float64
}

// Config holds the detector thresholds. All of these are tunable; the
// defaults are a starting point, not a contract.
type Config struct {
	// EnergyFloor is the absolute minimum speech-start threshold.
	EnergyFloor float64
	// NoiseMultiplier scales the calibrated ambient estimate into the
	// speech-start threshold.
	NoiseMultiplier float64
	// SilenceRatio scales the start threshold down into the silence
	// threshold (hysteresis).
	SilenceRatio float64
	// CalibrationFrames is how many initial frames feed the ambient noise
	// estimate before any decision is made.
	CalibrationFrames int
	// AdaptAlpha is the EMA weight for ambient adaptation during silence.
	AdaptAlpha float64
	// StartWindow is how long energy must stay above the start threshold
	// before speech is confirmed.
	StartWindow time.Duration
	// SilenceWindow is how long energy must stay below the silence
	// threshold before end-of-speech is confirmed.
	SilenceWindow time.Duration
	// MinSpeech is the floor below which a confirmed utterance is treated
	// as noise and dropped without an end event.
	MinSpeech time.Duration
}

// DefaultConfig returns thresholds tuned for a 60 Hz frame cadence and a
// close-talking microphone.
func DefaultConfig() Config {
	return Config{
		EnergyFloor:       180.0,
		NoiseMultiplier:   2.5,
		SilenceRatio:      0.6,
		CalibrationFrames: 30,
		AdaptAlpha:        0.05,
		StartWindow:       120 * time.Millisecond,
		SilenceWindow:     1000 * time.Millisecond,
		MinSpeech:         350 * time.Millisecond,
	}
}

// Events allows the host to react to confirmed speech boundaries. Callbacks
// run synchronously on the Process caller's goroutine.
type Events struct {
	// OnSpeechStart fires once speech has been confirmed; at is the time
	// energy first rose above the start threshold.
	OnSpeechStart func(at time.Time)
	// OnSpeechEnd fires once a qualifying silence has been confirmed; end
	// is the time energy first fell below the silence threshold.
	OnSpeechEnd func(start, end time.Time)
	// OnSpeechAbort fires when a confirmed start turns out to be a
	// sub-MinSpeech blip. The host must unwind whatever it armed on
	// OnSpeechStart; no OnSpeechEnd follows.
	OnSpeechAbort func(start time.Time)
}

// Detector classifies a live energy signal into speech/silence with adaptive
// calibration, hysteresis and debounce. Its sole responsibility is
// classification; it never touches the capture device.
type Detector struct {
	cfg Config
	ev  Events

	mu         sync.Mutex
	calSamples []float64
	ambient    float64
	calibrated bool

	inSpeech     bool
	rising       bool
	riseStart    time.Time
	speechStart  time.Time
	falling      bool
	silenceStart time.Time
}

func New(cfg Config, ev Events) *Detector {
	if cfg.SilenceRatio == 0 {
		cfg.SilenceRatio = 0.6
	}
	if cfg.CalibrationFrames == 0 {
		cfg.CalibrationFrames = 30
	}
	if cfg.AdaptAlpha == 0 {
		cfg.AdaptAlpha = 0.05
	}
	return &Detector{cfg: cfg, ev: ev}
}

// Process classifies one frame. now is the frame's capture timestamp.
func (d *Detector) Process(f Frame, now time.Time) {
	energy := speechBandRMS(f)

	d.mu.Lock()
	if !d.calibrated {
		d.calSamples = append(d.calSamples, energy)
		if len(d.calSamples) >= d.cfg.CalibrationFrames {
			d.ambient = mean(d.calSamples) + stddev(d.calSamples)
			d.calibrated = true
			d.calSamples = nil
			log.Printf("vad: calibrated, ambient=%.1f threshold=%.1f", d.ambient, d.startThresholdLocked())
		}
		d.mu.Unlock()
		return
	}

	startThr := d.startThresholdLocked()
	silenceThr := startThr * d.cfg.SilenceRatio

	if !d.inSpeech {
		if energy >= startThr {
			if !d.rising {
				d.rising = true
				d.riseStart = now
			} else if now.Sub(d.riseStart) >= d.cfg.StartWindow {
				d.inSpeech = true
				d.rising = false
				d.falling = false
				d.speechStart = d.riseStart
				cb := d.ev.OnSpeechStart
				at := d.riseStart
				d.mu.Unlock()
				if cb != nil {
					cb(at)
				}
				return
			}
		} else {
			d.rising = false
			// Adapt the ambient estimate only during confirmed silence so
			// the detector never learns speech as noise.
			d.ambient = (1-d.cfg.AdaptAlpha)*d.ambient + d.cfg.AdaptAlpha*energy
		}
		d.mu.Unlock()
		return
	}

	// Speech in progress.
	if energy < silenceThr {
		if !d.falling {
			d.falling = true
			d.silenceStart = now
		} else if now.Sub(d.silenceStart) >= d.cfg.SilenceWindow {
			start, end := d.speechStart, d.silenceStart
			d.inSpeech = false
			d.falling = false
			if end.Sub(start) < d.cfg.MinSpeech {
				// Too short to be speech: no end event, but the host must
				// hear about it so it can drop whatever the start armed.
				cb := d.ev.OnSpeechAbort
				d.mu.Unlock()
				log.Printf("vad: dropped %v blip as noise", end.Sub(start))
				if cb != nil {
					cb(start)
				}
				return
			}
			cb := d.ev.OnSpeechEnd
			d.mu.Unlock()
			if cb != nil {
				cb(start, end)
			}
			return
		}
	} else {
		d.falling = false
	}
	d.mu.Unlock()
}

// Reset clears decision state but keeps calibration, so a detector survives
// turn boundaries without re-learning the room.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.inSpeech = false
	d.rising = false
	d.falling = false
	d.mu.Unlock()
}

// Calibrated reports whether the initial calibration window has completed.
func (d *Detector) Calibrated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calibrated
}

func (d *Detector) startThresholdLocked() float64 {
	t := d.ambient * d.cfg.NoiseMultiplier
	if t < d.cfg.EnergyFloor {
		t = d.cfg.EnergyFloor
	}
	return t
}

// speechBandRMS computes RMS over only the bins whose center frequency falls
// inside the human speech band.
func speechBandRMS(f Frame) float64 {
	if f.BinHz <= 0 || len(f.Bins) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for i, m := range f.Bins {
		hz := (float64(i) + 0.5) * f.BinHz
		if hz < speechBandLowHz || hz > speechBandHighHz {
			continue
		}
		sum += m * m
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var s float64
	for _, x := range xs {
		d := x - m
		s += d * d
	}
	return math.Sqrt(s / float64(len(xs)))
}
