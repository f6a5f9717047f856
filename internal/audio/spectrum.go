package audio

import (
	"math"

	"github.com/chadiek/voice-engine/internal/vad"
)

// analyzerBinHz is the frequency resolution of the frames handed to the
// detector. 100 Hz bins over 0-4 kHz cover the full speech band.
const (
	analyzerBinHz = 100.0
	analyzerBins  = 40
)

// spectrumFrame converts one PCM block into a frequency-domain frame using a
// Goertzel filter bank at each bin center. Only bins inside the speech band
// are evaluated; the detector ignores the rest anyway.
func spectrumFrame(pcm []int16, sampleRate float64) vad.Frame {
	bins := make([]float64, analyzerBins)
	if len(pcm) == 0 {
		return vad.Frame{Bins: bins, BinHz: analyzerBinHz}
	}
	for i := range bins {
		center := (float64(i) + 0.5) * analyzerBinHz
		if center < 300 || center > 3400 {
			continue
		}
		bins[i] = goertzel(pcm, center, sampleRate)
	}
	return vad.Frame{Bins: bins, BinHz: analyzerBinHz}
}

// goertzel returns the magnitude of the given frequency in the block,
// normalized so a full-scale sine at that frequency reads near its
// amplitude.
func goertzel(pcm []int16, freq, sampleRate float64) float64 {
	n := len(pcm)
	w := 2 * math.Pi * freq / sampleRate
	coeff := 2 * math.Cos(w)
	var q0, q1, q2 float64
	for _, s := range pcm {
		q0 = coeff*q1 - q2 + float64(s)
		q2 = q1
		q1 = q0
	}
	mag := math.Sqrt(q1*q1 + q2*q2 - q1*q2*coeff)
	return mag * 2 / float64(n)
}
