package audio

import (
	"fmt"

	"github.com/hraban/opus"
)

// PlaybackSampleRate is the synthesis output rate.
const PlaybackSampleRate = 48000

// OpusDecoder adapts the platform Opus codec to the playback Decoder.
type OpusDecoder struct {
	dec *opus.Decoder
}

func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(PlaybackSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet to mono PCM16.
func (d *OpusDecoder) Decode(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("audio: empty opus packet")
	}
	// 120ms is the maximum opus frame; headroom for any packet.
	pcm := make([]int16, PlaybackSampleRate/1000*120)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm[:n], nil
}
