package synth

import (
	"time"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

// appendSilence appends ms of zeroed samples in the voice's format. The
// silence always goes after the true end of the utterance's audio: the tail
// of the single assembled buffer, or the tail of the terminal stream chunk.
func appendSilence(samples []byte, info voice.AudioInfo, ms int) []byte {
	if ms <= 0 {
		return samples
	}
	return append(samples, info.SilenceBytes(ms)...)
}

// computeRTF returns wall-clock synthesis time divided by audio duration.
// Lower is better; below 1 means faster than real time. A zero audio
// duration fails with ErrZeroDurationAudio rather than dividing by zero.
func computeRTF(synth time.Duration, info voice.AudioInfo, totalBytes int) (float64, error) {
	audio := info.Duration(totalBytes)
	if audio <= 0 {
		return 0, ErrZeroDurationAudio
	}
	return synth.Seconds() / audio.Seconds(), nil
}
