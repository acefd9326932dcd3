// Package synth contains the synthesis scheduling engine: it segments
// utterance text, dispatches segments to the model capability under one of
// three scheduling modes, and reassembles ordered audio with a real-time
// factor.
package synth

import (
	"errors"
	"fmt"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

var (
	// ErrStreamingUnsupported reports a streamed request against a voice
	// that cannot stream, or a batched request on a streaming entry point.
	ErrStreamingUnsupported = errors.New("streaming output unsupported")
	// ErrModelFailure wraps inference errors from the model capability.
	ErrModelFailure = errors.New("model failure")
	// ErrZeroDurationAudio guards the RTF computation against empty audio.
	ErrZeroDurationAudio = errors.New("synthesis produced zero-duration audio")
	// ErrCancelled is the normal terminal state of a cancelled synthesis.
	// It is not a fault and is distinguishable from ErrModelFailure.
	ErrCancelled = errors.New("synthesis cancelled")
	// ErrEmptyUtterance reports text that is empty after trimming.
	ErrEmptyUtterance = errors.New("utterance text is empty")
)

// Mode is the scheduling strategy for one utterance. The zero value is
// invalid; construction goes through the named constants or ParseMode so no
// unspecified mode survives past a boundary.
type Mode uint8

const (
	// ModeLazy synthesizes segments one at a time, emitting each chunk
	// before starting the next segment. Minimal time-to-first-audio.
	ModeLazy Mode = iota + 1
	// ModeParallel fans segments out over a bounded worker pool and
	// releases finished audio strictly in source order.
	ModeParallel
	// ModeBatched submits the whole utterance as one unit and returns a
	// single result with no intermediate chunks.
	ModeBatched
)

func (m Mode) String() string {
	switch m {
	case ModeLazy:
		return "lazy"
	case ModeParallel:
		return "parallel"
	case ModeBatched:
		return "batched"
	}
	return "invalid"
}

func (m Mode) valid() bool {
	return m >= ModeLazy && m <= ModeBatched
}

// ParseMode maps a mode name onto a Mode, rejecting anything else.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "lazy":
		return ModeLazy, nil
	case "parallel":
		return ModeParallel, nil
	case "batched":
		return ModeBatched, nil
	}
	return 0, fmt.Errorf("invalid synthesis mode %q", s)
}

// SpeechArgs are host-level prosody controls applied to the output audio
// envelope, orthogonal to the voice's generative options.
type SpeechArgs struct {
	Rate              int
	Volume            int
	Pitch             int
	AppendedSilenceMS int
}

// DefaultSpeechArgs returns the neutral prosody settings.
func DefaultSpeechArgs() SpeechArgs {
	return SpeechArgs{Rate: 50, Volume: 100, Pitch: 50}
}

// Validate bounds-checks the prosody controls.
func (a SpeechArgs) Validate() error {
	if a.Rate < 0 || a.Rate > 100 {
		return fmt.Errorf("rate must be in [0, 100], got %d", a.Rate)
	}
	if a.Volume < 0 || a.Volume > 100 {
		return fmt.Errorf("volume must be in [0, 100], got %d", a.Volume)
	}
	if a.Pitch < 0 || a.Pitch > 100 {
		return fmt.Errorf("pitch must be in [0, 100], got %d", a.Pitch)
	}
	if a.AppendedSilenceMS < 0 {
		return fmt.Errorf("appended_silence_ms must be >= 0, got %d", a.AppendedSilenceMS)
	}
	return nil
}

// Request is one utterance's worth of synthesis work. Voice and Options are
// the resolved pair returned by the voice registry.
type Request struct {
	Voice   *voice.Voice
	Text    string
	Options voice.SynthesisOptions
	Args    SpeechArgs
	Mode    Mode
}

// Chunk is one ordered piece of streamed audio. RTF is populated on the
// final chunk only, after all synthesis work has completed.
type Chunk struct {
	Index   int
	Samples []byte
	Final   bool
	RTF     float64
}

// Result is the output of a synthesis consumed to completion.
type Result struct {
	Samples []byte
	RTF     float64
	Chunks  int
}
