package voice

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrVoiceNotFound reports an unknown voice id.
	ErrVoiceNotFound = errors.New("voice not found")
	// ErrInvalidOptions reports an out-of-range or unresolvable synthesis option.
	ErrInvalidOptions = errors.New("invalid synthesis options")
)

// Quality is a voice's informational quality tier. It has no effect on
// scheduling.
type Quality string

const (
	QualityXLow   Quality = "x-low"
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality maps a voice key's quality segment onto a tier.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityXLow, QualityLow, QualityMedium, QualityHigh:
		return Quality(s), nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

// AudioInfo is the fixed sample format of a voice. Every segment synthesized
// for a voice shares this format.
type AudioInfo struct {
	SampleRate  int
	NumChannels int
	SampleWidth int
}

// Validate checks that all format fields are positive.
func (a AudioInfo) Validate() error {
	if a.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", a.SampleRate)
	}
	if a.NumChannels <= 0 {
		return fmt.Errorf("num_channels must be positive, got %d", a.NumChannels)
	}
	if a.SampleWidth <= 0 {
		return fmt.Errorf("sample_width must be positive, got %d", a.SampleWidth)
	}
	return nil
}

// BytesPerSecond returns the PCM byte rate of this format.
func (a AudioInfo) BytesPerSecond() int {
	return a.SampleRate * a.NumChannels * a.SampleWidth
}

// Duration converts a PCM byte count into audio time.
func (a AudioInfo) Duration(numBytes int) time.Duration {
	bps := a.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(numBytes) / float64(bps) * float64(time.Second))
}

// SilenceBytes returns ms of zeroed samples in this format, aligned to a
// whole frame.
func (a AudioInfo) SilenceBytes(ms int) []byte {
	if ms <= 0 {
		return nil
	}
	samples := a.SampleRate * ms / 1000
	return make([]byte, samples*a.NumChannels*a.SampleWidth)
}

// SynthesisOptions are the resolved generative parameters for one request.
// All fields are concrete; merging with a voice's defaults happens in
// Voice.MergeOptions.
type SynthesisOptions struct {
	Speaker     string
	SpeakerID   int
	LengthScale float64
	NoiseScale  float64
	NoiseW      float64
}

// OptionOverrides carries per-request overrides. Nil fields keep the voice
// default.
type OptionOverrides struct {
	Speaker     *string
	LengthScale *float64
	NoiseScale  *float64
	NoiseW      *float64
}

// Voice is an immutable snapshot of one loaded voice. A reload replaces the
// whole value in the registry; nothing mutates a Voice in place.
type Voice struct {
	ID       string
	Language string
	Quality  Quality

	// Speakers maps the model's numeric speaker index to a speaker name.
	// Empty for single-speaker voices.
	Speakers map[int]string

	Audio    AudioInfo
	Defaults SynthesisOptions

	// SupportsStreamingOutput gates the lazy and parallel streaming modes.
	SupportsStreamingOutput bool

	// ConcurrencySafe reports whether the model may be invoked for this
	// voice from multiple workers at once. Resolved once at load time.
	ConcurrencySafe bool
}

// IsMultiSpeaker reports whether the voice exposes more than one speaker.
func (v *Voice) IsMultiSpeaker() bool {
	return len(v.Speakers) > 0
}

// MergeOptions resolves the effective options for a request: the voice's
// defaults with the overrides' non-nil fields applied, range-checked.
// Violations are reported as ErrInvalidOptions.
func (v *Voice) MergeOptions(o OptionOverrides) (SynthesisOptions, error) {
	opts := v.Defaults
	if o.LengthScale != nil {
		opts.LengthScale = *o.LengthScale
	}
	if o.NoiseScale != nil {
		opts.NoiseScale = *o.NoiseScale
	}
	if o.NoiseW != nil {
		opts.NoiseW = *o.NoiseW
	}
	if o.Speaker != nil {
		id, name, err := v.resolveSpeaker(*o.Speaker)
		if err != nil {
			return SynthesisOptions{}, err
		}
		opts.Speaker = name
		opts.SpeakerID = id
	}

	if opts.LengthScale <= 0 {
		return SynthesisOptions{}, fmt.Errorf("%w: length_scale must be > 0, got %v", ErrInvalidOptions, opts.LengthScale)
	}
	if opts.NoiseScale < 0 {
		return SynthesisOptions{}, fmt.Errorf("%w: noise_scale must be >= 0, got %v", ErrInvalidOptions, opts.NoiseScale)
	}
	if opts.NoiseW < 0 {
		return SynthesisOptions{}, fmt.Errorf("%w: noise_w must be >= 0, got %v", ErrInvalidOptions, opts.NoiseW)
	}
	return opts, nil
}

// resolveSpeaker accepts a speaker name or a numeric index rendered as a
// string and returns the canonical (index, name) pair.
func (v *Voice) resolveSpeaker(selector string) (int, string, error) {
	if !v.IsMultiSpeaker() {
		if selector == "" || selector == "default" {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("%w: voice %s has no speakers, got %q", ErrInvalidOptions, v.ID, selector)
	}
	for id, name := range v.Speakers {
		if name == selector {
			return id, name, nil
		}
	}
	if id, err := strconv.Atoi(selector); err == nil {
		if name, ok := v.Speakers[id]; ok {
			return id, name, nil
		}
	}
	return 0, "", fmt.Errorf("%w: unknown speaker %q for voice %s", ErrInvalidOptions, selector, v.ID)
}
