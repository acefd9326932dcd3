package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subjects for the engine's bus interface. Request/reply operations use the
// flat subjects; per-utterance traffic appends the utterance id.
const (
	SubjectVersion          = "cadence.version"
	SubjectVoicesList       = "cadence.voices.list"
	SubjectVoicesReload     = "cadence.voices.reload"
	SubjectSynthesize       = "cadence.synthesize"
	SubjectSynthesizeStream = "cadence.synthesize.stream"
	SubjectCancelPrefix     = "cadence.synthesize.cancel"
	SubjectAudioPrefix      = "cadence.audio"
	SubjectDonePrefix       = "cadence.done"
	SubjectAnnounce         = "cadence.engine.announce"
	SubjectHeartbeatPrefix  = "cadence.engine.heartbeat"
)

// AudioSubject returns the subject chunks for one utterance are published on.
func AudioSubject(utteranceID string) string {
	return SubjectAudioPrefix + "." + utteranceID
}

// DoneSubject returns the subject the terminal status for one utterance is
// published on.
func DoneSubject(utteranceID string) string {
	return SubjectDonePrefix + "." + utteranceID
}

// CancelSubject returns the subject a caller publishes to in order to cancel
// an in-flight utterance.
func CancelSubject(utteranceID string) string {
	return SubjectCancelPrefix + "." + utteranceID
}

// SynthesisMode selects the scheduling strategy for an utterance. The empty
// string is not a valid mode; every boundary rejects it.
type SynthesisMode string

const (
	ModeLazy     SynthesisMode = "lazy"
	ModeParallel SynthesisMode = "parallel"
	ModeBatched  SynthesisMode = "batched"
)

// ParseSynthesisMode validates a wire mode string.
func ParseSynthesisMode(s string) (SynthesisMode, error) {
	switch SynthesisMode(s) {
	case ModeLazy, ModeParallel, ModeBatched:
		return SynthesisMode(s), nil
	}
	return "", fmt.Errorf("invalid synthesis mode %q", s)
}

// UnmarshalJSON rejects unknown and unspecified modes at decode time.
func (m *SynthesisMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	mode, err := ParseSynthesisMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Quality is the informational quality tier of a voice.
type Quality string

const (
	QualityXLow   Quality = "x-low"
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ParseQuality validates a wire quality string.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityXLow, QualityLow, QualityMedium, QualityHigh:
		return Quality(s), nil
	}
	return "", fmt.Errorf("invalid quality %q", s)
}

// Version reports the engine version.
type Version struct {
	Version string `json:"version"`
}

// AudioInfo describes the fixed sample format of one voice.
type AudioInfo struct {
	SampleRate  int `json:"sample_rate"`
	NumChannels int `json:"num_channels"`
	SampleWidth int `json:"sample_width"`
}

// SynthesisOptions carries per-request overrides of a voice's generative
// parameters. Nil fields keep the voice default.
type SynthesisOptions struct {
	Speaker     *string  `json:"speaker,omitempty"`
	LengthScale *float64 `json:"length_scale,omitempty"`
	NoiseScale  *float64 `json:"noise_scale,omitempty"`
	NoiseW      *float64 `json:"noise_w,omitempty"`
}

// VoiceInfo is the wire description of a loaded voice. The option fields hold
// the voice's resolved defaults, so all of them are concrete.
type VoiceInfo struct {
	VoiceID                 string         `json:"voice_id"`
	Language                string         `json:"language"`
	Quality                 Quality        `json:"quality"`
	Speakers                map[int]string `json:"speakers,omitempty"`
	Audio                   AudioInfo      `json:"audio"`
	Speaker                 string         `json:"speaker,omitempty"`
	LengthScale             float64        `json:"length_scale"`
	NoiseScale              float64        `json:"noise_scale"`
	NoiseW                  float64        `json:"noise_w"`
	SupportsStreamingOutput bool           `json:"supports_streaming_output"`
}

// SpeechArgs carries host-level prosody controls. They shape the output
// audio envelope and are orthogonal to SynthesisOptions.
type SpeechArgs struct {
	Rate              int `json:"rate"`
	Volume            int `json:"volume"`
	Pitch             int `json:"pitch"`
	AppendedSilenceMS int `json:"appended_silence_ms"`
}

// Utterance is the unit of work submitted to the engine. A nil SpeechArgs
// means the engine's neutral prosody defaults; an absent Mode means the
// engine's configured default mode.
type Utterance struct {
	UtteranceID string            `json:"utterance_id"`
	VoiceID     string            `json:"voice_id"`
	Text        string            `json:"text"`
	SpeechArgs  *SpeechArgs       `json:"speech_args,omitempty"`
	Mode        SynthesisMode     `json:"synthesis_mode,omitempty"`
	Options     *SynthesisOptions `json:"synthesis_options,omitempty"`
}

// SynthesisResult is the reply for non-streaming synthesis.
type SynthesisResult struct {
	WavSamples []byte  `json:"wav_samples"`
	RTF        float64 `json:"rtf"`
}

// WaveSamples is one ordered chunk of a streamed synthesis.
type WaveSamples struct {
	UtteranceID string `json:"utterance_id"`
	Sequence    int    `json:"sequence"`
	WavSamples  []byte `json:"wav_samples"`
	Final       bool   `json:"final"`
}

// SynthesisStatus is the terminal message of a streamed synthesis. Exactly
// one of Completed/Cancelled/Error describes the outcome; RTF is only
// meaningful when Completed is true.
type SynthesisStatus struct {
	UtteranceID string      `json:"utterance_id"`
	Completed   bool        `json:"completed"`
	Cancelled   bool        `json:"cancelled"`
	Chunks      int         `json:"chunks"`
	RTF         float64     `json:"rtf,omitempty"`
	Error       *ErrorReply `json:"error,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Error codes carried by ErrorReply.
const (
	CodeVoiceNotFound        = "voice_not_found"
	CodeInvalidOptions       = "invalid_options"
	CodeInvalidMode          = "invalid_mode"
	CodeStreamingUnsupported = "streaming_unsupported"
	CodeSegmentTooLarge      = "segment_too_large"
	CodeModelFailure         = "model_failure"
	CodeZeroDurationAudio    = "zero_duration_audio"
	CodeCancelled            = "cancelled"
	CodeBadRequest           = "bad_request"
)

// ErrorReply is the wire form of an engine error.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EngineAnnounce advertises a running engine and its voice catalog.
type EngineAnnounce struct {
	EngineID  string      `json:"engine_id"`
	Version   string      `json:"version"`
	Voices    []VoiceInfo `json:"voices"`
	Timestamp time.Time   `json:"timestamp"`
}

// EngineHeartbeat signals liveness of a running engine.
type EngineHeartbeat struct {
	EngineID  string    `json:"engine_id"`
	Timestamp time.Time `json:"timestamp"`
}
