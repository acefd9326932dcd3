// Package model defines the inference capability the synthesis engine
// dispatches segments to, plus the bundled mock and exec implementations.
package model

import (
	"context"
	"errors"
	"time"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

var (
	// ErrSegmentTooLarge reports that the model rejected an oversized
	// segment. Segmentation never splits a single oversized unit; the model
	// is the authority on its own limits.
	ErrSegmentTooLarge = errors.New("segment too large for model")
)

// Request is one segment's worth of inference work.
type Request struct {
	// Text is a single segment, already normalized by the segmenter.
	Text string

	// Options are the resolved generative parameters for the request's
	// voice (defaults merged with overrides).
	Options voice.SynthesisOptions

	// Rate, Volume and Pitch are host prosody controls in [0, 100],
	// forwarded to the model which shapes the output envelope.
	Rate   int
	Volume int
	Pitch  int
}

// Response is the raw audio produced for one request.
type Response struct {
	// Samples is raw PCM in the voice's AudioInfo format.
	Samples []byte

	// Elapsed is the wall-clock inference time reported by the model.
	Elapsed time.Duration
}

// Model produces audio for text segments. Whether a Model may be invoked
// concurrently for a given voice is a property of that voice
// (voice.ConcurrencySafe); the scheduler queries it and serializes access
// when required.
type Model interface {
	// Synthesize runs inference for one segment of the given voice.
	Synthesize(ctx context.Context, v *voice.Voice, req Request) (*Response, error)

	// Close releases model resources.
	Close() error
}

// BatchModel is an optional interface for models that can synthesize a
// whole utterance in one call. The batched scheduling mode uses it when
// present and falls back to sequential synthesis otherwise.
type BatchModel interface {
	Model

	// SynthesizeBatch runs inference for all segments as a single unit.
	// The returned samples are the concatenation of all segments' audio in
	// order.
	SynthesizeBatch(ctx context.Context, v *voice.Voice, segments []string, req Request) (*Response, error)
}
