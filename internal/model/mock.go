package model

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

// MockModel is a deterministic in-process model. The audio for a segment is
// a pure function of the segment text, the voice's sample format and the
// effective length scale, so two syntheses of the same input produce
// byte-identical output regardless of scheduling mode. It also implements
// BatchModel by concatenating per-segment output.
type MockModel struct {
	latency      func(text string) time.Duration
	maxChars     int
	failOn       string
	charDuration time.Duration

	inFlight    atomic.Int32
	maxObserved atomic.Int32
	calls       atomic.Int32
}

// MockOption configures a MockModel.
type MockOption func(*MockModel)

// WithLatency sets simulated per-segment inference latency.
func WithLatency(fn func(text string) time.Duration) MockOption {
	return func(m *MockModel) { m.latency = fn }
}

// WithMaxChars makes segments longer than n fail with ErrSegmentTooLarge.
func WithMaxChars(n int) MockOption {
	return func(m *MockModel) { m.maxChars = n }
}

// WithFailOn makes any segment containing the substring fail.
func WithFailOn(substr string) MockOption {
	return func(m *MockModel) { m.failOn = substr }
}

// WithCharDuration sets how much audio one character produces at
// length_scale 1. Defaults to 50ms.
func WithCharDuration(d time.Duration) MockOption {
	return func(m *MockModel) { m.charDuration = d }
}

// NewMockModel creates a mock model for development and tests.
func NewMockModel(opts ...MockOption) *MockModel {
	m := &MockModel{charDuration: 50 * time.Millisecond}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Synthesize produces deterministic pseudo-audio for one segment.
func (m *MockModel) Synthesize(ctx context.Context, v *voice.Voice, req Request) (*Response, error) {
	m.calls.Add(1)
	cur := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		prev := m.maxObserved.Load()
		if cur <= prev || m.maxObserved.CompareAndSwap(prev, cur) {
			break
		}
	}

	if m.maxChars > 0 && len(req.Text) > m.maxChars {
		return nil, fmt.Errorf("%w: %d chars, limit %d", ErrSegmentTooLarge, len(req.Text), m.maxChars)
	}
	if m.failOn != "" && strings.Contains(req.Text, m.failOn) {
		return nil, fmt.Errorf("inference failed on segment %q", req.Text)
	}

	start := time.Now()
	if m.latency != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.latency(req.Text)):
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Response{
		Samples: m.render(v, req),
		Elapsed: time.Since(start),
	}, nil
}

// SynthesizeBatch concatenates the per-segment renderings in one call.
func (m *MockModel) SynthesizeBatch(ctx context.Context, v *voice.Voice, segments []string, req Request) (*Response, error) {
	start := time.Now()
	var samples []byte
	for _, seg := range segments {
		r := req
		r.Text = seg
		resp, err := m.Synthesize(ctx, v, r)
		if err != nil {
			return nil, err
		}
		samples = append(samples, resp.Samples...)
	}
	return &Response{Samples: samples, Elapsed: time.Since(start)}, nil
}

// Close is a no-op for the mock.
func (m *MockModel) Close() error { return nil }

// MaxConcurrentObserved reports the highest number of simultaneous
// Synthesize calls seen so far.
func (m *MockModel) MaxConcurrentObserved() int {
	return int(m.maxObserved.Load())
}

// Calls reports how many segment syntheses have been requested.
func (m *MockModel) Calls() int {
	return int(m.calls.Load())
}

// render produces the deterministic PCM for a segment: charDuration of
// audio per character scaled by length_scale, filled with a byte pattern
// seeded from the text so distinct segments are distinguishable.
func (m *MockModel) render(v *voice.Voice, req Request) []byte {
	secsPerChar := m.charDuration.Seconds() * req.Options.LengthScale
	samples := int(float64(len(req.Text)) * secsPerChar * float64(v.Audio.SampleRate))
	n := samples * v.Audio.NumChannels * v.Audio.SampleWidth

	h := fnv.New32a()
	h.Write([]byte(req.Text))
	seed := byte(h.Sum32())

	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}
	return out
}
