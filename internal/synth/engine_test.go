package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cadencelabs/cadence-core/internal/model"
	"github.com/cadencelabs/cadence-core/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newVoice(concurrencySafe, streaming bool) *voice.Voice {
	return &voice.Voice{
		ID:                      "en_US-lessac-medium",
		Language:                "en_US",
		Quality:                 voice.QualityMedium,
		Audio:                   voice.AudioInfo{SampleRate: 22050, NumChannels: 1, SampleWidth: 2},
		Defaults:                voice.SynthesisOptions{LengthScale: 1.0, NoiseScale: 0.667, NoiseW: 0.8},
		SupportsStreamingOutput: streaming,
		ConcurrencySafe:         concurrencySafe,
	}
}

func newRequest(v *voice.Voice, text string, mode Mode) Request {
	return Request{
		Voice:   v,
		Text:    text,
		Options: v.Defaults,
		Args:    DefaultSpeechArgs(),
		Mode:    mode,
	}
}

const fourSentences = "The quick brown fox. It jumped over the lazy dog! Did it land well? It did."

func TestModesProduceIdenticalAudio(t *testing.T) {
	m := model.NewMockModel(model.WithCharDuration(time.Millisecond))
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)
	ctx := context.Background()

	lazy, err := e.Synthesize(ctx, newRequest(v, fourSentences, ModeLazy))
	if err != nil {
		t.Fatalf("lazy: %v", err)
	}
	parallel, err := e.Synthesize(ctx, newRequest(v, fourSentences, ModeParallel))
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	batched, err := e.Synthesize(ctx, newRequest(v, fourSentences, ModeBatched))
	if err != nil {
		t.Fatalf("batched: %v", err)
	}

	if !bytes.Equal(lazy.Samples, parallel.Samples) {
		t.Fatal("parallel audio differs from lazy")
	}
	if !bytes.Equal(lazy.Samples, batched.Samples) {
		t.Fatal("batched audio differs from lazy")
	}
	if lazy.Chunks != 4 {
		t.Fatalf("expected 4 lazy chunks, got %d", lazy.Chunks)
	}
	if batched.Chunks != 1 {
		t.Fatalf("expected a single batched chunk, got %d", batched.Chunks)
	}
}

func TestSynthesizeRTFPositive(t *testing.T) {
	m := model.NewMockModel(model.WithLatency(func(string) time.Duration { return time.Millisecond }))
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	res, err := e.Synthesize(context.Background(), newRequest(v, fourSentences, ModeLazy))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if res.RTF <= 0 {
		t.Fatalf("expected positive rtf, got %v", res.RTF)
	}
}

func TestSynthesizeAppendsSilence(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	plain, err := e.Synthesize(context.Background(), newRequest(v, "Hello there.", ModeLazy))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}

	req := newRequest(v, "Hello there.", ModeLazy)
	req.Args.AppendedSilenceMS = 200
	padded, err := e.Synthesize(context.Background(), req)
	if err != nil {
		t.Fatalf("synthesize with silence: %v", err)
	}

	want := len(plain.Samples) + len(v.Audio.SilenceBytes(200))
	if len(padded.Samples) != want {
		t.Fatalf("expected %d bytes with silence, got %d", want, len(padded.Samples))
	}
}

func TestStreamOrderedUnderSkewedLatency(t *testing.T) {
	// Later segments finish first, so in-order release actually has to hold
	// early results back.
	m := model.NewMockModel(model.WithLatency(func(text string) time.Duration {
		return time.Duration(len(text)%17) * time.Millisecond
	}))
	e := NewEngine(m, testLogger(), WithMaxParallel(4))
	v := newVoice(true, true)

	chunks, errs := e.Stream(context.Background(), newRequest(v, fourSentences, ModeParallel))

	var streamed []byte
	next := 0
	for chunk := range chunks {
		if chunk.Index != next {
			t.Fatalf("expected chunk %d, got %d", next, chunk.Index)
		}
		next++
		streamed = append(streamed, chunk.Samples...)
		if chunk.Final {
			if chunk.RTF <= 0 {
				t.Fatalf("expected rtf on final chunk, got %v", chunk.RTF)
			}
		} else if chunk.RTF != 0 {
			t.Fatalf("rtf set on non-final chunk %d", chunk.Index)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected 4 chunks, got %d", next)
	}

	whole, err := e.Synthesize(context.Background(), newRequest(v, fourSentences, ModeLazy))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !bytes.Equal(streamed, whole.Samples) {
		t.Fatal("streamed audio differs from assembled audio")
	}
}

func TestStreamFinalChunkCarriesSilence(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	req := newRequest(v, "One. Two.", ModeLazy)
	req.Args.AppendedSilenceMS = 100
	chunks, errs := e.Stream(context.Background(), req)

	var last Chunk
	for chunk := range chunks {
		last = chunk
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if !last.Final {
		t.Fatal("expected final chunk last")
	}
	silence := v.Audio.SilenceBytes(100)
	tail := last.Samples[len(last.Samples)-len(silence):]
	if !bytes.Equal(tail, silence) {
		t.Fatal("expected silence at the tail of the final chunk")
	}
}

func TestStreamCancelDeliversNoFurtherChunks(t *testing.T) {
	m := model.NewMockModel(model.WithLatency(func(string) time.Duration { return time.Millisecond }))
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := e.Stream(ctx, newRequest(v, fourSentences, ModeLazy))

	first, ok := <-chunks
	if !ok {
		t.Fatal("expected at least one chunk")
	}
	if first.Index != 0 {
		t.Fatalf("expected chunk 0 first, got %d", first.Index)
	}
	cancel()

	err := <-errs
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	extra := 0
	for range chunks {
		extra++
	}
	if extra != 0 {
		t.Fatalf("expected no chunks after cancel, got %d", extra)
	}
}

func TestStreamRejectsBatchedMode(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	chunks, errs := e.Stream(context.Background(), newRequest(v, fourSentences, ModeBatched))
	for range chunks {
		t.Fatal("expected no chunks")
	}
	if err := <-errs; !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	if m.Calls() != 0 {
		t.Fatalf("expected no model calls, got %d", m.Calls())
	}
}

func TestStreamRejectsNonStreamingVoice(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, false)

	chunks, errs := e.Stream(context.Background(), newRequest(v, fourSentences, ModeLazy))
	for range chunks {
		t.Fatal("expected no chunks")
	}
	if err := <-errs; !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	if m.Calls() != 0 {
		t.Fatalf("expected no model calls, got %d", m.Calls())
	}
}

func TestParallelRespectsLimit(t *testing.T) {
	m := model.NewMockModel(model.WithLatency(func(string) time.Duration { return 30 * time.Millisecond }))
	e := NewEngine(m, testLogger(), WithMaxParallel(2))
	v := newVoice(true, true)

	text := "One one. Two two. Three three. Four four. Five five. Six six."
	if _, err := e.Synthesize(context.Background(), newRequest(v, text, ModeParallel)); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := m.MaxConcurrentObserved(); got > 2 {
		t.Fatalf("expected at most 2 concurrent inferences, observed %d", got)
	}
	if got := m.MaxConcurrentObserved(); got < 2 {
		t.Fatalf("expected the pool to fill, observed %d", got)
	}
}

func TestParallelSerializesUnsafeVoice(t *testing.T) {
	m := model.NewMockModel(model.WithLatency(func(string) time.Duration { return 5 * time.Millisecond }))
	e := NewEngine(m, testLogger(), WithMaxParallel(4))
	v := newVoice(false, true)

	res, err := e.Synthesize(context.Background(), newRequest(v, fourSentences, ModeParallel))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if got := m.MaxConcurrentObserved(); got != 1 {
		t.Fatalf("expected serialized model access, observed %d", got)
	}

	lazy, err := e.Synthesize(context.Background(), newRequest(v, fourSentences, ModeLazy))
	if err != nil {
		t.Fatalf("lazy: %v", err)
	}
	if !bytes.Equal(res.Samples, lazy.Samples) {
		t.Fatal("serialized parallel audio differs from lazy")
	}
}

// sequentialOnly hides the mock's batch entry point so the engine has to
// fall back to sequential synthesis in batched mode.
type sequentialOnly struct {
	m *model.MockModel
}

func (s sequentialOnly) Synthesize(ctx context.Context, v *voice.Voice, req model.Request) (*model.Response, error) {
	return s.m.Synthesize(ctx, v, req)
}

func (s sequentialOnly) Close() error { return s.m.Close() }

func TestBatchedFallsBackToSequential(t *testing.T) {
	inner := model.NewMockModel()
	e := NewEngine(sequentialOnly{m: inner}, testLogger())
	v := newVoice(true, true)

	res, err := e.Synthesize(context.Background(), newRequest(v, fourSentences, ModeBatched))
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if inner.Calls() != 4 {
		t.Fatalf("expected 4 sequential calls, got %d", inner.Calls())
	}
	if res.Chunks != 1 {
		t.Fatalf("expected a single result chunk, got %d", res.Chunks)
	}

	batched := NewEngine(inner, testLogger())
	want, err := batched.Synthesize(context.Background(), newRequest(v, fourSentences, ModeBatched))
	if err != nil {
		t.Fatalf("batched: %v", err)
	}
	if !bytes.Equal(res.Samples, want.Samples) {
		t.Fatal("fallback audio differs from batched audio")
	}
}

func TestModelFailureClassified(t *testing.T) {
	for _, mode := range []Mode{ModeLazy, ModeParallel, ModeBatched} {
		m := model.NewMockModel(model.WithFailOn("boom"))
		e := NewEngine(m, testLogger())
		v := newVoice(true, true)

		_, err := e.Synthesize(context.Background(), newRequest(v, "Fine start. Then boom hits. Never spoken.", mode))
		if !errors.Is(err, ErrModelFailure) {
			t.Fatalf("%s: expected ErrModelFailure, got %v", mode, err)
		}
	}
}

func TestSegmentTooLargePassesThrough(t *testing.T) {
	m := model.NewMockModel(model.WithMaxChars(10))
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	_, err := e.Synthesize(context.Background(), newRequest(v, "This sentence is much longer than ten characters.", ModeLazy))
	if !errors.Is(err, model.ErrSegmentTooLarge) {
		t.Fatalf("expected ErrSegmentTooLarge, got %v", err)
	}
	if errors.Is(err, ErrModelFailure) {
		t.Fatal("segment size limit must not be reported as a model failure")
	}
}

func TestCancelBeforeStart(t *testing.T) {
	for _, mode := range []Mode{ModeLazy, ModeParallel, ModeBatched} {
		m := model.NewMockModel()
		e := NewEngine(m, testLogger())
		v := newVoice(true, true)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.Synthesize(ctx, newRequest(v, fourSentences, mode))
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("%s: expected ErrCancelled, got %v", mode, err)
		}
	}
}

func TestValidation(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	if _, err := e.Synthesize(context.Background(), newRequest(v, "", ModeLazy)); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("expected ErrEmptyUtterance, got %v", err)
	}
	if _, err := e.Synthesize(context.Background(), newRequest(v, "   \t ", ModeLazy)); !errors.Is(err, ErrEmptyUtterance) {
		t.Fatalf("expected ErrEmptyUtterance for whitespace, got %v", err)
	}

	req := newRequest(v, "Hello.", Mode(0))
	if _, err := e.Synthesize(context.Background(), req); err == nil {
		t.Fatal("expected error for zero mode")
	}

	req = newRequest(v, "Hello.", ModeLazy)
	req.Args.Rate = 101
	if _, err := e.Synthesize(context.Background(), req); err == nil {
		t.Fatal("expected error for out-of-range rate")
	}

	req = newRequest(v, "Hello.", ModeLazy)
	req.Voice = nil
	if _, err := e.Synthesize(context.Background(), req); err == nil {
		t.Fatal("expected error for missing voice")
	}

	if m.Calls() != 0 {
		t.Fatalf("validation must not reach the model, got %d calls", m.Calls())
	}
}

func TestPunctuationOnlyUtterance(t *testing.T) {
	m := model.NewMockModel()
	e := NewEngine(m, testLogger())
	v := newVoice(true, true)

	_, err := e.Synthesize(context.Background(), newRequest(v, `"()"`, ModeLazy))
	if !errors.Is(err, ErrZeroDurationAudio) {
		t.Fatalf("expected ErrZeroDurationAudio, got %v", err)
	}
	if m.Calls() != 0 {
		t.Fatalf("expected no model calls, got %d", m.Calls())
	}
}
