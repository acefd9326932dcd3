package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadencelabs/cadence-core/internal/model"
	"github.com/cadencelabs/cadence-core/internal/segment"
)

// DefaultMaxParallel is the default bound on concurrent inferences in
// parallel mode: half the available cores, at least two.
func DefaultMaxParallel() int {
	if n := runtime.NumCPU() / 2; n > 2 {
		return n
	}
	return 2
}

// Engine schedules segment synthesis against a model capability. All three
// scheduling modes produce byte-identical concatenated audio for the same
// request; they differ only in latency, throughput and emission behavior.
type Engine struct {
	model       model.Model
	maxParallel int
	log         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxParallel bounds concurrent inferences in parallel mode.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// NewEngine creates a scheduling engine on top of a model.
func NewEngine(m model.Model, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		model:       m,
		maxParallel: DefaultMaxParallel(),
		log:         log.With(slog.String("component", "synth-engine")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// segmentOut is one segment's finished audio, released in source order.
type segmentOut struct {
	index   int
	samples []byte
	elapsed time.Duration
}

// emitFunc receives segment outputs strictly in source order. synthTime is
// the mode's total synthesis wall-clock time and is only meaningful on the
// last call.
type emitFunc func(out segmentOut, last bool, synthTime time.Duration) error

func (e *Engine) validate(req Request) error {
	if req.Voice == nil {
		return errors.New("voice is required")
	}
	if !req.Mode.valid() {
		return fmt.Errorf("invalid synthesis mode %d", req.Mode)
	}
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyUtterance
	}
	if err := req.Args.Validate(); err != nil {
		return fmt.Errorf("invalid speech args: %w", err)
	}
	return nil
}

// Synthesize produces the complete audio buffer for an utterance under the
// requested mode. Streaming modes are consumed to completion internally, so
// the assembled bytes match what a streaming caller would concatenate.
func (e *Engine) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if err := e.validate(req); err != nil {
		return nil, err
	}
	segs := segment.Split(req.Text)
	if len(segs) == 0 {
		return nil, ErrZeroDurationAudio
	}
	e.log.Debug("synthesizing utterance",
		slog.String("voice", req.Voice.ID),
		slog.String("mode", req.Mode.String()),
		slog.Int("segments", len(segs)))

	var (
		samples   []byte
		synthTime time.Duration
	)
	collect := func(out segmentOut, last bool, st time.Duration) error {
		samples = append(samples, out.samples...)
		if last {
			synthTime = st
		}
		return nil
	}

	var err error
	chunks := len(segs)
	switch req.Mode {
	case ModeLazy:
		err = e.runLazy(ctx, req, segs, collect)
	case ModeParallel:
		err = e.runParallel(ctx, req, segs, collect)
	case ModeBatched:
		samples, synthTime, err = e.runBatched(ctx, req, segs)
		chunks = 1
	}
	if err != nil {
		return nil, err
	}

	samples = appendSilence(samples, req.Voice.Audio, req.Args.AppendedSilenceMS)
	rtf, err := computeRTF(synthTime, req.Voice.Audio, len(samples))
	if err != nil {
		return nil, err
	}
	return &Result{Samples: samples, RTF: rtf, Chunks: chunks}, nil
}

// Stream produces ordered audio chunks for an utterance under lazy or
// parallel mode. The chunk channel is unbuffered: every emission is a
// suspension point where cancellation takes effect, so a caller that
// cancels after chunk k never receives chunk k+1. Both channels are closed
// when the stream ends; a terminal error (including ErrCancelled) arrives
// on the error channel after the chunk channel is closed. Callers must
// either drain the chunk channel or cancel ctx.
func (e *Engine) Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	finish := func(err error) (<-chan Chunk, <-chan error) {
		close(chunks)
		if err != nil {
			errs <- err
		}
		close(errs)
		return chunks, errs
	}

	if err := e.validate(req); err != nil {
		return finish(err)
	}
	if req.Mode == ModeBatched {
		return finish(fmt.Errorf("%w: batched mode emits no chunks", ErrStreamingUnsupported))
	}
	if !req.Voice.SupportsStreamingOutput {
		return finish(fmt.Errorf("%w: voice %s", ErrStreamingUnsupported, req.Voice.ID))
	}

	go func() {
		err := e.stream(ctx, req, chunks)
		close(chunks)
		if err != nil {
			errs <- err
		}
		close(errs)
	}()
	return chunks, errs
}

func (e *Engine) stream(ctx context.Context, req Request, chunks chan<- Chunk) error {
	segs := segment.Split(req.Text)
	if len(segs) == 0 {
		return ErrZeroDurationAudio
	}

	totalBytes := 0
	emit := func(out segmentOut, last bool, synthTime time.Duration) error {
		c := Chunk{Index: out.index, Samples: out.samples, Final: last}
		if last {
			c.Samples = appendSilence(c.Samples, req.Voice.Audio, req.Args.AppendedSilenceMS)
		}
		totalBytes += len(c.Samples)
		if last {
			rtf, err := computeRTF(synthTime, req.Voice.Audio, totalBytes)
			if err != nil {
				return err
			}
			c.RTF = rtf
		}
		select {
		case chunks <- c:
			return nil
		case <-ctx.Done():
			return cancelErr(ctx.Err())
		}
	}

	if req.Mode == ModeParallel {
		return e.runParallel(ctx, req, segs, emit)
	}
	return e.runLazy(ctx, req, segs, emit)
}

// runLazy synthesizes segments strictly in order, one at a time, emitting
// each before starting the next. Cancellation is checked before every
// unstarted segment.
func (e *Engine) runLazy(ctx context.Context, req Request, segs []string, emit emitFunc) error {
	var total time.Duration
	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return cancelErr(err)
		}
		resp, err := e.synthesizeSegment(ctx, req, seg)
		if err != nil {
			return classify(err, i)
		}
		total += resp.Elapsed
		out := segmentOut{index: i, samples: resp.Samples, elapsed: resp.Elapsed}
		if err := emit(out, i == len(segs)-1, total); err != nil {
			return err
		}
	}
	return nil
}

// runParallel fans all segments out over a bounded worker pool and releases
// finished audio strictly in source order: a segment that completes early
// waits in its slot until all earlier segments have been released. When the
// voice is not concurrency-safe, model access is serialized with a mutex
// while submission still fans out, degrading to lazy-like correctness.
// Synthesis time is the wall-clock span of the whole fan-out, since the
// per-segment times overlap.
func (e *Engine) runParallel(ctx context.Context, req Request, segs []string, emit emitFunc) error {
	n := len(segs)
	start := time.Now()

	slots := make([]chan *model.Response, n)
	for i := range slots {
		slots[i] = make(chan *model.Response, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)

	var serial sync.Mutex
	serialize := !req.Voice.ConcurrencySafe

	// Submission itself blocks once the pool is saturated, so it runs off
	// the releasing goroutine.
	submitted := make(chan struct{})
	go func() {
		defer close(submitted)
		for i, seg := range segs {
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				if serialize {
					serial.Lock()
					defer serial.Unlock()
				}
				// A cancelled or failed run stops unstarted segments here.
				if err := gctx.Err(); err != nil {
					return err
				}
				resp, err := e.synthesizeSegment(gctx, req, seg)
				if err != nil {
					return classify(err, i)
				}
				slots[i] <- resp
				return nil
			})
		}
	}()

	var emitErr error
release:
	for i := 0; i < n; i++ {
		select {
		case resp := <-slots[i]:
			out := segmentOut{index: i, samples: resp.Samples, elapsed: resp.Elapsed}
			if err := emit(out, i == n-1, time.Since(start)); err != nil {
				emitErr = err
				break release
			}
		case <-gctx.Done():
			// Buffered but unreleased slots are discarded.
			break release
		}
	}

	<-submitted
	werr := g.Wait()
	if emitErr != nil {
		return emitErr
	}
	if werr != nil {
		if errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded) {
			return cancelErr(werr)
		}
		return werr
	}
	return nil
}

// runBatched submits the whole utterance as one unit when the model can
// batch, and falls back to sequential synthesis with no per-segment
// emission otherwise. Cancellation before the call prevents it entirely; a
// batched call in flight cannot be partially aborted.
func (e *Engine) runBatched(ctx context.Context, req Request, segs []string) ([]byte, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, cancelErr(err)
	}

	if bm, ok := e.model.(model.BatchModel); ok {
		resp, err := bm.SynthesizeBatch(ctx, req.Voice, segs, e.modelRequest(req, ""))
		if err != nil {
			return nil, 0, classify(err, 0)
		}
		return resp.Samples, resp.Elapsed, nil
	}

	var samples []byte
	var total time.Duration
	for i, seg := range segs {
		resp, err := e.synthesizeSegment(ctx, req, seg)
		if err != nil {
			return nil, 0, classify(err, i)
		}
		samples = append(samples, resp.Samples...)
		total += resp.Elapsed
	}
	return samples, total, nil
}

func (e *Engine) synthesizeSegment(ctx context.Context, req Request, seg string) (*model.Response, error) {
	return e.model.Synthesize(ctx, req.Voice, e.modelRequest(req, seg))
}

func (e *Engine) modelRequest(req Request, seg string) model.Request {
	return model.Request{
		Text:    seg,
		Options: req.Options,
		Rate:    req.Args.Rate,
		Volume:  req.Args.Volume,
		Pitch:   req.Args.Pitch,
	}
}

func cancelErr(cause error) error {
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}

// classify maps a model error onto the engine's taxonomy. Cancellation is a
// normal terminal state, never reported as a model failure.
func classify(err error, idx int) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelErr(err)
	case errors.Is(err, model.ErrSegmentTooLarge):
		return fmt.Errorf("segment %d: %w", idx, err)
	default:
		return fmt.Errorf("%w: segment %d: %w", ErrModelFailure, idx, err)
	}
}
