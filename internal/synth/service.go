package synth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cadencelabs/cadence-core/internal/bus"
	"github.com/cadencelabs/cadence-core/internal/config"
	"github.com/cadencelabs/cadence-core/internal/model"
	"github.com/cadencelabs/cadence-core/internal/protocol"
	"github.com/cadencelabs/cadence-core/internal/voice"
)

// Recorder receives one record per finished utterance. The eventstore
// implements it; tests substitute their own.
type Recorder interface {
	RecordUtterance(ctx context.Context, rec UtteranceRecord) error
}

// UtteranceRecord summarizes one finished synthesis for the history store.
type UtteranceRecord struct {
	UtteranceID string
	VoiceID     string
	Mode        string
	Chars       int
	Chunks      int
	AudioMS     int64
	SynthMS     int64
	RTF         float64
	Status      string
	Error       string
}

// Service exposes the engine over the bus: request/reply for version, voice
// listing and whole-utterance synthesis, publish/subscribe for streamed
// chunks and cancellation.
type Service struct {
	cfg      config.SynthConfig
	version  string
	bus      *bus.Client
	registry *voice.Registry
	engine   *Engine
	recorder Recorder

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	activeMu sync.Mutex
	active   map[string]context.CancelFunc

	// reload re-scans the voice catalog; set by the runtime before Start.
	reload func() error

	utterances metric.Int64Counter
	rtfHist    metric.Float64Histogram
}

// NewService wires the engine to the bus.
func NewService(parent context.Context, cfg config.SynthConfig, version string, busClient *bus.Client, registry *voice.Registry, engine *Engine, recorder Recorder, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("github.com/cadencelabs/cadence-core/synth")
	utterances, _ := meter.Int64Counter("cadence.synth.utterances",
		metric.WithDescription("Finished utterances by mode and status"))
	rtfHist, _ := meter.Float64Histogram("cadence.synth.rtf",
		metric.WithDescription("Real-time factor of completed utterances"))
	return &Service{
		cfg:        cfg,
		version:    version,
		bus:        busClient,
		registry:   registry,
		engine:     engine,
		recorder:   recorder,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "synth-service")),
		active:     make(map[string]context.CancelFunc),
		utterances: utterances,
		rtfHist:    rtfHist,
	}
}

// SetReload installs the catalog reload hook. Must be called before Start.
func (s *Service) SetReload(fn func() error) {
	s.reload = fn
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectVersion, s.handleVersion},
		{protocol.SubjectVoicesList, s.handleVoicesList},
		{protocol.SubjectVoicesReload, s.handleVoicesReload},
		{protocol.SubjectSynthesize, s.handleSynthesize},
		{protocol.SubjectSynthesizeStream, s.handleSynthesizeStream},
		{protocol.SubjectCancelPrefix + ".>", s.handleCancel},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 }

func (s *Service) handleVersion(msg *nats.Msg) {
	if err := s.bus.RespondJSON(msg, protocol.Version{Version: s.version}); err != nil {
		s.logger.Warn("failed to reply version", slogError(err))
	}
}

func (s *Service) handleVoicesList(msg *nats.Msg) {
	voices := s.registry.List()
	infos := make([]protocol.VoiceInfo, 0, len(voices))
	for _, v := range voices {
		infos = append(infos, voiceInfo(v))
	}
	if err := s.bus.RespondJSON(msg, infos); err != nil {
		s.logger.Warn("failed to reply voice list", slogError(err))
	}
}

// handleVoicesReload re-scans the voice catalog and replies with the fresh
// listing.
func (s *Service) handleVoicesReload(msg *nats.Msg) {
	if s.reload == nil {
		s.replyError(msg, badRequest{errors.New("voice reload not available")})
		return
	}
	if err := s.reload(); err != nil {
		s.replyError(msg, badRequest{err})
		return
	}
	s.logger.Info("voice catalog reloaded", slog.Int("voices", s.registry.Len()))
	s.handleVoicesList(msg)
}

// handleSynthesize answers a request with the complete assembled audio.
func (s *Service) handleSynthesize(msg *nats.Msg) {
	utt, err := s.decodeUtterance(msg.Data)
	if err != nil {
		s.replyError(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		req, err := s.buildRequest(utt)
		if err != nil {
			s.replyError(msg, err)
			return
		}
		ctx, done := s.trackUtterance(utt.UtteranceID)
		defer done()

		start := time.Now()
		result, err := s.engine.Synthesize(ctx, req)
		if err != nil {
			s.record(utt, req, nil, time.Since(start), err)
			s.replyError(msg, err)
			return
		}
		s.record(utt, req, result, time.Since(start), nil)

		reply := protocol.SynthesisResult{WavSamples: result.Samples, RTF: result.RTF}
		if err := s.bus.RespondJSON(msg, reply); err != nil {
			s.logger.Warn("failed to reply synthesis result", slogError(err))
		}
	}()
}

// handleSynthesizeStream publishes ordered chunks on the utterance's audio
// subject and a terminal status on its done subject.
func (s *Service) handleSynthesizeStream(msg *nats.Msg) {
	utt, err := s.decodeUtterance(msg.Data)
	if err != nil {
		s.replyError(msg, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		req, err := s.buildRequest(utt)
		if err != nil {
			s.publishDone(utt, 0, 0, err)
			return
		}
		ctx, done := s.trackUtterance(utt.UtteranceID)
		defer done()

		start := time.Now()
		chunks, errs := s.engine.Stream(ctx, req)
		sequence := 0
		rtf := 0.0
		for chunk := range chunks {
			packet := protocol.WaveSamples{
				UtteranceID: utt.UtteranceID,
				Sequence:    sequence,
				WavSamples:  chunk.Samples,
				Final:       chunk.Final,
			}
			sequence++
			if chunk.Final {
				rtf = chunk.RTF
			}
			if err := s.bus.PublishJSON(protocol.AudioSubject(utt.UtteranceID), packet); err != nil {
				s.logger.Warn("failed to publish audio chunk", slogError(err))
			}
		}
		streamErr := <-errs

		s.publishDone(utt, sequence, rtf, streamErr)
		s.recordStream(utt, req, sequence, rtf, time.Since(start), streamErr)
	}()
}

// handleCancel cancels the in-flight utterance named by the subject suffix.
// Cancelling an unknown or finished utterance is a no-op.
func (s *Service) handleCancel(msg *nats.Msg) {
	id := strings.TrimPrefix(msg.Subject, protocol.SubjectCancelPrefix+".")
	if id == "" || id == msg.Subject {
		return
	}
	s.activeMu.Lock()
	cancel, ok := s.active[id]
	s.activeMu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("cancelling utterance", slog.String("utterance_id", id))
	cancel()
}

func (s *Service) decodeUtterance(data []byte) (protocol.Utterance, error) {
	var utt protocol.Utterance
	if err := json.Unmarshal(data, &utt); err != nil {
		return utt, badRequest{err}
	}
	// Callers that want to cancel or follow chunk subjects supply their own
	// id; everything else gets one assigned.
	if utt.UtteranceID == "" {
		utt.UtteranceID = uuid.NewString()
	}
	return utt, nil
}

// buildRequest resolves the voice and converts wire options into an engine
// request.
func (s *Service) buildRequest(utt protocol.Utterance) (Request, error) {
	var overrides voice.OptionOverrides
	if utt.Options != nil {
		overrides = voice.OptionOverrides{
			Speaker:     utt.Options.Speaker,
			LengthScale: utt.Options.LengthScale,
			NoiseScale:  utt.Options.NoiseScale,
			NoiseW:      utt.Options.NoiseW,
		}
	}
	v, opts, err := s.registry.Resolve(utt.VoiceID, overrides)
	if err != nil {
		return Request{}, err
	}
	modeName := string(utt.Mode)
	if modeName == "" {
		modeName = s.cfg.DefaultMode
	}
	mode, err := ParseMode(modeName)
	if err != nil {
		return Request{}, invalidMode{err}
	}
	args := DefaultSpeechArgs()
	if utt.SpeechArgs != nil {
		args = SpeechArgs{
			Rate:              utt.SpeechArgs.Rate,
			Volume:            utt.SpeechArgs.Volume,
			Pitch:             utt.SpeechArgs.Pitch,
			AppendedSilenceMS: utt.SpeechArgs.AppendedSilenceMS,
		}
	}
	return Request{
		Voice:   v,
		Text:    utt.Text,
		Options: opts,
		Args:    args,
		Mode:    mode,
	}, nil
}

// trackUtterance registers a cancellable context for an utterance id for the
// duration of its synthesis.
func (s *Service) trackUtterance(id string) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	s.activeMu.Lock()
	s.active[id] = cancel
	s.activeMu.Unlock()
	return ctx, func() {
		s.activeMu.Lock()
		delete(s.active, id)
		s.activeMu.Unlock()
		cancel()
	}
}

func (s *Service) publishDone(utt protocol.Utterance, chunks int, rtf float64, err error) {
	status := protocol.SynthesisStatus{
		UtteranceID: utt.UtteranceID,
		Chunks:      chunks,
		Timestamp:   time.Now().UTC(),
	}
	switch {
	case err == nil:
		status.Completed = true
		status.RTF = rtf
	case errors.Is(err, ErrCancelled):
		status.Cancelled = true
	default:
		reply := errorReply(err)
		status.Error = &reply
	}
	if err := s.bus.PublishJSON(protocol.DoneSubject(utt.UtteranceID), status); err != nil {
		s.logger.Warn("failed to publish synthesis status", slogError(err))
	}
}

func (s *Service) replyError(msg *nats.Msg, err error) {
	reply := errorReply(err)
	s.logger.Warn("synthesis request failed",
		slog.String("code", reply.Code), slog.String("error", reply.Message))
	if rerr := s.bus.RespondJSON(msg, reply); rerr != nil {
		s.logger.Warn("failed to reply error", slogError(rerr))
	}
}

func (s *Service) record(utt protocol.Utterance, req Request, result *Result, elapsed time.Duration, err error) {
	rec := UtteranceRecord{
		UtteranceID: utt.UtteranceID,
		VoiceID:     req.Voice.ID,
		Mode:        req.Mode.String(),
		Chars:       len(utt.Text),
		SynthMS:     elapsed.Milliseconds(),
	}
	switch {
	case err == nil:
		rec.Status = "completed"
		rec.RTF = result.RTF
		rec.Chunks = result.Chunks
		rec.AudioMS = req.Voice.Audio.Duration(len(result.Samples)).Milliseconds()
	case errors.Is(err, ErrCancelled):
		rec.Status = "cancelled"
	default:
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	s.finishRecord(rec)
}

func (s *Service) recordStream(utt protocol.Utterance, req Request, chunks int, rtf float64, elapsed time.Duration, err error) {
	rec := UtteranceRecord{
		UtteranceID: utt.UtteranceID,
		VoiceID:     req.Voice.ID,
		Mode:        req.Mode.String(),
		Chars:       len(utt.Text),
		Chunks:      chunks,
		SynthMS:     elapsed.Milliseconds(),
	}
	switch {
	case err == nil:
		rec.Status = "completed"
		rec.RTF = rtf
	case errors.Is(err, ErrCancelled):
		rec.Status = "cancelled"
	default:
		rec.Status = "failed"
		rec.Error = err.Error()
	}
	s.finishRecord(rec)
}

func (s *Service) finishRecord(rec UtteranceRecord) {
	attrs := metric.WithAttributes(
		attribute.String("mode", rec.Mode),
		attribute.String("status", rec.Status))
	s.utterances.Add(s.ctx, 1, attrs)
	if rec.Status == "completed" && rec.RTF > 0 {
		s.rtfHist.Record(s.ctx, rec.RTF, metric.WithAttributes(attribute.String("mode", rec.Mode)))
	}
	if s.recorder != nil {
		if err := s.recorder.RecordUtterance(s.ctx, rec); err != nil {
			s.logger.Warn("failed to record utterance", slogError(err))
		}
	}
}

// voiceInfo renders one loaded voice in its wire form.
func voiceInfo(v *voice.Voice) protocol.VoiceInfo {
	return protocol.VoiceInfo{
		VoiceID:  v.ID,
		Language: v.Language,
		Quality:  protocol.Quality(v.Quality),
		Speakers: v.Speakers,
		Audio: protocol.AudioInfo{
			SampleRate:  v.Audio.SampleRate,
			NumChannels: v.Audio.NumChannels,
			SampleWidth: v.Audio.SampleWidth,
		},
		Speaker:                 v.Defaults.Speaker,
		LengthScale:             v.Defaults.LengthScale,
		NoiseScale:              v.Defaults.NoiseScale,
		NoiseW:                  v.Defaults.NoiseW,
		SupportsStreamingOutput: v.SupportsStreamingOutput,
	}
}

// badRequest marks request decoding and validation failures so they map to
// the bad_request wire code.
type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

// invalidMode marks an unparseable scheduling mode.
type invalidMode struct{ err error }

func (i invalidMode) Error() string { return i.err.Error() }
func (i invalidMode) Unwrap() error { return i.err }

// errorReply maps an engine error onto its wire code.
func errorReply(err error) protocol.ErrorReply {
	var im invalidMode
	code := protocol.CodeBadRequest
	switch {
	case errors.As(err, &im):
		code = protocol.CodeInvalidMode
	case errors.Is(err, voice.ErrVoiceNotFound):
		code = protocol.CodeVoiceNotFound
	case errors.Is(err, voice.ErrInvalidOptions):
		code = protocol.CodeInvalidOptions
	case errors.Is(err, ErrStreamingUnsupported):
		code = protocol.CodeStreamingUnsupported
	case errors.Is(err, model.ErrSegmentTooLarge):
		code = protocol.CodeSegmentTooLarge
	case errors.Is(err, ErrZeroDurationAudio):
		code = protocol.CodeZeroDurationAudio
	case errors.Is(err, ErrCancelled):
		code = protocol.CodeCancelled
	case errors.Is(err, ErrModelFailure):
		code = protocol.CodeModelFailure
	}
	return protocol.ErrorReply{Code: code, Message: err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
