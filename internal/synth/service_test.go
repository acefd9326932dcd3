package synth

import (
	"fmt"
	"testing"

	"github.com/cadencelabs/cadence-core/internal/config"
	"github.com/cadencelabs/cadence-core/internal/model"
	"github.com/cadencelabs/cadence-core/internal/protocol"
	"github.com/cadencelabs/cadence-core/internal/voice"
)

func TestErrorReplyCodes(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: nope", voice.ErrVoiceNotFound), protocol.CodeVoiceNotFound},
		{fmt.Errorf("%w: length_scale", voice.ErrInvalidOptions), protocol.CodeInvalidOptions},
		{invalidMode{fmt.Errorf("invalid synthesis mode %q", "eager")}, protocol.CodeInvalidMode},
		{fmt.Errorf("%w: batched", ErrStreamingUnsupported), protocol.CodeStreamingUnsupported},
		{fmt.Errorf("segment 2: %w", model.ErrSegmentTooLarge), protocol.CodeSegmentTooLarge},
		{ErrZeroDurationAudio, protocol.CodeZeroDurationAudio},
		{fmt.Errorf("%w: context canceled", ErrCancelled), protocol.CodeCancelled},
		{fmt.Errorf("%w: segment 0: boom", ErrModelFailure), protocol.CodeModelFailure},
		{ErrEmptyUtterance, protocol.CodeBadRequest},
		{badRequest{fmt.Errorf("no json")}, protocol.CodeBadRequest},
	}
	for _, tc := range cases {
		reply := errorReply(tc.err)
		if reply.Code != tc.code {
			t.Fatalf("error %v: expected code %s, got %s", tc.err, tc.code, reply.Code)
		}
		if reply.Message == "" {
			t.Fatalf("error %v: empty message", tc.err)
		}
	}
}

func TestBuildRequestDefaults(t *testing.T) {
	registry := voice.NewRegistry()
	if err := registry.Replace([]*voice.Voice{newVoice(true, true)}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	s := &Service{cfg: config.SynthConfig{DefaultMode: "parallel"}, registry: registry}

	req, err := s.buildRequest(protocol.Utterance{VoiceID: "en_US-lessac-medium", Text: "Hello."})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Mode != ModeParallel {
		t.Fatalf("expected configured default mode, got %s", req.Mode)
	}
	if req.Args != DefaultSpeechArgs() {
		t.Fatalf("expected neutral prosody defaults, got %+v", req.Args)
	}

	args := protocol.SpeechArgs{Rate: 30, Volume: 80, Pitch: 60, AppendedSilenceMS: 100}
	req, err = s.buildRequest(protocol.Utterance{
		VoiceID:    "en_US-lessac-medium",
		Text:       "Hello.",
		SpeechArgs: &args,
		Mode:       protocol.ModeLazy,
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Mode != ModeLazy || req.Args.Rate != 30 || req.Args.AppendedSilenceMS != 100 {
		t.Fatalf("expected explicit settings kept, got %s %+v", req.Mode, req.Args)
	}
}

func TestDecodeUtteranceAssignsID(t *testing.T) {
	s := &Service{}
	utt, err := s.decodeUtterance([]byte(`{"voice_id":"v","text":"hi","synthesis_mode":"lazy"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if utt.UtteranceID == "" {
		t.Fatal("expected an assigned utterance id")
	}

	utt, err = s.decodeUtterance([]byte(`{"utterance_id":"mine","voice_id":"v","text":"hi","synthesis_mode":"lazy"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if utt.UtteranceID != "mine" {
		t.Fatalf("expected caller id kept, got %q", utt.UtteranceID)
	}
}
