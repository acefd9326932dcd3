package model

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

func TestNewExecModelParsesCommand(t *testing.T) {
	m, err := NewExecModel(`piper --model "/opt/voices/en lessac.onnx" --output-file -`, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.cmd[0] != "piper" {
		t.Fatalf("unexpected binary %q", m.cmd[0])
	}
	if m.cmd[2] != "/opt/voices/en lessac.onnx" {
		t.Fatalf("expected quoted argument kept whole, got %q", m.cmd[2])
	}
}

func TestNewExecModelRejectsEmpty(t *testing.T) {
	if _, err := NewExecModel("", 0); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecModel(`piper "unterminated`, 0); err == nil {
		t.Fatal("expected error for unparseable command")
	}
}

func TestExecModelSegmentTooLarge(t *testing.T) {
	m, err := NewExecModel("piper", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v := &voice.Voice{
		ID:    "en_US-lessac-medium",
		Audio: voice.AudioInfo{SampleRate: 22050, NumChannels: 1, SampleWidth: 2},
	}
	_, err = m.Synthesize(context.Background(), v, Request{Text: "way past the limit"})
	if !errors.Is(err, ErrSegmentTooLarge) {
		t.Fatalf("expected ErrSegmentTooLarge, got %v", err)
	}
}

// encodeTestWAV renders int16 samples into a WAV file and returns its bytes.
func encodeTestWAV(t *testing.T, samples []int, sampleRate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func TestDecodeWAV(t *testing.T) {
	samples := []int{0, 1000, -1000, 32767, -32768}
	data := encodeTestWAV(t, samples, 22050)

	info := voice.AudioInfo{SampleRate: 22050, NumChannels: 1, SampleWidth: 2}
	pcm, err := decodeWAV(data, info)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != len(samples)*2 {
		t.Fatalf("expected %d bytes, got %d", len(samples)*2, len(pcm))
	}
	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if int(got) != want {
			t.Fatalf("sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestDecodeWAVFormatMismatch(t *testing.T) {
	data := encodeTestWAV(t, []int{0, 1, 2}, 16000)

	info := voice.AudioInfo{SampleRate: 22050, NumChannels: 1, SampleWidth: 2}
	if _, err := decodeWAV(data, info); err == nil {
		t.Fatal("expected sample rate mismatch error")
	}
}
