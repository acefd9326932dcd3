package model

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/cadencelabs/cadence-core/internal/voice"
)

// ExecModel runs an external synthesis binary per segment. The binary reads
// segment text on stdin and writes a WAV file to stdout; the model decodes
// it back to raw PCM in the voice's sample format. This mirrors how piper's
// CLI is driven.
type ExecModel struct {
	cmd      []string
	maxChars int
}

// NewExecModel parses the configured command line. maxChars bounds the
// segment size the binary accepts; 0 means unlimited.
func NewExecModel(command string, maxChars int) (*ExecModel, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command empty")
	}
	return &ExecModel{cmd: args, maxChars: maxChars}, nil
}

// Synthesize invokes the binary for one segment and decodes its WAV output.
func (e *ExecModel) Synthesize(ctx context.Context, v *voice.Voice, req Request) (*Response, error) {
	if e.maxChars > 0 && len(req.Text) > e.maxChars {
		return nil, fmt.Errorf("%w: %d chars, limit %d", ErrSegmentTooLarge, len(req.Text), e.maxChars)
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--voice", v.ID,
		"--length-scale", formatScale(req.Options.LengthScale),
		"--noise-scale", formatScale(req.Options.NoiseScale),
		"--noise-w", formatScale(req.Options.NoiseW),
		"--rate", strconv.Itoa(req.Rate),
		"--volume", strconv.Itoa(req.Volume),
		"--pitch", strconv.Itoa(req.Pitch),
	)
	if v.IsMultiSpeaker() {
		args = append(args, "--speaker", strconv.Itoa(req.Options.SpeakerID))
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("model command failed: %w: %s", err, stderr.String())
	}
	elapsed := time.Since(start)

	pcm, err := decodeWAV(stdout.Bytes(), v.Audio)
	if err != nil {
		return nil, err
	}
	return &Response{Samples: pcm, Elapsed: elapsed}, nil
}

// Close is a no-op; the binary is spawned per call.
func (e *ExecModel) Close() error { return nil }

// decodeWAV extracts raw little-endian PCM from WAV bytes and checks the
// container's format against the voice's declared AudioInfo. All segments of
// one utterance must share one format.
func decodeWAV(data []byte, info voice.AudioInfo) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if int(dec.SampleRate) != info.SampleRate || int(dec.NumChans) != info.NumChannels {
		return nil, fmt.Errorf("model output format %d Hz/%d ch does not match voice format %d Hz/%d ch",
			dec.SampleRate, dec.NumChans, info.SampleRate, info.NumChannels)
	}
	if int(dec.BitDepth) != info.SampleWidth*8 {
		return nil, fmt.Errorf("model output bit depth %d does not match voice sample width %d",
			dec.BitDepth, info.SampleWidth)
	}
	if info.SampleWidth != 2 {
		return nil, fmt.Errorf("exec model supports 16-bit samples only, voice declares width %d", info.SampleWidth)
	}

	pcm := make([]byte, 0, len(buf.Data)*info.SampleWidth)
	var scratch [2]byte
	for _, sample := range buf.Data {
		binary.LittleEndian.PutUint16(scratch[:], uint16(int16(sample)))
		pcm = append(pcm, scratch[:]...)
	}
	return pcm, nil
}

func formatScale(f float64) string {
	return strconv.FormatFloat(f, 'f', 3, 64)
}
