package voice

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// voiceConfig mirrors the on-disk voice configuration file. The shape follows
// the piper voice config: an audio block, a speaker id map, and inference
// defaults.
type voiceConfig struct {
	Language string `json:"language,omitempty"`
	Audio    struct {
		SampleRate  int `json:"sample_rate"`
		NumChannels int `json:"num_channels,omitempty"`
		SampleWidth int `json:"sample_width,omitempty"`
	} `json:"audio"`
	SpeakerIDMap map[string]int `json:"speaker_id_map,omitempty"`
	Inference    struct {
		Speaker     string  `json:"speaker,omitempty"`
		LengthScale float64 `json:"length_scale"`
		NoiseScale  float64 `json:"noise_scale"`
		NoiseW      float64 `json:"noise_w"`
	} `json:"inference"`
	Streaming  *bool `json:"streaming,omitempty"`
	ThreadSafe bool  `json:"thread_safe,omitempty"`
}

// LoadDir scans a voices directory for `<lang>-<name>-<quality>` folders and
// loads each one's config file. Folders that do not match the naming scheme
// are skipped with a warning, matching how the engine treats foreign files in
// its data directory.
func LoadDir(dir string, log *slog.Logger) ([]*Voice, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read voices dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var voices []*Voice
	for _, name := range names {
		v, err := loadVoiceDir(filepath.Join(dir, name), name)
		if err != nil {
			log.Warn("skipping voice", slog.String("dir", name), slog.String("error", err.Error()))
			continue
		}
		voices = append(voices, v)
	}
	return voices, nil
}

// LoadVoiceConfig loads a single voice from its config file path. The voice
// key is taken from the enclosing directory name.
func LoadVoiceConfig(configPath string) (*Voice, error) {
	key := filepath.Base(filepath.Dir(configPath))
	return loadVoiceFile(configPath, key)
}

func loadVoiceDir(dir, key string) (*Voice, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("no voice config in %s", dir)
	}
	sort.Strings(matches)
	return loadVoiceFile(matches[0], key)
}

func loadVoiceFile(path, key string) (*Voice, error) {
	lang, _, quality, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice config: %w", err)
	}
	var cfg voiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse voice config: %w", err)
	}

	audio := AudioInfo{
		SampleRate:  cfg.Audio.SampleRate,
		NumChannels: cfg.Audio.NumChannels,
		SampleWidth: cfg.Audio.SampleWidth,
	}
	if audio.NumChannels == 0 {
		audio.NumChannels = 1
	}
	if audio.SampleWidth == 0 {
		audio.SampleWidth = 2
	}
	if err := audio.Validate(); err != nil {
		return nil, fmt.Errorf("voice %s: %w", key, err)
	}

	speakers := make(map[int]string, len(cfg.SpeakerIDMap))
	for name, id := range cfg.SpeakerIDMap {
		if existing, ok := speakers[id]; ok {
			return nil, fmt.Errorf("voice %s: speaker index %d mapped to both %q and %q", key, id, existing, name)
		}
		speakers[id] = name
	}

	if cfg.Language != "" {
		lang = cfg.Language
	}

	defaults := SynthesisOptions{
		Speaker:     cfg.Inference.Speaker,
		LengthScale: cfg.Inference.LengthScale,
		NoiseScale:  cfg.Inference.NoiseScale,
		NoiseW:      cfg.Inference.NoiseW,
	}
	if defaults.LengthScale == 0 {
		defaults.LengthScale = 1.0
	}
	if len(speakers) > 0 && defaults.Speaker == "" {
		defaults.Speaker = speakers[0]
	}
	if defaults.Speaker != "" {
		for id, name := range speakers {
			if name == defaults.Speaker {
				defaults.SpeakerID = id
				break
			}
		}
	}

	streaming := true
	if cfg.Streaming != nil {
		streaming = *cfg.Streaming
	}

	v := &Voice{
		ID:                      key,
		Language:                lang,
		Quality:                 quality,
		Speakers:                speakers,
		Audio:                   audio,
		Defaults:                defaults,
		SupportsStreamingOutput: streaming,
		ConcurrencySafe:         cfg.ThreadSafe,
	}
	if _, err := v.MergeOptions(OptionOverrides{}); err != nil {
		return nil, fmt.Errorf("voice %s defaults: %w", key, err)
	}
	return v, nil
}

// splitKey parses a `<lang>-<name>-<quality>` voice key.
func splitKey(key string) (lang, name string, quality Quality, err error) {
	// Quality tiers may themselves contain a dash (x-low), so split from the
	// left and rejoin the tail.
	parts := strings.SplitN(key, "-", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid voice key %q, want <lang>-<name>-<quality>", key)
	}
	quality, err = ParseQuality(strings.ToLower(parts[2]))
	if err != nil {
		return "", "", "", fmt.Errorf("invalid voice key %q: %w", key, err)
	}
	return parts[0], parts[1], quality, nil
}
