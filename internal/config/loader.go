package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":   {"whisper-native"},
	"gen":   {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"synth": {"coqui"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio. Negative values would be masked by the default fill-in, so they
	// are rejected on the raw fields first.
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: sample rate must not be negative, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.energy_threshold must not be negative, got %g", cfg.Audio.EnergyThreshold))
	}
	if cfg.Audio.SilenceDuration < 0 || cfg.Audio.MinSpeechDuration < 0 || cfg.Audio.MaxSpeechDuration < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}
	if err := cfg.Audio.Detector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}

	// Pipeline
	if cfg.Pipeline.Temperature < 0 || cfg.Pipeline.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", cfg.Pipeline.Temperature))
	}
	if cfg.Pipeline.InitialMinChars < 0 {
		errs = append(errs, fmt.Errorf("pipeline.initial_min_chars must not be negative, got %d", cfg.Pipeline.InitialMinChars))
	}
	if cfg.Pipeline.RemainingChunkChars < 0 {
		errs = append(errs, fmt.Errorf("pipeline.remaining_chunk_chars must not be negative, got %d", cfg.Pipeline.RemainingChunkChars))
	}
	if cfg.Pipeline.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens must not be negative, got %d", cfg.Pipeline.MaxTokens))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("gen", cfg.Providers.Gen.Name)
	validateProviderName("synth", cfg.Providers.Synth.Name)
	for _, fb := range cfg.Providers.ASR.Fallbacks {
		validateProviderName("asr", fb.Name)
	}
	for _, fb := range cfg.Providers.Gen.Fallbacks {
		validateProviderName("gen", fb.Name)
	}
	for _, fb := range cfg.Providers.Synth.Fallbacks {
		validateProviderName("synth", fb.Name)
	}

	// Failover tuning
	fo := cfg.Providers.Failover
	if fo.TripAfter < 0 || fo.Probes < 0 || fo.Cooldown < 0 {
		errs = append(errs, errors.New("providers.failover values must not be negative"))
	}

	// Provider availability
	if cfg.Providers.Gen.Name == "" {
		errs = append(errs, errors.New("providers.gen is required; the server cannot generate responses without it"))
	}
	if cfg.Providers.Synth.Name == "" {
		errs = append(errs, errors.New("providers.synth is required; the server cannot produce audio without it"))
	}
	if cfg.Providers.ASR.Name == "" {
		slog.Warn("providers.asr is not configured; only text inputs will be processed")
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; turns will only be kept in memory")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
