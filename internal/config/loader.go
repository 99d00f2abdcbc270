package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.Store.PostgresDSN = os.ExpandEnv(cfg.Store.PostgresDSN)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Pool.Size < 1 {
		errs = append(errs, fmt.Errorf("pool.size %d is invalid; at least one worker is required", cfg.Pool.Size))
	}
	if cfg.Pool.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("pool.acquire_timeout must not be negative"))
	}
	if !cfg.Pool.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("pool.backend %q is invalid; valid values: native, server, mock", cfg.Pool.Backend))
	}
	if cfg.Pool.Backend == BackendNative && cfg.Pool.ModelPath == "" {
		errs = append(errs, fmt.Errorf("pool.model_path is required for the native backend"))
	}
	if cfg.Pool.Backend == BackendServer && cfg.Pool.ServerURL == "" {
		errs = append(errs, fmt.Errorf("pool.server_url is required for the server backend"))
	}

	if cfg.Audio.RMSThreshold < 0 {
		errs = append(errs, fmt.Errorf("audio.rms_threshold must not be negative"))
	}
	if cfg.Audio.SilenceMs <= 0 || cfg.Audio.MinSpeechMs <= 0 || cfg.Audio.MaxUtteranceMs <= 0 {
		errs = append(errs, fmt.Errorf("audio durations must be positive"))
	}
	if cfg.Audio.MaxUtteranceMs <= cfg.Audio.MinSpeechMs {
		errs = append(errs, fmt.Errorf("audio.max_utterance_ms %d must exceed audio.min_speech_ms %d",
			cfg.Audio.MaxUtteranceMs, cfg.Audio.MinSpeechMs))
	}

	if cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm.model is required"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.Fallback != nil {
		if cfg.LLM.Fallback.Provider == "" || cfg.LLM.Fallback.Model == "" {
			errs = append(errs, fmt.Errorf("llm.fallback requires provider and model"))
		}
	}

	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: postgres, memory", cfg.Store.Driver))
	}
	if cfg.Store.Driver == DriverPostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres driver"))
	}

	if cfg.Calls.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("calls.max_concurrent must not be negative"))
	}

	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is invalid; valid values: text, json", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}
