// Package config provides the configuration schema and loader for the
// Voxline call server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// PoolBackend selects how recognition workers run.
type PoolBackend string

const (
	// BackendNative loads whisper.cpp models in process through CGO.
	BackendNative PoolBackend = "native"

	// BackendServer sends audio to an external whisper.cpp server.
	BackendServer PoolBackend = "server"

	// BackendMock transcribes nothing; demo and test deployments only.
	BackendMock PoolBackend = "mock"
)

// IsValid reports whether b is a recognised pool backend.
func (b PoolBackend) IsValid() bool {
	switch b {
	case BackendNative, BackendServer, BackendMock:
		return true
	}
	return false
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	DriverPostgres StoreDriver = "postgres"
	DriverMemory   StoreDriver = "memory"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	return d == DriverPostgres || d == DriverMemory
}

// Config is the root configuration structure for Voxline. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pool    PoolConfig    `yaml:"pool"`
	Audio   AudioConfig   `yaml:"audio"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Store   StoreConfig   `yaml:"store"`
	Calls   CallsConfig   `yaml:"calls"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the network surface.
type ServerConfig struct {
	// ListenAddr is the TCP address serving the voice webhook and the
	// media-stream WebSocket (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves Prometheus metrics and health probes. Empty
	// disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// PublicHost is the externally reachable host the webhook builds
	// stream URLs from. Empty falls back to the request Host header.
	PublicHost string `yaml:"public_host"`
}

// PoolConfig sizes the recognition worker pool.
type PoolConfig struct {
	// Size is the number of recognition workers loaded at startup.
	Size int `yaml:"size"`

	// AcquireTimeout bounds how long a turn waits for an idle worker
	// before the caller is asked to repeat.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// Backend selects the recognizer implementation.
	Backend PoolBackend `yaml:"backend"`

	// ModelPath is the whisper.cpp model file, required for the native
	// backend.
	ModelPath string `yaml:"model_path"`

	// ServerURL is the whisper.cpp server base URL, required for the
	// server backend.
	ServerURL string `yaml:"server_url"`

	// Language is the BCP-47 recognition language (e.g., "en").
	Language string `yaml:"language"`
}

// AudioConfig tunes utterance segmentation.
type AudioConfig struct {
	// RMSThreshold is the energy level separating speech from silence.
	RMSThreshold int `yaml:"rms_threshold"`

	// SilenceMs is the trailing silence that closes an utterance.
	SilenceMs int `yaml:"silence_ms"`

	// MinSpeechMs discards speech bursts shorter than this.
	MinSpeechMs int `yaml:"min_speech_ms"`

	// MaxUtteranceMs forces an utterance boundary for callers who never
	// pause.
	MaxUtteranceMs int `yaml:"max_utterance_ms"`
}

// LLMConfig selects the reply-generation backend.
type LLMConfig struct {
	// Provider is the backend name (e.g., "openai", "anthropic",
	// "ollama", "groq").
	Provider string `yaml:"provider"`

	// Model is the provider-specific model identifier.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Temperature for reply sampling.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps reply length.
	MaxTokens int `yaml:"max_tokens"`

	// Fallback, when set, is tried whenever the primary fails or its
	// circuit breaker is open.
	Fallback *LLMFallbackConfig `yaml:"fallback"`
}

// LLMFallbackConfig describes the secondary completion backend.
type LLMFallbackConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	BaseURL   string `yaml:"base_url"`
}

// TTSConfig selects the synthesis server.
type TTSConfig struct {
	// BaseURL is the Kokoro-compatible TTS server address.
	BaseURL string `yaml:"base_url"`

	// Voice is the default voice; a business's configured voice wins.
	Voice string `yaml:"voice"`

	// Speed adjusts speaking rate. Zero means the server default.
	Speed float64 `yaml:"speed"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// PostgresDSN is the connection string for the postgres driver.
	// Environment variables in the form ${VAR} are expanded.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CallsConfig bounds concurrent calls and session lifetime.
type CallsConfig struct {
	// MaxConcurrent turns new callers away when this many calls are
	// live. Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxIdle is how long a silent session survives before the sweep
	// evicts it.
	MaxIdle time.Duration `yaml:"max_idle"`

	// SweepInterval is how often the stale-session sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// FallbackPrompt is spoken when a turn fails. Empty uses the
	// built-in prompt.
	FallbackPrompt string `yaml:"fallback_prompt"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level LogLevel `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// applyDefaults fills zero-valued fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = 2
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = 5 * time.Second
	}
	if c.Pool.Backend == "" {
		c.Pool.Backend = BackendNative
	}
	if c.Pool.Language == "" {
		c.Pool.Language = "en"
	}
	if c.Audio.RMSThreshold == 0 {
		c.Audio.RMSThreshold = 500
	}
	if c.Audio.SilenceMs == 0 {
		c.Audio.SilenceMs = 700
	}
	if c.Audio.MinSpeechMs == 0 {
		c.Audio.MinSpeechMs = 300
	}
	if c.Audio.MaxUtteranceMs == 0 {
		c.Audio.MaxUtteranceMs = 15000
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 256
	}
	if c.TTS.BaseURL == "" {
		c.TTS.BaseURL = "http://localhost:8880"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Calls.MaxIdle == 0 {
		c.Calls.MaxIdle = 5 * time.Minute
	}
	if c.Calls.SweepInterval == 0 {
		c.Calls.SweepInterval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = LogInfo
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
