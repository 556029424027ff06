package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice-session gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	MaxSessions        int
	SessionIdleTimeout time.Duration
	JanitorInterval    time.Duration

	SampleRate       int
	SilenceThreshold int
	EndSilence       time.Duration
	MaxUtterance     time.Duration

	ProviderMode string

	STTBaseURL string
	STTAPIKey  string
	STTModel   string
	STTTimeout time.Duration

	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMTimeout   time.Duration
	SystemPrompt string
	ContextTurns int

	TTSBaseURL string
	TTSAPIKey  string
	TTSModel   string
	TTSVoice   string
	TTSTimeout time.Duration

	AutomationURL     string
	AutomationToken   string
	AutomationTimeout time.Duration

	RetryMaxAttempts int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	DegradedThreshold int
	DownThreshold     int

	DatabaseURL string
}

const defaultSystemPrompt = "You are a personal voice assistant. " +
	"If the user asks you to create, generate, build, research, write or automate " +
	"something complex, respond with exactly: DELEGATE: <task description>. " +
	"Otherwise answer directly. Keep answers brief and conversational."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voicegate"),
		AllowAnyOrigin:   false,

		MaxSessions:        64,
		SessionIdleTimeout: 2 * time.Minute,
		JanitorInterval:    5 * time.Second,
		ShutdownTimeout:    15 * time.Second,

		// 16kHz mono 16-bit linear PCM, the format the mobile client streams.
		SampleRate:       16000,
		SilenceThreshold: 500,
		EndSilence:       700 * time.Millisecond,
		MaxUtterance:     30 * time.Second,

		ProviderMode: envOrDefault("PROVIDER_MODE", "auto"),

		// Groq speaks the OpenAI API; any OpenAI-compatible endpoint works.
		STTBaseURL: envOrDefault("STT_BASE_URL", "https://api.groq.com/openai/v1"),
		STTAPIKey:  trimEnv("STT_API_KEY"),
		STTModel:   envOrDefault("STT_MODEL", "whisper-large-v3"),
		STTTimeout: 15 * time.Second,

		LLMBaseURL:   envOrDefault("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMAPIKey:    trimEnv("LLM_API_KEY"),
		LLMModel:     envOrDefault("LLM_MODEL", "llama-3.3-70b-versatile"),
		LLMTimeout:   30 * time.Second,
		SystemPrompt: envOrDefault("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
		ContextTurns: 8,

		TTSBaseURL: envOrDefault("TTS_BASE_URL", "https://api.groq.com/openai/v1"),
		TTSAPIKey:  trimEnv("TTS_API_KEY"),
		TTSModel:   envOrDefault("TTS_MODEL", "playai-tts"),
		TTSVoice:   envOrDefault("TTS_VOICE", "Fritz-PlayAI"),
		TTSTimeout: 20 * time.Second,

		AutomationURL:     trimEnv("AUTOMATION_URL"),
		AutomationToken:   trimEnv("AUTOMATION_TOKEN"),
		AutomationTimeout: 30 * time.Second,

		RetryMaxAttempts: 3,
		RetryBaseBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:  2 * time.Second,

		DegradedThreshold: 3,
		DownThreshold:     10,

		DatabaseURL: trimEnv("DATABASE_URL"),
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxSessions, err = intFromEnv("APP_MAX_SESSIONS", cfg.MaxSessions); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.SampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.SampleRate); err != nil {
		return Config{}, err
	}
	if cfg.SilenceThreshold, err = intFromEnv("AUDIO_SILENCE_THRESHOLD", cfg.SilenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.EndSilence, err = durationFromEnv("AUDIO_END_SILENCE", cfg.EndSilence); err != nil {
		return Config{}, err
	}
	if cfg.MaxUtterance, err = durationFromEnv("AUDIO_MAX_UTTERANCE", cfg.MaxUtterance); err != nil {
		return Config{}, err
	}
	if cfg.STTTimeout, err = durationFromEnv("STT_TIMEOUT", cfg.STTTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ContextTurns, err = intFromEnv("LLM_CONTEXT_TURNS", cfg.ContextTurns); err != nil {
		return Config{}, err
	}
	if cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AutomationTimeout, err = durationFromEnv("AUTOMATION_TIMEOUT", cfg.AutomationTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxAttempts, err = intFromEnv("PROVIDER_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseBackoff, err = durationFromEnv("PROVIDER_RETRY_BASE_BACKOFF", cfg.RetryBaseBackoff); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxBackoff, err = durationFromEnv("PROVIDER_RETRY_MAX_BACKOFF", cfg.RetryMaxBackoff); err != nil {
		return Config{}, err
	}
	if cfg.DegradedThreshold, err = intFromEnv("HEALTH_DEGRADED_THRESHOLD", cfg.DegradedThreshold); err != nil {
		return Config{}, err
	}
	if cfg.DownThreshold, err = intFromEnv("HEALTH_DOWN_THRESHOLD", cfg.DownThreshold); err != nil {
		return Config{}, err
	}

	if cfg.MaxSessions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_SESSIONS must be positive")
	}
	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.SilenceThreshold < 0 {
		return Config{}, fmt.Errorf("AUDIO_SILENCE_THRESHOLD must be >= 0")
	}
	if cfg.EndSilence <= 0 {
		return Config{}, fmt.Errorf("AUDIO_END_SILENCE must be positive")
	}
	if cfg.MaxUtterance < cfg.EndSilence {
		return Config{}, fmt.Errorf("AUDIO_MAX_UTTERANCE must be at least AUDIO_END_SILENCE")
	}
	if cfg.RetryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("PROVIDER_RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.DegradedThreshold <= 0 || cfg.DownThreshold <= cfg.DegradedThreshold {
		return Config{}, fmt.Errorf("HEALTH_DOWN_THRESHOLD must exceed HEALTH_DEGRADED_THRESHOLD (both positive)")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
