// Package config loads the agent configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete agent configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Security   SecurityConfig   `mapstructure:"security"`
	Twilio     TwilioConfig     `mapstructure:"twilio"`
	Deepgram   DeepgramConfig   `mapstructure:"deepgram"`
	ElevenLabs ElevenLabsConfig `mapstructure:"elevenlabs"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Audio      AudioConfig      `mapstructure:"audio"`
	VAD        VADConfig        `mapstructure:"vad"`
	Playback   PlaybackConfig   `mapstructure:"playback"`
	Session    SessionConfig    `mapstructure:"session"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	PublicHost      string        `mapstructure:"public_host"`
	StaticDir       string        `mapstructure:"static_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SecurityConfig struct {
	SigningSecret     string        `mapstructure:"signing_secret"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	RequireSignedURLs bool          `mapstructure:"require_signed_urls"`
}

type TwilioConfig struct {
	AccountSID  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	VoiceNumber string `mapstructure:"voice_number"`
	APIBase     string `mapstructure:"api_base"`
	Voice       string `mapstructure:"voice"`
	// Where <Gather> results and timed-out gathers go. Empty holds the call.
	GatherAction string `mapstructure:"gather_action"`
	RedirectURL  string `mapstructure:"redirect_url"`
	HoldSeconds  int    `mapstructure:"hold_seconds"`
}

type DeepgramConfig struct {
	APIKey   string   `mapstructure:"api_key"`
	URL      string   `mapstructure:"url"`
	Model    string   `mapstructure:"model"`
	Language string   `mapstructure:"language"`
	Keywords []string `mapstructure:"keywords"`
}

type ElevenLabsConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	VoiceID         string        `mapstructure:"voice_id"`
	Model           string        `mapstructure:"model"`
	OutputFormat    string        `mapstructure:"output_format"`
	Stability       float64       `mapstructure:"stability"`
	SimilarityBoost float64       `mapstructure:"similarity_boost"`
	FileMaxAge      time.Duration `mapstructure:"file_max_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// GeminiConfig also carries the generation tunables shared by every LLM provider.
type GeminiConfig struct {
	Provider        string        `mapstructure:"provider"`
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	SystemPrompt    string        `mapstructure:"system_prompt"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

type AudioConfig struct {
	FlushBytes int    `mapstructure:"flush_bytes"`
	Upsampler  string `mapstructure:"upsampler"`
}

type VADConfig struct {
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	SpeechFrames    int     `mapstructure:"speech_frames"`
	SilenceFrames   int     `mapstructure:"silence_frames"`
}

type PlaybackConfig struct {
	MaxChunkChars int           `mapstructure:"max_chunk_chars"`
	SafetyMargin  time.Duration `mapstructure:"safety_margin"`
}

type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RemovalGrace  time.Duration `mapstructure:"removal_grace"`
	MaxHistory    int           `mapstructure:"max_history"`
}

type ReconnectConfig struct {
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type AuditConfig struct {
	DBPath    string        `mapstructure:"db_path"`
	QueueSize int           `mapstructure:"queue_size"`
	Retention time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// binding maps a config key to its environment variable.
type binding struct {
	key string
	env string
	def interface{}
}

var bindings = []binding{
	{"server.addr", "SERVER_ADDR", ":8080"},
	{"server.public_host", "PUBLIC_HOST", ""},
	{"server.static_dir", "STATIC_DIR", "static"},
	{"server.shutdown_timeout", "SHUTDOWN_TIMEOUT", "10s"},

	{"security.signing_secret", "STATIC_SIGNING_SECRET", ""},
	{"security.token_ttl", "TOKEN_TTL", "300s"},
	{"security.require_signed_urls", "REQUIRE_SIGNED_STATIC_URLS", true},

	{"twilio.account_sid", "TWILIO_ACCOUNT_SID", ""},
	{"twilio.auth_token", "TWILIO_AUTH_TOKEN", ""},
	{"twilio.voice_number", "TWILIO_VOICE_NUMBER", ""},
	{"twilio.api_base", "TWILIO_API_BASE", "https://api.twilio.com"},
	{"twilio.voice", "TWILIO_SAY_VOICE", "alice"},
	{"twilio.gather_action", "TWILIO_GATHER_ACTION", ""},
	{"twilio.redirect_url", "TWILIO_REDIRECT_URL", ""},
	{"twilio.hold_seconds", "TWILIO_HOLD_SECONDS", 60},

	{"deepgram.api_key", "DEEPGRAM_API_KEY", ""},
	{"deepgram.url", "DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"},
	{"deepgram.model", "DEEPGRAM_MODEL", "nova-2-phonecall"},
	{"deepgram.language", "DEEPGRAM_LANGUAGE", "en-US"},
	{"deepgram.keywords", "DEEPGRAM_KEYWORDS", []string{}},

	{"elevenlabs.api_key", "ELEVENLABS_API_KEY", ""},
	{"elevenlabs.base_url", "ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"},
	{"elevenlabs.voice_id", "TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"},
	{"elevenlabs.model", "TTS_MODEL", "eleven_turbo_v2"},
	{"elevenlabs.output_format", "TTS_OUTPUT_FORMAT", "mp3_22050_32"},
	{"elevenlabs.stability", "TTS_STABILITY", 0.5},
	{"elevenlabs.similarity_boost", "TTS_SIMILARITY_BOOST", 0.8},
	{"elevenlabs.file_max_age", "TTS_FILE_MAX_AGE", "2h"},
	{"elevenlabs.cleanup_interval", "TTS_CLEANUP_INTERVAL", "1h"},

	{"gemini.provider", "LLM_PROVIDER", "gemini"},
	{"gemini.api_key", "GOOGLE_API_KEY", ""},
	{"gemini.model", "GEMINI_MODEL", "gemini-2.0-flash"},
	{"gemini.max_output_tokens", "MAX_RESPONSE_TOKENS", 150},
	{"gemini.temperature", "GEMINI_TEMPERATURE", 0.7},
	{"gemini.max_attempts", "GEMINI_MAX_ATTEMPTS", 3},
	{"gemini.retry_delay", "GEMINI_RETRY_DELAY", "1s"},
	{"gemini.system_prompt", "GEMINI_SYSTEM_PROMPT", ""},

	{"openai.api_key", "OPENAI_API_KEY", ""},
	{"openai.base_url", "OPENAI_BASE_URL", "https://api.openai.com/v1"},
	{"openai.model", "OPENAI_MODEL", "gpt-4o-mini"},

	{"audio.flush_bytes", "AUDIO_FLUSH_BYTES", 3200},
	{"audio.upsampler", "AUDIO_UPSAMPLER", "duplicate"},

	{"vad.energy_threshold", "VAD_ENERGY_THRESHOLD", 1000.0},
	{"vad.speech_frames", "VAD_SPEECH_FRAMES", 3},
	{"vad.silence_frames", "VAD_SILENCE_FRAMES", 10},

	{"playback.max_chunk_chars", "MAX_TTS_CHUNK_CHARS", 200},
	{"playback.safety_margin", "PLAYBACK_SAFETY_MARGIN", "500ms"},

	{"session.ttl", "SESSION_TTL", "30m"},
	{"session.sweep_interval", "SESSION_SWEEP_INTERVAL", "5m"},
	{"session.removal_grace", "SESSION_REMOVAL_GRACE", "30s"},
	{"session.max_history", "MAX_CONVERSATION_HISTORY", 10},

	{"reconnect.backoff", "STT_RECONNECT_BACKOFF", "1s"},
	{"reconnect.max_attempts", "STT_RECONNECT_ATTEMPTS", 1},

	{"audit.db_path", "AUDIT_DB_PATH", ""},
	{"audit.queue_size", "AUDIT_QUEUE_SIZE", 256},
	{"audit.retention", "AUDIT_RETENTION", "2160h"},

	{"log.level", "LOG_LEVEL", "INFO"},
	{"log.color", "LOG_COLOR", true},
}

// Load reads configuration. Precedence: environment, then the dotenv file at
// envFile (skipped when empty or missing), then built-in defaults.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.def)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.env, err)
		}
	}

	if envFile != "" {
		if err := applyEnvFile(v, envFile); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Server.PublicHost = strings.TrimSuffix(cfg.Server.PublicHost, "/")
	return &cfg, nil
}

// applyEnvFile layers dotenv values over the defaults. Real environment
// variables still win because viper checks them before defaults.
func applyEnvFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	for _, b := range bindings {
		// dotenv keys are lower-cased by viper.
		if val := file.Get(strings.ToLower(b.env)); val != nil {
			v.SetDefault(b.key, val)
		}
	}
	return nil
}

// Validate reports missing credentials and out-of-range tunables.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"PUBLIC_HOST":           c.Server.PublicHost,
		"STATIC_SIGNING_SECRET": c.Security.SigningSecret,
		"TWILIO_ACCOUNT_SID":    c.Twilio.AccountSID,
		"TWILIO_AUTH_TOKEN":     c.Twilio.AuthToken,
		"DEEPGRAM_API_KEY":      c.Deepgram.APIKey,
		"ELEVENLABS_API_KEY":    c.ElevenLabs.APIKey,
	}
	switch c.Gemini.Provider {
	case "gemini":
		required["GOOGLE_API_KEY"] = c.Gemini.APIKey
	case "openai":
		required["OPENAI_API_KEY"] = c.OpenAI.APIKey
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be gemini or openai, got %q", c.Gemini.Provider))
	}
	for _, name := range sortedKeys(required) {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if len(c.Security.SigningSecret) > 0 && len(c.Security.SigningSecret) < 8 {
		errs = append(errs, errors.New("STATIC_SIGNING_SECRET must be at least 8 characters"))
	}
	if c.Audio.FlushBytes <= 0 || c.Audio.FlushBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio flush size must be a positive even byte count, got %d", c.Audio.FlushBytes))
	}
	if c.VAD.SpeechFrames <= 0 || c.VAD.SilenceFrames <= 0 {
		errs = append(errs, errors.New("VAD frame counts must be positive"))
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("STT_RECONNECT_ATTEMPTS cannot be negative"))
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
