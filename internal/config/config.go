package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Chat        ChatConfig       `yaml:"chat"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	MirrorAudio    bool     `yaml:"mirror_audio"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxQueries    int    `yaml:"max_queries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ChatConfig controls conversation history and prompt rendering.
// ContextWindow counts user turns: 0 disables history, negative is unlimited.
type ChatConfig struct {
	ContextWindow int    `yaml:"context_window"`
	SystemMessage string `yaml:"system_message"`
	UserTemplate  string `yaml:"user_template"`
	ModelTemplate string `yaml:"model_template"`
	ModelOpen     string `yaml:"model_open"`
}

type LLMConfig struct {
	Mode           string  `yaml:"mode"` // mock, ollama, exec
	MockedResponse string  `yaml:"mocked_response"`
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	Temperature    float64 `yaml:"temperature"`
	TopK           int     `yaml:"top_k"`
	TopP           float64 `yaml:"top_p"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutMS      int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode                   string `yaml:"mode"` // mock, exec
	Command                string `yaml:"command"`
	Speaker                string `yaml:"speaker"`
	Language               string `yaml:"language"`
	SampleOfClonedVoiceWAV string `yaml:"sample_of_cloned_voice_wav"`
	SampleRate             int    `yaml:"sample_rate"`
	Channels               int    `yaml:"channels"`
	ChunkDurationMS        int    `yaml:"chunk_duration_ms"`
	Streaming              bool   `yaml:"streaming"`
	SerializeJobs          bool   `yaml:"serialize_jobs"`
	MaxSentenceRunes       int    `yaml:"max_sentence_runes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-gateway",
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "gateway",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-gateway.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxQueries:    10000,
		},
		Chat: ChatConfig{
			ContextWindow: 4,
			UserTemplate:  "<start_of_turn>user\n{{.Text}}<end_of_turn>\n",
			ModelTemplate: "<start_of_turn>model\n{{.Text}}<end_of_turn>\n",
			ModelOpen:     "<start_of_turn>model\n",
		},
		LLM: LLMConfig{
			Mode:        "ollama",
			Endpoint:    "http://localhost:11434",
			Model:       "gemma:2b",
			Temperature: 0.7,
			TopK:        40,
			TopP:        0.9,
		},
		TTS: TTSConfig{
			Mode:             "mock",
			SampleRate:       22050,
			Channels:         1,
			ChunkDurationMS:  400,
			SerializeJobs:    true,
			MaxSentenceRunes: 250,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Addr is the listen address of the gateway HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Server.Host, "LOQA_SERVER_HOST")
	overrideInt(&cfg.Server.Port, "LOQA_SERVER_PORT")
	overrideString(&cfg.Server.StaticDir, "LOQA_SERVER_STATIC_DIR")
	overrideStringSlice(&cfg.Server.AllowedOrigins, "LOQA_SERVER_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Bus.MirrorAudio, "LOQA_BUS_MIRROR_AUDIO")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxQueries, "LOQA_EVENT_STORE_MAX_QUERIES")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Chat.ContextWindow, "LOQA_CHAT_CONTEXT_WINDOW")
	overrideString(&cfg.Chat.SystemMessage, "LOQA_CHAT_SYSTEM_MESSAGE")
	overrideString(&cfg.LLM.Mode, "LOQA_LLM_MODE")
	overrideString(&cfg.LLM.MockedResponse, "LOQA_LLM_MOCKED_RESPONSE")
	overrideString(&cfg.LLM.Endpoint, "LOQA_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "LOQA_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "LOQA_LLM_MODEL")
	overrideFloat(&cfg.LLM.Temperature, "LOQA_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.TopK, "LOQA_LLM_TOP_K")
	overrideFloat(&cfg.LLM.TopP, "LOQA_LLM_TOP_P")
	overrideInt(&cfg.LLM.MaxTokens, "LOQA_LLM_MAX_TOKENS")
	overrideInt(&cfg.LLM.TimeoutMS, "LOQA_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Speaker, "LOQA_TTS_SPEAKER")
	overrideString(&cfg.TTS.Language, "LOQA_TTS_LANGUAGE")
	overrideString(&cfg.TTS.SampleOfClonedVoiceWAV, "LOQA_TTS_SAMPLE_OF_CLONED_VOICE_WAV")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "LOQA_TTS_CHUNK_DURATION_MS")
	overrideBool(&cfg.TTS.Streaming, "LOQA_TTS_STREAMING")
	overrideBool(&cfg.TTS.SerializeJobs, "LOQA_TTS_SERIALIZE_JOBS")
	overrideInt(&cfg.TTS.MaxSentenceRunes, "LOQA_TTS_MAX_SENTENCE_RUNES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if strings.TrimSpace(cfg.Bus.SubjectPrefix) == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Chat.UserTemplate == "" || cfg.Chat.ModelTemplate == "" {
		return errors.New("chat.user_template and chat.model_template must not be empty")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "ollama":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=ollama")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model must be set when mode=ollama")
		}
	case "exec":
		if cfg.LLM.Command == "" {
			return errors.New("llm.command must be set when mode=exec")
		}
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Temperature <= 0 {
		return errors.New("llm.temperature must be positive")
	}
	if cfg.LLM.TopK <= 0 {
		return errors.New("llm.top_k must be positive")
	}
	if cfg.LLM.TopP <= 0 || cfg.LLM.TopP > 1 {
		return errors.New("llm.top_p must be in (0, 1]")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.LLM.TimeoutMS < 0 {
		return errors.New("llm.timeout_ms must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Streaming && cfg.TTS.ChunkDurationMS <= 0 {
		return errors.New("tts.chunk_duration_ms must be positive when streaming")
	}
	if cfg.TTS.MaxSentenceRunes < 0 {
		return errors.New("tts.max_sentence_runes must be >= 0")
	}
	return nil
}
