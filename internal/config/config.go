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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type RoomConfig struct {
	ID                string `yaml:"id"`
	URL               string `yaml:"url"`
	Origin            string `yaml:"origin"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_s"`
	DialTimeout       int    `yaml:"dial_timeout_ms"`
}

type TTSConfig struct {
	Mode         string `yaml:"mode"` // mock, exec, edge
	Command      string `yaml:"command"`
	Endpoint     string `yaml:"endpoint"`
	Voice        string `yaml:"voice"`
	Rate         string `yaml:"rate"`
	Volume       string `yaml:"volume"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	Retries      int    `yaml:"retries"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
}

type CacheConfig struct {
	Dir           string `yaml:"dir"`
	MemoryEntries int    `yaml:"memory_entries"`
	RetentionDays int    `yaml:"retention_days"`
}

type FilterConfig struct {
	MinLength       int      `yaml:"min_length"`
	MaxLength       int      `yaml:"max_length"`
	WindowSeconds   int      `yaml:"dedup_window_s"`
	BlockedUsers    []string `yaml:"blocked_users"`
	BlockedKeywords []string `yaml:"blocked_keywords"`
	ExcludedKinds   []string `yaml:"excluded_kinds"`
}

type PlaybackConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	PlayTimeoutMS int    `yaml:"play_timeout_ms"`
	GraceMS       int    `yaml:"shutdown_grace_ms"`
	Command       string `yaml:"command"`
}

type PipelineConfig struct {
	ConvertBuffer  int `yaml:"convert_buffer"`
	ConvertWorkers int `yaml:"convert_workers"`
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
}

type TranscriptConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Room        RoomConfig       `yaml:"room"`
	TTS         TTSConfig        `yaml:"tts"`
	Cache       CacheConfig      `yaml:"cache"`
	Filter      FilterConfig     `yaml:"filter"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Bus         BusConfig        `yaml:"bus"`
	Transcript  TranscriptConfig `yaml:"transcript"`
}

func Default() Config {
	return Config{
		ServiceName: "chatcast",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Room: RoomConfig{
			HeartbeatInterval: 30,
			DialTimeout:       5000,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Voice:        "zh-CN-XiaoxiaoNeural",
			Rate:         "+0%",
			Volume:       "+0%",
			TimeoutMS:    10000,
			Retries:      2,
			RetryDelayMS: 500,
		},
		Cache: CacheConfig{
			Dir:           "./cache",
			MemoryEntries: 256,
			RetentionDays: 7,
		},
		Filter: FilterConfig{
			MinLength:     1,
			MaxLength:     100,
			WindowSeconds: 5,
			ExcludedKinds: []string{"control", "room_stats", "user_seq"},
		},
		Playback: PlaybackConfig{
			QueueSize:     10,
			PlayTimeoutMS: 30000,
			GraceMS:       5000,
		},
		Pipeline: PipelineConfig{
			ConvertBuffer:  64,
			ConvertWorkers: 2,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "chat.event",
		},
		Transcript: TranscriptConfig{
			Enabled:       true,
			Path:          "./data/transcript.db",
			RetentionDays: 30,
			MaxEvents:     100000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "CHATCAST_SERVICE_NAME")
	overrideString(&cfg.Environment, "CHATCAST_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHATCAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHATCAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHATCAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHATCAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHATCAST_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Room.ID, "CHATCAST_ROOM_ID")
	overrideString(&cfg.Room.URL, "CHATCAST_ROOM_URL")
	overrideString(&cfg.Room.Origin, "CHATCAST_ROOM_ORIGIN")
	overrideInt(&cfg.Room.HeartbeatInterval, "CHATCAST_ROOM_HEARTBEAT_INTERVAL_S")
	overrideInt(&cfg.Room.DialTimeout, "CHATCAST_ROOM_DIAL_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "CHATCAST_TTS_MODE")
	overrideString(&cfg.TTS.Command, "CHATCAST_TTS_COMMAND")
	overrideString(&cfg.TTS.Endpoint, "CHATCAST_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Voice, "CHATCAST_TTS_VOICE")
	overrideString(&cfg.TTS.Rate, "CHATCAST_TTS_RATE")
	overrideString(&cfg.TTS.Volume, "CHATCAST_TTS_VOLUME")
	overrideInt(&cfg.TTS.TimeoutMS, "CHATCAST_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.Retries, "CHATCAST_TTS_RETRIES")
	overrideInt(&cfg.TTS.RetryDelayMS, "CHATCAST_TTS_RETRY_DELAY_MS")
	overrideString(&cfg.Cache.Dir, "CHATCAST_CACHE_DIR")
	overrideInt(&cfg.Cache.MemoryEntries, "CHATCAST_CACHE_MEMORY_ENTRIES")
	overrideInt(&cfg.Cache.RetentionDays, "CHATCAST_CACHE_RETENTION_DAYS")
	overrideInt(&cfg.Filter.MinLength, "CHATCAST_FILTER_MIN_LENGTH")
	overrideInt(&cfg.Filter.MaxLength, "CHATCAST_FILTER_MAX_LENGTH")
	overrideInt(&cfg.Filter.WindowSeconds, "CHATCAST_FILTER_DEDUP_WINDOW_S")
	overrideStringSlice(&cfg.Filter.BlockedUsers, "CHATCAST_FILTER_BLOCKED_USERS")
	overrideStringSlice(&cfg.Filter.BlockedKeywords, "CHATCAST_FILTER_BLOCKED_KEYWORDS")
	overrideStringSlice(&cfg.Filter.ExcludedKinds, "CHATCAST_FILTER_EXCLUDED_KINDS")
	overrideInt(&cfg.Playback.QueueSize, "CHATCAST_PLAYBACK_QUEUE_SIZE")
	overrideInt(&cfg.Playback.PlayTimeoutMS, "CHATCAST_PLAYBACK_PLAY_TIMEOUT_MS")
	overrideInt(&cfg.Playback.GraceMS, "CHATCAST_PLAYBACK_SHUTDOWN_GRACE_MS")
	overrideString(&cfg.Playback.Command, "CHATCAST_PLAYBACK_COMMAND")
	overrideInt(&cfg.Pipeline.ConvertBuffer, "CHATCAST_PIPELINE_CONVERT_BUFFER")
	overrideInt(&cfg.Pipeline.ConvertWorkers, "CHATCAST_PIPELINE_CONVERT_WORKERS")
	overrideBool(&cfg.Bus.Enabled, "CHATCAST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CHATCAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHATCAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "CHATCAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHATCAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHATCAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHATCAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHATCAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHATCAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "CHATCAST_BUS_SUBJECT_PREFIX")
	overrideBool(&cfg.Transcript.Enabled, "CHATCAST_TRANSCRIPT_ENABLED")
	overrideString(&cfg.Transcript.Path, "CHATCAST_TRANSCRIPT_PATH")
	overrideInt(&cfg.Transcript.RetentionDays, "CHATCAST_TRANSCRIPT_RETENTION_DAYS")
	overrideInt(&cfg.Transcript.MaxEvents, "CHATCAST_TRANSCRIPT_MAX_EVENTS")
	overrideBool(&cfg.Transcript.VacuumOnStart, "CHATCAST_TRANSCRIPT_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Room.HeartbeatInterval <= 0 {
		return errors.New("room.heartbeat_interval_s must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "edge":
	default:
		return errors.New("tts.mode must be one of mock|exec|edge")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	if cfg.TTS.Retries < 0 {
		return errors.New("tts.retries must be >= 0")
	}
	if cfg.Cache.Dir == "" {
		return errors.New("cache.dir must not be empty")
	}
	if cfg.Cache.RetentionDays < 0 {
		return errors.New("cache.retention_days must be >= 0")
	}
	if cfg.Filter.MinLength < 0 {
		return errors.New("filter.min_length must be >= 0")
	}
	if cfg.Filter.MaxLength < cfg.Filter.MinLength {
		return errors.New("filter.max_length must be >= filter.min_length")
	}
	if cfg.Filter.WindowSeconds < 0 {
		return errors.New("filter.dedup_window_s must be >= 0")
	}
	if cfg.Playback.QueueSize <= 0 {
		return errors.New("playback.queue_size must be >= 1")
	}
	if cfg.Playback.PlayTimeoutMS <= 0 {
		return errors.New("playback.play_timeout_ms must be positive")
	}
	if cfg.Pipeline.ConvertBuffer <= 0 {
		return errors.New("pipeline.convert_buffer must be >= 1")
	}
	if cfg.Pipeline.ConvertWorkers <= 0 {
		return errors.New("pipeline.convert_workers must be >= 1")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	if cfg.Transcript.Enabled {
		if cfg.Transcript.Path == "" {
			return errors.New("transcript.path must not be empty when transcript is enabled")
		}
		if cfg.Transcript.RetentionDays < 0 {
			return errors.New("transcript.retention_days must be >= 0")
		}
	}
	return nil
}
