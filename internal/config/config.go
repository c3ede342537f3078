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

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ContentConfig locates the markdown library and tunes the document cache.
type ContentConfig struct {
	Dir             string `yaml:"dir"`
	CacheSize       int    `yaml:"cache_size"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// BlobConfig selects the artifact store backend.
type BlobConfig struct {
	Backend string `yaml:"backend"` // dir, remote
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// SynthConfig selects and tunes the speech provider.
type SynthConfig struct {
	Provider      string `yaml:"provider"` // mock, exec, elevenlabs
	APIKey        string `yaml:"api_key"`
	Voice         string `yaml:"voice"`
	Model         string `yaml:"model"`
	Format        string `yaml:"format"`
	Command       string `yaml:"command"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RatePerMinute int    `yaml:"rate_per_minute"`
}

// NarrationConfig shapes the spoken text itself.
type NarrationConfig struct {
	Attribution string `yaml:"attribution"`
}

// GenLogConfig controls the generation history ledger.
type GenLogConfig struct {
	Mode          string `yaml:"mode"` // ephemeral, persistent
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRecords    int    `yaml:"max_records"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PrefetchConfig controls the background generation worker.
type PrefetchConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DaemonConfig holds process-level knobs.
type DaemonConfig struct {
	// LockFile guards against a second daemon on the same data directory.
	// Empty disables the check.
	LockFile string `yaml:"lock_file"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Content     ContentConfig   `yaml:"content"`
	Blob        BlobConfig      `yaml:"blob"`
	Synth       SynthConfig     `yaml:"synth"`
	Narration   NarrationConfig `yaml:"narration"`
	GenLog      GenLogConfig    `yaml:"gen_log"`
	Prefetch    PrefetchConfig  `yaml:"prefetch"`
	Daemon      DaemonConfig    `yaml:"daemon"`
}

func Default() Config {
	return Config{
		ServiceName: "loqa-narrate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Content: ContentConfig{
			Dir:             "./content",
			CacheSize:       256,
			CacheTTLSeconds: 300,
		},
		Blob: BlobConfig{
			Backend: "dir",
			Dir:     "./data/blobs",
		},
		Synth: SynthConfig{
			Provider:      "mock",
			MaxConcurrent: 3,
			RatePerMinute: 60,
		},
		Narration: NarrationConfig{
			Attribution: "by Loqa Labs",
		},
		GenLog: GenLogConfig{
			Mode:          "persistent",
			Path:          "./data/narrate-genlog.db",
			RetentionDays: 30,
			MaxRecords:    100000,
		},
		Prefetch: PrefetchConfig{
			Enabled: true,
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
	overrideString(&cfg.ServiceName, "NARRATE_SERVICE_NAME")
	overrideString(&cfg.Environment, "NARRATE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NARRATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Content.Dir, "NARRATE_CONTENT_DIR")
	overrideInt(&cfg.Content.CacheSize, "NARRATE_CONTENT_CACHE_SIZE")
	overrideInt(&cfg.Content.CacheTTLSeconds, "NARRATE_CONTENT_CACHE_TTL_SECONDS")
	overrideString(&cfg.Blob.Backend, "NARRATE_BLOB_BACKEND")
	overrideString(&cfg.Blob.Dir, "NARRATE_BLOB_DIR")
	overrideString(&cfg.Blob.BaseURL, "NARRATE_BLOB_BASE_URL")
	overrideString(&cfg.Blob.Token, "NARRATE_BLOB_TOKEN")
	overrideString(&cfg.Synth.Provider, "NARRATE_SYNTH_PROVIDER")
	overrideString(&cfg.Synth.APIKey, "NARRATE_SYNTH_API_KEY")
	overrideString(&cfg.Synth.Voice, "NARRATE_SYNTH_VOICE")
	overrideString(&cfg.Synth.Model, "NARRATE_SYNTH_MODEL")
	overrideString(&cfg.Synth.Format, "NARRATE_SYNTH_FORMAT")
	overrideString(&cfg.Synth.Command, "NARRATE_SYNTH_COMMAND")
	overrideInt(&cfg.Synth.MaxConcurrent, "NARRATE_SYNTH_MAX_CONCURRENT")
	overrideInt(&cfg.Synth.RatePerMinute, "NARRATE_SYNTH_RATE_PER_MINUTE")
	overrideString(&cfg.Narration.Attribution, "NARRATE_NARRATION_ATTRIBUTION")
	overrideString(&cfg.GenLog.Mode, "NARRATE_GEN_LOG_MODE")
	overrideString(&cfg.GenLog.Path, "NARRATE_GEN_LOG_PATH")
	overrideInt(&cfg.GenLog.RetentionDays, "NARRATE_GEN_LOG_RETENTION_DAYS")
	overrideInt(&cfg.GenLog.MaxRecords, "NARRATE_GEN_LOG_MAX_RECORDS")
	overrideBool(&cfg.GenLog.VacuumOnStart, "NARRATE_GEN_LOG_VACUUM_ON_START")
	overrideBool(&cfg.Prefetch.Enabled, "NARRATE_PREFETCH_ENABLED")
	overrideString(&cfg.Daemon.LockFile, "NARRATE_DAEMON_LOCK_FILE")

	// The provider vendor's own variable names still work so deployments
	// can share credentials with other tooling.
	overrideString(&cfg.Synth.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.Synth.Voice, "ELEVENLABS_VOICE_ID")
	overrideString(&cfg.Synth.Model, "ELEVENLABS_MODEL_ID")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Content.Dir == "" {
		return errors.New("content.dir must not be empty")
	}
	if cfg.Content.CacheSize <= 0 {
		return errors.New("content.cache_size must be >= 1")
	}
	if cfg.Content.CacheTTLSeconds < 0 {
		return errors.New("content.cache_ttl_seconds must be >= 0")
	}
	switch cfg.Blob.Backend {
	case "dir":
		if cfg.Blob.Dir == "" {
			return errors.New("blob.dir must not be empty when backend=dir")
		}
	case "remote":
		if cfg.Blob.BaseURL == "" {
			return errors.New("blob.base_url must be set when backend=remote")
		}
		if cfg.Blob.Token == "" {
			return errors.New("blob.token must be set when backend=remote")
		}
	default:
		return errors.New("blob.backend must be one of dir|remote")
	}
	switch cfg.Synth.Provider {
	case "mock", "exec", "elevenlabs":
	default:
		return errors.New("synth.provider must be one of mock|exec|elevenlabs")
	}
	if cfg.Synth.Provider == "elevenlabs" && cfg.Synth.APIKey == "" {
		return errors.New("synth.api_key must be set when provider=elevenlabs")
	}
	if cfg.Synth.Provider == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when provider=exec")
	}
	if cfg.Synth.MaxConcurrent <= 0 {
		return errors.New("synth.max_concurrent must be >= 1")
	}
	if cfg.Synth.RatePerMinute < 0 {
		return errors.New("synth.rate_per_minute must be >= 0")
	}
	switch cfg.GenLog.Mode {
	case "ephemeral", "persistent":
	default:
		return errors.New("gen_log.mode must be one of ephemeral|persistent")
	}
	if cfg.GenLog.Mode == "persistent" && cfg.GenLog.Path == "" {
		return errors.New("gen_log.path must not be empty when mode=persistent")
	}
	if cfg.GenLog.RetentionDays < 0 {
		return errors.New("gen_log.retention_days must be >= 0")
	}
	if cfg.GenLog.MaxRecords < 0 {
		return errors.New("gen_log.max_records must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
