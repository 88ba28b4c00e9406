// Package config loads worksafety settings from defaults, an optional YAML
// file and WORKSAFETY_ environment variables. Risk bands reload when the
// file changes; every other key needs a restart.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"worksafety/internal/adapters"
	"worksafety/internal/blob"
	"worksafety/internal/core"
	"worksafety/internal/observability"
	"worksafety/pkg/domain"
)

// EnvPrefix prefixes every environment override, e.g. WORKSAFETY_HTTP_ADDR.
const EnvPrefix = "WORKSAFETY"

// Config is the full settings tree.
type Config struct {
	HorizonDays        int           `mapstructure:"horizon_days" validate:"gte=1,lte=366"`
	CalculatorDeadline time.Duration `mapstructure:"calculator_deadline" validate:"gt=0"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"gte=1"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax         time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	Epsilon            float64       `mapstructure:"epsilon" validate:"gte=0"`
	FreshnessWindow    time.Duration `mapstructure:"freshness_window" validate:"gt=0"`
	StaleAfter         time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	QueueCapacity      int           `mapstructure:"queue_capacity" validate:"gte=1"`
	ProjectReducer     string        `mapstructure:"project_reducer" validate:"oneof=sum max"`
	Bands              []domain.Band `mapstructure:"bands"`
	EvaluatorSchedule  string        `mapstructure:"evaluator_schedule" validate:"required"`
	ReplayBackoffBase  time.Duration `mapstructure:"replay_backoff_base" validate:"gt=0"`
	ReplayBackoffMax   time.Duration `mapstructure:"replay_backoff_max" validate:"gtefield=ReplayBackoffBase"`
	TriggerRetention   time.Duration `mapstructure:"trigger_retention" validate:"gt=0"`

	AdapterTTL AdapterTTLConfig   `mapstructure:"adapter_ttl"`
	Storage    core.StorageConfig `mapstructure:"storage"`
	Blob       BlobConfig         `mapstructure:"blob"`
	Cache      core.CacheConfig   `mapstructure:"cache"`
	Weather    WeatherConfig      `mapstructure:"weather"`
	HTTP       HTTPConfig         `mapstructure:"http"`
	Log        LogConfig          `mapstructure:"log"`
	Tracing    TracingConfig      `mapstructure:"tracing"`
}

// AdapterTTLConfig holds the cache freshness per source. Zero never expires.
type AdapterTTLConfig struct {
	Weather   time.Duration `mapstructure:"weather" validate:"gte=0"`
	Incidents time.Duration `mapstructure:"incidents" validate:"gte=0"`
	Geography time.Duration `mapstructure:"geography" validate:"gte=0"`
}

// BlobConfig selects the object store for catalogs and geography.
type BlobConfig struct {
	Driver    string `mapstructure:"driver" validate:"oneof=fs memory s3 gcs"`
	Root      string `mapstructure:"root"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Driver s3,required_if=Driver gcs"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// WeatherConfig points at the Open-Meteo compatible upstream.
type WeatherConfig struct {
	BaseURL       string        `mapstructure:"base_url" validate:"omitempty,url"`
	RatePerSecond float64       `mapstructure:"rate_per_second" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

type TracingConfig struct {
	Exporter string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `mapstructure:"insecure"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"horizon_days":            14,
		"calculator_deadline":     "30s",
		"max_attempts":            5,
		"backoff_base":            "1s",
		"backoff_max":             "5m",
		"epsilon":                 0.0,
		"freshness_window":        "1h",
		"stale_after":             "24h",
		"queue_capacity":          10000,
		"project_reducer":         "sum",
		"bands":                   []domain.Band{},
		"evaluator_schedule":      "@hourly",
		"replay_backoff_base":     "5m",
		"replay_backoff_max":      "6h",
		"trigger_retention":       "72h",
		"adapter_ttl.weather":     "1h",
		"adapter_ttl.incidents":   "24h",
		"adapter_ttl.geography":   "0s",
		"storage.driver":          "sqlite",
		"storage.sqlite_path":     "worksafety.db",
		"storage.postgres_dsn":    "",
		"blob.driver":             "fs",
		"blob.root":               "data",
		"blob.bucket":             "",
		"blob.region":             "",
		"blob.endpoint":           "",
		"blob.path_style":         false,
		"cache.driver":            "memory",
		"cache.path":              "",
		"weather.base_url":        "https://api.open-meteo.com",
		"weather.rate_per_second": 5.0,
		"weather.timeout":         "10s",
		"http.addr":               ":8080",
		"log.level":               "info",
		"log.format":              "text",
		"tracing.exporter":        "none",
		"tracing.endpoint":        "",
		"tracing.insecure":        false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Loader owns the viper instance and the current, validated Config.
type Loader struct {
	v      *viper.Viper
	logger *slog.Logger

	mu       sync.RWMutex
	cfg      Config
	watchers []func(domain.Bands)
}

// Load reads defaults, the file at path (optional) and the environment.
func Load(path string, logger *slog.Logger) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, logger: observability.OrDefault(logger).With("component", "config"), cfg: cfg}, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and the band table.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			msgs := make([]string, 0, len(fields))
			for _, f := range fields {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", f.Namespace(), f.Tag()))
			}
			return domain.DefinitionError{Reason: "config: " + strings.Join(msgs, "; ")}
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if len(c.Bands) > 0 {
		if err := domain.Bands(c.Bands).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Config returns the current settings.
func (l *Loader) Config() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Bands returns the configured global bands or the defaults. It is safe to
// hand to core.AppOptions.Bands.
func (l *Loader) Bands() domain.Bands {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Bands(l.cfg.Bands).Or(domain.DefaultBands())
}

// OnBandsChange registers fn to run after a reload replaced the bands.
func (l *Loader) OnBandsChange(fn func(domain.Bands)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Watch reloads bands whenever the config file changes. It does nothing
// when no file was loaded.
func (l *Loader) Watch() {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := l.Reload(); err != nil {
			l.logger.Error("config reload rejected", "file", e.Name, "error", err)
		}
	})
	l.v.WatchConfig()
}

// Reload rereads the file and applies the new bands. An invalid file keeps
// the previous settings.
func (l *Loader) Reload() error {
	if path := l.v.ConfigFileUsed(); path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	next, err := decode(l.v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cfg.Bands = next.Bands
	bands := domain.Bands(next.Bands).Or(domain.DefaultBands())
	watchers := append([]func(domain.Bands){}, l.watchers...)
	l.mu.Unlock()
	l.logger.Info("bands reloaded", "bands", len(bands))
	for _, fn := range watchers {
		fn(bands)
	}
	return nil
}

// AppOptions maps the settings onto core.AppOptions. The caller sets the
// logger, clock and registerer.
func (l *Loader) AppOptions() core.AppOptions {
	c := l.Config()
	return core.AppOptions{
		Storage: c.Storage,
		Blob: blob.Config{
			Driver:    c.Blob.Driver,
			Root:      c.Blob.Root,
			Bucket:    c.Blob.Bucket,
			Region:    c.Blob.Region,
			Endpoint:  c.Blob.Endpoint,
			PathStyle: c.Blob.PathStyle,
		},
		Cache: c.Cache,
		Weather: adapters.OpenMeteoConfig{
			BaseURL:       c.Weather.BaseURL,
			RatePerSecond: c.Weather.RatePerSecond,
			Timeout:       c.Weather.Timeout,
		},
		Pipeline: core.PipelineConfig{
			HorizonDays:        c.HorizonDays,
			QueueCapacity:      c.QueueCapacity,
			CalculatorDeadline: c.CalculatorDeadline,
			MaxAttempts:        c.MaxAttempts,
			BackoffBase:        c.BackoffBase,
			BackoffMax:         c.BackoffMax,
			Epsilon:            c.Epsilon,
			ProjectReducer:     c.ProjectReducer,
			FreshnessWindow:    c.FreshnessWindow,
			StaleAfter:         c.StaleAfter,
			EvaluatorSchedule:  c.EvaluatorSchedule,
			ReplayBackoffBase:  c.ReplayBackoffBase,
			ReplayBackoffMax:   c.ReplayBackoffMax,
			TriggerRetention:   c.TriggerRetention,
			AdapterTTL: map[adapters.Source]time.Duration{
				adapters.SourceWeather:   c.AdapterTTL.Weather,
				adapters.SourceIncidents: c.AdapterTTL.Incidents,
				adapters.SourceGeography: c.AdapterTTL.Geography,
			},
		},
		Bands: l.Bands,
	}
}

// TracingOptions maps the tracing block for observability.InitTracing.
func (c Config) TracingOptions(service string) observability.TracingOptions {
	return observability.TracingOptions{
		Service:  service,
		Exporter: c.Tracing.Exporter,
		Endpoint: c.Tracing.Endpoint,
		Insecure: c.Tracing.Insecure,
	}
}

// Logger builds the process logger from the log block.
func (c Config) Logger() *slog.Logger {
	return observability.NewLogger(c.Log.Level, c.Log.Format, nil)
}
