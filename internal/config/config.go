package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/alvmarrod/shelf-weaver/internal/fetch"
	"github.com/alvmarrod/shelf-weaver/internal/price"
	"github.com/alvmarrod/shelf-weaver/internal/profile"
)

// EnvPrefix prefixes every environment override, e.g. WEAVER_WORKERS
const EnvPrefix = "WEAVER"

// DelayRange bounds the randomized pre-request delay
type DelayRange struct {
	Min time.Duration `mapstructure:"min" validate:"gte=0"`
	Max time.Duration `mapstructure:"max" validate:"gtefield=Min"`
}

// AntiDetection toggles
type AntiDetection struct {
	UseProxyPool   bool `mapstructure:"use_proxy_pool"`
	RotateIdentity bool `mapstructure:"rotate_identity"`
	RandomDelay    bool `mapstructure:"random_delay"`
}

// PriceFilter keeps products priced within [Min, Max]. Zero Max means unbounded.
type PriceFilter struct {
	Min float64 `mapstructure:"min" validate:"gte=0"`
	Max float64 `mapstructure:"max" validate:"gte=0"`
}

// Config holds all runtime configuration parameters
type Config struct {
	Seeds []string `mapstructure:"seeds" validate:"dive,http_url"`

	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=1s"`
	RetryAttempts  int           `mapstructure:"retry_attempts" validate:"min=1,max=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	Delay          DelayRange    `mapstructure:"delay"`
	MinInterval    time.Duration `mapstructure:"min_interval" validate:"gte=0"`
	AntiDetection  AntiDetection `mapstructure:"anti_detection"`
	UserAgents     []string      `mapstructure:"user_agents" validate:"dive,required"`
	ProxyFile      string        `mapstructure:"proxy_file"`

	PriceFilter PriceFilter `mapstructure:"price_filter"`
	Categories  []string    `mapstructure:"categories" validate:"dive,required"`

	HistoryWindow     int           `mapstructure:"history_window" validate:"min=1"`
	Workers           int           `mapstructure:"concurrent_workers" validate:"min=1,max=64"`
	FetchMode         string        `mapstructure:"fetch_mode" validate:"oneof=static dynamic"`
	ChromePath        string        `mapstructure:"chrome_path"`
	MaxPages          int           `mapstructure:"max_pages" validate:"min=1"`
	Discover          bool          `mapstructure:"discover_categories"`
	MaxCategories     int           `mapstructure:"max_categories" validate:"min=1"`
	FailureThreshold  int           `mapstructure:"failure_threshold" validate:"min=1"`
	MinBodySize       string        `mapstructure:"min_body_size" validate:"required"`
	CapabilityTimeout time.Duration `mapstructure:"capability_timeout" validate:"gte=100ms"`

	ImageServiceURL string `mapstructure:"image_service_url" validate:"omitempty,http_url"`
	ImageDir        string `mapstructure:"image_dir"`
	DictionaryPath  string `mapstructure:"dictionary_path"`
	SiteRulesPath   string `mapstructure:"site_rules_path"`

	DecimalSeparator string `mapstructure:"decimal_separator" validate:"len=1"`
	DefaultCurrency  string `mapstructure:"default_currency" validate:"omitempty,len=3"`

	DBPath           string        `mapstructure:"db_path" validate:"required"`
	MetricsPath      string        `mapstructure:"metrics_path"`
	MetricsAddr      string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gte=0"`
	OutputPath       string        `mapstructure:"output_path"`
	OutputFormat     string        `mapstructure:"output_format" validate:"oneof=json jsonl yaml"`

	// MinBodyBytes is MinBodySize parsed
	MinBodyBytes int `mapstructure:"-"`
}

// Load reads configuration through v: defaults, then the file at path (if any),
// then WEAVER_* environment variables and any flags already bound to v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	// Apply defaults for missing values
	applyDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &ConfigError{Kind: MissingFile, Field: "config", Path: path, Err: err}
			}
			return nil, &ConfigError{Kind: InvalidValue, Field: "config", Path: path, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Kind: InvalidValue, Field: "config", Path: path, Err: err}
	}

	// Validate configuration
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified keys
func applyDefaults(v *viper.Viper) {
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("retry_attempts", 3)
	v.SetDefault("retry_base_delay", "2s")
	v.SetDefault("retry_max_delay", "30s")
	v.SetDefault("delay.min", "1s")
	v.SetDefault("delay.max", "3s")
	v.SetDefault("min_interval", "1s")
	v.SetDefault("anti_detection.use_proxy_pool", false)
	v.SetDefault("anti_detection.rotate_identity", true)
	v.SetDefault("anti_detection.random_delay", true)
	v.SetDefault("history_window", 10)
	v.SetDefault("concurrent_workers", 3)
	v.SetDefault("fetch_mode", "static")
	v.SetDefault("max_pages", 5)
	v.SetDefault("discover_categories", false)
	v.SetDefault("max_categories", 20)
	v.SetDefault("failure_threshold", 3)
	v.SetDefault("min_body_size", "512 B")
	v.SetDefault("capability_timeout", "30s")
	v.SetDefault("image_dir", "images")
	v.SetDefault("decimal_separator", ".")
	v.SetDefault("default_currency", "")
	v.SetDefault("db_path", "weaver.db")
	v.SetDefault("metrics_path", "metrics.json")
	v.SetDefault("progress_interval", "30s")
	v.SetDefault("output_format", "json")
}

var structValidator = newValidator()

// newValidator reports fields by their config key rather than the Go name
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks tags first, then values the tags cannot express
func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Kind:  InvalidValue,
				Field: fe.Namespace(),
				Err:   fmt.Errorf("failed %q check (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &ConfigError{Kind: InvalidValue, Field: "config", Err: err}
	}

	size, err := humanize.ParseBytes(cfg.MinBodySize)
	if err != nil {
		return &ConfigError{Kind: InvalidValue, Field: "min_body_size", Err: err}
	}
	cfg.MinBodyBytes = int(size)

	if cfg.DecimalSeparator != "." && cfg.DecimalSeparator != "," {
		return &ConfigError{Kind: InvalidValue, Field: "decimal_separator", Err: fmt.Errorf("must be '.' or ','")}
	}
	if cfg.PriceFilter.Max > 0 && cfg.PriceFilter.Max < cfg.PriceFilter.Min {
		return &ConfigError{Kind: InvalidValue, Field: "price_filter.max", Err: fmt.Errorf("must be >= price_filter.min")}
	}
	for _, pattern := range cfg.Categories {
		if !doublestar.ValidatePattern(strings.ToLower(pattern)) {
			return &ConfigError{Kind: InvalidValue, Field: "categories", Err: fmt.Errorf("bad pattern %q", pattern)}
		}
	}
	if cfg.AntiDetection.UseProxyPool && cfg.ProxyFile == "" {
		return &ConfigError{Kind: InvalidValue, Field: "proxy_file", Err: fmt.Errorf("required when anti_detection.use_proxy_pool is set")}
	}
	for _, p := range []struct{ field, path string }{
		{"proxy_file", cfg.ProxyFile},
		{"dictionary_path", cfg.DictionaryPath},
		{"site_rules_path", cfg.SiteRulesPath},
	} {
		if p.path == "" {
			continue
		}
		if _, err := os.Stat(p.path); err != nil {
			return &ConfigError{Kind: MissingFile, Field: p.field, Path: p.path, Err: err}
		}
	}
	return nil
}

// ProfileAntiDetection is the anti-detection policy given to every site profile
func (c *Config) ProfileAntiDetection() profile.AntiDetection {
	return profile.AntiDetection{
		DelayMin:       c.Delay.Min,
		DelayMax:       c.Delay.Max,
		MinInterval:    c.MinInterval,
		RandomDelay:    c.AntiDetection.RandomDelay,
		RotateIdentity: c.AntiDetection.RotateIdentity,
		UseProxy:       c.AntiDetection.UseProxyPool,
	}
}

// FetchConfig bounds the fetch retry loop
func (c *Config) FetchConfig() fetch.Config {
	return fetch.Config{
		Timeout:     c.RequestTimeout,
		MaxAttempts: c.RetryAttempts,
		BackoffBase: c.RetryBaseDelay,
		BackoffMax:  c.RetryMaxDelay,
		MinBodySize: c.MinBodyBytes,
	}
}

// Locale is the price parsing hint
func (c *Config) Locale() price.Locale {
	sep := '.'
	if c.DecimalSeparator == "," {
		sep = ','
	}
	return price.Locale{DecimalSeparator: sep, DefaultCurrency: strings.ToUpper(c.DefaultCurrency)}
}

// PriceBounds returns the filter bounds; a nil bound is open
func (c *Config) PriceBounds() (lo, hi *decimal.Decimal) {
	if c.PriceFilter.Min > 0 {
		d := decimal.NewFromFloat(c.PriceFilter.Min)
		lo = &d
	}
	if c.PriceFilter.Max > 0 {
		d := decimal.NewFromFloat(c.PriceFilter.Max)
		hi = &d
	}
	return lo, hi
}
