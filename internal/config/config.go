// Package config loads the stac-search configuration from flags,
// STAC_-prefixed environment variables, an optional YAML file and an
// optional .env file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. STAC_BASE_URL.
const EnvPrefix = "STAC"

// DefaultEnvFile is loaded when present and no env file is given.
const DefaultEnvFile = ".env"

// FacetList holds "facet=v1,v2" expressions. From a single string
// (environment variable) expressions are separated by ";".
type FacetList []string

// Config is the complete CLI configuration.
type Config struct {
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	UserAgent     string        `mapstructure:"user_agent" validate:"required"`
	Collection    string        `mapstructure:"collection" validate:"required"`
	Limit         int           `mapstructure:"limit" validate:"gte=1,lte=10000"`
	MaxPages      int           `mapstructure:"max_pages" validate:"gte=0"`
	Facets        FacetList     `mapstructure:"facets"`
	Columns       []string      `mapstructure:"columns" validate:"dive,required"`
	StripPrefix   string        `mapstructure:"strip_prefix"`
	DistinctField string        `mapstructure:"distinct_field"`
	Format        string        `mapstructure:"format" validate:"oneof=csv json"`
	RedisURL      string        `mapstructure:"redis_url" validate:"omitempty,url"`
	MaxRetries    int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	PageTimeout   time.Duration `mapstructure:"page_timeout" validate:"gt=0"`
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error disabled"`
	LogPretty     bool          `mapstructure:"log_pretty"`
	MetricsAddr   string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// defaults mirror the CEDA STAC index the tool was built against.
var defaults = map[string]any{
	"base_url":       "https://api.stac.ceda.ac.uk",
	"user_agent":     "stac-search/1.0",
	"collection":     "cmip6",
	"limit":          100,
	"max_pages":      0,
	"facets":         []string{},
	"columns":        []string{},
	"strip_prefix":   "cmip6:",
	"distinct_field": "",
	"format":         "csv",
	"redis_url":      "",
	"max_retries":    3,
	"page_timeout":   30 * time.Second,
	"log_level":      "info",
	"log_pretty":     false,
	"metrics_addr":   "",
}

// loaderConfig holds optional file overrides.
type loaderConfig struct {
	configFile string
	envFile    string
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*loaderConfig)

// WithConfigFile sets an explicit YAML config file path.
func WithConfigFile(path string) LoaderOption {
	return func(lc *loaderConfig) { lc.configFile = path }
}

// WithEnvFile sets an explicit .env file path.
func WithEnvFile(path string) LoaderOption {
	return func(lc *loaderConfig) { lc.envFile = path }
}

// RegisterFlags defines the configuration flags on fs. Flag names are the
// config keys with "-" instead of "_".
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("env-file", "", "path to a .env file (default: ./.env if present)")

	fs.String("base-url", defaults["base_url"].(string), "STAC API root URL")
	fs.String("user-agent", defaults["user_agent"].(string), "User-Agent sent with every request")
	fs.String("collection", defaults["collection"].(string), "collection to search")
	fs.Int("limit", defaults["limit"].(int), "items per page")
	fs.Int("max-pages", 0, "stop after this many pages (0 = all)")
	fs.StringArray("facet", nil, "CMIP6 facet filter as name=v1,v2 (repeatable)")
	fs.StringSlice("columns", nil, "properties to tabulate (default: CMIP6 facet columns)")
	fs.String("strip-prefix", defaults["strip_prefix"].(string), "prefix removed from column names in the table header")
	fs.String("distinct", "", "print the distinct values of this property instead of a table")
	fs.String("format", defaults["format"].(string), "table output format: csv or json")
	fs.String("redis-url", "", "Redis URL for response caching and shared rate limiting")
	fs.Int("max-retries", defaults["max_retries"].(int), "retries per request on server, rate limit and network errors")
	fs.Duration("page-timeout", defaults["page_timeout"].(time.Duration), "timeout for fetching one page")
	fs.String("log-level", defaults["log_level"].(string), "debug, info, warn, error or disabled")
	fs.Bool("log-pretty", false, "human-readable log output")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
}

// flagKeys maps config keys to flag names where they differ from the
// "_" to "-" rule.
var flagKeys = map[string]string{
	"distinct_field": "distinct",
}

// Load builds a Config from flags (which must have been registered with
// RegisterFlags and parsed), environment, and files.
func Load(flags *pflag.FlagSet, opts ...LoaderOption) (*Config, error) {
	var lc loaderConfig
	if flags != nil {
		lc.configFile, _ = flags.GetString("config")
		lc.envFile, _ = flags.GetString("env-file")
	}
	for _, opt := range opts {
		opt(&lc)
	}

	if err := loadEnvFile(lc.envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if lc.configFile != "" {
		v.SetConfigFile(lc.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", lc.configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		facetListHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// --facet values contain commas, which viper would split
	if flags != nil && flags.Changed("facet") {
		facets, _ := flags.GetStringArray("facet")
		cfg.Facets = facets
	}

	cfg.Columns = lo.Compact(lo.Map(cfg.Columns, func(c string, _ int) string {
		return strings.TrimSpace(c)
	}))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if _, err := os.Stat(DefaultEnvFile); err == nil {
		if err := godotenv.Load(DefaultEnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", DefaultEnvFile, err)
		}
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key := range defaults {
		if key == "facets" {
			continue
		}
		name, ok := flagKeys[key]
		if !ok {
			name = strings.ReplaceAll(key, "_", "-")
		}
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func facetListHook(f reflect.Type, t reflect.Type, data any) (any, error) {
	if f.Kind() != reflect.String || t != reflect.TypeOf(FacetList{}) {
		return data, nil
	}
	parts := lo.Map(strings.Split(data.(string), ";"), func(s string, _ int) string {
		return strings.TrimSpace(s)
	})
	return lo.Compact(parts), nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})
	return v
}

// Validate checks field constraints and that the facet expressions parse.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		msgs := lo.Map(verrs, func(e validator.FieldError, _ int) string {
			if e.Param() != "" {
				return fmt.Sprintf("%s: failed %s=%s (got %v)", e.Namespace(), e.Tag(), e.Param(), e.Value())
			}
			return fmt.Sprintf("%s: failed %s (got %v)", e.Namespace(), e.Tag(), e.Value())
		})
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	if _, err := c.FacetMap(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// FacetMap parses the facet expressions into facet name to allowed
// values. Repeated facets merge their values; duplicates are dropped.
func (c *Config) FacetMap() (map[string][]string, error) {
	facets := make(map[string][]string, len(c.Facets))
	for _, expr := range c.Facets {
		name, list, ok := strings.Cut(expr, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("facet %q: want name=value[,value...]", expr)
		}

		values := lo.Compact(lo.Map(strings.Split(list, ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		}))
		if len(values) == 0 {
			return nil, fmt.Errorf("facet %q: no values", expr)
		}

		facets[name] = lo.Uniq(append(facets[name], values...))
	}
	return facets, nil
}
