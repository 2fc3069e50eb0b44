// Package config loads the gateway configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file named by CONFIG_PATH, and environment variables. Before the
// environment is read, ENV_FILE is loaded when set; otherwise .env.local and
// .env are loaded when present. Variables already set in the process
// environment are never overwritten by these files.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingSubkey is returned when no signing subkey is configured.
var ErrMissingSubkey = errors.New("SUBKEY is not set")

// Config holds the gateway settings.
type Config struct {
	// Subkey is the concrnt subkey posts are signed with.
	Subkey string `yaml:"subkey" env:"SUBKEY"`
	// TrustedProxies lists addresses and prefixes whose forwarded headers
	// are believed.
	TrustedProxies []string `yaml:"trusted_proxies" env:"PROXY_IP"`
	ListenAddr     string   `yaml:"listen_addr" env:"LISTEN_ADDR"`

	ImageProxy  string `yaml:"image_proxy" env:"IMAGE_PROXY"`
	ProxyImages bool   `yaml:"proxy_images" env:"PROXY_IMAGES"`
	RichEntries bool   `yaml:"rich_entries" env:"RICH_ENTRIES"`
	SummaryURL  string `yaml:"summary_url" env:"SUMMARY_URL"`
	AssetHost   string `yaml:"asset_host" env:"ASSET_HOST"`

	PostLimit  int           `yaml:"post_limit" env:"POST_LIMIT"`
	PostWindow time.Duration `yaml:"post_window" env:"POST_WINDOW"`
	UpstreamRPS int          `yaml:"upstream_rps" env:"UPSTREAM_RPS"`

	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:  ":3000",
		ImageProxy:  "https://denken.concrnt.net/image/x,webp/",
		ProxyImages: true,
		RichEntries: true,
		SummaryURL:  "https://denken.concrnt.net/summary",
		AssetHost:   "https://assets.resonite.com/",
		PostLimit:   2,
		PostWindow:  5 * time.Minute,
		UpstreamRPS: 10,
		LogLevel:    "info",
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment.
func Load() (Config, error) {
	cfg := Default()

	if err := loadEnvFiles(); err != nil {
		return cfg, fmt.Errorf("load environment files: %w", err)
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports settings the gateway cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Subkey) == "" {
		return ErrMissingSubkey
	}
	if c.PostLimit < 1 {
		return fmt.Errorf("POST_LIMIT must be positive, got %d", c.PostLimit)
	}
	if c.PostWindow <= 0 {
		return fmt.Errorf("POST_WINDOW must be positive, got %s", c.PostWindow)
	}
	return nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}

	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv sets every field with an env tag whose variable is non-empty.
func applyEnv(cfg *Config) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	var errs []error
	for i := range v.NumField() {
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if err := setField(v.Field(i), val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func setField(field reflect.Value, val string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)

	case reflect.Int64:
		if field.Type() != reflect.TypeOf(time.Duration(0)) {
			return fmt.Errorf("unsupported type %s", field.Type())
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))

	case reflect.Int:
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))

	case reflect.Bool:
		b, err := parseBool(val)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		var parts []string
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported type %s", field.Type())
	}
	return nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
