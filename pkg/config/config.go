package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	GeoNames GeoNamesConfig `yaml:"geonames"`
	Wikidata WikidataConfig `yaml:"wikidata"`
	Match    MatchConfig    `yaml:"match"`
	Request  RequestConfig  `yaml:"request"`
	DB       DBConfig       `yaml:"db"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
}

// GeoNamesConfig selects the bulk gazetteer dataset.
type GeoNamesConfig struct {
	Dataset string `yaml:"dataset"` // e.g. "cities15000"
}

// WikidataConfig holds settings for the fallback SPARQL source.
type WikidataConfig struct {
	MaxQPS    float64 `yaml:"max_qps"`
	UserAgent string  `yaml:"user_agent"`
}

// MatchConfig holds the matching parameters shared by both sources.
type MatchConfig struct {
	RadiusKm    float64 `yaml:"radius_km"`
	BatchSize   int     `yaml:"batch_size"`
	OnlyMissing bool    `yaml:"only_missing"`
}

// RequestConfig holds HTTP request settings.
type RequestConfig struct {
	Retries int           `yaml:"retries"`
	Timeout Duration      `yaml:"timeout"`
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// DBConfig holds the target database connection settings.
// URL wins when set; otherwise the discrete fields are assembled.
type DBConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// CacheConfig holds settings for the local response cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"` // optional log file, stdout always on
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		GeoNames: GeoNamesConfig{
			Dataset: "cities15000",
		},
		Wikidata: WikidataConfig{
			MaxQPS:    2,
			UserAgent: "geopop/1.0 (population enrichment)",
		},
		Match: MatchConfig{
			RadiusKm:    30,
			BatchSize:   2000,
			OnlyMissing: true,
		},
		Request: RequestConfig{
			Retries: 3,
			Timeout: Duration(30 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(1 * time.Second),
				MaxDelay:  Duration(10 * time.Second),
			},
		},
		DB: DBConfig{
			Port:     "5432",
			Database: "postgres",
			SSLMode:  "require",
		},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "./data/geopop.db",
		},
		Log: LogConfig{
			Level: "INFO",
		},
	}
}

// Load reads the configuration file at path on top of the defaults.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills secrets and connection details from the environment
// when the file left them empty.
func (c *Config) applyEnv() {
	if c.DB.URL == "" {
		c.DB.URL = os.Getenv("DATABASE_URL")
	}
	for _, f := range []struct {
		dst *string
		env string
	}{
		{&c.DB.Host, "PG_HOST"},
		{&c.DB.Port, "PG_PORT"},
		{&c.DB.User, "PG_USER"},
		{&c.DB.Password, "PG_PASSWORD"},
		{&c.DB.Database, "PG_DATABASE"},
		{&c.DB.SSLMode, "PG_SSLMODE"},
	} {
		if v := os.Getenv(f.env); v != "" {
			*f.dst = v
		}
	}
	if v := os.Getenv("GEOPOP_USER_AGENT"); v != "" {
		c.Wikidata.UserAgent = v
	}
}

func (c *Config) validate() error {
	if c.Match.RadiusKm <= 0 {
		return fmt.Errorf("match.radius_km must be positive, got %v", c.Match.RadiusKm)
	}
	if c.Match.BatchSize <= 0 {
		return fmt.Errorf("match.batch_size must be positive, got %d", c.Match.BatchSize)
	}
	if c.Wikidata.MaxQPS <= 0 {
		return fmt.Errorf("wikidata.max_qps must be positive, got %v", c.Wikidata.MaxQPS)
	}
	if c.Request.Retries < 1 {
		return fmt.Errorf("request.retries must be at least 1, got %d", c.Request.Retries)
	}
	return nil
}

// Save writes cfg to path as commented YAML.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# geopop configuration
# --------------------
# Durations accept Go syntax: ns, us, ms, s, m, h
# Database credentials may also come from DATABASE_URL or the PG_* env vars.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}

// DatabaseURL returns the connection string for the target database,
// assembling it from the discrete fields when no full URL was given.
func (c *Config) DatabaseURL() (string, error) {
	if c.DB.URL != "" {
		return c.DB.URL, nil
	}

	if c.DB.Host == "" || c.DB.User == "" {
		return "", fmt.Errorf("database not configured: set db.url (or DATABASE_URL) or db.host and db.user")
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DB.User, c.DB.Password),
		Host:   c.DB.Host + ":" + c.DB.Port,
		Path:   "/" + c.DB.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.DB.SSLMode)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
