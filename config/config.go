// Package config loads the notifier's settings from a YAML file or the environment.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"sph-notifier/dispatch"

	"gopkg.in/yaml.v3"
)

// Defaults for settings the deployment may leave out.
const (
	DefaultSiteID         = "5220"
	DefaultLoginURL       = "https://login.schulportal.hessen.de/"
	DefaultPortalURL      = "https://start.schulportal.hessen.de/"
	DefaultRequestTimeout = 30 * time.Second
	DefaultTimezone       = "Europe/Berlin"
	DefaultMessengerRate  = 2.0
)

// Config holds everything the notifier needs at startup.
type Config struct {
	Location          *time.Location
	Username          string
	Password          string
	DatabaseURL       string
	MessengerToken    string
	MessengerEndpoint string
	SiteID            string
	LoginURL          string
	PortalURL         string
	Timezone          string
	MatchMode         dispatch.MatchMode
	ArchiveBucket     string
	ArchiveDir        string
	LogFormat         string // "json" or "text"
	LogLevel          string
	Port              string // Ops server port; empty disables it
	TickInterval      time.Duration
	RequestTimeout    time.Duration
	MessengerRate     float64 // Sends per second; 0 disables the limit
}

// Load reads the YAML file at path, or the environment when path is empty.
func Load(path string) (*Config, error) {
	if path != "" {
		return FromFile(path)
	}
	return FromEnv()
}

// FromEnv reads the sph_* environment variables.
func FromEnv() (*Config, error) {
	cfg := defaults()

	var errs []error
	seconds := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: not a number of seconds: %q", key, v))
			return
		}
		*dst = time.Duration(n) * time.Second
	}
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	seconds("sph_tick_interval", &cfg.TickInterval)
	seconds("sph_request_timeout", &cfg.RequestTimeout)
	str("sph_credentials_username", &cfg.Username)
	str("sph_credentials_password", &cfg.Password)
	str("sph_db_connection", &cfg.DatabaseURL)
	str("sph_messenger_access_token", &cfg.MessengerToken)
	str("sph_messenger_endpoint", &cfg.MessengerEndpoint)
	str("sph_site_id", &cfg.SiteID)
	str("sph_login_url", &cfg.LoginURL)
	str("sph_portal_url", &cfg.PortalURL)
	str("sph_timezone", &cfg.Timezone)
	str("sph_archive_bucket", &cfg.ArchiveBucket)
	str("sph_archive_dir", &cfg.ArchiveDir)
	str("sph_log_format", &cfg.LogFormat)
	str("sph_log_level", &cfg.LogLevel)
	str("PORT", &cfg.Port)
	str("sph_port", &cfg.Port)

	if v := os.Getenv("sph_match_mode"); v != "" {
		cfg.MatchMode = dispatch.MatchMode(v)
	}
	if v := os.Getenv("sph_messenger_rate"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("sph_messenger_rate: not a number: %q", v))
		} else {
			cfg.MessengerRate = rate
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type fileConfig struct {
	Database yaml.Node `yaml:"database"`

	Credentials struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"sph_credentials"`
	Messenger struct {
		AccessToken string   `yaml:"access_token"`
		Endpoint    string   `yaml:"endpoint"`
		Rate        *float64 `yaml:"rate"`
	} `yaml:"messenger"`
	Archive struct {
		Bucket string `yaml:"bucket"`
		Dir    string `yaml:"dir"`
	} `yaml:"archive"`
	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
	SiteID         string `yaml:"site_id"`
	LoginURL       string `yaml:"login_url"`
	PortalURL      string `yaml:"portal_url"`
	Timezone       string `yaml:"timezone"`
	MatchMode      string `yaml:"match_mode"`
	Port           string `yaml:"port"`
	TickInterval   int64  `yaml:"tick_interval"`
	RequestTimeout int64  `yaml:"request_timeout"`
}

// FromFile reads a YAML configuration file. Durations are given in seconds.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := defaults()
	cfg.TickInterval = time.Duration(fc.TickInterval) * time.Second
	cfg.Username = fc.Credentials.Username
	cfg.Password = fc.Credentials.Password
	cfg.MessengerToken = fc.Messenger.AccessToken
	cfg.MessengerEndpoint = fc.Messenger.Endpoint
	if fc.Messenger.Rate != nil {
		cfg.MessengerRate = *fc.Messenger.Rate
	}
	if fc.RequestTimeout > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeout) * time.Second
	}
	setIf(&cfg.SiteID, fc.SiteID)
	setIf(&cfg.LoginURL, fc.LoginURL)
	setIf(&cfg.PortalURL, fc.PortalURL)
	setIf(&cfg.Timezone, fc.Timezone)
	setIf(&cfg.ArchiveBucket, fc.Archive.Bucket)
	setIf(&cfg.ArchiveDir, fc.Archive.Dir)
	setIf(&cfg.LogFormat, fc.Log.Format)
	setIf(&cfg.LogLevel, fc.Log.Level)
	setIf(&cfg.Port, fc.Port)
	if fc.MatchMode != "" {
		cfg.MatchMode = dispatch.MatchMode(fc.MatchMode)
	}

	cfg.DatabaseURL, err = databaseURL(&fc.Database)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// databaseURL accepts the database setting as a plain connection string or as a map.
// A map holds either url, path, or postgres connection parameters.
func databaseURL(node *yaml.Node) (string, error) {
	switch node.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.MappingNode:
	default:
		return "", errors.New("database: want a connection string or a map")
	}

	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return "", fmt.Errorf("database: %w", err)
	}
	if u := m["url"]; u != "" {
		return u, nil
	}
	if p := m["path"]; p != "" {
		return p, nil
	}

	var missing []string
	for _, key := range []string{"host", "dbname"} {
		if m[key] == "" {
			missing = append(missing, "database."+key)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	return postgresDSN(m), nil
}

// postgresDSN renders connection parameters as a libpq keyword/value string.
func postgresDSN(params map[string]string) string {
	keys := []string{"host", "port", "user", "password", "dbname"}
	for _, k := range slices.Sorted(maps.Keys(params)) {
		if !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}

	var parts []string
	for _, k := range keys {
		v, ok := params[k]
		if !ok || v == "" {
			continue
		}
		parts = append(parts, k+"="+quoteDSNValue(v))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

func defaults() *Config {
	return &Config{
		SiteID:         DefaultSiteID,
		LoginURL:       DefaultLoginURL,
		PortalURL:      DefaultPortalURL,
		Timezone:       DefaultTimezone,
		MatchMode:      dispatch.MatchToken,
		LogFormat:      "json",
		LogLevel:       "info",
		RequestTimeout: DefaultRequestTimeout,
		MessengerRate:  DefaultMessengerRate,
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Validate checks required settings and resolves derived ones.
func (c *Config) Validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "sph_credentials_username")
	}
	if c.Password == "" {
		missing = append(missing, "sph_credentials_password")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "sph_db_connection")
	}
	if c.MessengerEndpoint != "" && c.MessengerToken == "" {
		missing = append(missing, "sph_messenger_access_token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	if c.TickInterval <= 0 {
		return errors.New("sph_tick_interval: must be a positive number of seconds")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("sph_request_timeout: must be a positive number of seconds")
	}
	if c.MessengerRate < 0 {
		return errors.New("sph_messenger_rate: must not be negative")
	}

	mode, err := dispatch.ParseMatchMode(string(c.MatchMode))
	if err != nil {
		return fmt.Errorf("sph_match_mode: %w", err)
	}
	c.MatchMode = mode

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		return fmt.Errorf("sph_log_format: unknown format %q", c.LogFormat)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		return fmt.Errorf("sph_log_level: unknown level %q", c.LogLevel)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("sph_timezone: %w", err)
	}
	c.Location = loc

	return nil
}
