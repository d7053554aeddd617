package authclient

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
)

const (
	DefaultBaseURL  = "http://localhost:8000/api"
	DefaultLogLevel = "info"
)

// Storage drivers understood by StorageConfig.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Duration is a time.Duration read from strings like "30m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// StorageConfig selects the backend of one persistence scope
type StorageConfig struct {
	Driver        string `toml:"driver" json:"driver"`
	Path          string `toml:"path" json:"path,omitempty"`
	DSN           string `toml:"dsn" json:"dsn,omitempty"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password" json:"-"`
	RedisDB       int    `toml:"redis_db" json:"redis_db,omitempty"`
	RedisPrefix   string `toml:"redis_prefix" json:"redis_prefix,omitempty"`
}

// Validate will validate the storage selection
func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver,
			validation.Required,
			validation.In(DriverMemory, DriverFile, DriverSQLite, DriverRedis),
		),
		validation.Field(&s.Path, validation.By(requiredFor(s.Driver, DriverFile))),
		validation.Field(&s.DSN, validation.By(requiredFor(s.Driver, DriverSQLite))),
		validation.Field(&s.RedisAddr, validation.By(requiredFor(s.Driver, DriverRedis))),
		validation.Field(&s.RedisDB, validation.Min(0)),
	)
}

func requiredFor(driver, want string) validation.RuleFunc {
	return func(value any) error {
		if driver != want {
			return nil
		}
		if s, _ := value.(string); strings.TrimSpace(s) == "" {
			return fmt.Errorf("is required for the %s driver", want)
		}
		return nil
	}
}

// Config holds the client options
type Config struct {
	BaseURL           string        `toml:"base_url" json:"base_url"`
	CSRFEndpoint      string        `toml:"csrf_endpoint" json:"csrf_endpoint,omitempty"`
	RequestTimeout    Duration      `toml:"request_timeout" json:"request_timeout"`
	InactivityTimeout Duration      `toml:"inactivity_timeout" json:"inactivity_timeout"`
	EphemeralTTL      Duration      `toml:"ephemeral_ttl" json:"ephemeral_ttl"`
	DurableTTL        Duration      `toml:"durable_ttl" json:"durable_ttl"`
	CredentialKey     string        `toml:"credential_key" json:"credential_key"`
	DeadlineKey       string        `toml:"deadline_key" json:"deadline_key"`
	LogLevel          string        `toml:"log_level" json:"log_level"`
	Ephemeral         StorageConfig `toml:"ephemeral" json:"ephemeral"`
	Durable           StorageConfig `toml:"durable" json:"durable"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           DefaultBaseURL,
		RequestTimeout:    Duration{DefaultRequestTimeout},
		InactivityTimeout: Duration{DefaultInactivityTimeout},
		EphemeralTTL:      Duration{DefaultEphemeralTTL},
		DurableTTL:        Duration{DefaultDurableTTL},
		CredentialKey:     DefaultCredentialKey,
		DeadlineKey:       DefaultDeadlineKey,
		LogLevel:          DefaultLogLevel,
		Ephemeral:         StorageConfig{Driver: DriverMemory},
		Durable:           StorageConfig{Driver: DriverMemory},
	}
}

// LoadConfig reads a TOML file over the defaults, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, fmt.Sprintf("failed to decode config file %s", path)).
				WithTextCode(textCodeInvalidConfig)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return nil, goerrors.New(fmt.Sprintf("unknown config keys: %s", strings.Join(keys, ", ")), goerrors.CategoryValidation).
				WithTextCode(textCodeInvalidConfig)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides:
//   - AUTHCLIENT_BASE_URL: overrides base_url
//   - AUTHCLIENT_LOG_LEVEL: overrides log_level
//   - AUTHCLIENT_INACTIVITY_TIMEOUT: overrides inactivity_timeout
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AUTHCLIENT_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("AUTHCLIENT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AUTHCLIENT_INACTIVITY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.InactivityTimeout = Duration{d}
		}
	}
}

// Validate checks the configuration. Failures come back as a go-errors
// validation error carrying the per field messages as metadata.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.CSRFEndpoint, is.URL),
		validation.Field(&c.RequestTimeout, validation.By(positiveDuration)),
		validation.Field(&c.InactivityTimeout, validation.By(longerThanWarning)),
		validation.Field(&c.EphemeralTTL, validation.By(positiveDuration)),
		validation.Field(&c.DurableTTL, validation.By(positiveDuration)),
		validation.Field(&c.CredentialKey, validation.Required),
		validation.Field(&c.DeadlineKey, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error", "disabled")),
		validation.Field(&c.Ephemeral),
		validation.Field(&c.Durable),
	)
	if err == nil {
		if c.CredentialKey == c.DeadlineKey {
			err = validation.Errors{"deadline_key": errors.New("must differ from credential_key")}
		} else {
			return nil
		}
	}

	rich := goerrors.Wrap(err, goerrors.CategoryValidation, "invalid client configuration").
		WithTextCode(textCodeInvalidConfig)

	var fields validation.Errors
	if errors.As(err, &fields) {
		meta := make(map[string]any, len(fields))
		for field, fieldErr := range fields {
			if fieldErr != nil {
				meta[field] = fieldErr.Error()
			}
		}
		rich.WithMetadata(meta)
	}
	return rich
}

// IsConfigError reports whether err came from configuration loading or
// validation.
func IsConfigError(err error) bool {
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.TextCode == textCodeInvalidConfig
}

func positiveDuration(value any) error {
	d, _ := value.(Duration)
	if d.Duration <= 0 {
		return errors.New("must be a positive duration")
	}
	return nil
}

func longerThanWarning(value any) error {
	d, _ := value.(Duration)
	if d.Duration <= WarningLead {
		return fmt.Errorf("must be longer than the %s warning lead", WarningLead)
	}
	return nil
}
