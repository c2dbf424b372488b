// Package config assembles the application configuration from defaults,
// an optional JSON config file, environment variables and command line flags.
// Later sources win: CLI > ENV > JSON file > defaults.
// The configuration is returned as an explicit value from New — there is
// no package-level mutable state.
package config

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	env "github.com/caarlos0/env/v6"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every runtime option of the service.
type Config struct {
	RunAddr                  string        `env:"SERVER_ADDRESS" validate:"hostname_port"`
	LogLevel                 string        `env:"LOG_LEVEL" validate:"loglevel"`
	DatabaseDSN              string        `env:"DATABASE_DSN"`
	DBConnectionTimeout      time.Duration `env:"DB_CONNECTION_TIMEOUT" validate:"gt=0"`
	MigrationsDir            string        `env:"MIGRATIONS_DIR" validate:"required"`
	TokenSigningSecretKey    string        `env:"TOKEN_SIGNING_SECRET_KEY" validate:"required,base64url"`
	AccessTokenTTL           time.Duration `env:"ACCESS_TOKEN_TTL" validate:"gt=0"`
	RefreshTokenTTL          time.Duration `env:"REFRESH_TOKEN_TTL" validate:"gt=0"`
	StaticDir                string        `env:"STATIC_DIR" validate:"filepath"`
	TrustedSubnet            string        `env:"TRUSTED_SUBNET" validate:"omitempty,cidr"`
	RevocationsSweepInterval time.Duration `env:"REVOCATIONS_SWEEP_INTERVAL" validate:"gt=0"`
}

// jsonFileConfig is the subset of options that may come from the optional
// JSON config file pointed to by the CONFIG env variable or the -c flag.
type jsonFileConfig struct {
	RunAddr               string `json:"server_address"`
	LogLevel              string `json:"log_level"`
	DatabaseDSN           string `json:"database_dsn"`
	MigrationsDir         string `json:"migrations_dir"`
	TokenSigningSecretKey string `json:"token_signing_secret_key"`
	StaticDir             string `json:"static_dir"`
	TrustedSubnet         string `json:"trusted_subnet"`
}

var defaultConfig = Config{
	RunAddr:             ":8080",
	LogLevel:            "info",
	DatabaseDSN:         "",
	DBConnectionTimeout: 10 * time.Second,
	MigrationsDir:       "migrations",
	// Development-only signing key; override in any real deployment.
	TokenSigningSecretKey:    "cGFpcmxhYmVsLWRldi1zaWduaW5nLWtleQ==",
	AccessTokenTTL:           15 * time.Minute,
	RefreshTokenTTL:          30 * 24 * time.Hour,
	StaticDir:                "static",
	TrustedSubnet:            "",
	RevocationsSweepInterval: time.Hour,
}

func applyDefaults(values *Config, defaults Config) {
	*values = defaults
}

func validateLogLevel(fieldLevel validator.FieldLevel) bool {
	allowedLogLevels := map[string]bool{
		"debug":   true,
		"info":    true,
		"warning": true,
		"error":   true,
		"fatal":   true,
	}

	return allowedLogLevels[fieldLevel.Field().String()]
}

func validateFilePath(fieldLevel validator.FieldLevel) bool {
	_, err := os.Stat(fieldLevel.Field().String())

	return err == nil || os.IsNotExist(err)
}

func (c *Config) validate() error {
	validate := validator.New()

	if err := validate.RegisterValidation("loglevel", validateLogLevel); err != nil {
		return err
	}

	if err := validate.RegisterValidation("filepath", validateFilePath); err != nil {
		return err
	}

	return validate.Struct(c)
}

func (c *Config) applyJSONFile(configFileName string) error {
	if configFileName == "" {
		configFileName = os.Getenv("CONFIG")
	}
	if configFileName == "" {
		return nil
	}

	content, err := os.ReadFile(configFileName)
	if err != nil {
		return err
	}

	fromFile := jsonFileConfig{}
	if err := json.Unmarshal(content, &fromFile); err != nil {
		return err
	}

	if fromFile.RunAddr != "" {
		c.RunAddr = fromFile.RunAddr
	}
	if fromFile.LogLevel != "" {
		c.LogLevel = fromFile.LogLevel
	}
	if fromFile.DatabaseDSN != "" {
		c.DatabaseDSN = fromFile.DatabaseDSN
	}
	if fromFile.MigrationsDir != "" {
		c.MigrationsDir = fromFile.MigrationsDir
	}
	if fromFile.TokenSigningSecretKey != "" {
		c.TokenSigningSecretKey = fromFile.TokenSigningSecretKey
	}
	if fromFile.StaticDir != "" {
		c.StaticDir = fromFile.StaticDir
	}
	if fromFile.TrustedSubnet != "" {
		c.TrustedSubnet = fromFile.TrustedSubnet
	}

	return nil
}

func (c *Config) applyEnv() error {
	valuesFromEnv := Config{}
	if err := env.Parse(&valuesFromEnv); err != nil {
		return err
	}

	if valuesFromEnv.RunAddr != "" {
		c.RunAddr = valuesFromEnv.RunAddr
	}
	if valuesFromEnv.LogLevel != "" {
		c.LogLevel = valuesFromEnv.LogLevel
	}
	if valuesFromEnv.DatabaseDSN != "" {
		c.DatabaseDSN = valuesFromEnv.DatabaseDSN
	}
	if valuesFromEnv.DBConnectionTimeout != 0 {
		c.DBConnectionTimeout = valuesFromEnv.DBConnectionTimeout
	}
	if valuesFromEnv.MigrationsDir != "" {
		c.MigrationsDir = valuesFromEnv.MigrationsDir
	}
	if valuesFromEnv.TokenSigningSecretKey != "" {
		c.TokenSigningSecretKey = valuesFromEnv.TokenSigningSecretKey
	}
	if valuesFromEnv.AccessTokenTTL != 0 {
		c.AccessTokenTTL = valuesFromEnv.AccessTokenTTL
	}
	if valuesFromEnv.RefreshTokenTTL != 0 {
		c.RefreshTokenTTL = valuesFromEnv.RefreshTokenTTL
	}
	if valuesFromEnv.StaticDir != "" {
		c.StaticDir = valuesFromEnv.StaticDir
	}
	if valuesFromEnv.TrustedSubnet != "" {
		c.TrustedSubnet = valuesFromEnv.TrustedSubnet
	}
	if valuesFromEnv.RevocationsSweepInterval != 0 {
		c.RevocationsSweepInterval = valuesFromEnv.RevocationsSweepInterval
	}

	return nil
}

// InitOption configures the New constructor.
type InitOption func(*initOptions)

type initOptions struct {
	disableFlagsParsing bool
}

// WithDisableFlagsParsing disables command line flags parsing.
// Tests use it to keep the flag package away from the test binary arguments.
func WithDisableFlagsParsing(disableFlagsParsing bool) InitOption {
	return func(options *initOptions) {
		options.disableFlagsParsing = disableFlagsParsing
	}
}

// New builds, merges and validates the configuration.
func New(optionsProto ...InitOption) (*Config, error) {
	options := &initOptions{}
	for _, protoOption := range optionsProto {
		protoOption(options)
	}

	if err := godotenv.Load(); err != nil {
		log.Printf("Unable to load .env file: %v", err)
	}

	values := &Config{}
	applyDefaults(values, defaultConfig)

	configFileName := ""
	if !options.disableFlagsParsing {
		flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
		flags.StringVar(&values.RunAddr, "a", values.RunAddr, "address and port to run server")
		flags.StringVar(&values.LogLevel, "l", values.LogLevel, "logger level")
		flags.StringVar(&values.DatabaseDSN, "d", values.DatabaseDSN, "a string with the database connection details")
		flags.StringVar(&values.MigrationsDir, "m", values.MigrationsDir, "directory with goose migrations")
		flags.StringVar(&values.StaticDir, "s", values.StaticDir, "directory with static content")
		flags.StringVar(&values.TrustedSubnet, "t", values.TrustedSubnet, "trusted subnet (CIDR) for admin endpoints")
		flags.StringVar(&configFileName, "c", configFileName, "path to a JSON config file")
		if err := flags.Parse(os.Args[1:]); err != nil {
			return nil, err
		}
	}

	// Flags are re-applied after the JSON file and env overlays so the
	// CLI keeps the highest priority.
	fromFlags := *values

	if err := values.applyJSONFile(configFileName); err != nil {
		return nil, err
	}

	if err := values.applyEnv(); err != nil {
		return nil, err
	}

	if !options.disableFlagsParsing {
		applyChangedFlags(values, &fromFlags, defaultConfig)
	}

	if err := values.validate(); err != nil {
		return nil, err
	}

	return values, nil
}

func applyChangedFlags(values, fromFlags *Config, defaults Config) {
	if fromFlags.RunAddr != defaults.RunAddr {
		values.RunAddr = fromFlags.RunAddr
	}
	if fromFlags.LogLevel != defaults.LogLevel {
		values.LogLevel = fromFlags.LogLevel
	}
	if fromFlags.DatabaseDSN != defaults.DatabaseDSN {
		values.DatabaseDSN = fromFlags.DatabaseDSN
	}
	if fromFlags.MigrationsDir != defaults.MigrationsDir {
		values.MigrationsDir = fromFlags.MigrationsDir
	}
	if fromFlags.StaticDir != defaults.StaticDir {
		values.StaticDir = fromFlags.StaticDir
	}
	if fromFlags.TrustedSubnet != defaults.TrustedSubnet {
		values.TrustedSubnet = fromFlags.TrustedSubnet
	}
}
