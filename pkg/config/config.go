// Package config holds the profiler configuration and its loader.
//
// Values are read, in decreasing priority, from PROFILER_* environment
// variables, an optional profiler.yaml file and the defaults below.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/fllarpy/request-profiler/domain"
)

// Engine selects a storage backend.
type Engine string

const (
	EngineMemory Engine = "memory"
	EngineSQLite Engine = "sqlite"
	EngineBadger Engine = "badger"
)

// AuthStrategy selects the access gate in front of the query API.
type AuthStrategy string

const (
	AuthNone    AuthStrategy = "none"
	AuthBasic   AuthStrategy = "basic"
	AuthSession AuthStrategy = "session"
)

// identifierPattern is what table and collection names must look like.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier reports whether s can be used as a table or collection name.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Memory bounds the in-memory backend. Capacity 0 keeps every measurement.
type Memory struct {
	Capacity int `mapstructure:"capacity" validate:"gte=0"`
}

type SQLite struct {
	File  string `mapstructure:"file" validate:"required"`
	Table string `mapstructure:"table" validate:"required,identifier"`
}

type Badger struct {
	Path       string        `mapstructure:"path" validate:"required_without=InMemory"`
	Collection string        `mapstructure:"collection" validate:"required,identifier"`
	InMemory   bool          `mapstructure:"in_memory"`
	SyncWrites bool          `mapstructure:"sync_writes"`
	GCInterval time.Duration `mapstructure:"gc_interval" validate:"gte=0"`
}

// Storage is a tagged variant: Engine names the backend and only the matching
// section is read.
type Storage struct {
	Engine Engine `mapstructure:"engine" validate:"required,oneof=memory sqlite badger"`
	Memory Memory `mapstructure:"memory"`
	SQLite SQLite `mapstructure:"sqlite"`
	Badger Badger `mapstructure:"badger"`
}

type Basic struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type Auth struct {
	Strategy AuthStrategy `mapstructure:"strategy" validate:"omitempty,oneof=none basic session"`
	Realm    string       `mapstructure:"realm"`
	Basic    Basic        `mapstructure:"basic"`
}

// Sampling configures the built-in samplers. It is ignored when
// SamplingFunction is set.
type Sampling struct {
	// Probability records a call with the given probability; 0 disables.
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	// PerSecond records at most this many calls per second; 0 disables.
	PerSecond float64 `mapstructure:"per_second" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

type SlowCallProfiling struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold time.Duration `mapstructure:"threshold" validate:"gte=0"`
	Duration  time.Duration `mapstructure:"duration" validate:"gte=0"`
	Cooldown  time.Duration `mapstructure:"cooldown" validate:"gte=0"`
}

type Config struct {
	Enabled           bool     `mapstructure:"enabled"`
	Verbose           bool     `mapstructure:"verbose"`
	StrictPersistence bool     `mapstructure:"strict_persistence"`
	LogLevel          string   `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	EndpointRoot      string   `mapstructure:"endpoint_root"`
	Ignore            []string `mapstructure:"ignore"`
	// SamplingFunction is a func() bool (or policy.Sampler) consulted for
	// every call. Anything else fails on first use.
	SamplingFunction  any               `mapstructure:"sampling_function"`
	Sampling          Sampling          `mapstructure:"sampling"`
	Storage           Storage           `mapstructure:"storage" validate:"required"`
	Auth              Auth              `mapstructure:"auth"`
	SlowCallProfiling SlowCallProfiling `mapstructure:"slow_call_profiling"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel:     "info",
		EndpointRoot: "profiler",
		Storage: Storage{
			Engine: EngineMemory,
			SQLite: SQLite{File: "request_profiler.db", Table: "measurements"},
			Badger: Badger{Path: "request_profiler.badger", Collection: "measurements", SyncWrites: true, GCInterval: 5 * time.Minute},
		},
		Auth: Auth{Strategy: AuthNone, Realm: "request-profiler"},
		SlowCallProfiling: SlowCallProfiling{
			Threshold: 500 * time.Millisecond,
			Duration:  10 * time.Second,
			Cooldown:  time.Minute,
		},
	}
}

// WithDefaults fills every unset field of c from Default.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.EndpointRoot == "" {
		c.EndpointRoot = d.EndpointRoot
	}
	if c.Storage.Engine == "" {
		c.Storage.Engine = d.Storage.Engine
	}
	if c.Storage.SQLite.File == "" {
		c.Storage.SQLite.File = d.Storage.SQLite.File
	}
	if c.Storage.SQLite.Table == "" {
		c.Storage.SQLite.Table = d.Storage.SQLite.Table
	}
	if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
		c.Storage.Badger.Path = d.Storage.Badger.Path
	}
	if c.Storage.Badger.Collection == "" {
		c.Storage.Badger.Collection = d.Storage.Badger.Collection
	}
	if c.Auth.Strategy == "" {
		c.Auth.Strategy = d.Auth.Strategy
	}
	if c.Auth.Realm == "" {
		c.Auth.Realm = d.Auth.Realm
	}
	if c.SlowCallProfiling.Threshold == 0 {
		c.SlowCallProfiling.Threshold = d.SlowCallProfiling.Threshold
	}
	if c.SlowCallProfiling.Duration == 0 {
		c.SlowCallProfiling.Duration = d.SlowCallProfiling.Duration
	}
	if c.SlowCallProfiling.Cooldown == 0 {
		c.SlowCallProfiling.Cooldown = d.SlowCallProfiling.Cooldown
	}
	return c
}

// Load reads profiler.{yaml,json,toml} from the first of paths that has one,
// overlays PROFILER_* environment variables and validates the result. A
// missing file is not an error.
func Load(paths ...string) (Config, error) {
	v := newViper()
	v.SetConfigName("profiler")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("%w: read config: %v", domain.ErrInvalidConfiguration, err)
		}
	}
	return decode(v)
}

// LoadFile reads exactly the given file.
func LoadFile(path string) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("%w: read config %s: %v", domain.ErrInvalidConfiguration, path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	d := Default()
	v := viper.New()
	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("strict_persistence", d.StrictPersistence)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("endpoint_root", d.EndpointRoot)
	v.SetDefault("ignore", []string{})
	v.SetDefault("sampling.probability", d.Sampling.Probability)
	v.SetDefault("sampling.per_second", d.Sampling.PerSecond)
	v.SetDefault("sampling.burst", d.Sampling.Burst)
	v.SetDefault("storage.engine", string(d.Storage.Engine))
	v.SetDefault("storage.memory.capacity", d.Storage.Memory.Capacity)
	v.SetDefault("storage.sqlite.file", d.Storage.SQLite.File)
	v.SetDefault("storage.sqlite.table", d.Storage.SQLite.Table)
	v.SetDefault("storage.badger.path", d.Storage.Badger.Path)
	v.SetDefault("storage.badger.collection", d.Storage.Badger.Collection)
	v.SetDefault("storage.badger.in_memory", d.Storage.Badger.InMemory)
	v.SetDefault("storage.badger.sync_writes", d.Storage.Badger.SyncWrites)
	v.SetDefault("storage.badger.gc_interval", d.Storage.Badger.GCInterval)
	v.SetDefault("auth.strategy", string(d.Auth.Strategy))
	v.SetDefault("auth.realm", d.Auth.Realm)
	v.SetDefault("auth.basic.username", "")
	v.SetDefault("auth.basic.password", "")
	v.SetDefault("slow_call_profiling.enabled", d.SlowCallProfiling.Enabled)
	v.SetDefault("slow_call_profiling.threshold", d.SlowCallProfiling.Threshold)
	v.SetDefault("slow_call_profiling.duration", d.SlowCallProfiling.Duration)
	v.SetDefault("slow_call_profiling.cooldown", d.SlowCallProfiling.Cooldown)

	v.SetEnvPrefix("PROFILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode config: %v", domain.ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return ValidIdentifier(fl.Field().String())
	})
	return v
}()

// Validate checks the configuration. Only the storage section selected by
// Engine is validated.
func (c Config) Validate() error {
	if err := validate.Struct(struct {
		LogLevel          string            `validate:"omitempty,oneof=debug info warn error"`
		Engine            Engine            `validate:"required,oneof=memory sqlite badger"`
		Auth              Auth
		Sampling          Sampling
		SlowCallProfiling SlowCallProfiling
	}{c.LogLevel, c.Storage.Engine, c.Auth, c.Sampling, c.SlowCallProfiling}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}

	var section any
	switch c.Storage.Engine {
	case EngineMemory:
		section = c.Storage.Memory
	case EngineSQLite:
		section = c.Storage.SQLite
	case EngineBadger:
		section = c.Storage.Badger
	}
	if section != nil {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("%w: storage.%s: %v", domain.ErrInvalidConfiguration, c.Storage.Engine, err)
		}
	}

	if c.Auth.Strategy == AuthBasic && c.Auth.Basic.Username == "" {
		return fmt.Errorf("%w: auth.basic.username is required for the basic strategy", domain.ErrInvalidConfiguration)
	}
	return nil
}
