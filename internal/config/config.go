// Package config loads server settings from defaults, an optional YAML file,
// SYLVA_* environment variables and command line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/Sylva/internal/utils"
)

const (
	EnvPrefix = "SYLVA_"

	// DevJWTSecret is only meant for local runs.
	DevJWTSecret = "sylva-dev-secret"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type BlobConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	Prefix   string `yaml:"prefix"`
}

type ExportConfig struct {
	PageSize int `yaml:"page_size"`
}

type ForestConfig struct {
	// Queue is "sqlite" (durable, shared by serve and worker processes) or
	// "memory" (lost on restart, only for serve --with-worker).
	Queue        string        `yaml:"queue"`
	Workers      int           `yaml:"workers"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	OutputPrefix string        `yaml:"output_prefix"`
}

type Config struct {
	Addr          string       `yaml:"addr"`
	SQLitePath    string       `yaml:"sqlite_path"`
	MigrationsDir string       `yaml:"migrations_dir"`
	JWTSecret     string       `yaml:"jwt_secret"`
	Log           LogConfig    `yaml:"log"`
	Blob          BlobConfig   `yaml:"blob"`
	Export        ExportConfig `yaml:"export"`
	Forest        ForestConfig `yaml:"forest"`
}

func Default() *Config {
	return &Config{
		Addr:       ":8080",
		SQLitePath: "data/sylva.db",
		JWTSecret:  DevJWTSecret,
		Log:        LogConfig{Level: "info", Format: "text"},
		Blob:       BlobConfig{Backend: "fs", Dir: "data/blobs"},
		Export:     ExportConfig{PageSize: 500},
		Forest: ForestConfig{
			Queue:        "sqlite",
			Workers:      2,
			TaskTimeout:  time.Hour,
			PollInterval: 2 * time.Second,
			Lease:        5 * time.Minute,
			OutputPrefix: "forest",
		},
	}
}

// field exposes one setting under its dotted key so env and flag overrides
// can share a single table.
type field struct {
	key   string
	usage string
	get   func() string
	set   func(string) error
}

func strField(key, usage string, p *string) field {
	return field{key: key, usage: usage,
		get: func() string { return *p },
		set: func(v string) error { *p = v; return nil },
	}
}

func intField(key, usage string, p *int) field {
	return field{key: key, usage: usage,
		get: func() string { return strconv.Itoa(*p) },
		set: func(v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p = n
			return nil
		},
	}
}

func durField(key, usage string, p *time.Duration) field {
	return field{key: key, usage: usage,
		get: func() string { return p.String() },
		set: func(v string) error {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return err
			}
			*p = d
			return nil
		},
	}
}

func (c *Config) fields() []field {
	return []field{
		strField("addr", "HTTP listen address", &c.Addr),
		strField("sqlite_path", "SQLite database file", &c.SQLitePath),
		strField("migrations_dir", "directory of SQL migrations (embedded when empty)", &c.MigrationsDir),
		strField("jwt_secret", "HMAC secret for bearer tokens", &c.JWTSecret),
		strField("log.level", "log level", &c.Log.Level),
		strField("log.format", "log format: text or json", &c.Log.Format),
		strField("blob.backend", "blob backend: fs or s3", &c.Blob.Backend),
		strField("blob.dir", "root directory of the fs blob backend", &c.Blob.Dir),
		strField("blob.bucket", "S3 bucket", &c.Blob.Bucket),
		strField("blob.region", "S3 region", &c.Blob.Region),
		strField("blob.endpoint", "S3 endpoint override", &c.Blob.Endpoint),
		strField("blob.prefix", "key prefix inside the bucket", &c.Blob.Prefix),
		intField("export.page_size", "records per index page", &c.Export.PageSize),
		strField("forest.queue", "work queue: sqlite or memory", &c.Forest.Queue),
		intField("forest.workers", "concurrent forest workers", &c.Forest.Workers),
		durField("forest.task_timeout", "maximum run time of one task", &c.Forest.TaskTimeout),
		durField("forest.poll_interval", "queue and cancel poll interval", &c.Forest.PollInterval),
		durField("forest.lease", "queue message lease", &c.Forest.Lease),
		strField("forest.output_prefix", "blob prefix of task outputs", &c.Forest.OutputPrefix),
	}
}

// EnvName maps a dotted key to its environment variable.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// FlagName maps a dotted key to its command line flag.
func FlagName(key string) string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(key)
}

// LoadFile merges a YAML file into c. A missing file is an error.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides settings from SYLVA_* variables.
func (c *Config) ApplyEnv() error {
	for _, f := range c.fields() {
		v := utils.SafeEnv(EnvName(f.key), "")
		if v == "" {
			continue
		}
		if err := f.set(v); err != nil {
			return fmt.Errorf("%s: %w", EnvName(f.key), err)
		}
	}
	return nil
}

// BindFlags registers one flag per setting plus --config. Defaults shown in
// help come from Default().
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", utils.SafeEnv(EnvPrefix+"CONFIG", ""), "path to a YAML config file")
	for _, f := range Default().fields() {
		fs.String(FlagName(f.key), f.get(), f.usage)
	}
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	for _, f := range c.fields() {
		name := FlagName(f.key)
		fl := fs.Lookup(name)
		if fl == nil || !fl.Changed {
			continue
		}
		if err := f.set(fl.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	return nil
}

// Load builds the effective configuration for a command whose flags were
// registered with BindFlags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	c := Default()
	path := ""
	if fs != nil {
		if fl := fs.Lookup("config"); fl != nil {
			path = fl.Value.String()
		}
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := c.applyFlags(fs); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("sqlite_path is required"))
	}
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob.dir is required for the fs backend"))
		}
	case "s3":
		if c.Blob.Bucket == "" {
			errs = append(errs, errors.New("blob.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend must be fs or s3, got %q", c.Blob.Backend))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Forest.Queue {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("forest.queue must be sqlite or memory, got %q", c.Forest.Queue))
	}
	if c.Export.PageSize <= 0 {
		errs = append(errs, errors.New("export.page_size must be positive"))
	}
	if c.Forest.Workers <= 0 {
		errs = append(errs, errors.New("forest.workers must be positive"))
	}
	if c.Forest.TaskTimeout <= 0 || c.Forest.PollInterval <= 0 || c.Forest.Lease <= 0 {
		errs = append(errs, errors.New("forest durations must be positive"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	return errors.Join(errs...)
}
