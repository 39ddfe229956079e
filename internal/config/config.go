// Package config loads the courier configuration.
//
// A YAML file is decoded over Default (unknown keys are errors), the result
// is checked against the embedded CUE schema, and then cross-field rules
// are applied. Durations are Go duration strings ("30s", "10m").
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as a duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", n.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full configuration.
type Config struct {
	Database     string       `yaml:"database"`
	Remote       Remote       `yaml:"remote"`
	Sync         Sync         `yaml:"sync"`
	Connectivity Connectivity `yaml:"connectivity"`
	Log          Log          `yaml:"log"`
}

// Remote locates the system of record.
type Remote struct {
	// BaseURL of the REST API. Empty disables the HTTP gateway.
	BaseURL string `yaml:"base_url"`

	// TokenEnv names the environment variable holding the bearer token.
	TokenEnv string `yaml:"token_env,omitempty"`

	UserAgent string `yaml:"user_agent,omitempty"`
}

// Sync tunes the engine.
type Sync struct {
	CallTimeout  Duration `yaml:"call_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
	BaseDelay    Duration `yaml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay"`

	// Retention is how long completed entries are kept before purge.
	Retention     Duration `yaml:"retention"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

// Connectivity selects the online/offline signal.
type Connectivity struct {
	// Mode is manual (always online), probe or socket.
	Mode          string   `yaml:"mode"`
	ProbeURL      string   `yaml:"probe_url,omitempty"`
	ProbeInterval Duration `yaml:"probe_interval"`
	SocketURL     string   `yaml:"socket_url,omitempty"`
}

// Log configures logging.
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Database: "courier.db",
		Sync: Sync{
			CallTimeout:   Duration(30 * time.Second),
			PollInterval:  Duration(15 * time.Second),
			MaxAttempts:   10,
			BaseDelay:     Duration(5 * time.Second),
			MaxDelay:      Duration(10 * time.Minute),
			Retention:     Duration(7 * 24 * time.Hour),
			PurgeInterval: Duration(time.Hour),
		},
		Connectivity: Connectivity{
			Mode:          "manual",
			ProbeInterval: Duration(30 * time.Second),
		},
		Log: Log{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, Validate(cfg)
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r over Default and validates the result.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg against the schema and cross-field rules.
func Validate(cfg Config) error {
	if err := validateSchema(cfg); err != nil {
		return err
	}
	switch cfg.Connectivity.Mode {
	case "probe":
		if cfg.Connectivity.ProbeURL == "" && cfg.Remote.BaseURL == "" {
			return errors.New("invalid config: connectivity.mode probe needs probe_url or remote.base_url")
		}
	case "socket":
		if cfg.Connectivity.SocketURL == "" {
			return errors.New("invalid config: connectivity.mode socket needs socket_url")
		}
	}
	if cfg.Sync.MaxDelay < cfg.Sync.BaseDelay {
		return errors.New("invalid config: sync.max_delay is shorter than sync.base_delay")
	}
	return nil
}

// validateSchema unifies the YAML rendering of cfg with #Config.
func validateSchema(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc map[string]any
	if err := yaml.NewDecoder(bytes.NewReader(out)).Decode(&doc); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(ctx.Encode(doc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", cueerrors.Details(err, nil))
	}
	return nil
}
