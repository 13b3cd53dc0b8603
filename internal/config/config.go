// Package config loads the storesync job file.
//
// The file is YAML (JSON is accepted as a subset). ${VAR} references are
// expanded from the environment before parsing, so secrets stay in the
// environment or a .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultBaseURL         = "https://accounts.cartpanda.com/api/v3"
	DefaultHelpdeskBaseURL = "https://api.movidesk.com/public/v1"
	DefaultSchema          = "integracao"
	DefaultTimezone        = "America/Sao_Paulo"
	DefaultLimit           = 250
	DefaultCustomersLimit  = 200
	DefaultPageDelay       = time.Second
	DefaultTimeout         = 30 * time.Second
	DefaultListDelay       = 400 * time.Millisecond
	DefaultDetailDelay     = 200 * time.Millisecond
	DefaultPageSize        = 500
)

// DefaultTenants are the stores synced when the file lists none.
var DefaultTenants = []string{"vita-waves", "nutra-force-wl", "nutra-force-di", "nutra-force"}

// Source kinds.
const (
	SourceEcommerce = "ecommerce"
	SourceHelpdesk  = "helpdesk"
)

// Since modes.
const (
	SinceToday = "today"
	SinceNone  = "none"
)

type Config struct {
	Timezone     string        `yaml:"timezone"`
	Ecommerce    Ecommerce     `yaml:"ecommerce"`
	Helpdesk     Helpdesk      `yaml:"helpdesk"`
	Destinations []Destination `yaml:"destinations"`
	Jobs         []Job         `yaml:"jobs"`
	Metrics      Metrics       `yaml:"metrics"`
	Log          Log           `yaml:"log"`
}

type Ecommerce struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token"`
	Tenants   []string      `yaml:"tenants"`
	PageDelay time.Duration `yaml:"page_delay"`
	Timeout   time.Duration `yaml:"timeout"`
	TagField  string        `yaml:"tag_field"`
}

type Helpdesk struct {
	BaseURL     string        `yaml:"base_url"`
	Token       string        `yaml:"token"`
	ListDelay   time.Duration `yaml:"list_delay"`
	DetailDelay time.Duration `yaml:"detail_delay"`
	PageSize    int           `yaml:"page_size"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Destination is one database, addressed by a dburl-style URL.
type Destination struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Job struct {
	Name      string `yaml:"name"`
	Source    string `yaml:"source"`
	Resource  string `yaml:"resource"`
	Limit     int    `yaml:"limit"`
	Since     string `yaml:"since"`
	Transform string `yaml:"transform"`
	Schema    string `yaml:"schema"`
	// Table names the output of the identity transform; defaults to Resource.
	Table string `yaml:"table"`
	// Key is the identity transform key column; defaults to "id".
	Key string `yaml:"key"`
}

type Metrics struct {
	Backend string `yaml:"backend"`
	Tags    string `yaml:"tags"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is an error only when required.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads, expands and parses the file at path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands ${VAR} references in data, decodes it strictly and applies
// defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}

	e := &c.Ecommerce
	if e.BaseURL == "" {
		e.BaseURL = DefaultBaseURL
	}
	if len(e.Tenants) == 0 {
		e.Tenants = append([]string(nil), DefaultTenants...)
	}
	if e.PageDelay == 0 {
		e.PageDelay = DefaultPageDelay
	}
	if e.Timeout == 0 {
		e.Timeout = DefaultTimeout
	}
	if e.TagField == "" {
		e.TagField = "shop_slug"
	}

	h := &c.Helpdesk
	if h.BaseURL == "" {
		h.BaseURL = DefaultHelpdeskBaseURL
	}
	if h.ListDelay == 0 {
		h.ListDelay = DefaultListDelay
	}
	if h.DetailDelay == 0 {
		h.DetailDelay = DefaultDetailDelay
	}
	if h.PageSize == 0 {
		h.PageSize = DefaultPageSize
	}
	if h.Timeout == 0 {
		h.Timeout = DefaultTimeout
	}

	for i := range c.Jobs {
		j := &c.Jobs[i]
		if j.Source == "" {
			j.Source = SourceEcommerce
		}
		if j.Schema == "" {
			j.Schema = DefaultSchema
		}
		if j.Since == "" {
			j.Since = SinceToday
		}
		if j.Transform == "" {
			j.Transform = defaultTransform(*j)
		}
		if j.Limit == 0 {
			j.Limit = DefaultLimit
			if j.Resource == "customers" {
				j.Limit = DefaultCustomersLimit
			}
		}
		if j.Table == "" {
			j.Table = j.Resource
		}
	}

	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "none"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func defaultTransform(j Job) string {
	if j.Source == SourceHelpdesk {
		return "tickets"
	}
	switch j.Resource {
	case "orders", "customers":
		return j.Resource
	default:
		return "identity"
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Job returns the job called name.
func (c *Config) Job(name string) (Job, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}
