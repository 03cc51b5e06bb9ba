// Package config loads the server configuration from an optional YAML file
// and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/astromechza/usersync/pkg/engine"
	"github.com/astromechza/usersync/pkg/store"
)

// Duration accepts "30s" style strings in YAML.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(raw []byte) error {
	s := strings.Trim(string(raw), `"`)
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Remote struct {
	BaseURL string `json:"base_url"`
	// IDCursor sends the last seen user id as since, as api.github.com
	// expects. Off means since is a row offset.
	IDCursor     bool     `json:"id_cursor"`
	FetchTimeout Duration `json:"fetch_timeout"`
	ImageTimeout Duration `json:"image_timeout"`
}

type Store struct {
	Driver  string   `json:"driver"`
	Path    string   `json:"path"`
	Timeout Duration `json:"timeout"`
}

type Config struct {
	Addr     string `json:"addr"`
	LogLevel string `json:"log_level"`
	PageSize int    `json:"page_size"`
	Remote   Remote `json:"remote"`
	Store    Store  `json:"store"`
	// VizOnExit renders the pagination history to an SVG on shutdown.
	VizOnExit bool `json:"viz_on_exit"`
}

func Default() Config {
	return Config{
		Addr:     "localhost:8080",
		LogLevel: "info",
		PageSize: engine.DefaultPageSize,
		Remote: Remote{
			BaseURL:      "https://api.github.com/",
			IDCursor:     true,
			FetchTimeout: Duration(30 * time.Second),
			ImageTimeout: Duration(30 * time.Second),
		},
		Store: Store{
			Driver:  store.DriverSQLite,
			Path:    "usersync.sqlite3",
			Timeout: Duration(5 * time.Second),
		},
	}
}

// Parse builds a Config from defaults, the file named by -config (if any),
// and then the remaining flags in args.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	configPath := fs.String("config", "", "path to a yaml config file")
	addr := fs.String("addr", "", "the address to listen on")
	baseURL := fs.String("remote", "", "base url of the remote user source")
	pageSize := fs.Int("page-size", 0, "users per page")
	driver := fs.String("store", "", "local store driver: sqlite or automerge")
	storePath := fs.String("store-path", "", "local store file")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	idCursor := fs.Bool("id-cursor", true, "send the last seen user id as the page cursor instead of the offset")
	viz := fs.Bool("viz", false, "render the pagination history on exit")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return cfg, err
		}
	}

	// flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "remote":
			cfg.Remote.BaseURL = *baseURL
		case "page-size":
			cfg.PageSize = *pageSize
		case "store":
			cfg.Store.Driver = *driver
		case "store-path":
			cfg.Store.Path = *storePath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "id-cursor":
			cfg.Remote.IDCursor = *idCursor
		case "viz":
			cfg.VizOnExit = *viz
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, c); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be positive, got %d", c.PageSize))
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid remote.base_url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("remote.base_url must be http or https, got %q", c.Remote.BaseURL))
	}
	switch c.Store.Driver {
	case store.DriverSQLite, store.DriverAutomerge:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// BaseURL is the parsed remote base, always ending in a slash so relative
// paths join under it.
func (c *Config) BaseURL() (*url.URL, error) {
	raw := c.Remote.BaseURL
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	return url.Parse(raw)
}
