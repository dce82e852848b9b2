// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// DefaultConfigFile is looked up in the base directory when --config is not given.
const DefaultConfigFile = "jsbridge.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JSBRIDGE_"

// Config holds all configuration settings for a script context and the tools around it.
type Config struct {
	Context     ContextConfig     `toml:"context"`
	Filesystem  FilesystemConfig  `toml:"filesystem"`
	Application ApplicationConfig `toml:"application"`
	Server      ServerConfig      `toml:"server"`
	Watch       WatchConfig       `toml:"watch"`
	Logging     LoggingConfig     `toml:"logging"`

	// File is the TOML file that was loaded, if any.
	File string `toml:"-"`

	logOnce sync.Once
	logger  *log.Logger
}

// ContextConfig holds module system settings.
type ContextConfig struct {
	Dir          string   `toml:"dir"`            // Base directory of the root module
	Paths        []string `toml:"paths"`          // Global search roots for non-relative specifiers
	Main         string   `toml:"main"`           // Script run by "jsbridge run" when no file is given
	EvictOnError bool     `toml:"evict_on_error"` // Drop half-loaded modules when evaluation fails
	LuaModules   bool     `toml:"lua_modules"`    // Enable the .lua extension handler
	MaxListeners int      `toml:"max_listeners"`  // Default warning threshold for new emitters (0 = never)
}

// FilesystemConfig holds the permission roots used by the fs built-in and the loader.
// Empty lists mean no restriction for that operation.
type FilesystemConfig struct {
	ReadRoots   []string `toml:"read_roots"`
	WriteRoots  []string `toml:"write_roots"`
	DeleteRoots []string `toml:"delete_roots"`
	Bundle      string   `toml:"bundle"` // Virtual directory where bundled scripts are mounted
}

// ApplicationConfig describes the host application to scripts.
type ApplicationConfig struct {
	Name       string `toml:"name"`
	Version    string `toml:"version"`
	Build      string `toml:"build"`
	Identifier string `toml:"identifier"`
}

// ServerConfig holds console server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// WatchConfig holds hot reload settings.
type WatchConfig struct {
	Enabled  bool     `toml:"enabled"`
	Debounce Duration `toml:"debounce"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=lifecycle, 2=module loads, 3=resolution, 4=values
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Context: ContextConfig{
			Dir:        ".",
			LuaModules: true,
		},
		Filesystem: FilesystemConfig{
			Bundle: "/bundle",
		},
		Application: ApplicationConfig{
			Name:       "jsbridge",
			Version:    "0.1.0",
			Identifier: "com.github.zot.jsbridge",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Watch: WatchConfig{
			Debounce: Duration(100 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// RegisterFlags adds the configuration flags to fs.
// Flag defaults are zero values; only flags the user changed override the other layers.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("dir", "", "Base directory for the root module")
	fs.String("config", "", "Configuration file (default <dir>/"+DefaultConfigFile+")")
	fs.StringArray("path", nil, "Global module search path (repeatable)")
	fs.String("main", "", "Main script")
	fs.Bool("evict-on-error", false, "Evict modules whose evaluation fails")
	fs.Bool("lua", true, "Enable .lua modules")
	fs.StringArray("read-root", nil, "Directory scripts may read (repeatable)")
	fs.StringArray("write-root", nil, "Directory scripts may write (repeatable)")
	fs.StringArray("delete-root", nil, "Directory scripts may delete from (repeatable)")
	fs.String("host", "", "Console server listen address")
	fs.Int("port", 0, "Console server listen port")
	fs.Bool("watch", false, "Invalidate modules when their files change")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")
}

// Load parses args and loads the configuration.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("jsbridge", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags loads the configuration using an already parsed flag set that was
// prepared with RegisterFlags.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	cfg := DefaultConfig()

	dir, _ := fs.GetString("dir")
	if dir == "" {
		dir = os.Getenv(EnvPrefix + "DIR")
	}
	if dir != "" {
		cfg.Context.Dir = dir
	}

	configPath, _ := fs.GetString("config")
	explicit := configPath != ""
	if !explicit {
		configPath = filepath.Join(cfg.Context.Dir, DefaultConfigFile)
	}
	if err := cfg.loadTOML(configPath); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", configPath, err)
		}
	} else {
		cfg.File = configPath
	}

	cfg.applyEnv()
	cfg.applyFlags(fs)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "DIR"); v != "" {
		c.Context.Dir = v
	}
	if v := os.Getenv(EnvPrefix + "PATHS"); v != "" {
		c.Context.Paths = filepath.SplitList(v)
	}
	if v := os.Getenv(EnvPrefix + "MAIN"); v != "" {
		c.Context.Main = v
	}
	if v := os.Getenv(EnvPrefix + "EVICT_ON_ERROR"); v != "" {
		c.Context.EvictOnError = envBool(v)
	}
	if v := os.Getenv(EnvPrefix + "LUA"); v != "" {
		c.Context.LuaModules = envBool(v)
	}
	if v := os.Getenv(EnvPrefix + "HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv(EnvPrefix + "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv(EnvPrefix + "WATCH"); v != "" {
		c.Watch.Enabled = envBool(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvPrefix + "VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// applyFlags applies the flags the user actually set.
func (c *Config) applyFlags(fs *pflag.FlagSet) {
	if fs.Changed("dir") {
		c.Context.Dir, _ = fs.GetString("dir")
	}
	if fs.Changed("path") {
		c.Context.Paths, _ = fs.GetStringArray("path")
	}
	if fs.Changed("main") {
		c.Context.Main, _ = fs.GetString("main")
	}
	if fs.Changed("evict-on-error") {
		c.Context.EvictOnError, _ = fs.GetBool("evict-on-error")
	}
	if fs.Changed("lua") {
		c.Context.LuaModules, _ = fs.GetBool("lua")
	}
	if fs.Changed("read-root") {
		c.Filesystem.ReadRoots, _ = fs.GetStringArray("read-root")
	}
	if fs.Changed("write-root") {
		c.Filesystem.WriteRoots, _ = fs.GetStringArray("write-root")
	}
	if fs.Changed("delete-root") {
		c.Filesystem.DeleteRoots, _ = fs.GetStringArray("delete-root")
	}
	if fs.Changed("host") {
		c.Server.Host, _ = fs.GetString("host")
	}
	if fs.Changed("port") {
		c.Server.Port, _ = fs.GetInt("port")
	}
	if fs.Changed("watch") {
		c.Watch.Enabled, _ = fs.GetBool("watch")
	}
	if fs.Changed("log-level") {
		c.Logging.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("verbose") {
		c.Logging.Verbosity, _ = fs.GetCount("verbose")
	}
}

// normalize makes every configured directory absolute, relative to the base directory.
func (c *Config) normalize() error {
	dir, err := filepath.Abs(c.Context.Dir)
	if err != nil {
		return fmt.Errorf("resolving base directory: %w", err)
	}
	c.Context.Dir = dir
	abs := func(paths []string) []string {
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			out = append(out, filepath.Clean(p))
		}
		return out
	}
	c.Context.Paths = abs(c.Context.Paths)
	c.Filesystem.ReadRoots = abs(c.Filesystem.ReadRoots)
	c.Filesystem.WriteRoots = abs(c.Filesystem.WriteRoots)
	c.Filesystem.DeleteRoots = abs(c.Filesystem.DeleteRoots)
	if c.Context.Main != "" && !filepath.IsAbs(c.Context.Main) {
		c.Context.Main = filepath.Join(dir, c.Context.Main)
	}
	if _, err := log.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	return nil
}

// SearchPaths returns the root module's search paths.
// With nothing configured the base directory is the only search root.
func (c *Config) SearchPaths() []string {
	if len(c.Context.Paths) == 0 {
		return []string{c.Context.Dir}
	}
	return append([]string(nil), c.Context.Paths...)
}

// Verbosity returns the configured verbosity level.
func (c *Config) Verbosity() int {
	if c == nil {
		return 0
	}
	return c.Logging.Verbosity
}
