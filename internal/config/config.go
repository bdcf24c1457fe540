package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrei-cloud/go_fcgid/internal/monitor"
	"github.com/andrei-cloud/go_fcgid/internal/statepool"
	"github.com/docker/go-units"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	configData Config
	v          = viper.New()
)

// Protocols accepted by server.protocol.
const (
	ProtocolFCGI = "fcgi"
	ProtocolTCP  = "tcp"
)

// Config holds all configuration settings.
type Config struct {
	Server struct {
		// Protocol is "fcgi" or "tcp".
		Protocol string
		// Listen is a host:port or, for fcgi, a unix socket path.
		Listen  string
		Workers int
		// MaxPost is a human readable size such as "4MiB".
		MaxPost string `mapstructure:"max_post"`
	}
	Pool struct {
		States     int
		MaxStates  int `mapstructure:"max_states"`
		Retries    int
		Entrypoint string
		// Prelude is a Lua file loaded before every Lua script.
		Prelude string
	}
	Monitor struct {
		Interval time.Duration
		Digest   string
		// Watch enables filesystem notifications on Root.
		Watch bool
		Root  string
	}
	Response struct {
		Status      string
		ContentType string `mapstructure:"content_type"`
		// Headers are "Name: value" lines added to every response.
		Headers []string
	}
	Log struct {
		Level  string
		Format string
	}
}

const defaultConfig = `# go_fcgid configuration file
server:
  protocol: fcgi
  listen: /var/tmp/go_fcgid.sock
  workers: 4
  max_post: 4MiB

pool:
  states: 3
  max_states: 5
  retries: 3
  entrypoint: main
  prelude: ""

monitor:
  interval: 1s
  digest: xxhash
  watch: false
  root: /var/www

response:
  status: 200 OK
  content_type: text/html
  headers:
    - "X-Powered-By: go_fcgid"

log:
  level: info
  format: human
`

// Initialize sets up the configuration system. An explicit file replaces the
// search in the default locations.
func Initialize(file string) error {
	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.go_fcgid")
		v.AddConfigPath("/etc/go_fcgid/")

		if err := ensureConfig(); err != nil {
			return fmt.Errorf("error creating config file: %w", err)
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("GOFCGID")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Defaults apply when no file is found.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return err
	}
	configData = *cfg

	return nil
}

// Decode unmarshals and validates the settings held by vp.
func Decode(vp *viper.Viper) (*Config, error) {
	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in settings.
func Default() (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	return Decode(vp)
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("server.protocol", ProtocolFCGI)
	vp.SetDefault("server.listen", "/var/tmp/go_fcgid.sock")
	vp.SetDefault("server.workers", 4)
	vp.SetDefault("server.max_post", "4MiB")

	vp.SetDefault("pool.states", 3)
	vp.SetDefault("pool.max_states", 5)
	vp.SetDefault("pool.retries", 3)
	vp.SetDefault("pool.entrypoint", "main")
	vp.SetDefault("pool.prelude", "")

	vp.SetDefault("monitor.interval", time.Second)
	vp.SetDefault("monitor.digest", "xxhash")
	vp.SetDefault("monitor.watch", false)
	vp.SetDefault("monitor.root", "/var/www")

	vp.SetDefault("response.status", "200 OK")
	vp.SetDefault("response.content_type", "text/html")
	vp.SetDefault("response.headers", []string{"X-Powered-By: go_fcgid"})

	vp.SetDefault("log.level", "info")
	vp.SetDefault("log.format", "human")
}

// ensureConfig creates a default config file if none exists.
func ensureConfig() error {
	dir := filepath.Join(os.Getenv("HOME"), ".go_fcgid")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := os.WriteFile(configFile, []byte(defaultConfig), 0o644); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Server.Protocol {
	case ProtocolFCGI, ProtocolTCP:
	default:
		return fmt.Errorf("config: unknown server.protocol %q", c.Server.Protocol)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("config: server.workers must be positive, got %d", c.Server.Workers)
	}
	if _, err := c.MaxPostBytes(); err != nil {
		return err
	}
	if _, err := monitor.ParseDigestMode(c.Monitor.Digest); err != nil {
		return fmt.Errorf("config: monitor.digest: %w", err)
	}
	if c.Monitor.Interval < 0 {
		return fmt.Errorf("config: monitor.interval must not be negative, got %s", c.Monitor.Interval)
	}
	for _, h := range c.Response.Headers {
		if _, _, ok := strings.Cut(h, ":"); !ok {
			return fmt.Errorf("config: response header %q is not \"Name: value\"", h)
		}
	}

	return nil
}

// MaxPostBytes parses server.max_post.
func (c *Config) MaxPostBytes() (int64, error) {
	if c.Server.MaxPost == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Server.MaxPost)
	if err != nil {
		return 0, fmt.Errorf("config: server.max_post: %w", err)
	}
	if n < 0 {
		n = 0
	}

	return n, nil
}

// PoolOptions converts the pool and response sections.
func (c *Config) PoolOptions() statepool.Options {
	return statepool.Options{
		TargetSlots:        c.Pool.States,
		MaxSlots:           c.Pool.MaxStates,
		SeekRetries:        c.Pool.Retries,
		Entrypoint:         c.Pool.Entrypoint,
		DefaultStatus:      c.Response.Status,
		DefaultContentType: c.Response.ContentType,
	}
}

// TrackerOptions converts the monitor section. Validate has already accepted
// the digest name.
func (c *Config) TrackerOptions() monitor.Options {
	digest, _ := monitor.ParseDigestMode(c.Monitor.Digest)

	return monitor.Options{
		Root:        c.Monitor.Root,
		MinInterval: c.Monitor.Interval,
		Digest:      digest,
	}
}

// Headers splits the configured response headers.
func (c *Config) Headers() [][2]string {
	out := make([][2]string, 0, len(c.Response.Headers))
	for _, h := range c.Response.Headers {
		name, value, _ := strings.Cut(h, ":")
		out = append(out, [2]string{strings.TrimSpace(name), strings.TrimSpace(value)})
	}

	return out
}

// BindFlag lets a command line flag override key.
func BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("config: no flag for %s", key)
	}

	return v.BindPFlag(key, flag)
}

// Get returns the current configuration.
func Get() *Config {
	return &configData
}

// GetViper returns the viper instance.
func GetViper() *viper.Viper {
	return v
}
