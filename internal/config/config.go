// Package config loads and validates receipts configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// EnvPrefix namespaces environment overrides, e.g. RECEIPTS_STREAM_TOKEN.
const EnvPrefix = "RECEIPTS"

// Config captures all runtime knobs. Track, Follow, Image, Archive and Verbose are
// normally supplied as command-line flags; the rest usually come from the config file.
type Config struct {
	Track   []string      `mapstructure:"track"`
	Follow  []string      `mapstructure:"follow"`
	Image   bool          `mapstructure:"image"`
	Archive string        `mapstructure:"archive"`
	Verbose bool          `mapstructure:"verbose"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Browser BrowserConfig `mapstructure:"browser"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StreamConfig locates and authenticates the stream source.
type StreamConfig struct {
	URL        string `mapstructure:"url"`
	ResolveURL string `mapstructure:"resolve_url"`
	Token      string `mapstructure:"token"`
	// StatusURL is a printf template taking the author handle and the item id.
	StatusURL string `mapstructure:"status_url"`
}

// BrowserConfig configures the headless browser used in screen-grab mode.
type BrowserConfig struct {
	// Provider selects the automation backend: chromedp, or none for hosts without Chrome.
	Provider  string  `mapstructure:"provider"`
	ExecPath  string  `mapstructure:"exec_path"`
	UserAgent string  `mapstructure:"user_agent"`
	Width     int     `mapstructure:"width"`
	Height    int     `mapstructure:"height"`
	RenderQPS float64 `mapstructure:"render_qps"`
}

// MirrorConfig selects an optional remote copy of each new archive entry.
type MirrorConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig selects an optional Pub/Sub topic announcing new archive entries.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server; an empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from defaults, an optional file, RECEIPTS_* env vars and flags.
// An explicit path must exist; without one, "receipts.{yaml,toml,json}" is searched for in
// the working directory and $HOME/.receipts and silently skipped when absent.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		for _, name := range []string{"track", "follow", "image", "archive", "verbose"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("receipts")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.receipts")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("track", []string{})
	v.SetDefault("follow", []string{})
	v.SetDefault("image", false)
	v.SetDefault("archive", "receipts")
	v.SetDefault("verbose", false)
	v.SetDefault("stream.url", "wss://stream.twitter.com/1.1/statuses/filter.json")
	v.SetDefault("stream.resolve_url", "https://api.twitter.com/1.1/users/show.json")
	v.SetDefault("stream.token", "")
	v.SetDefault("stream.status_url", "https://twitter.com/%s/status/%s")
	v.SetDefault("browser.provider", "chromedp")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.width", 1024)
	v.SetDefault("browser.height", 1400)
	v.SetDefault("browser.render_qps", 0)
	v.SetDefault("mirror.provider", "none")
	v.SetDefault("mirror.prefix", "receipts")
	v.SetDefault("notify.provider", "none")
	v.SetDefault("server.addr", "")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.Track) == 0 && len(c.Follow) == 0 {
		return fmt.Errorf("config: %w", archiver.ErrNoFilters)
	}
	if strings.TrimSpace(c.Archive) == "" {
		return fmt.Errorf("archive must be set")
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if len(c.Follow) > 0 && c.Stream.ResolveURL == "" {
		return fmt.Errorf("stream.resolve_url is required when following accounts")
	}
	if strings.Count(c.Stream.StatusURL, "%s") != 2 {
		return fmt.Errorf("stream.status_url must contain two %%s verbs (author, id)")
	}
	if c.Image && (c.Browser.Width <= 0 || c.Browser.Height <= 0) {
		return fmt.Errorf("browser.width and browser.height must be > 0 when image is enabled")
	}
	if c.Browser.RenderQPS < 0 {
		return fmt.Errorf("browser.render_qps must be >= 0")
	}
	switch c.Browser.Provider {
	case "", "chromedp", "none":
	default:
		return fmt.Errorf("unknown browser.provider %q", c.Browser.Provider)
	}
	switch c.Mirror.Provider {
	case "", "none":
	case "gcs":
		if c.Mirror.GCSBucket == "" {
			return fmt.Errorf("mirror.gcs_bucket must be set when mirror.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown mirror.provider %q", c.Mirror.Provider)
	}
	switch c.Notify.Provider {
	case "", "none":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic must be set when notify.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown notify.provider %q", c.Notify.Provider)
	}
	return nil
}

// Filters converts the track and follow lists into one FilterSpec per configured mode.
func (c Config) Filters() ([]archiver.FilterSpec, error) {
	var specs []archiver.FilterSpec
	if len(c.Track) > 0 {
		spec, err := archiver.NewFilterSpec(archiver.FilterTrack, c.Track)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(c.Follow) > 0 {
		spec, err := archiver.NewFilterSpec(archiver.FilterFollow, c.Follow)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, archiver.ErrNoFilters
	}
	return specs, nil
}
