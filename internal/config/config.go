package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"
)

const (
	EnvPrefix  = "CLIPACQ"
	configName = "clip-acquirer"

	DefaultListenAddr    = "127.0.0.1:8787"
	DefaultOutputDir     = "downloads"
	DefaultMaxConcurrent = 3
	DefaultFragments     = 4
	DefaultMaxRedirects  = 5
)

type Config struct {
	ListenAddr    string
	OutputDir     string
	CookiesFile   string
	Proxy         string
	MaxConcurrent int
	Log           LogConfig
	YTDLP         YTDLPConfig
	Browser       BrowserConfig
	Transfer      TransferConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type YTDLPConfig struct {
	Path          string
	Timeout       time.Duration
	SocketTimeout time.Duration
	Fragments     int
}

type BrowserConfig struct {
	Enabled        bool
	Headless       bool
	Bin            string
	NavTimeout     time.Duration
	OverlayTimeout time.Duration
	MediaTimeout   time.Duration
	HarvestTimeout time.Duration
	MinFreeMemMB   uint64
}

type TransferConfig struct {
	LimitMBps     float64
	MaxRedirects  int
	HeaderTimeout time.Duration
}

type LoadOptions struct {
	// ConfigFile is an explicit config path; when empty an optional
	// clip-acquirer.{yaml,json,toml} in the working directory is read.
	ConfigFile string
	// EnvFile defaults to ".env". A missing file is not an error.
	EnvFile string
}

// SetDefaults registers every key so environment overrides are found even
// when no config file mentions them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("output_dir", DefaultOutputDir)
	v.SetDefault("cookies_file", "")
	v.SetDefault("proxy", "")
	v.SetDefault("max_concurrent", DefaultMaxConcurrent)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("ytdlp.path", "yt-dlp")
	v.SetDefault("ytdlp.timeout", "30m")
	v.SetDefault("ytdlp.socket_timeout", "20s")
	v.SetDefault("ytdlp.fragments", DefaultFragments)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.nav_timeout", "30s")
	v.SetDefault("browser.overlay_timeout", "1500ms")
	v.SetDefault("browser.media_timeout", "15s")
	v.SetDefault("browser.harvest_timeout", "10s")
	v.SetDefault("browser.min_free_mem_mb", 512)
	v.SetDefault("transfer.limit_mbps", 0)
	v.SetDefault("transfer.max_redirects", DefaultMaxRedirects)
	v.SetDefault("transfer.header_timeout", "30s")
}

// Load layers defaults, the config file, .env and CLIPACQ_* environment
// variables, and any flags already bound on v.
func Load(v *viper.Viper, opts LoadOptions) (Config, error) {
	envFile := strings.TrimSpace(opts.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(opts.ConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var errs []error
	dur := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		ListenAddr:    v.GetString("listen_addr"),
		OutputDir:     v.GetString("output_dir"),
		CookiesFile:   v.GetString("cookies_file"),
		Proxy:         v.GetString("proxy"),
		MaxConcurrent: v.GetInt("max_concurrent"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		YTDLP: YTDLPConfig{
			Path:          v.GetString("ytdlp.path"),
			Timeout:       dur("ytdlp.timeout"),
			SocketTimeout: dur("ytdlp.socket_timeout"),
			Fragments:     v.GetInt("ytdlp.fragments"),
		},
		Browser: BrowserConfig{
			Enabled:        v.GetBool("browser.enabled"),
			Headless:       v.GetBool("browser.headless"),
			Bin:            v.GetString("browser.bin"),
			NavTimeout:     dur("browser.nav_timeout"),
			OverlayTimeout: dur("browser.overlay_timeout"),
			MediaTimeout:   dur("browser.media_timeout"),
			HarvestTimeout: dur("browser.harvest_timeout"),
			MinFreeMemMB:   v.GetUint64("browser.min_free_mem_mb"),
		},
		Transfer: TransferConfig{
			LimitMBps:     v.GetFloat64("transfer.limit_mbps"),
			MaxRedirects:  v.GetInt("transfer.max_redirects"),
			HeaderTimeout: dur("transfer.header_timeout"),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return Normalize(cfg), nil
}

// ParseDuration accepts Go durations plus d and w units. Empty means zero.
func ParseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

// Normalize clamps out-of-range values back to their defaults.
func Normalize(raw Config) Config {
	cfg := raw
	cfg.ListenAddr = strings.TrimSpace(cfg.ListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	cfg.OutputDir = strings.TrimSpace(cfg.OutputDir)
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	cfg.CookiesFile = strings.TrimSpace(cfg.CookiesFile)
	cfg.Proxy = strings.TrimSpace(cfg.Proxy)
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}
	cfg.YTDLP.Path = strings.TrimSpace(cfg.YTDLP.Path)
	if cfg.YTDLP.Path == "" {
		cfg.YTDLP.Path = "yt-dlp"
	}
	if cfg.YTDLP.Fragments <= 0 {
		cfg.YTDLP.Fragments = DefaultFragments
	}
	if cfg.YTDLP.Timeout < 0 {
		cfg.YTDLP.Timeout = 0
	}
	cfg.Browser.Bin = strings.TrimSpace(cfg.Browser.Bin)
	if cfg.Transfer.LimitMBps < 0 {
		cfg.Transfer.LimitMBps = 0
	}
	if cfg.Transfer.MaxRedirects <= 0 {
		cfg.Transfer.MaxRedirects = DefaultMaxRedirects
	}
	return cfg
}
