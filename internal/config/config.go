// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DashboardConfig locates and authenticates against the call dashboard.
type DashboardConfig struct {
	LoginURL      string        `mapstructure:"login_url"`
	CallsURL      string        `mapstructure:"calls_url"`
	Email         string        `mapstructure:"email"`
	Password      string        `mapstructure:"password"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	ChromePath    string        `mapstructure:"chrome_path"`
	DebugSnapshot string        `mapstructure:"debug_snapshot"`
}

// AudioConfig tunes recording acquisition.
type AudioConfig struct {
	SoundURL            string        `mapstructure:"sound_url"`
	Referer             string        `mapstructure:"referer"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	MaxBodyBytes        int           `mapstructure:"max_body_bytes"`
	InitialStableChecks int           `mapstructure:"initial_stable_checks"`
	InitialMaxWait      time.Duration `mapstructure:"initial_max_wait"`
	InterimStableChecks int           `mapstructure:"interim_stable_checks"`
	InterimMaxWait      time.Duration `mapstructure:"interim_max_wait"`
	ProbeInterval       time.Duration `mapstructure:"probe_interval"`
	TargetDuration      time.Duration `mapstructure:"target_duration"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffStep         time.Duration `mapstructure:"backoff_step"`
	WorkDir             string        `mapstructure:"work_dir"`
}

// MonitorConfig tunes the monitoring loop.
type MonitorConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MaxErrors     int           `mapstructure:"max_errors"`
	LoginAttempts int           `mapstructure:"login_attempts"`
	ErrorPause    time.Duration `mapstructure:"error_pause"`
	PageSettle    time.Duration `mapstructure:"page_settle"`
	AutoStart     bool          `mapstructure:"auto_start"`
}

// DispatchConfig bounds concurrent call processing.
type DispatchConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// TelegramConfig configures the bot used for delivery and alerts.
type TelegramConfig struct {
	BotToken      string   `mapstructure:"bot_token"`
	ChatID        string   `mapstructure:"chat_id"`
	AdminIDs      []string `mapstructure:"admin_ids"`
	APIBase       string   `mapstructure:"api_base"`
	RatePerSecond float64  `mapstructure:"rate_per_second"`
}

// DeliveryConfig controls captions and transcoding.
type DeliveryConfig struct {
	CaptionTimezone string        `mapstructure:"caption_timezone"`
	Transcode       bool          `mapstructure:"transcode"`
	PadSeconds      float64       `mapstructure:"pad_seconds"`
	FFmpegPath      string        `mapstructure:"ffmpeg_path"`
	FFprobePath     string        `mapstructure:"ffprobe_path"`
	Bitrate         string        `mapstructure:"bitrate"`
	ConvertTimeout  time.Duration `mapstructure:"convert_timeout"`
}

// SettingsConfig locates the hot-reloadable settings file.
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

// JournalConfig selects the call outcome journal.
type JournalConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Capacity int    `mapstructure:"capacity"`
}

// ArchiveConfig selects where delivered recordings are copied.
type ArchiveConfig struct {
	Driver   string `mapstructure:"driver"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
	Prefix   string `mapstructure:"prefix"`
}

// EventsConfig selects the lifecycle event sink.
type EventsConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the operator HTTP surface.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the logger flavour.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads path (if set) over the defaults, then applies CALLRELAY_*
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CALLRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

const defaultUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"

func setDefaults(v *viper.Viper) {
	v.SetDefault("dashboard.login_url", "")
	v.SetDefault("dashboard.calls_url", "")
	v.SetDefault("dashboard.email", "")
	v.SetDefault("dashboard.password", "")
	v.SetDefault("dashboard.user_agent", defaultUA)
	v.SetDefault("dashboard.nav_timeout", "45s")
	v.SetDefault("dashboard.chrome_path", "")
	v.SetDefault("dashboard.debug_snapshot", "")

	v.SetDefault("audio.sound_url", "")
	v.SetDefault("audio.referer", "")
	v.SetDefault("audio.request_timeout", "60s")
	v.SetDefault("audio.probe_timeout", "10s")
	v.SetDefault("audio.max_body_bytes", 50*1024*1024)
	v.SetDefault("audio.initial_stable_checks", 6)
	v.SetDefault("audio.initial_max_wait", "120s")
	v.SetDefault("audio.interim_stable_checks", 4)
	v.SetDefault("audio.interim_max_wait", "45s")
	v.SetDefault("audio.probe_interval", "1s")
	v.SetDefault("audio.target_duration", "6.5s")
	v.SetDefault("audio.max_attempts", 5)
	v.SetDefault("audio.backoff_step", "2s")
	v.SetDefault("audio.work_dir", "recordings")

	v.SetDefault("monitor.poll_interval", "2s")
	v.SetDefault("monitor.max_errors", 5)
	v.SetDefault("monitor.login_attempts", 3)
	v.SetDefault("monitor.error_pause", "10s")
	v.SetDefault("monitor.page_settle", "3s")
	v.SetDefault("monitor.auto_start", true)

	v.SetDefault("dispatch.max_concurrency", 500)

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.admin_ids", []string{})
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.rate_per_second", 25)

	v.SetDefault("delivery.caption_timezone", "Asia/Dhaka")
	v.SetDefault("delivery.transcode", true)
	v.SetDefault("delivery.pad_seconds", 2.0)
	v.SetDefault("delivery.ffmpeg_path", "ffmpeg")
	v.SetDefault("delivery.ffprobe_path", "ffprobe")
	v.SetDefault("delivery.bitrate", "64k")
	v.SetDefault("delivery.convert_timeout", "120s")

	v.SetDefault("settings.path", "settings.json")

	v.SetDefault("journal.driver", "memory")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.table", "call_outcomes")
	v.SetDefault("journal.capacity", 1000)

	v.SetDefault("archive.driver", "none")
	v.SetDefault("archive.base_dir", "archive")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.prefix", "calls")

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.topic", "call-events")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")

	v.SetDefault("logging.development", false)
}

// Validate checks the values the service cannot start without.
func (c Config) Validate() error {
	switch {
	case c.Dashboard.LoginURL == "":
		return fmt.Errorf("dashboard.login_url is required")
	case c.Dashboard.CallsURL == "":
		return fmt.Errorf("dashboard.calls_url is required")
	case c.Audio.SoundURL == "":
		return fmt.Errorf("audio.sound_url is required")
	case c.Telegram.BotToken == "":
		return fmt.Errorf("telegram.bot_token is required")
	case c.Telegram.ChatID == "":
		return fmt.Errorf("telegram.chat_id is required")
	case c.Audio.InitialStableChecks < 1 || c.Audio.InterimStableChecks < 1:
		return fmt.Errorf("audio stable checks must be >= 1")
	case c.Audio.MaxAttempts < 1:
		return fmt.Errorf("audio.max_attempts must be >= 1")
	case c.Audio.ProbeInterval <= 0:
		return fmt.Errorf("audio.probe_interval must be > 0")
	case c.Monitor.MaxErrors < 1:
		return fmt.Errorf("monitor.max_errors must be >= 1")
	case c.Monitor.LoginAttempts < 1:
		return fmt.Errorf("monitor.login_attempts must be >= 1")
	case c.Dispatch.MaxConcurrency < 1:
		return fmt.Errorf("dispatch.max_concurrency must be >= 1")
	case c.Server.Enabled && c.Server.Port <= 0:
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := time.LoadLocation(c.Delivery.CaptionTimezone); err != nil {
		return fmt.Errorf("delivery.caption_timezone: %w", err)
	}
	if err := oneOf("journal.driver", c.Journal.Driver, "none", "memory", "postgres", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("archive.driver", c.Archive.Driver, "none", "local", "gcs"); err != nil {
		return err
	}
	if err := oneOf("events.driver", c.Events.Driver, "none", "memory", "pubsub"); err != nil {
		return err
	}
	if (c.Journal.Driver == "postgres" || c.Journal.Driver == "sqlite") && c.Journal.DSN == "" {
		return fmt.Errorf("journal.dsn is required for driver %q", c.Journal.Driver)
	}
	if c.Archive.Driver == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for driver gcs")
	}
	if c.Events.Driver == "pubsub" && c.Events.ProjectID == "" {
		return fmt.Errorf("events.project_id is required for driver pubsub")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// CaptionLocation resolves the caption timezone; Validate guarantees it loads.
func (c Config) CaptionLocation() *time.Location {
	loc, err := time.LoadLocation(c.Delivery.CaptionTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PadTail is the silent tail appended to voice notes.
func (c Config) PadTail() time.Duration {
	return time.Duration(c.Delivery.PadSeconds * float64(time.Second))
}
