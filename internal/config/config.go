package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	IMAP        IMAPConfig       `mapstructure:"imap" yaml:"imap"`
	SMTP        SMTPConfig       `mapstructure:"smtp" yaml:"smtp"`
	Auth        AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Database    DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Attachments AttachmentConfig `mapstructure:"attachments" yaml:"attachments"`
	Sync        SyncConfig       `mapstructure:"sync" yaml:"sync"`
	Lock        LockConfig       `mapstructure:"lock" yaml:"lock"`
	Defaults    DefaultsConfig   `mapstructure:"defaults" yaml:"defaults"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
}

type IMAPConfig struct {
	Host               string        `mapstructure:"host" yaml:"host"`
	Port               int           `mapstructure:"port" yaml:"port"`
	TLS                bool          `mapstructure:"tls" yaml:"tls"`
	StartTLS           bool          `mapstructure:"starttls" yaml:"starttls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	DefaultFolder      string        `mapstructure:"default_folder" yaml:"default_folder"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

type SMTPConfig struct {
	Host               string `mapstructure:"host" yaml:"host"`
	Port               int    `mapstructure:"port" yaml:"port"`
	TLS                bool   `mapstructure:"tls" yaml:"tls"`
	StartTLS           bool   `mapstructure:"starttls" yaml:"starttls"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type AuthConfig struct {
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`
	PasswordSource string `mapstructure:"-" yaml:"-"`
	// Principal keys duplicate-send windows and progress events. Defaults
	// to the username.
	Principal string `mapstructure:"principal" yaml:"principal,omitempty"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type AttachmentConfig struct {
	Dir             string `mapstructure:"dir" yaml:"dir"`
	InlineThreshold int64  `mapstructure:"inline_threshold" yaml:"inline_threshold"`
	MaxBlobFallback int64  `mapstructure:"max_blob_fallback" yaml:"max_blob_fallback"`
}

type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	BodyTextLimit    int           `mapstructure:"body_text_limit" yaml:"body_text_limit"`
	BodyHTMLLimit    int           `mapstructure:"body_html_limit" yaml:"body_html_limit"`
	BackfillStandard int           `mapstructure:"backfill_standard" yaml:"backfill_standard"`
	BackfillCustom   int           `mapstructure:"backfill_custom" yaml:"backfill_custom"`
	Folders          []string      `mapstructure:"folders" yaml:"folders,omitempty"`
}

type LockConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	// Mode is "flock" or "pid".
	Mode string `mapstructure:"mode" yaml:"mode"`
}

type DefaultsConfig struct {
	SentMailbox   string `mapstructure:"sent_mailbox" yaml:"sent_mailbox"`
	DraftsMailbox string `mapstructure:"drafts_mailbox" yaml:"drafts_mailbox"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func DefaultConfig() Config {
	return Config{
		IMAP: IMAPConfig{
			Port:           993,
			TLS:            true,
			StartTLS:       false,
			DefaultFolder:  "INBOX",
			ConnectTimeout: 30 * time.Second,
		},
		SMTP: SMTPConfig{
			Port:     587,
			TLS:      false,
			StartTLS: true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Attachments: AttachmentConfig{
			InlineThreshold: 1 << 20,
			MaxBlobFallback: 8 << 20,
		},
		Sync: SyncConfig{
			Interval:         5 * time.Minute,
			BodyTextLimit:    100_000,
			BodyHTMLLimit:    200_000,
			BackfillStandard: 30,
			BackfillCustom:   100,
		},
		Lock: LockConfig{
			Timeout:      10 * time.Second,
			PollInterval: 250 * time.Millisecond,
			StaleAfter:   30 * time.Minute,
			Mode:         "flock",
		},
		Defaults: DefaultsConfig{
			SentMailbox:   "Sent",
			DraftsMailbox: "Drafts",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFile(path)
}

// LoadFile reads path (a missing file is not an error), applies MAILSYNC_*
// environment overrides and fills in data directories.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if err := fillPaths(&cfg); err != nil {
		return cfg, err
	}
	if cfg.Auth.Principal == "" {
		cfg.Auth.Principal = strings.ToLower(strings.TrimSpace(cfg.Auth.Username))
	}

	return cfg, nil
}

func fillPaths(cfg *Config) error {
	if cfg.Database.DSN != "" && cfg.Attachments.Dir != "" && cfg.Lock.Dir != "" {
		return nil
	}
	dir, err := DataDir()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = filepath.Join(dir, "mailsync.db")
	}
	if cfg.Attachments.Dir == "" {
		cfg.Attachments.Dir = filepath.Join(dir, "attachments")
	}
	if cfg.Lock.Dir == "" {
		cfg.Lock.Dir = filepath.Join(dir, "locks")
	}
	return nil
}

func Save(cfg Config) (string, error) {
	path, err := ConfigPath()
	if err != nil {
		return "", err
	}
	return path, SaveFile(path, cfg)
}

// SaveFile writes cfg as YAML with owner-only permissions.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

func Redact(cfg Config) Config {
	masked := cfg
	if masked.Auth.Password != "" {
		masked.Auth.Password = "****"
	}
	if masked.Database.Driver == "postgres" && masked.Database.DSN != "" {
		masked.Database.DSN = "****"
	}
	return masked
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("imap.host", cfg.IMAP.Host)
	v.SetDefault("imap.port", cfg.IMAP.Port)
	v.SetDefault("imap.tls", cfg.IMAP.TLS)
	v.SetDefault("imap.starttls", cfg.IMAP.StartTLS)
	v.SetDefault("imap.insecure_skip_verify", cfg.IMAP.InsecureSkipVerify)
	v.SetDefault("imap.default_folder", cfg.IMAP.DefaultFolder)
	v.SetDefault("imap.connect_timeout", cfg.IMAP.ConnectTimeout)

	v.SetDefault("smtp.host", cfg.SMTP.Host)
	v.SetDefault("smtp.port", cfg.SMTP.Port)
	v.SetDefault("smtp.tls", cfg.SMTP.TLS)
	v.SetDefault("smtp.starttls", cfg.SMTP.StartTLS)
	v.SetDefault("smtp.insecure_skip_verify", cfg.SMTP.InsecureSkipVerify)

	v.SetDefault("auth.username", cfg.Auth.Username)
	v.SetDefault("auth.password", cfg.Auth.Password)
	v.SetDefault("auth.principal", cfg.Auth.Principal)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.dsn", cfg.Database.DSN)

	v.SetDefault("attachments.dir", cfg.Attachments.Dir)
	v.SetDefault("attachments.inline_threshold", cfg.Attachments.InlineThreshold)
	v.SetDefault("attachments.max_blob_fallback", cfg.Attachments.MaxBlobFallback)

	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.body_text_limit", cfg.Sync.BodyTextLimit)
	v.SetDefault("sync.body_html_limit", cfg.Sync.BodyHTMLLimit)
	v.SetDefault("sync.backfill_standard", cfg.Sync.BackfillStandard)
	v.SetDefault("sync.backfill_custom", cfg.Sync.BackfillCustom)

	v.SetDefault("lock.dir", cfg.Lock.Dir)
	v.SetDefault("lock.timeout", cfg.Lock.Timeout)
	v.SetDefault("lock.poll_interval", cfg.Lock.PollInterval)
	v.SetDefault("lock.stale_after", cfg.Lock.StaleAfter)
	v.SetDefault("lock.mode", cfg.Lock.Mode)

	v.SetDefault("defaults.sent_mailbox", cfg.Defaults.SentMailbox)
	v.SetDefault("defaults.drafts_mailbox", cfg.Defaults.DraftsMailbox)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

func Validate(cfg Config) error {
	if err := ValidateIMAP(cfg); err != nil {
		return err
	}
	if err := ValidateSMTP(cfg); err != nil {
		return err
	}
	return ValidateStore(cfg)
}

func ValidateIMAP(cfg Config) error {
	if cfg.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if cfg.Auth.Username == "" {
		return fmt.Errorf("auth.username is required")
	}
	if cfg.Auth.Password == "" {
		return fmt.Errorf("auth.password is required")
	}
	return nil
}

func ValidateSMTP(cfg Config) error {
	if cfg.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if cfg.Auth.Username == "" {
		return fmt.Errorf("auth.username is required")
	}
	if cfg.Auth.Password == "" {
		return fmt.Errorf("auth.password is required")
	}
	return nil
}

func ValidateStore(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Attachments.InlineThreshold <= 0 {
		return fmt.Errorf("attachments.inline_threshold must be positive")
	}
	return nil
}
