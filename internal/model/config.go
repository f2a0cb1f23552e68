package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AppConfig is the top-level application configuration, constructed once
// at startup and passed by reference to every component (see
// SPEC_FULL.md §9, config-as-struct).
type AppConfig struct {
	RemoteToken        string `mapstructure:"remote_token" yaml:"remote_token"`
	EmailDatabaseID    string `mapstructure:"email_database_id" yaml:"email_database_id"`
	CalendarDatabaseID string `mapstructure:"calendar_database_id" yaml:"calendar_database_id"`
	UserEmail          string `mapstructure:"user_email" yaml:"user_email"`
	MailAccountName    string `mapstructure:"mail_account_name" yaml:"mail_account_name"`

	// SyncMailboxes is the comma-joined list of mailbox names the Radar
	// may emit; split into Mailboxes() for consumers.
	SyncMailboxes string `mapstructure:"sync_mailboxes" yaml:"sync_mailboxes"`

	// SyncStartDate bounds which messages are eligible; messages older
	// than this are marked skipped terminally. Empty means no horizon.
	SyncStartDate string `mapstructure:"sync_start_date" yaml:"sync_start_date"`

	PollIntervalSec  int    `mapstructure:"poll_interval_s" yaml:"poll_interval_s"`
	ScriptTimeoutSec int    `mapstructure:"script_timeout_s" yaml:"script_timeout_s"`
	InitBatchSize    int    `mapstructure:"init_batch_size" yaml:"init_batch_size"`
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`

	// AllowedAttachmentExts is the comma-joined whitelist for
	// disposition-named attachments; empty-extension image parts are
	// always allowed after signature check.
	AllowedAttachmentExts string `mapstructure:"allowed_attachment_exts" yaml:"allowed_attachment_exts"`

	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// StateDBPath is the path to the embedded state-store database file.
	StateDBPath string `mapstructure:"state_db_path" yaml:"state_db_path"`

	// MaxRetryPerCycle bounds how many ready_for_retry records are
	// processed in a single scheduler cycle.
	MaxRetryPerCycle int `mapstructure:"max_retry_per_cycle" yaml:"max_retry_per_cycle"`

	// RemoteWritesPerSecond is the token-bucket rate limit on remote
	// database writes.
	RemoteWritesPerSecond float64 `mapstructure:"remote_writes_per_second" yaml:"remote_writes_per_second"`

	// MaxConsecutiveAuthFailures is how many consecutive remote-auth
	// failures across cycles trigger a process exit (code 3).
	MaxConsecutiveAuthFailures int `mapstructure:"max_consecutive_auth_failures" yaml:"max_consecutive_auth_failures"`

	// FallbackAnchorMessageID is the well-known Message ID of the
	// fallback anchor page used for unresolvable thread anchors.
	FallbackAnchorMessageID string `mapstructure:"fallback_anchor_message_id" yaml:"fallback_anchor_message_id"`
	FallbackAnchorTitle     string `mapstructure:"fallback_anchor_title" yaml:"fallback_anchor_title"`
}

// Mailboxes splits SyncMailboxes into its component mailbox names.
func (c *AppConfig) Mailboxes() []string {
	return splitTrim(c.SyncMailboxes)
}

// AllowedExts splits AllowedAttachmentExts into its component extensions.
func (c *AppConfig) AllowedExts() []string {
	return splitTrim(c.AllowedAttachmentExts)
}

func splitTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/maildocsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "maildocsync", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration. Required
// fields (RemoteToken, EmailDatabaseID, UserEmail) are left empty; callers
// must validate them (see Validate).
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		SyncMailboxes:              "INBOX",
		PollIntervalSec:            5,
		ScriptTimeoutSec:           200,
		InitBatchSize:              50,
		MaxAttachmentBytes:         20 * 1024 * 1024,
		AllowedAttachmentExts:      "",
		MaxRetries:                 5,
		StateDBPath:                defaultStateDBPath(),
		MaxRetryPerCycle:           3,
		RemoteWritesPerSecond:      3,
		MaxConsecutiveAuthFailures: 5,
		FallbackAnchorMessageID:    "maildocsync-fallback-anchor@local",
		FallbackAnchorTitle:        "(Unresolved Thread)",
	}
}

func defaultStateDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "maildocsync.db")
	}
	return filepath.Join(home, ".config", "maildocsync", "state.db")
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. An environment variable named after the upper-cased
// mapstructure key (e.g. POLL_INTERVAL_S) overrides an option that has
// a default below or that appears in the file; options with neither
// (remote_token, the database IDs, user_email, mail_account_name,
// sync_start_date, allowed_attachment_exts) are not read from the
// environment. If the file does not exist, the defaults are returned
// without any environment overrides and must still pass Validate
// before the daemon starts.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("sync_mailboxes", def.SyncMailboxes)
	v.SetDefault("poll_interval_s", def.PollIntervalSec)
	v.SetDefault("script_timeout_s", def.ScriptTimeoutSec)
	v.SetDefault("init_batch_size", def.InitBatchSize)
	v.SetDefault("max_attachment_bytes", def.MaxAttachmentBytes)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("state_db_path", def.StateDBPath)
	v.SetDefault("max_retry_per_cycle", def.MaxRetryPerCycle)
	v.SetDefault("remote_writes_per_second", def.RemoteWritesPerSecond)
	v.SetDefault("max_consecutive_auth_failures", def.MaxConsecutiveAuthFailures)
	v.SetDefault("fallback_anchor_message_id", def.FallbackAnchorMessageID)
	v.SetDefault("fallback_anchor_title", def.FallbackAnchorTitle)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		if os.IsNotExist(err) {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := def
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that every required option is present. Called at
// startup; a non-nil error should cause exit code 2.
func (c *AppConfig) Validate() error {
	var missing []string
	if c.RemoteToken == "" {
		missing = append(missing, "remote_token")
	}
	if c.EmailDatabaseID == "" {
		missing = append(missing, "email_database_id")
	}
	if c.UserEmail == "" {
		missing = append(missing, "user_email")
	}
	if c.MailAccountName == "" {
		missing = append(missing, "mail_account_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("remote_token", cfg.RemoteToken)
	v.Set("email_database_id", cfg.EmailDatabaseID)
	v.Set("calendar_database_id", cfg.CalendarDatabaseID)
	v.Set("user_email", cfg.UserEmail)
	v.Set("mail_account_name", cfg.MailAccountName)
	v.Set("sync_mailboxes", cfg.SyncMailboxes)
	v.Set("sync_start_date", cfg.SyncStartDate)
	v.Set("poll_interval_s", cfg.PollIntervalSec)
	v.Set("script_timeout_s", cfg.ScriptTimeoutSec)
	v.Set("init_batch_size", cfg.InitBatchSize)
	v.Set("max_attachment_bytes", cfg.MaxAttachmentBytes)
	v.Set("allowed_attachment_exts", cfg.AllowedAttachmentExts)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("state_db_path", cfg.StateDBPath)
	v.Set("max_retry_per_cycle", cfg.MaxRetryPerCycle)
	v.Set("remote_writes_per_second", cfg.RemoteWritesPerSecond)
	v.Set("max_consecutive_auth_failures", cfg.MaxConsecutiveAuthFailures)
	v.Set("fallback_anchor_message_id", cfg.FallbackAnchorMessageID)
	v.Set("fallback_anchor_title", cfg.FallbackAnchorTitle)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
