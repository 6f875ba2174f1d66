// Package config loads the mdsync settings from MDS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"

	"github.com/mdreader/mdsync/internal/apperrors"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MDS_"

// Defaults.
const (
	DefaultDir             = "mdsync-data"
	DefaultLogFormat       = "text"
	DefaultPushAttempts    = 3
	DefaultPushConcurrency = 4
	DefaultPushInterval    = 100 * time.Millisecond
	DefaultFlushTimeout    = 3 * time.Second
	DefaultPullPeriod      = 5 * time.Minute
	DefaultGitAuthor       = "mdsync"
	DefaultGitEmail        = "mdsync@local"
)

// Config holds the runtime settings.
type Config struct {
	Dir             string        // Local store directory (MDS_DIR)
	LogFormat       string        // "text" or "json" (MDS_LOG_FORMAT)
	APIURL          string        // Cloud backend base URL, empty for offline use (MDS_API_URL)
	APIToken        string        // Bearer token of the signed-in user (MDS_API_TOKEN)
	UserID          string        // Signed-in user id, filled from the backend when empty (MDS_USER_ID)
	OutboxDSN       string        // Outbox backend, see outbox.Open (MDS_OUTBOX_DSN)
	PushAttempts    int           // Attempts per document push (MDS_PUSH_ATTEMPTS)
	PushConcurrency int           // Parallel pushes per batch (MDS_PUSH_CONCURRENCY)
	PushInterval    time.Duration // Minimum gap between pushes, 0 disables pacing (MDS_PUSH_INTERVAL)
	FlushTimeout    time.Duration // Longest wait for pending pushes before a workspace switch (MDS_FLUSH_TIMEOUT)
	SyncDelay       time.Duration // Debounce of the background worker (MDS_SYNC_DELAY)
	PullPeriod      time.Duration // Minimum gap between background pulls (MDS_PULL_PERIOD)
	Strict          bool          // Turn invariant warnings into errors (MDS_STRICT)
	GitAuthor       string        // Commit author of local edits (MDS_GIT_AUTHOR)
	GitEmail        string        // Commit email of local edits (MDS_GIT_EMAIL)
	Listen          string        // Control server address of the watch command, empty disables it (MDS_LISTEN)
	WebhookSecret   string        // Change notification signing secret (MDS_WEBHOOK_SECRET)
	BackupURL       string        // Git remote receiving a copy of the local history (MDS_BACKUP_URL)
	BackupPassword  string        // HTTPS token of the backup remote (MDS_BACKUP_PASSWORD)
	BackupBranch    string        // Branch of the backup remote (MDS_BACKUP_BRANCH)
}

// Load reads the configuration from the environment and applies the defaults.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), strings.TrimSpace(value)
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return FromKoanf(k)
}

// FromKoanf builds a Config from already loaded keys. Keys are lower case without prefix.
func FromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		Dir:             stringOr(k, "dir", DefaultDir),
		LogFormat:       strings.ToLower(stringOr(k, "log_format", DefaultLogFormat)),
		APIURL:          strings.TrimRight(k.String("api_url"), "/"),
		APIToken:        k.String("api_token"),
		UserID:          k.String("user_id"),
		OutboxDSN:       k.String("outbox_dsn"),
		PushAttempts:    DefaultPushAttempts,
		PushConcurrency: DefaultPushConcurrency,
		PushInterval:    DefaultPushInterval,
		FlushTimeout:    DefaultFlushTimeout,
		SyncDelay:       k.Duration("sync_delay"),
		PullPeriod:      DefaultPullPeriod,
		Strict:          k.Bool("strict"),
		GitAuthor:       stringOr(k, "git_author", DefaultGitAuthor),
		GitEmail:        stringOr(k, "git_email", DefaultGitEmail),
		Listen:          k.String("listen"),
		WebhookSecret:   k.String("webhook_secret"),
		BackupURL:       k.String("backup_url"),
		BackupPassword:  k.String("backup_password"),
		BackupBranch:    k.String("backup_branch"),
	}

	if k.Exists("push_attempts") {
		cfg.PushAttempts = k.Int("push_attempts")
	}
	if k.Exists("push_concurrency") {
		cfg.PushConcurrency = k.Int("push_concurrency")
	}
	if k.Exists("push_interval") {
		cfg.PushInterval = k.Duration("push_interval")
	}
	if k.Exists("flush_timeout") {
		cfg.FlushTimeout = k.Duration("flush_timeout")
	}
	if k.Exists("pull_period") {
		cfg.PullPeriod = k.Duration("pull_period")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for values the engine cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Dir == "":
		return fmt.Errorf("%w: %sDIR is empty", apperrors.ErrInvalidInput, EnvPrefix)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: %sLOG_FORMAT must be text or json, got %q", apperrors.ErrInvalidInput, EnvPrefix, c.LogFormat)
	case c.PushAttempts < 1:
		return fmt.Errorf("%w: %sPUSH_ATTEMPTS must be at least 1", apperrors.ErrInvalidInput, EnvPrefix)
	case c.PushConcurrency < 1:
		return fmt.Errorf("%w: %sPUSH_CONCURRENCY must be at least 1", apperrors.ErrInvalidInput, EnvPrefix)
	case c.PushInterval < 0 || c.FlushTimeout < 0 || c.SyncDelay < 0 || c.PullPeriod < 0:
		return fmt.Errorf("%w: durations must not be negative", apperrors.ErrInvalidInput)
	}
	return nil
}

// CloudEnabled reports whether a cloud backend is configured.
func (c *Config) CloudEnabled() bool {
	return c.APIURL != ""
}

func stringOr(k *koanf.Koanf, key, fallback string) string {
	if v := k.String(key); v != "" {
		return v
	}
	return fallback
}
