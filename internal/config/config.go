// Package config loads service configuration from an optional YAML file and
// MAILWATCH_-prefixed environment variables via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GoogleConfig holds the Pub/Sub plumbing for Gmail push notifications.
type GoogleConfig struct {
	// ProjectID and Topic identify where Gmail publishes watch events.
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`

	// Subscription, when set, enables the pull listener on that
	// subscription instead of relying solely on push callbacks.
	Subscription string `mapstructure:"subscription"`

	// CredentialsFile overrides ambient Google credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// PushConfig holds settings for the inbound push callback endpoint.
type PushConfig struct {
	// JWKSURL enables OIDC verification of push tokens when set.
	JWKSURL string `mapstructure:"jwks_url"`

	// Audience is the expected aud claim, normally the public callback URL.
	Audience string `mapstructure:"audience"`

	// NotificationURL is the public callback URL handed to providers that
	// deliver over plain webhooks.
	NotificationURL string `mapstructure:"notification_url"`
}

// Config is the top-level service configuration.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	DBPath   string `mapstructure:"db_path"`
	NATSURL  string `mapstructure:"nats_url"`

	// AuthServiceURL is the base URL of the delegated-credential service.
	AuthServiceURL string `mapstructure:"auth_service_url"`

	Google GoogleConfig `mapstructure:"google"`
	Push   PushConfig   `mapstructure:"push"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	RenewMargin  time.Duration `mapstructure:"renew_margin"`

	DedupCapacity int   `mapstructure:"dedup_capacity"`
	PageSize      int64 `mapstructure:"page_size"`
	ResyncLimit   int64 `mapstructure:"resync_limit"`
}

// Load reads configuration from path (optional; missing file falls back to
// defaults) with MAILWATCH_ environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "mailwatch.db")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("auth_service_url", "http://127.0.0.1:3000")
	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("renew_margin", 24*time.Hour)
	v.SetDefault("dedup_capacity", 5000)
	v.SetDefault("page_size", 100)
	v.SetDefault("resync_limit", 50)

	v.SetEnvPrefix("MAILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Google.Topic != "" && !strings.HasPrefix(cfg.Google.Topic, "projects/") {
		cfg.Google.Topic = fmt.Sprintf("projects/%s/topics/%s", cfg.Google.ProjectID, cfg.Google.Topic)
	}

	return &cfg, nil
}
