package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/spreadsheets.readonly",
	"https://www.googleapis.com/auth/drive.readonly",
}

type Config struct {
	DatabaseURL     string
	EncryptionKey   string
	RedisURL        string
	HTTPAddr        string
	ShutdownTimeout int // seconds
	LogLevel        string
	LogFormat       string

	SchedulerInterval    time.Duration
	SchedulerLookahead   time.Duration
	SchedulerConcurrency int
	ProviderTimeout      time.Duration
	StateTTL             time.Duration
	TokenRefreshBuffer   time.Duration

	WebhookCallbackBaseURL  string
	WebhookSigningSecret    string
	WebhookSubscriptionTTL  time.Duration
	WebhookRenewalLookahead time.Duration
	WebhookSweepInterval    time.Duration

	SyncQueue      string
	SyncStuckAfter time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	ShopifyClientID         string
	ShopifyClientSecret     string
	ShopifyRedirectURI      string
	ShopifyAuthorizationURL string
	ShopifyTokenURL         string
	ShopifyScopes           []string
}

// Load reads configuration from the environment, after loading .env if it
// exists.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &Config{
		DatabaseURL:     dbURL,
		EncryptionKey:   v.GetString("ENCRYPTION_KEY"),
		RedisURL:        v.GetString("REDIS_URL"),
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		ShutdownTimeout: v.GetInt("SHUTDOWN_TIMEOUT_SECONDS"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),

		SchedulerInterval:    time.Duration(v.GetInt64("SCHEDULER_INTERVAL_MS")) * time.Millisecond,
		SchedulerLookahead:   time.Duration(v.GetInt64("SCHEDULER_LOOKAHEAD_MINUTES")) * time.Minute,
		SchedulerConcurrency: v.GetInt("SCHEDULER_CONCURRENCY"),
		ProviderTimeout:      time.Duration(v.GetInt64("PROVIDER_TIMEOUT_SECONDS")) * time.Second,
		StateTTL:             time.Duration(v.GetInt64("STATE_TTL_SECONDS")) * time.Second,
		TokenRefreshBuffer:   time.Duration(v.GetInt64("TOKEN_REFRESH_BUFFER_SECONDS")) * time.Second,

		WebhookCallbackBaseURL:  strings.TrimSuffix(v.GetString("WEBHOOK_CALLBACK_BASE_URL"), "/"),
		WebhookSigningSecret:    v.GetString("WEBHOOK_SIGNING_SECRET"),
		WebhookSubscriptionTTL:  time.Duration(v.GetInt64("WEBHOOK_SUBSCRIPTION_TTL_HOURS")) * time.Hour,
		WebhookRenewalLookahead: time.Duration(v.GetInt64("WEBHOOK_RENEWAL_LOOKAHEAD_MINUTES")) * time.Minute,
		WebhookSweepInterval:    time.Duration(v.GetInt64("WEBHOOK_SWEEP_INTERVAL_MINUTES")) * time.Minute,

		SyncQueue:      v.GetString("SYNC_QUEUE"),
		SyncStuckAfter: time.Duration(v.GetInt64("SYNC_STUCK_AFTER_MINUTES")) * time.Minute,

		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURI:  v.GetString("GOOGLE_REDIRECT_URI"),

		ShopifyClientID:         v.GetString("SHOPIFY_CLIENT_ID"),
		ShopifyClientSecret:     v.GetString("SHOPIFY_CLIENT_SECRET"),
		ShopifyRedirectURI:      v.GetString("SHOPIFY_REDIRECT_URI"),
		ShopifyAuthorizationURL: v.GetString("SHOPIFY_AUTHORIZATION_URL"),
		ShopifyTokenURL:         v.GetString("SHOPIFY_TOKEN_URL"),
		ShopifyScopes:           splitList(v.GetString("SHOPIFY_SCOPES")),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 30)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SCHEDULER_INTERVAL_MS", 300000)
	v.SetDefault("SCHEDULER_LOOKAHEAD_MINUTES", 15)
	v.SetDefault("SCHEDULER_CONCURRENCY", 5)
	v.SetDefault("PROVIDER_TIMEOUT_SECONDS", 30)
	v.SetDefault("STATE_TTL_SECONDS", 600)
	v.SetDefault("TOKEN_REFRESH_BUFFER_SECONDS", 60)

	v.SetDefault("WEBHOOK_SUBSCRIPTION_TTL_HOURS", 24)
	v.SetDefault("WEBHOOK_RENEWAL_LOOKAHEAD_MINUTES", 120)
	v.SetDefault("WEBHOOK_SWEEP_INTERVAL_MINUTES", 30)

	v.SetDefault("SYNC_QUEUE", "sync")
	v.SetDefault("SYNC_STUCK_AFTER_MINUTES", 30)
}

// RequireSecrets checks the settings the API and worker need but the
// migrate command does not.
func (c *Config) RequireSecrets() error {
	if c.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY is required")
	}
	return nil
}

// WebhookCallbackURL is the address registered with Drive for a platform
func (c *Config) WebhookCallbackURL(platform models.PlatformType) string {
	return c.WebhookCallbackBaseURL + "/webhooks/" + strings.ToLower(string(platform))
}

// PlatformConfigs returns the OAuth client registration of every platform
// with a client id set. Each one must be complete.
func (c *Config) PlatformConfigs() (oauth.StaticConfigProvider, error) {
	configs := oauth.StaticConfigProvider{}

	if c.GoogleClientID != "" {
		google := oauth.PlatformConfig{
			ClientID:         c.GoogleClientID,
			ClientSecret:     c.GoogleClientSecret,
			RedirectURI:      c.GoogleRedirectURI,
			AuthorizationURL: googleAuthURL,
			TokenURL:         googleTokenURL,
			Scopes:           googleScopes,
			UsePKCE:          true,
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		}
		if err := google.Validate(); err != nil {
			return nil, fmt.Errorf("google sheets: %w", err)
		}
		configs[models.PlatformGoogleSheets] = google
	}

	if c.ShopifyClientID != "" {
		shopify := oauth.PlatformConfig{
			ClientID:         c.ShopifyClientID,
			ClientSecret:     c.ShopifyClientSecret,
			RedirectURI:      c.ShopifyRedirectURI,
			AuthorizationURL: c.ShopifyAuthorizationURL,
			TokenURL:         c.ShopifyTokenURL,
			Scopes:           c.ShopifyScopes,
		}
		if err := shopify.Validate(); err != nil {
			return nil, fmt.Errorf("shopify: %w", err)
		}
		configs[models.PlatformShopify] = shopify
	}

	return configs, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
