package oauth

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"golang.org/x/oauth2"

	"github.com/vipul43/connsync/internal/models"
)

var validate = validator.New()

// PlatformConfig is the OAuth2 client registration for one provider
type PlatformConfig struct {
	ClientID         string   `validate:"required"`
	ClientSecret     string   `validate:"required"`
	RedirectURI      string   `validate:"required,url"`
	AuthorizationURL string   `validate:"required,url"`
	TokenURL         string   `validate:"required,url"`
	Scopes           []string `validate:"required,min=1,dive,required"`
	UsePKCE          bool
	// ExtraAuthParams are appended to the authorization URL, e.g.
	// access_type=offline for Google.
	ExtraAuthParams map[string]string
}

func (c *PlatformConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid platform config: %w", err)
	}
	return nil
}

func (c *PlatformConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthorizationURL,
			TokenURL:  c.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ConfigProvider resolves the client registration for a platform
type ConfigProvider interface {
	PlatformConfig(platform models.PlatformType) (*PlatformConfig, error)
}

// StaticConfigProvider serves configs loaded once at startup
type StaticConfigProvider map[models.PlatformType]PlatformConfig

func (p StaticConfigProvider) PlatformConfig(platform models.PlatformType) (*PlatformConfig, error) {
	cfg, ok := p[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformNotConfigured, platform)
	}
	return &cfg, nil
}

var _ ConfigProvider = StaticConfigProvider(nil)
