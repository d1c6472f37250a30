// Package gdrive opens and closes Google Drive push channels for watched
// spreadsheets.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vipul43/connsync/internal/webhook"
)

// channelType is the only delivery mechanism Drive supports
const channelType = "web_hook"

type Client struct {
	opts   []option.ClientOption
	logger *zap.Logger
}

// NewClient returns a Drive client. Extra options (endpoint overrides in
// tests) are applied to every service it builds.
func NewClient(logger *zap.Logger, opts ...option.ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{opts: opts, logger: logger}
}

func (c *Client) service(ctx context.Context, accessToken string) (*drive.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	opts := append([]option.ClientOption{option.WithTokenSource(oauth2.StaticTokenSource(token))}, c.opts...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return svc, nil
}

// Watch opens a push channel on a file. Drive reports expiration in
// milliseconds since epoch.
func (c *Client) Watch(ctx context.Context, accessToken string, req webhook.WatchRequest) (*webhook.Channel, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	channel := &drive.Channel{
		Id:      req.ChannelID,
		Type:    channelType,
		Address: req.Address,
	}
	if !req.Expiration.IsZero() {
		channel.Expiration = req.Expiration.UnixMilli()
	}

	resp, err := svc.Files.Watch(req.ResourceID, channel).SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to watch file %s: %w", req.ResourceID, err)
	}

	ch := &webhook.Channel{
		ID:         resp.Id,
		ResourceID: resp.ResourceId,
	}
	if resp.Expiration > 0 {
		ch.Expiration = time.UnixMilli(resp.Expiration).UTC()
	}

	c.logger.Debug("Drive channel opened",
		zap.String("channel_id", ch.ID),
		zap.String("file_id", req.ResourceID),
		zap.Time("expiration", ch.Expiration))
	return ch, nil
}

// Stop closes a push channel. A channel Drive no longer knows about counts
// as stopped.
func (c *Client) Stop(ctx context.Context, accessToken string, ch webhook.Channel) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&drive.Channel{Id: ch.ID, ResourceId: ch.ResourceID}).Context(ctx).Do()
	if isNotFound(err) {
		c.logger.Debug("Drive channel already gone", zap.String("channel_id", ch.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stop channel %s: %w", ch.ID, err)
	}
	return nil
}

// AccountEmail returns the email of the account the token belongs to
func (c *Client) AccountEmail(ctx context.Context, accessToken string) (string, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}

	about, err := svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get account info: %w", err)
	}
	if about.User == nil {
		return "", nil
	}
	return about.User.EmailAddress, nil
}

// Probe checks that the token can still reach Drive
func (c *Client) Probe(ctx context.Context, accessToken string) error {
	_, err := c.AccountEmail(ctx, accessToken)
	return err
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
