package webhook

import (
	"net/http"
	"time"
)

// ResourceStateUpdate is the only resource state that triggers a sync
const ResourceStateUpdate = "update"

// Drive push notification headers
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderMessageNumber = "X-Goog-Message-Number"
	HeaderSignature     = "X-Webhook-Signature"
)

// Notification is an inbound push message, normalized from headers and body
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	MessageNumber string
	Body          []byte
}

// NotificationFromRequest reads the Drive channel headers. The body must
// already have been read by the caller.
func NotificationFromRequest(h http.Header, body []byte) Notification {
	return Notification{
		ChannelID:     h.Get(HeaderChannelID),
		ResourceID:    h.Get(HeaderResourceID),
		ResourceState: h.Get(HeaderResourceState),
		MessageNumber: h.Get(HeaderMessageNumber),
		Body:          body,
	}
}

// Outcome records what HandleNotification did with a message
type Outcome string

const (
	OutcomeTriggered       Outcome = "triggered"
	OutcomeCoalesced       Outcome = "coalesced"
	OutcomeIgnoredState    Outcome = "ignored_state"
	OutcomeUnknownResource Outcome = "unknown_resource"
	OutcomeStaleChannel    Outcome = "stale_channel"
	OutcomeExpired         Outcome = "expired"
	OutcomeTriggerFailed   Outcome = "trigger_failed"
	OutcomeRejected        Outcome = "rejected"
	OutcomeError           Outcome = "error"
)

// WatchRequest asks the provider to open a push channel
type WatchRequest struct {
	ChannelID  string
	ResourceID string
	Address    string
	Expiration time.Time
}

// Channel is the provider's handle for an open push channel
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}
