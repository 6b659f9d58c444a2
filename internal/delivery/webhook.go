// Generic webhook push channel adapter.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/remindkit/remindkit/internal/models"
)

// Webhook header names carrying delivery metadata alongside the JSON body.
const (
	// HeaderCollapseKey lets the receiver supersede an earlier undelivered
	// notification for the same occurrence.
	HeaderCollapseKey = "X-Collapse-Key"
	// HeaderTTLSeconds tells the receiver when to drop rather than
	// late-deliver the payload.
	HeaderTTLSeconds = "X-TTL-Seconds"
)

// WebhookChannel delivers reminder notifications as JSON POSTs to the
// endpoint's URL.
type WebhookChannel struct {
	httpClient *http.Client
}

// Compile-time check that WebhookChannel implements Channel.
var _ Channel = (*WebhookChannel)(nil)

// NewWebhookChannel creates the webhook channel. A nil client uses a default
// with a conservative timeout; per-attempt deadlines come from the caller's
// context.
func NewWebhookChannel(client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookChannel{httpClient: client}
}

// Kind returns the channel kind served by this implementation.
func (c *WebhookChannel) Kind() models.ChannelKind {
	return models.ChannelKindWebhook
}

// Send POSTs one payload to the endpoint URL.
func (c *WebhookChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return Permanentf("marshal webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.Address, bytes.NewReader(body))
	if err != nil {
		return Permanentf("build webhook request for %s: %v", endpoint.Address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderCollapseKey, p.CollapseKey)
	req.Header.Set(HeaderTTLSeconds, strconv.Itoa(int(p.TTL.Seconds())))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("WebhookChannel.Send: accepted", "itemID", p.ItemID, "endpointID", endpoint.ID, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transientf("webhook endpoint %s returned %d", endpoint.ID, resp.StatusCode)
	default:
		// Remaining 4xx responses mean the endpoint is gone or rejects the
		// payload shape; retrying cannot help.
		return Permanentf("webhook endpoint %s returned %d", endpoint.ID, resp.StatusCode)
	}
}
