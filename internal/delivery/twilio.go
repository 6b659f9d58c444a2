// Twilio SMS channel adapter.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/remindkit/remindkit/internal/models"
)

// TwilioOpts holds configuration options for the Twilio SMS channel.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// TwilioOption defines a configuration option for the Twilio SMS channel.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// TwilioSMSChannel delivers reminder notifications as SMS messages via the
// Twilio REST API.
type TwilioSMSChannel struct {
	client *twilio.RestClient
	from   string
}

// Compile-time check that TwilioSMSChannel implements Channel.
var _ Channel = (*TwilioSMSChannel)(nil)

// NewTwilioSMSChannel creates the Twilio SMS channel, falling back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and TWILIO_FROM_NUMBER environment
// variables for unset options.
func NewTwilioSMSChannel(opts ...TwilioOption) (*TwilioSMSChannel, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio channel config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMSChannel{client: client, from: cfg.From}, nil
}

// Kind returns the channel kind served by this implementation.
func (c *TwilioSMSChannel) Kind() models.ChannelKind {
	return models.ChannelKindSMS
}

// Send delivers one payload as an SMS to the endpoint's phone number.
func (c *TwilioSMSChannel) Send(ctx context.Context, endpoint models.ChannelEndpoint, p Payload) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(endpoint.Address)
	params.SetFrom(c.from)
	params.SetBody(renderBody(p))

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return classifyTwilioError(err)
	}
	slog.Debug("TwilioSMSChannel.Send: message accepted", "itemID", p.ItemID, "endpointID", endpoint.ID)
	return nil
}

// classifyTwilioError maps Twilio REST errors to the delivery error kinds.
// 4xx responses indicate a bad or revoked destination; everything else is
// worth retrying.
func classifyTwilioError(err error) error {
	var restErr *twilioClient.TwilioRestError
	if errors.As(err, &restErr) {
		if restErr.Status >= 400 && restErr.Status < 500 {
			return &PermanentError{Err: err}
		}
		return &TransientError{Err: err}
	}
	return &TransientError{Err: err}
}

// renderBody formats the notification text shared by text-based channels.
func renderBody(p Payload) string {
	body := "Reminder: " + p.Title
	if p.Late {
		body += " (overdue)"
	}
	return body
}
