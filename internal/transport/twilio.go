package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration for the Twilio WhatsApp service.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	// FromNumber is the sending WhatsApp number in E.164 form.
	FromNumber string
}

// TwilioOption configures the Twilio service.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending WhatsApp number.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioService implements Service over the Twilio WhatsApp REST API.
// Inbound messages arrive via Twilio webhooks; the API layer feeds them in
// through Push.
type TwilioService struct {
	client  *twilio.RestClient
	from    string
	inbound chan InboundMessage
	done    chan struct{}
}

// NewTwilioService creates a Twilio-backed service, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables for unset options.
func NewTwilioService(opts ...TwilioOption) (*TwilioService, error) {
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
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio service config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioService{
		client:  client,
		from:    cfg.FromNumber,
		inbound: make(chan InboundMessage, DefaultInboundBufferSize),
		done:    make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient requires E.164 form with leading plus.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	if !strings.HasPrefix(r, "+") {
		r = "+" + r
	}
	if len(r) < 8 {
		return "", fmt.Errorf("recipient %q is not an E.164 number", recipient)
	}
	for _, c := range r[1:] {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("recipient %q is not an E.164 number", recipient)
		}
	}
	return r, nil
}

// SendMessage delivers plain text via the Twilio REST API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	to, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom("whatsapp:" + strings.TrimPrefix(s.from, "whatsapp:"))
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// Push feeds one webhook-delivered inbound message into the service.
// Twilio retries webhook deliveries; callers de-duplicate by MessageID.
func (s *TwilioService) Push(msg InboundMessage) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	select {
	case s.inbound <- msg:
	case <-time.After(DefaultInboundTimeout):
		slog.Warn("Inbound channel blocked, dropping webhook message", "from", msg.From)
	case <-s.done:
	}
}

// Start is a no-op; inbound traffic arrives via webhooks.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	close(s.done)
	close(s.inbound)
	slog.Info("TwilioService stopped")
	return nil
}

// Inbound returns the channel of incoming messages.
func (s *TwilioService) Inbound() <-chan InboundMessage {
	return s.inbound
}
