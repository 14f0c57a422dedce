package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/botforge/botforge/internal/store"
)

const (
	// DefaultWhatsmeowDBPath is the default whatsmeow session database path.
	DefaultWhatsmeowDBPath = "/var/lib/botforge/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users.
	JIDSuffix = "s.whatsapp.net"
	// DefaultInboundBufferSize buffers inbound messages between the event
	// handler and the bridge.
	DefaultInboundBufferSize = 100
	// DefaultInboundTimeout bounds the non-blocking hand-off into the
	// inbound channel.
	DefaultInboundTimeout = 1 * time.Second
)

// WhatsAppOpts holds configuration for the whatsmeow-backed service.
type WhatsAppOpts struct {
	// DBDSN is the whatsmeow session database connection string.
	DBDSN string
	// QRPath is where the login QR code is written; stdout when empty.
	QRPath string
	// NumericCode uses a numeric login code instead of a QR code.
	NumericCode bool
}

// WhatsAppOption configures the whatsmeow-backed service.
type WhatsAppOption func(*WhatsAppOpts)

// WithWhatsmeowDSN sets the session database connection string.
func WithWhatsmeowDSN(dsn string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the given path.
func WithQRCodeOutput(path string) WhatsAppOption {
	return func(o *WhatsAppOpts) { o.QRPath = path }
}

// WithNumericCode uses a numeric login code instead of a QR code.
func WithNumericCode() WhatsAppOption {
	return func(o *WhatsAppOpts) { o.NumericCode = true }
}

// WhatsAppService implements Service over a whatsmeow client session.
type WhatsAppService struct {
	waClient *whatsmeow.Client
	inbound  chan InboundMessage
	done     chan struct{}
}

// NewWhatsAppService creates and connects a whatsmeow-backed service,
// running the QR login flow if no session exists yet.
func NewWhatsAppService(opts ...WhatsAppOption) (*WhatsAppService, error) {
	var cfg WhatsAppOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewWhatsAppService options set",
		"DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultWhatsmeowDBPath
	}
	dbDriver := "sqlite3"
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else if !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite session database does not appear to have foreign keys enabled; "+
			"whatsmeow recommends adding '?_foreign_keys=on' to the connection string",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize whatsmeow session store", "error", err)
		return nil, fmt.Errorf("failed to initialize whatsmeow session store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get device from session store", "error", err)
		return nil, fmt.Errorf("failed to get device from session store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect during login", "error", err)
			return nil, fmt.Errorf("failed to connect during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected")

	return &WhatsAppService{
		waClient: waClient,
		inbound:  make(chan InboundMessage, DefaultInboundBufferSize),
		done:     make(chan struct{}),
	}, nil
}

// ValidateAndCanonicalizeRecipient accepts E.164-style phone numbers and
// strips the leading plus for JID addressing.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	r = strings.TrimPrefix(r, "+")
	if r == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	for _, c := range r {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("recipient %q is not a phone number", recipient)
		}
	}
	return r, nil
}

// SendMessage delivers plain text over the WhatsApp session.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	to, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}
	if _, err := s.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to)
	return nil
}

// Start registers the event handler feeding the inbound channel.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.waClient.AddEventHandler(func(evt interface{}) {
		if m, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(m)
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	close(s.done)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	close(s.inbound)
	slog.Info("WhatsAppService stopped")
	return nil
}

// Inbound returns the channel of incoming messages.
func (s *WhatsAppService) Inbound() <-chan InboundMessage {
	return s.inbound
}

// handleIncomingMessage converts a whatsmeow text event into the engine's
// inbound shape. Non-text messages are skipped.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe {
		return
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		slog.Debug("Ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}

	from := evt.Info.Sender.User
	if !strings.HasPrefix(from, "+") {
		from = "+" + from
	}
	msg := InboundMessage{
		From:      from,
		Username:  evt.Info.PushName,
		Body:      text,
		MessageID: string(evt.Info.ID),
		ThreadID:  evt.Info.Chat.User,
		Time:      evt.Info.Timestamp,
	}

	select {
	case s.inbound <- msg:
	case <-time.After(DefaultInboundTimeout):
		slog.Warn("Inbound channel blocked, dropping message", "from", msg.From)
	case <-s.done:
	}
}
