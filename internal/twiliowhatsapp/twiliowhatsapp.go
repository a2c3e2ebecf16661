// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in SpinPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// AddressPrefix marks WhatsApp addresses in Twilio's To/From fields.
const AddressPrefix = "whatsapp:"

// TwilioWhatsAppSender sends WhatsApp messages through Twilio (real client or mock).
type TwilioWhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID (default TWILIO_ACCOUNT_SID).
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token (default TWILIO_AUTH_TOKEN).
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number (default TWILIO_FROM_NUMBER).
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a Twilio WhatsApp client, falling back to environment variables
// for anything not set through options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := resolveOpts(opts...)
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: Address(cfg.FromWhats),
	}, nil
}

func resolveOpts(opts ...Option) Opts {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	return cfg
}

// Address returns the Twilio WhatsApp address for a phone number.
func Address(number string) string {
	if strings.HasPrefix(number, AddressPrefix) {
		return number
	}
	return AddressPrefix + number
}

// StripAddress removes the WhatsApp prefix from a Twilio address.
func StripAddress(addr string) string {
	return strings.TrimPrefix(addr, AddressPrefix)
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SignatureValidator checks the X-Twilio-Signature header of webhook requests.
type SignatureValidator struct {
	rv twilioClient.RequestValidator
}

// NewSignatureValidator returns a validator for the given auth token, or nil when the
// token is empty (validation disabled).
func NewSignatureValidator(authToken string) *SignatureValidator {
	if authToken == "" {
		return nil
	}
	return &SignatureValidator{rv: twilioClient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the request URL and form parameters.
func (v *SignatureValidator) Validate(url string, params map[string]string, signature string) bool {
	if v == nil {
		return true
	}
	return v.rv.Validate(url, params, signature)
}

// MockClient records sent messages instead of calling Twilio (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	SendErr      error
}

// SentMessage is one message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

// SendMessage records the message, or returns SendErr when set.
func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the recorded messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
