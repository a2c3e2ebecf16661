package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioService implements the Service interface using Twilio API. Inbound messages arrive
// through TwilioWebhookHandler.
type TwilioService struct {
	*channels
	client     twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	validator  *twiliowhatsapp.SignatureValidator
	webhookURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation enables X-Twilio-Signature checks. publicURL is the webhook URL
// as configured in the Twilio console; when empty it is rebuilt from the request.
func WithSignatureValidation(v *twiliowhatsapp.SignatureValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.webhookURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	service := &TwilioService{
		channels: newChannels("TwilioService"),
		client:   client,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Name returns the transport name.
func (s *TwilioService) Name() string { return "twilio" }

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters and validates the result has at least 6 digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone("TwilioService", twiliowhatsapp.StripAddress(recipient))
}

// Start is a no-op for Twilio (inbound arrives through the webhook)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	if s.close() {
		slog.Info("TwilioService stopped and channels closed")
	}
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, "+"+canonicalTo, body); err != nil {
		return err
	}

	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Status: models.ReceiptStatusSent, Time: time.Now().Unix()})
	return nil
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Inbound() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.Validate(s.requestURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))

	if from == "" || (body == "" && numMedia == 0) {
		slog.Warn("Twilio webhook missing fields", "from", from, "body_length", len(body))
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	sender, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "from", from, "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		SenderID:   sender,
		SenderName: r.FormValue("ProfileName"),
		ChatID:     sender,
		Text:       body,
		Forwarded:  strings.EqualFold(r.FormValue("Forwarded"), "true"),
		Time:       time.Now().Unix(),
	}
	if sid := r.FormValue("MessageSid"); sid != "" {
		msg.MessageID = "tw:" + sid
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", sender, "forwarded", msg.Forwarded)
	s.safeEmitInbound(msg)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
