package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BTreeMap/SpinPipe/internal/api"
	"github.com/BTreeMap/SpinPipe/internal/desk"
	"github.com/BTreeMap/SpinPipe/internal/flow"
	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/knowledge"
	"github.com/BTreeMap/SpinPipe/internal/lockfile"
	"github.com/BTreeMap/SpinPipe/internal/messaging"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/BTreeMap/SpinPipe/internal/telegram"
	"github.com/BTreeMap/SpinPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SpinPipe/internal/whatsapp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, chat transports and knowledge watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *config)
		},
	}

	f := cmd.Flags()
	f.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	f.StringVar(&config.Provider, "provider", config.Provider, "completion provider: openai or gemini (overrides $GENAI_PROVIDER)")
	f.StringVar(&config.Model, "model", config.Model, "completion model name (overrides $GENAI_MODEL)")
	f.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&config.GeminiKey, "gemini-api-key", config.GeminiKey, "Gemini API key (overrides $GEMINI_API_KEY)")
	f.DurationVar(&config.CompletionTimeout, "completion-timeout", config.CompletionTimeout, "timeout of one completion call (overrides $GENAI_TIMEOUT)")
	f.BoolVar(&config.GenAIDebug, "genai-debug", config.GenAIDebug, "write completion requests under <state-dir>/debug (overrides $GENAI_DEBUG)")
	f.BoolVar(&config.SerializeTurns, "serialize-turns", config.SerializeTurns, "serialise concurrent turns of the same client (overrides $SPINPIPE_SERIALIZE_TURNS)")
	f.StringVar(&config.TelegramToken, "telegram-token", config.TelegramToken, "Telegram bot token, enables the Telegram transport (overrides $TELEGRAM_BOT_TOKEN)")
	f.BoolVar(&config.WhatsAppEnabled, "whatsapp", config.WhatsAppEnabled, "enable the WhatsApp transport (overrides $WHATSAPP_ENABLED)")
	f.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&config.QROutput, "qr-output", config.QROutput, "write the WhatsApp login QR code to this file (overrides $WHATSAPP_QR_OUTPUT)")
	f.BoolVar(&config.NumericCode, "numeric", config.NumericCode, "print a numeric WhatsApp login code instead of a QR code (overrides $WHATSAPP_NUMERIC_CODE)")
	f.StringVar(&config.TwilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID, enables the Twilio transport (overrides $TWILIO_ACCOUNT_SID)")
	f.StringVar(&config.TwilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	f.StringVar(&config.TwilioFrom, "twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	f.StringVar(&config.TwilioPublicURL, "twilio-webhook-url", config.TwilioPublicURL, "public webhook URL used for signature checks (overrides $TWILIO_WEBHOOK_URL)")
	f.StringVar(&config.KnowledgeFile, "knowledge-file", config.KnowledgeFile, "knowledge file to import and watch (overrides $KNOWLEDGE_FILE)")
	return cmd
}

// runServe wires the store, completion client, pipeline, desk and transports, and runs the
// HTTP server, dispatcher and knowledge watcher until ctx is cancelled.
func runServe(ctx context.Context, config Config) error {
	transports := enabledTransports(config)
	lock, err := lockfile.AcquireLock(config.StateDir, "serve "+strings.Join(transports, ","))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state directory lock", "error", err)
		}
	}()

	st, err := openStore(config)
	if err != nil {
		return err
	}
	defer st.Close()

	completer, err := newCompleter(ctx, config)
	if err != nil {
		return err
	}
	pipeline := flow.NewPipeline(st, completer,
		flow.WithKnowledgeSource(flow.StoreKnowledge{Repo: st}),
		flow.WithTurnSerialization(config.SerializeTurns))

	services, apiOpts, cleanup, err := buildTransports(config)
	if err != nil {
		return err
	}
	defer cleanup()

	apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	server := api.NewServer(pipeline, st, apiOpts...)

	slog.Info("Bootstrapping SpinPipe", "transports", transports, "provider", config.Provider, "knowledge_file", config.KnowledgeFile)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	if len(services) > 0 {
		dispatcher := messaging.NewDispatcher(desk.New(st, pipeline), services)
		g.Go(func() error { return dispatcher.Run(gctx) })
	} else {
		slog.Warn("No chat transport configured; only the HTTP API is available")
	}
	if config.KnowledgeFile != "" {
		watcher := knowledge.NewWatcher(knowledge.NewImporter(st), config.KnowledgeFile, "")
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("SpinPipe exited successfully")
	return nil
}

// enabledTransports lists the transports the configuration turns on.
func enabledTransports(config Config) []string {
	var names []string
	if config.TelegramToken != "" {
		names = append(names, "telegram")
	}
	if config.WhatsAppEnabled {
		names = append(names, "whatsapp")
	}
	if config.TwilioAccountSID != "" {
		names = append(names, "twilio")
	}
	return names
}

// newCompleter returns the completion client of the configured provider.
func newCompleter(ctx context.Context, config Config) (genai.Completer, error) {
	opts := buildGenAIOptions(config)
	switch config.Provider {
	case providerOpenAI, "":
		c, err := genai.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OpenAI client: %w", err)
		}
		return c, nil
	case providerGemini:
		c, err := genai.NewGeminiClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", config.Provider)
	}
}

// buildTransports connects the enabled chat transports. The returned cleanup disconnects
// the WhatsApp session.
func buildTransports(config Config) ([]messaging.Service, []api.Option, func(), error) {
	var services []messaging.Service
	var apiOpts []api.Option
	cleanup := func() {}

	if config.TelegramToken != "" {
		bot, err := telegram.NewClient(telegram.WithToken(config.TelegramToken), telegram.WithDebug(config.Debug))
		if err != nil {
			return nil, nil, cleanup, err
		}
		services = append(services, messaging.NewTelegramService(bot))
	}

	if config.WhatsAppEnabled {
		wa, err := whatsapp.NewClient(buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, nil, cleanup, err
		}
		cleanup = wa.Disconnect
		services = append(services, messaging.NewWhatsAppService(wa))
	}

	if config.TwilioAccountSID != "" {
		tw, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(config.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom))
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		svc := messaging.NewTwilioService(tw,
			messaging.WithSignatureValidation(twiliowhatsapp.NewSignatureValidator(config.TwilioAuthToken), config.TwilioPublicURL))
		services = append(services, svc)
		apiOpts = append(apiOpts, api.WithTwilioWebhook(svc.TwilioWebhookHandler))
	}
	return services, apiOpts, cleanup, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	}
	return waOpts
}

var _ desk.Repository = (store.Store)(nil)
