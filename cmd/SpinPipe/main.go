package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/api"
	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/BTreeMap/SpinPipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SpinPipe state data
	DefaultStateDir = "/var/lib/spinpipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "spinpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	providerOpenAI = "openai"
	providerGemini = "gemini"
)

func main() {
	// Initialize structured logger
	initializeLogger(util.ParseBoolEnv("SPINPIPE_DEBUG", false))

	// Load environment configuration
	config := loadEnvironmentConfig()

	if err := newRootCmd(&config).Execute(); err != nil {
		slog.Error("SpinPipe failed", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration. Every field can be overridden by a flag.
type Config struct {
	StateDir    string
	DatabaseDSN string
	InMemory    bool
	APIAddr     string
	Debug       bool

	Provider          string
	Model             string
	OpenAIKey         string
	GeminiKey         string
	CompletionTimeout time.Duration
	GenAIDebug        bool
	SerializeTurns    bool

	TelegramToken string

	WhatsAppEnabled bool
	WhatsAppDSN     string
	QROutput        string
	NumericCode     bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioPublicURL  string

	KnowledgeFile string
}

// initializeLogger sets up structured logging, at debug level when requested.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          util.EnvOr("SPINPIPE_STATE_DIR", DefaultStateDir),
		DatabaseDSN:       util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		APIAddr:           util.EnvOr("API_ADDR", api.DefaultServerAddress),
		Debug:             util.ParseBoolEnv("SPINPIPE_DEBUG", false),
		Provider:          util.EnvOr("GENAI_PROVIDER", providerOpenAI),
		Model:             os.Getenv("GENAI_MODEL"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiKey:         util.FirstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"),
		CompletionTimeout: util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:        util.ParseBoolEnv("GENAI_DEBUG", false),
		SerializeTurns:    util.ParseBoolEnv("SPINPIPE_SERIALIZE_TURNS", true),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		WhatsAppEnabled:   util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		WhatsAppDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		QROutput:          os.Getenv("WHATSAPP_QR_OUTPUT"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:        os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioPublicURL:   os.Getenv("TWILIO_WEBHOOK_URL"),
		KnowledgeFile:     os.Getenv("KNOWLEDGE_FILE"),
	}

	slog.Debug("environment variables loaded",
		"SPINPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"API_ADDR", config.APIAddr,
		"GENAI_PROVIDER", config.Provider,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GEMINI_API_KEY_SET", config.GeminiKey != "",
		"TELEGRAM_BOT_TOKEN_SET", config.TelegramToken != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"KNOWLEDGE_FILE", config.KnowledgeFile)
	return config
}

// resolveDefaults fills the DSNs that depend on the state directory. It runs after flag
// parsing so that --state-dir moves the default databases along with it.
func resolveDefaults(config *Config) {
	if config.DatabaseDSN == "" && !config.InMemory {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

// ensureDirectoriesExist creates the state directory. The SQLite store creates its own
// database directory.
func ensureDirectoriesExist(config Config) error {
	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", config.StateDir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	var storeOpts []store.Option
	if config.InMemory || config.DatabaseDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(config.DatabaseDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(config.DatabaseDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", config.DatabaseDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(config.DatabaseDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs completion client options for the configured provider
func buildGenAIOptions(config Config) []genai.Option {
	genaiOpts := []genai.Option{genai.WithTimeout(config.CompletionTimeout)}
	switch config.Provider {
	case providerGemini:
		if config.GeminiKey != "" {
			genaiOpts = append(genaiOpts, genai.WithAPIKey(config.GeminiKey))
		}
	default:
		if config.OpenAIKey != "" {
			genaiOpts = append(genaiOpts, genai.WithAPIKey(config.OpenAIKey))
		}
	}
	if config.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.Model))
	}
	if config.GenAIDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, config.StateDir))
	}
	return genaiOpts
}

// openStore prepares the directories and opens the configured store.
func openStore(config Config) (store.Store, error) {
	if err := ensureDirectoriesExist(config); err != nil {
		return nil, err
	}
	st, err := store.Open(buildStoreOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// newRootCmd builds the command tree. Flags default to the environment values in config
// and write back into it.
func newRootCmd(config *Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "spinpipe",
		Short: "SPIN sales assistance relay",
		Long: `SpinPipe relays client messages forwarded by sales assistants to a language model
and returns a suggested reply, a hint and the detected SPIN stage.

Commands:
  serve       - Run the HTTP API and the chat transports
  assistants  - Manage the assistant allow-list
  knowledge   - Import and inspect knowledge blocks
  seed        - Apply a YAML bootstrap file
  clients     - Inspect known clients
  status      - Show whether a server holds the state directory`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("debug") {
				initializeLogger(config.Debug)
			}
			resolveDefaults(config)
			slog.Debug("Final configuration", "state_dir", config.StateDir, "dsn_set", config.DatabaseDSN != "", "in_memory", config.InMemory)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for databases and lock file (overrides $SPINPIPE_STATE_DIR)")
	pf.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_DSN, $DATABASE_URL)")
	pf.BoolVar(&config.InMemory, "in-memory", config.InMemory, "use the in-memory store")
	pf.BoolVar(&config.Debug, "debug", config.Debug, "enable debug logging (overrides $SPINPIPE_DEBUG)")

	root.AddCommand(
		newServeCmd(config),
		newAssistantsCmd(config),
		newKnowledgeCmd(config),
		newSeedCmd(config),
		newClientsCmd(config),
		newStatusCmd(config),
	)
	return root
}
