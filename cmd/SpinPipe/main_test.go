package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/api"
	"github.com/BTreeMap/SpinPipe/internal/genai"
	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/google/go-cmp/cmp"
)

var configEnvKeys = []string{
	"SPINPIPE_STATE_DIR", "DATABASE_DSN", "DATABASE_URL", "API_ADDR", "SPINPIPE_DEBUG",
	"GENAI_PROVIDER", "GENAI_MODEL", "OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY",
	"GENAI_TIMEOUT", "GENAI_DEBUG", "SPINPIPE_SERIALIZE_TURNS", "TELEGRAM_BOT_TOKEN",
	"WHATSAPP_ENABLED", "WHATSAPP_DB_DSN", "WHATSAPP_QR_OUTPUT", "WHATSAPP_NUMERIC_CODE",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
	"KNOWLEDGE_FILE",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		StateDir:          t.TempDir(),
		APIAddr:           api.DefaultServerAddress,
		Provider:          providerOpenAI,
		CompletionTimeout: genai.DefaultTimeout,
		SerializeTurns:    true,
	}
}

// runCLI executes the command tree with args and returns its standard output.
func runCLI(t *testing.T, config Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&config)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunCLI(t *testing.T, config Config, args ...string) string {
	t.Helper()
	out, err := runCLI(t, config, args...)
	if err != nil {
		t.Fatalf("spinpipe %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	config := loadEnvironmentConfig()

	if config.StateDir != DefaultStateDir {
		t.Errorf("Expected default state dir %q, got %q", DefaultStateDir, config.StateDir)
	}
	if config.DatabaseDSN != "" {
		t.Errorf("Expected no DSN before defaults are resolved, got %q", config.DatabaseDSN)
	}
	if config.APIAddr != api.DefaultServerAddress {
		t.Errorf("Expected default API address %q, got %q", api.DefaultServerAddress, config.APIAddr)
	}
	if config.Provider != providerOpenAI {
		t.Errorf("Expected default provider %q, got %q", providerOpenAI, config.Provider)
	}
	if config.CompletionTimeout != genai.DefaultTimeout {
		t.Errorf("Expected default completion timeout %v, got %v", genai.DefaultTimeout, config.CompletionTimeout)
	}
	if !config.SerializeTurns {
		t.Error("Expected turn serialisation to be on by default")
	}
	if got := enabledTransports(config); len(got) != 0 {
		t.Errorf("Expected no transports by default, got %v", got)
	}
}

func TestLoadEnvironmentConfigDATABASE_DSNTakesPrecedenceOverDATABASE_URL(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DATABASE_URL", "postgres://legacy@localhost/db")
	if got := loadEnvironmentConfig().DatabaseDSN; got != "postgres://legacy@localhost/db" {
		t.Errorf("Expected DATABASE_URL to be used, got %q", got)
	}

	t.Setenv("DATABASE_DSN", "postgres://primary@localhost/db")
	if got := loadEnvironmentConfig().DatabaseDSN; got != "postgres://primary@localhost/db" {
		t.Errorf("Expected DATABASE_DSN to take precedence, got %q", got)
	}
}

func TestLoadEnvironmentConfigFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SPINPIPE_STATE_DIR", "/tmp/spin")
	t.Setenv("GENAI_PROVIDER", "gemini")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("GENAI_TIMEOUT", "15s")
	t.Setenv("SPINPIPE_SERIALIZE_TURNS", "off")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg")
	t.Setenv("WHATSAPP_ENABLED", "yes")
	t.Setenv("TWILIO_ACCOUNT_SID", "AC1")

	config := loadEnvironmentConfig()

	if config.StateDir != "/tmp/spin" || config.Provider != providerGemini || config.GeminiKey != "g-key" {
		t.Errorf("unexpected config %+v", config)
	}
	if config.CompletionTimeout != 15*time.Second {
		t.Errorf("Expected 15s timeout, got %v", config.CompletionTimeout)
	}
	if config.SerializeTurns {
		t.Error("Expected SPINPIPE_SERIALIZE_TURNS=off to disable serialisation")
	}
	if diff := cmp.Diff([]string{"telegram", "whatsapp", "twilio"}, enabledTransports(config)); diff != "" {
		t.Errorf("enabledTransports mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveDefaultsFollowsStateDir(t *testing.T) {
	config := Config{StateDir: "/srv/spin"}
	resolveDefaults(&config)

	if want := filepath.Join("/srv/spin", DefaultAppDBFileName); config.DatabaseDSN != want {
		t.Errorf("Expected app DSN %q, got %q", want, config.DatabaseDSN)
	}
	if want := "file:" + filepath.Join("/srv/spin", DefaultWhatsAppDBFileName) + "?_foreign_keys=on"; config.WhatsAppDSN != want {
		t.Errorf("Expected WhatsApp DSN %q, got %q", want, config.WhatsAppDSN)
	}

	explicit := Config{StateDir: "/srv/spin", DatabaseDSN: "postgres://u@h/db", InMemory: false}
	resolveDefaults(&explicit)
	if explicit.DatabaseDSN != "postgres://u@h/db" {
		t.Errorf("explicit DSN was replaced: %q", explicit.DatabaseDSN)
	}

	memory := Config{StateDir: "/srv/spin", InMemory: true}
	resolveDefaults(&memory)
	if memory.DatabaseDSN != "" {
		t.Errorf("in-memory config should keep an empty DSN, got %q", memory.DatabaseDSN)
	}
}

func TestStateDirFlagMovesDefaultDatabase(t *testing.T) {
	stateDir := t.TempDir()
	config := testConfig(t)

	mustRunCLI(t, config, "--state-dir", stateDir, "assistants", "add", "1001", "Maria")

	if _, err := os.Stat(filepath.Join(stateDir, DefaultAppDBFileName)); err != nil {
		t.Errorf("Expected database in the flagged state dir: %v", err)
	}
}

func TestEnsureDirectoriesExist(t *testing.T) {
	config := Config{StateDir: filepath.Join(t.TempDir(), "state", "nested")}
	if err := ensureDirectoriesExist(config); err != nil {
		t.Fatalf("ensureDirectoriesExist failed: %v", err)
	}
	if info, err := os.Stat(config.StateDir); err != nil || !info.IsDir() {
		t.Errorf("Expected directory %s to exist", config.StateDir)
	}
}

func TestOpenStoreCreatesDatabaseDirectory(t *testing.T) {
	config := testConfig(t)
	config.DatabaseDSN = filepath.Join(t.TempDir(), "db", "app.db")
	st, err := openStore(config)
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	defer st.Close()
	if _, err := os.Stat(config.DatabaseDSN); err != nil {
		t.Errorf("Expected SQLite database at %s: %v", config.DatabaseDSN, err)
	}
}

func TestBuildStoreOptions(t *testing.T) {
	cases := []struct {
		name   string
		config Config
		want   string
	}{
		{"sqlite", Config{DatabaseDSN: "/tmp/app.db"}, "/tmp/app.db"},
		{"postgres", Config{DatabaseDSN: "postgres://u@h/db"}, "postgres://u@h/db"},
		{"in-memory", Config{DatabaseDSN: "/tmp/app.db", InMemory: true}, ""},
		{"empty", Config{}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var opts store.Opts
			for _, opt := range buildStoreOptions(c.config) {
				opt(&opts)
			}
			if opts.DSN != c.want {
				t.Errorf("DSN = %q, want %q", opts.DSN, c.want)
			}
		})
	}
}

func TestBuildGenAIOptions(t *testing.T) {
	config := Config{
		Provider:          providerGemini,
		OpenAIKey:         "openai-key",
		GeminiKey:         "gemini-key",
		Model:             "gemini-2.5-flash",
		CompletionTimeout: 5 * time.Second,
		GenAIDebug:        true,
		StateDir:          "/state",
	}
	var opts genai.Opts
	for _, opt := range buildGenAIOptions(config) {
		opt(&opts)
	}
	want := genai.Opts{APIKey: "gemini-key", Model: "gemini-2.5-flash", Timeout: 5 * time.Second, DebugMode: true, StateDir: "/state"}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("gemini options mismatch (-want +got):\n%s", diff)
	}

	config.Provider = providerOpenAI
	opts = genai.Opts{}
	for _, opt := range buildGenAIOptions(config) {
		opt(&opts)
	}
	if opts.APIKey != "openai-key" {
		t.Errorf("Expected the OpenAI key for the openai provider, got %q", opts.APIKey)
	}
}

func TestNewCompleterUnknownProvider(t *testing.T) {
	config := testConfig(t)
	config.Provider = "claude-in-a-box"
	if _, err := newCompleter(context.Background(), config); err == nil || !strings.Contains(err.Error(), "unknown completion provider") {
		t.Errorf("Expected unknown provider error, got %v", err)
	}
}

func TestBuildWhatsAppOptions(t *testing.T) {
	config := Config{WhatsAppDSN: "file:/tmp/wa.db?_foreign_keys=on", QROutput: "/tmp/qr.txt", NumericCode: true}
	if got := len(buildWhatsAppOptions(config)); got != 3 {
		t.Errorf("Expected 3 WhatsApp options, got %d", got)
	}
	if got := len(buildWhatsAppOptions(Config{})); got != 0 {
		t.Errorf("Expected no WhatsApp options, got %d", got)
	}
}

func TestBuildTransportsTwilioMountsWebhook(t *testing.T) {
	clearConfigEnv(t)
	config := testConfig(t)
	config.TwilioAccountSID = "AC00000000000000000000000000000000"
	config.TwilioAuthToken = "secret"
	config.TwilioFrom = "+15550001111"

	services, apiOpts, cleanup, err := buildTransports(config)
	if err != nil {
		t.Fatalf("buildTransports failed: %v", err)
	}
	defer cleanup()
	if len(services) != 1 || services[0].Name() != "twilio" {
		t.Fatalf("Expected the twilio service, got %v", services)
	}
	var opts api.Opts
	for _, opt := range apiOpts {
		opt(&opts)
	}
	if opts.TwilioWebhook == nil {
		t.Error("Expected the Twilio webhook to be mounted")
	}
}

func TestBuildTransportsNone(t *testing.T) {
	services, apiOpts, cleanup, err := buildTransports(testConfig(t))
	if err != nil {
		t.Fatalf("buildTransports failed: %v", err)
	}
	cleanup()
	if len(services) != 0 || len(apiOpts) != 0 {
		t.Errorf("Expected no transports, got %d services and %d options", len(services), len(apiOpts))
	}
}

func TestAssistantsCommands(t *testing.T) {
	config := testConfig(t)

	if out := mustRunCLI(t, config, "assistants", "list"); !strings.Contains(out, "No assistants registered.") {
		t.Errorf("unexpected empty list output:\n%s", out)
	}
	mustRunCLI(t, config, "assistants", "add", "1001", "Maria")
	mustRunCLI(t, config, "assistants", "add", "1002")

	out := mustRunCLI(t, config, "assistants", "list")
	if !strings.Contains(out, "1001") || !strings.Contains(out, "Maria") || !strings.Contains(out, "1002") {
		t.Errorf("assistants list missing entries:\n%s", out)
	}

	mustRunCLI(t, config, "assistants", "remove", "1001")
	out = mustRunCLI(t, config, "assistants", "list")
	if strings.Contains(out, "1001") {
		t.Errorf("removed assistant still listed:\n%s", out)
	}
	if _, err := runCLI(t, config, "assistants", "remove", "1001"); err == nil {
		t.Error("Expected an error removing an unknown assistant")
	}
}

func TestKnowledgeCommands(t *testing.T) {
	config := testConfig(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "course.md")
	second := filepath.Join(dir, "prices.txt")
	if err := os.WriteFile(first, []byte("The course lasts six weeks."), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("The course costs 100 EUR."), 0644); err != nil {
		t.Fatal(err)
	}

	if out := mustRunCLI(t, config, "knowledge", "show"); !strings.Contains(out, "No active knowledge block.") {
		t.Errorf("unexpected show output before import:\n%s", out)
	}

	out := mustRunCLI(t, config, "knowledge", "import", first, "--title", "Course")
	if !strings.Contains(out, "Imported knowledge block") || !strings.Contains(out, "active") {
		t.Errorf("unexpected import output:\n%s", out)
	}
	mustRunCLI(t, config, "knowledge", "import", second, "--no-activate")

	if out := mustRunCLI(t, config, "knowledge", "show"); !strings.Contains(out, "six weeks") {
		t.Errorf("inactive import replaced the active block:\n%s", out)
	}
	list := mustRunCLI(t, config, "knowledge", "list")
	if !strings.Contains(list, "Course") || !strings.Contains(list, "prices") {
		t.Errorf("knowledge list missing blocks:\n%s", list)
	}

	st, err := store.Open(store.WithSQLiteDSN(filepath.Join(config.StateDir, DefaultAppDBFileName)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	blocks, err := st.ListKnowledgeBlocks(context.Background())
	st.Close()
	if err != nil {
		t.Fatalf("ListKnowledgeBlocks: %v", err)
	}
	var pricesID string
	for _, b := range blocks {
		if strings.Contains(b.Content, "100 EUR") {
			pricesID = strconv.FormatInt(b.ID, 10)
		}
	}
	if pricesID == "" {
		t.Fatal("prices block not stored")
	}
	mustRunCLI(t, config, "knowledge", "activate", pricesID)
	if out := mustRunCLI(t, config, "knowledge", "show"); !strings.Contains(out, "100 EUR") {
		t.Errorf("activate did not switch the active block:\n%s", out)
	}
	if _, err := runCLI(t, config, "knowledge", "activate", "abc"); err == nil {
		t.Error("Expected an error for a non-numeric block id")
	}
}

func TestSeedCommand(t *testing.T) {
	config := testConfig(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "course.md"), []byte("Seeded knowledge"), 0644); err != nil {
		t.Fatal(err)
	}
	seed := `assistants:
  - id: "2001"
    name: Olga
knowledge:
  - path: course.md
    title: Course
    active: true
`
	seedPath := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(seedPath, []byte(seed), 0644); err != nil {
		t.Fatal(err)
	}

	out := mustRunCLI(t, config, "seed", seedPath)
	if !strings.Contains(out, "1 assistants, 1 knowledge files") {
		t.Errorf("unexpected seed output:\n%s", out)
	}
	if out := mustRunCLI(t, config, "assistants", "list"); !strings.Contains(out, "Olga") {
		t.Errorf("seeded assistant missing:\n%s", out)
	}
	if out := mustRunCLI(t, config, "knowledge", "show"); !strings.Contains(out, "Seeded knowledge") {
		t.Errorf("seeded knowledge not active:\n%s", out)
	}
}

func TestClientsCommands(t *testing.T) {
	config := testConfig(t)
	ctx := context.Background()

	if err := ensureDirectoriesExist(config); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(store.WithSQLiteDSN(filepath.Join(config.StateDir, DefaultAppDBFileName)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	c, _, err := st.GetOrCreateClient(ctx, "12345", "Test")
	if err != nil {
		t.Fatalf("GetOrCreateClient: %v", err)
	}
	st.AddMessage(ctx, models.Message{ClientID: c.ID, Author: models.AuthorClient, Text: "Tell me about the course"})
	st.AddMessage(ctx, models.Message{ClientID: c.ID, Author: models.AuthorBot, Text: "Happy to help"})
	if err := st.UpsertStage(ctx, c.ID, models.StageProblem); err != nil {
		t.Fatalf("UpsertStage: %v", err)
	}
	st.Close()

	list := mustRunCLI(t, config, "clients", "list")
	if !strings.Contains(list, "12345") || !strings.Contains(list, "Test") || !strings.Contains(list, "P") {
		t.Errorf("clients list missing client:\n%s", list)
	}

	show := mustRunCLI(t, config, "clients", "show", "12345")
	for _, part := range []string{models.StageProblem.Label(), "client: Tell me about the course", "bot: Happy to help"} {
		if !strings.Contains(show, part) {
			t.Errorf("clients show missing %q:\n%s", part, show)
		}
	}
	if _, err := runCLI(t, config, "clients", "show", "nobody"); err == nil {
		t.Error("Expected an error for an unknown client")
	}
}

func TestStatusCommand(t *testing.T) {
	config := testConfig(t)
	mustRunCLI(t, config, "assistants", "add", "3001")

	out := mustRunCLI(t, config, "status")
	for _, part := range []string{"State directory: " + config.StateDir, "Server: not running", "Assistants: 1", "Clients: 0", "Active knowledge: none"} {
		if !strings.Contains(out, part) {
			t.Errorf("status output missing %q:\n%s", part, out)
		}
	}
}
