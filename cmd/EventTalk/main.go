package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AOI-Deliberation/EventTalk/internal/api"
	"github.com/AOI-Deliberation/EventTalk/internal/genai"
	"github.com/AOI-Deliberation/EventTalk/internal/lockfile"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
	"github.com/AOI-Deliberation/EventTalk/internal/twiliowhatsapp"
	"github.com/AOI-Deliberation/EventTalk/internal/util"
	"github.com/AOI-Deliberation/EventTalk/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for EventTalk state data
	DefaultStateDir = "/var/lib/eventtalk"
	// DefaultAppDBFileName is the default SQLite filename for the record store
	DefaultAppDBFileName = "eventtalk.db"
	// DefaultWhatsAppDBFileName is the default SQLite filename for the
	// whatsmeow session store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	// Initialize structured logger; the -debug flag can raise the level later
	initializeLogger(util.ParseBoolEnv("EVENTTALK_DEBUG", false))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)
	if *flags.debug {
		initializeLogger(true)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Hold the state directory lock for the lifetime of the process. Two
	// instances sharing a whatsmeow session database corrupt the pairing.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err, "state_dir", *flags.stateDir)
		os.Exit(1)
	}
	defer lock.Release()

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping EventTalk with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.appDBDSN != "", "backend", *flags.backend, "api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("EventTalk failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("EventTalk exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir            string
	ApplicationDBDSN    string
	WhatsAppDBDSN       string
	FirebaseProject     string
	FirebaseCredentials string
	Backend             string
	OpenAIKey           string
	DefaultModel        string
	FallbackModel       string
	TwilioFrom          string
	APIAddr             string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput            *string
	numeric             *bool
	stateDir            *string
	appDBDSN            *string
	whatsappDBDSN       *string
	firebaseProject     *string
	firebaseCredentials *string
	backend             *string
	openaiKey           *string
	defaultModel        *string
	fallbackModel       *string
	twilioFrom          *string
	apiAddr             *string
	debug               *bool
}

// initializeLogger sets up structured logging on stdout
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
		StateDir:            os.Getenv("EVENTTALK_STATE_DIR"),
		ApplicationDBDSN:    os.Getenv("EVENTTALK_DSN"),
		WhatsAppDBDSN:       os.Getenv("WHATSAPP_DB_DSN"),
		FirebaseProject:     os.Getenv("FIREBASE_PROJECT_ID"),
		FirebaseCredentials: os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		Backend:             os.Getenv("MESSAGING_BACKEND"),
		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		DefaultModel:        os.Getenv("DEFAULT_MODEL"),
		FallbackModel:       os.Getenv("FALLBACK_MODEL"),
		TwilioFrom:          os.Getenv("TWILIO_FROM_NUMBER"),
		APIAddr:             os.Getenv("API_ADDR"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No EVENTTALK_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("EVENTTALK_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// Honor the legacy DATABASE_URL name for the record store DSN
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
		if config.ApplicationDBDSN != "" {
			slog.Debug("Using DATABASE_URL as EVENTTALK_DSN", "dsn_set", true)
		}
	}

	// Default the record store to SQLite in the state directory, unless
	// Firestore is configured (then the DSN stays empty on purpose)
	if config.ApplicationDBDSN == "" && config.FirebaseProject == "" && config.FirebaseCredentials == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No record store DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	// Default the whatsmeow session store to SQLite with foreign keys on
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		slog.Debug("No WhatsApp session DSN provided, defaulting to SQLite", "sqlite_path", config.WhatsAppDBDSN)
	}

	slog.Debug("environment variables loaded",
		"EVENTTALK_STATE_DIR", config.StateDir,
		"EVENTTALK_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"FIREBASE_PROJECT_ID_SET", config.FirebaseProject != "",
		"FIREBASE_CREDENTIALS_FILE_SET", config.FirebaseCredentials != "",
		"MESSAGING_BACKEND", config.Backend,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DEFAULT_MODEL", config.DefaultModel,
		"FALLBACK_MODEL", config.FallbackModel,
		"TWILIO_FROM_NUMBER_SET", config.TwilioFrom != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:            flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:             flag.Bool("numeric-code", false, "use a numeric WhatsApp login code instead of a QR code"),
		stateDir:            flag.String("state-dir", config.StateDir, "state directory for EventTalk data (overrides $EVENTTALK_STATE_DIR)"),
		appDBDSN:            flag.String("db-dsn", config.ApplicationDBDSN, "record store DSN (overrides $EVENTTALK_DSN or $DATABASE_URL)"),
		whatsappDBDSN:       flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session store DSN (overrides $WHATSAPP_DB_DSN)"),
		firebaseProject:     flag.String("firebase-project", config.FirebaseProject, "Google Cloud project id for the Firestore store (overrides $FIREBASE_PROJECT_ID)"),
		firebaseCredentials: flag.String("firebase-credentials", config.FirebaseCredentials, "service account key file for the Firestore store (overrides $FIREBASE_CREDENTIALS_FILE)"),
		backend:             flag.String("backend", config.Backend, "messaging backend: twilio or whatsmeow (overrides $MESSAGING_BACKEND)"),
		openaiKey:           flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		defaultModel:        flag.String("default-model", config.DefaultModel, "primary chat model (overrides $DEFAULT_MODEL)"),
		fallbackModel:       flag.String("fallback-model", config.FallbackModel, "fallback chat model (overrides $FALLBACK_MODEL)"),
		twilioFrom:          flag.String("twilio-from", config.TwilioFrom, "WhatsApp sender number for Twilio (overrides $TWILIO_FROM_NUMBER)"),
		apiAddr:             flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		debug:               flag.Bool("debug", util.ParseBoolEnv("EVENTTALK_DEBUG", false), "enable debug logging (overrides $EVENTTALK_DEBUG)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"firebaseProject_set", *flags.firebaseProject != "",
		"backend", *flags.backend,
		"openaiKeySet", *flags.openaiKey != "",
		"defaultModel", *flags.defaultModel,
		"fallbackModel", *flags.fallbackModel,
		"apiAddr", *flags.apiAddr,
		"debug", *flags.debug)

	// Move DSN defaults along when only the state directory changed
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated record store DSN for new state directory", "sqlite_path", *flags.appDBDSN)
		}
		if *flags.whatsappDBDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
			slog.Debug("Updated WhatsApp session DSN for new state directory", "sqlite_path", *flags.whatsappDBDSN)
		}
	}

	return flags
}

// sqliteFilePath extracts the filesystem path from a SQLite DSN, stripping the
// optional file: prefix and query parameters. Returns "" for non-SQLite DSNs.
func sqliteFilePath(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := map[string]bool{*flags.stateDir: true}
	if path := sqliteFilePath(*flags.appDBDSN); path != "" {
		dirs[filepath.Dir(path)] = true
	}
	if path := sqliteFilePath(*flags.whatsappDBDSN); path != "" {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		slog.Debug("Ensuring directory exists", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp client configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client configuration options. The
// account SID and auth token stay environment-only; the client reads them
// itself.
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var twilioOpts []twiliowhatsapp.Option
	if *flags.twilioFrom != "" {
		twilioOpts = append(twilioOpts, twiliowhatsapp.WithFromNumber(*flags.twilioFrom))
	}
	return twilioOpts
}

// buildStoreOptions constructs record store configuration options. Firestore
// wins when configured; otherwise the DSN picks PostgreSQL or SQLite.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.firebaseProject != "" || *flags.firebaseCredentials != "" {
		slog.Debug("Firestore configured, using Firestore store", "project_set", *flags.firebaseProject != "", "credentials_set", *flags.firebaseCredentials != "")
		if *flags.firebaseProject != "" {
			storeOpts = append(storeOpts, store.WithFirestoreProject(*flags.firebaseProject))
		}
		if *flags.firebaseCredentials != "" {
			storeOpts = append(storeOpts, store.WithFirestoreCredentialsFile(*flags.firebaseCredentials))
		}
		return storeOpts
	}
	if *flags.appDBDSN != "" {
		if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgres", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
		}
	} else {
		slog.Debug("No record store configured, will use in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.defaultModel != "" {
		genaiOpts = append(genaiOpts, genai.WithDefaultModel(*flags.defaultModel))
	}
	if *flags.fallbackModel != "" {
		genaiOpts = append(genaiOpts, genai.WithDefaultFallbackModel(*flags.fallbackModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.backend != "" {
		apiOpts = append(apiOpts, api.WithMessagingBackend(*flags.backend))
	}
	return apiOpts
}
