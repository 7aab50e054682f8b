package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/BTreeMap/RoutineButler/internal/alarm"
	"github.com/BTreeMap/RoutineButler/internal/api"
	"github.com/BTreeMap/RoutineButler/internal/config"
	"github.com/BTreeMap/RoutineButler/internal/genai"
	"github.com/BTreeMap/RoutineButler/internal/lockfile"
	"github.com/BTreeMap/RoutineButler/internal/notify"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/queue"
	"github.com/BTreeMap/RoutineButler/internal/recorder"
	"github.com/BTreeMap/RoutineButler/internal/recovery"
	"github.com/BTreeMap/RoutineButler/internal/runstate"
	"github.com/BTreeMap/RoutineButler/internal/session"
	"github.com/BTreeMap/RoutineButler/internal/store"
	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Routine Butler state data
	DefaultStateDir = "/var/lib/routinebutler"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "routinebutler.db"
	// DefaultUserID owns routines when BUTLER_USER is unset
	DefaultUserID = "default"
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(os.Stdout, config.LogLevel)

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Routine Butler")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "user", *flags.userID)
	if err := run(ctx, flags); err != nil {
		if lockfile.IsLocked(err) {
			slog.Error("Another Routine Butler instance owns the state directory", "error", err)
		} else {
			slog.Error("Routine Butler failed to run", "error", err)
		}
		os.Exit(1)
	}
	slog.Info("Routine Butler exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel    string
	StateDir    string
	DatabaseURL string
	APIAddr     string
	UserID      string
	CatalogPath string
	OpenAIKey   string
	ShowQR      bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	apiAddr     *string
	userID      *string
	catalogPath *string
	openaiKey   *string
	showQR      *bool
}

// initializeLogger installs a text logger at the given level.
func initializeLogger(w io.Writer, level string) {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps BUTLER_LOG_LEVEL to a slog level; anything unknown is debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// envBool reads a boolean environment variable. yes/no and on/off are
// accepted besides the strconv.ParseBool forms; anything else keeps def.
func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "":
		return def
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("Ignoring invalid boolean environment value", "key", key, "value", val, "default", def)
		return def
	}
	return b
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:    os.Getenv("BUTLER_LOG_LEVEL"),
		StateDir:    os.Getenv("BUTLER_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),
		UserID:      os.Getenv("BUTLER_USER"),
		CatalogPath: os.Getenv("BUTLER_CATALOG"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		ShowQR:      envBool("BUTLER_SHOW_QR", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BUTLER_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.UserID == "" {
		config.UserID = DefaultUserID
	}

	slog.Debug("environment variables loaded",
		"BUTLER_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"BUTLER_USER", config.UserID,
		"BUTLER_CATALOG", config.CatalogPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"BUTLER_SHOW_QR", config.ShowQR)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for Routine Butler data (overrides $BUTLER_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		userID:      flag.String("user", config.UserID, "user owning the routines (overrides $BUTLER_USER)"),
		catalogPath: flag.String("catalog", config.CatalogPath, "YAML catalog imported at startup (overrides $BUTLER_CATALOG)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		showQR:      flag.Bool("show-qr", config.ShowQR, "print the UI address as a terminal QR code (overrides $BUTLER_SHOW_QR)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"user", *flags.userID,
		"catalog", *flags.catalogPath,
		"openaiKeySet", *flags.openaiKey != "",
		"showQR", *flags.showQR)

	applyStateDirOverride(config, flags)
	return flags
}

// applyStateDirOverride moves the default SQLite file along with a state
// directory given on the command line.
func applyStateDirOverride(config Config, flags Flags) {
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
}

// ensureDirectoriesExist creates the state directory and the SQLite file's directory.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// buildGenerator returns an OpenAI-backed generator, or nil when no key is set.
// Reflection programs then ask their configured question.
func buildGenerator(flags Flags) genai.Generator {
	if *flags.openaiKey == "" {
		slog.Info("No OpenAI API key configured, generated programs are disabled")
		return nil
	}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Warn("GenAI client unavailable", "error", err)
		return nil
	}
	return client
}

// buildNotifier logs every notice and also texts it when Twilio is configured.
func buildNotifier() notify.Notifier {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		return notify.LogNotifier{}
	}
	sms, err := notify.NewTwilioNotifier()
	if err != nil {
		slog.Warn("Twilio notifier unavailable, notices are only logged", "error", err)
		return notify.LogNotifier{}
	}
	return notify.Multi{notify.LogNotifier{}, sms}
}

// uiURL turns a listen address into a URL a phone on the LAN can open.
func uiURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		if host, err := os.Hostname(); err == nil && host != "" {
			return "http://" + host + addr + "/"
		}
		return "http://localhost" + addr + "/"
	}
	return "http://" + addr + "/"
}

func printQRCode(w io.Writer, url string) {
	fmt.Fprintf(w, "Open %s\n", url)
	qrterminal.GenerateHalfBlock(url, qrterminal.L, w)
}

// run wires the components and serves the API until ctx is cancelled.
func run(ctx context.Context, flags Flags) (err error) {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			slog.Warn("Failed to release lock", "error", relErr)
		}
	}()

	st, err := store.New(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		err = errors.Join(err, st.Close())
	}()

	userID := *flags.userID
	registry := program.NewDefaultRegistry(buildGenerator(flags))
	notifier := buildNotifier()

	if *flags.catalogPath != "" {
		catalog, err := config.LoadCatalog(*flags.catalogPath)
		if err != nil {
			return err
		}
		res, err := catalog.Import(st, registry, userID)
		if err != nil {
			return fmt.Errorf("failed to import catalog: %w", err)
		}
		slog.Info("Catalog imported", "path", *flags.catalogPath,
			"programs_created", res.ProgramsCreated, "programs_updated", res.ProgramsUpdated,
			"routines_created", res.RoutinesCreated, "routines_updated", res.RoutinesUpdated)
	}

	watcher := alarm.NewWatcher(userID, st, alarm.WithNotifier(notifier))
	sessions := session.NewManager(session.Config{
		UserID:   userID,
		Routines: st,
		Cursors:  runstate.NewStoreManager(st),
		Recorder: recorder.NewStoreRecorder(st),
		Builder:  queue.NewBuilder(st, registry, queue.WithNotifier(notifier)),
		Registry: registry,
		Notifier: notifier,
		OnStart:  watcher.Clear,
	})
	defer sessions.Close()

	recoveryManager := recovery.NewRecoveryManager(st, userID)
	recoveryManager.RegisterRunRecovery(recovery.RunRecoveryHandler(sessions.ResumeRoutine))
	recoveryManager.RegisterRecoverable(sessions)
	if err := recoveryManager.RecoverAll(ctx); err != nil {
		// The run stays persisted; the operator can retry or abandon it over the API.
		slog.Error("Run recovery failed", "error", err)
	}

	if err := watcher.Reload(); err != nil {
		slog.Error("Failed to load alarms", "error", err)
	}
	watcher.Start()
	defer watcher.Stop()

	server := api.NewServer(api.Deps{
		UserID:   userID,
		Store:    st,
		Registry: registry,
		Sessions: sessions,
		Alarms:   watcher,
	}, buildAPIOptions(flags)...)

	if *flags.showQR {
		printQRCode(os.Stdout, uiURL(server.Addr()))
	}
	return server.Run(ctx)
}
