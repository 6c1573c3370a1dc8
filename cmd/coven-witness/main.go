// ABOUTME: Entry point for the coven-witness server
// ABOUTME: Serves the API and offers offline key rotation and chain verification

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-witness/internal/config"
	"github.com/2389/coven-witness/internal/gateway"
	"github.com/2389/coven-witness/internal/keys"
	"github.com/2389/coven-witness/internal/store"
	"github.com/2389/coven-witness/internal/witness"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                _ _
  ___ _____   _____ _ __   __      _(_) |_ _ __   ___  ___ ___
 / __/ _ \ \ / / _ \ '_ \  \ \ /\ / / | __| '_ \ / _ \/ __/ __|
| (_| (_) \ V /  __/ | | |  \ V  V /| | |_| | | |  __/\__ \__ \
 \___\___/ \_/ \___|_| |_|   \_/\_/ |_|\__|_| |_|\___||___/___/
`

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-witness <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the witness server")
	fmt.Println("  init                     Create a new config file interactively")
	fmt.Println("  health                   Check server readiness")
	fmt.Println("  rotate-key --reason R    Rotate the session signing key now")
	fmt.Println("  verify-chain             Verify the witness chain offline")
	fmt.Println()
	fmt.Printf("Config: $%s or %s\n", config.EnvConfigPath, config.DefaultPath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "rotate-key":
		err = runRotateKey(ctx, os.Args[2:])
	case "verify-chain":
		err = runVerifyChain(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s (%s)\n", cfg.Database.Path, cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:       %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Rate limit: %s", cfg.RateLimit.Backend)
	if cfg.RateLimit.Backend == "redis" && !cfg.RateLimit.Closed() {
		yellow.Print(" [fail open]")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Auth.Uniform() {
		yellow.Println("    ! uniform_challenge_errors is off: unknown addresses are distinguishable")
	}

	fmt.Println()

	logger.Info("starting coven-witness",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// openStore opens the configured database directly, honouring the same
// environment override as the server.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(gateway.EnvDBPath); envPath != "" {
		dbPath = envPath
	}
	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// parseReason accepts "--reason value" and "--reason=value".
func parseReason(args []string) (string, error) {
	var reason string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--reason" || arg == "-r":
			if i+1 >= len(args) {
				return "", errors.New("--reason requires a value")
			}
			reason = args[i+1]
			i++
		case strings.HasPrefix(arg, "--reason="):
			reason = strings.TrimPrefix(arg, "--reason=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", errors.New("--reason flag is required")
	}
	if len(reason) > 200 {
		return "", errors.New("reason exceeds maximum length of 200 characters")
	}
	return reason, nil
}

// runRotateKey rotates the signing key against the database. A running server
// picks the new version up at its next key check; tokens signed by the old
// version keep verifying through the grace period.
func runRotateKey(ctx context.Context, args []string) error {
	reason, err := parseReason(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	chain := witness.New(s, logger)
	ks := keys.NewKeyStore(s, keys.Config{
		RotationInterval: cfg.Keys.RotationInterval,
		GracePeriod:      cfg.Keys.GracePeriod,
	}, nil, chain, logger)

	v, err := ks.Rotate(ctx, reason)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Rotated signing key: %s\n", v.ID)
	fmt.Printf("  Reason:  %s\n", reason)
	fmt.Printf("  Expires: %s\n", v.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runVerifyChain(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := witness.New(s, logger).Verify(ctx)
	if err != nil {
		return err
	}

	if report.Valid {
		color.New(color.FgGreen).Printf("  ✓ Witness chain intact: %d events\n", report.TotalEvents)
		return nil
	}

	red := color.New(color.FgRed, color.Bold)
	red.Printf("  ✗ Witness chain broken at event %d of %d\n", *report.FirstInvalidIndex, report.TotalEvents)
	if report.Failure != nil {
		fmt.Printf("  Expected: %s\n", report.Failure.ExpectedHash)
		fmt.Printf("  Actual:   %s\n", report.Failure.ActualHash)
	}
	return errors.New("witness chain verification failed")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-witness configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	grpcAddr := prompt(reader, "gRPC address", "127.0.0.1:50051")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "witness.db"))
	keyPath := prompt(reader, "Evidence signing key path", filepath.Join(defaultDataPath, "evidence.key"))

	fmt.Println("\n--- Rate Limiting ---")
	backend := prompt(reader, "Backend (memory/redis)", "memory")
	redisAddr := ""
	if backend == "redis" {
		redisAddr = prompt(reader, "Redis address", "127.0.0.1:6379")
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	content := config.Template()
	for _, r := range []struct{ from, to string }{
		{`http_addr: "127.0.0.1:8080"`, fmt.Sprintf("http_addr: %q", httpAddr)},
		{`grpc_addr: "127.0.0.1:50051"`, fmt.Sprintf("grpc_addr: %q", grpcAddr)},
		{`path: "coven-witness.db"`, fmt.Sprintf("path: %q", dbPath)},
		{`evidence_key_path: "evidence.key"`, fmt.Sprintf("evidence_key_path: %q", keyPath)},
		{`backend: "memory"`, fmt.Sprintf("backend: %q", backend)},
		{`redis_addr: ""`, fmt.Sprintf("redis_addr: %q", redisAddr)},
		{`level: "info"`, fmt.Sprintf("level: %q", logLevel)},
		{`format: "text"`, fmt.Sprintf("format: %q", logFormat)},
	} {
		content = strings.Replace(content, r.from, r.to, 1)
	}

	// refuse to write something serve would reject
	if _, err := config.Parse([]byte(content), false); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-witness serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// setupLogger builds the process logger. Text output uses colorHandler.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{mu: &sync.Mutex{}, level: level, out: os.Stdout})
}
