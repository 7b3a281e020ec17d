package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/palaver/internal/api"
	"github.com/mattjoyce/palaver/internal/app"
	"github.com/mattjoyce/palaver/internal/auth"
	"github.com/mattjoyce/palaver/internal/config"
	"github.com/mattjoyce/palaver/internal/doctor"
	"github.com/mattjoyce/palaver/internal/history"
	"github.com/mattjoyce/palaver/internal/inspect"
	"github.com/mattjoyce/palaver/internal/log"
	"github.com/mattjoyce/palaver/internal/protocol"
	"github.com/mattjoyce/palaver/internal/storage"
	"github.com/mattjoyce/palaver/internal/tui"
	"github.com/mattjoyce/palaver/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if n, ok := nouns[cmd]; ok {
		return runNoun(n, args)
	}

	switch cmd {
	case "start":
		return runStart(args)
	case "chat":
		if hasHelpFlag(args) {
			printChatHelp()
			return 0
		}
		return runChat(args)
	case "inspect":
		return runInspect(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: palaver version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("palaver %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`palaver - plugin-driven chat assistant

Usage:
  palaver <noun> <action> [flags]

Core Resources (Nouns):
  system    Assistant lifecycle
  config    Configuration and integrity
  turn      Stored turns and their reply chains
  plugin    Plugin discovery and the subprocess protocol

System Commands:
  system start      Start the assistant in the foreground

Config Commands:
  config lock       Authorize current state (update integrity hash)
  config check      Validate syntax, plugins, and policy

Turn Commands:
  turn inspect <id> Show the reply chain and dispatch passes of a turn

Plugin Commands:
  plugin list       Show registered plugins in dispatch order
  plugin schema     Print JSON Schemas for the plugin protocol

Client:
  chat              Terminal chat client for a running assistant

General:
  version           Show version information
  help              Show this help message

Use 'palaver <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	name  string
	usage string
	about string
	run   func(args []string) int
}

type noun struct {
	name    string
	actions []action
}

var nouns = map[string]noun{
	"system": {name: "system", actions: []action{
		{"start", "[--config PATH]", "Start the assistant in the foreground.", runStart},
	}},
	"config": {name: "config", actions: []action{
		{"lock", "[--config PATH] [-v|--verbose] [--dry-run]", "Authorize the current configuration by regenerating its integrity hash.", runConfigLock},
		{"check", "[--config PATH] [--format human|json] [--strict] [--json]", "Validate configuration syntax, plugin references, webhooks and policy.", runConfigCheck},
	}},
	"turn": {name: "turn", actions: []action{
		{"inspect", "<turn_id> [--config PATH] [--json]", "Show every turn of a run with the dispatch passes over each one.", runInspect},
	}},
	"plugin": {name: "plugin", actions: []action{
		{"list", "[--config PATH] [--json]", "Show registered plugins in dispatch order.", runPluginList},
		{"schema", "[request|response]", "Print JSON Schemas for subprocess plugin requests and responses.", runPluginSchema},
	}},
}

func runNoun(n noun, args []string) int {
	if len(args) < 1 {
		n.printHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		n.printHelp(os.Stdout)
		return 0
	}

	for _, a := range n.actions {
		if a.name != args[0] {
			continue
		}
		if hasHelpFlag(args[1:]) {
			fmt.Printf("Usage: palaver %s %s %s\n", n.name, a.name, a.usage)
			fmt.Println(a.about)
			return 0
		}
		return a.run(args[1:])
	}
	fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", n.name, args[0])
	return 1
}

func (n noun) printHelp(w io.Writer) {
	names := make([]string, 0, len(n.actions))
	for _, a := range n.actions {
		names = append(names, a.name)
	}
	fmt.Fprintf(w, "Usage: palaver %s <action> [flags]\n", n.name)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(names, ", "))
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printChatHelp() {
	fmt.Println("Usage: palaver chat [flags]")
	fmt.Println()
	fmt.Println("Terminal chat client for a running assistant.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Assistant API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or PALAVER_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  Enter            Send")
	fmt.Println("  Esc              Stop running commands")
	fmt.Println("  Ctrl+R           Start a new conversation")
	fmt.Println("  PgUp/PgDn        Scroll")
	fmt.Println("  Ctrl+C           Quit")
}

// --- ACTION IMPLEMENTATIONS ---

func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	discovered, err := config.Discover()
	if err != nil {
		return "", fmt.Errorf("failed to discover config: %w", err)
	}
	return discovered, nil
}

func loadConfigForTool(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// quietLogger swallows discovery chatter for one-shot tool commands.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("palaver starting", "version", version, "config", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	logger.Info("plugins registered", "count", a.Registry.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 3)
	sessionDone := make(chan struct{})

	go func() {
		defer close(sessionDone)
		if err := a.Session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("session: %w", err)
		}
	}()

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for i, t := range cfg.API.Auth.Tokens {
			name := t.Name
			if name == "" {
				name = fmt.Sprintf("tokens[%d]", i)
			}
			tokens = append(tokens, auth.TokenConfig{
				Name:   name,
				Token:  t.Token,
				Scopes: t.Scopes,
			})
		}
		apiConfig := api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}
		apiServer := api.New(apiConfig, a.Session, a.Registry, a.History, a.Hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		whConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("invalid webhooks config", "error", err)
			cancel()
			<-sessionDone
			return 1
		}
		whServer := webhook.New(whConfig, a.Session, log.WithComponent("webhook"))
		go func() {
			if err := whServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", cfg.Webhooks.Listen, "endpoints", len(whConfig.Endpoints))
	}

	if !cfg.API.Enabled && cfg.Webhooks == nil {
		logger.Warn("API server and webhooks disabled, nothing will submit turns")
	}

	logger.Info("palaver running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	<-sessionDone

	logger.Info("palaver stopped")
	return code
}

func runChat(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Assistant API URL")
	apiKey := fs.String("api-key", os.Getenv("PALAVER_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or PALAVER_API_KEY env var.")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := tui.New(ctx, tui.NewClient(*apiURL, *apiKey))
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	// The turn id may come before or after the flags.
	var turnID string
	var remainingArgs []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--config" || arg == "-config":
			remainingArgs = append(remainingArgs, arg)
			if i+1 < len(args) {
				i++
				remainingArgs = append(remainingArgs, args[i])
			}
		case !strings.HasPrefix(arg, "-") && turnID == "":
			turnID = arg
		default:
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if turnID == "" {
		fmt.Fprintf(os.Stderr, "Usage: palaver turn inspect <turn_id> [--config PATH] [--json]\n")
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	store := history.New(db)
	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, store, turnID)
		report += "\n"
	} else {
		report, err = inspect.BuildReport(ctx, store, turnID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	return 0
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	registry, err := app.BuildRegistry(cfg, quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin registry error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, registry).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	report, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("HASH %s: %s\n", report.ConfigPath, report.Hash)
	}
	if dryRun {
		fmt.Printf("Dry run completed (not written): %s\n", report.ChecksumPath)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", report.ChecksumPath)
	}
	return 0
}

type pluginRow struct {
	Order       int    `json:"order"`
	ID          string `json:"id"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	registry, err := app.BuildRegistry(cfg, quietLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin registry error: %v\n", err)
		return 1
	}

	entries := registry.Entries()
	rows := make([]pluginRow, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, pluginRow{Order: i + 1, ID: e.ID, Enabled: e.Enabled, Description: e.Description})
	}

	if *jsonOut {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	for _, r := range rows {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		fmt.Printf("%2d. %-20s %-8s %s\n", r.Order, r.ID, state, r.Description)
	}
	return 0
}

func runPluginSchema(args []string) int {
	schemas := protocol.Schemas()

	var out any = schemas
	if len(args) > 0 {
		s, ok := schemas[args[0]]
		if !ok {
			fmt.Fprintf(os.Stderr, "Unknown schema: %s (want request or response)\n", args[0])
			return 1
		}
		out = s
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render schema: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}
