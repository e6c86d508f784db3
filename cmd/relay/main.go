// Package main provides the end-to-end challenge relay solver: attach to or
// launch a browser, detect a human-verification challenge on the page, relay
// it to a human over the configured transport, and inject the answer back.
// Each attempt emits one JSON result on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/relay"
	"github.com/entrhq/relay/pkg/relay/console"
	"github.com/entrhq/relay/pkg/relay/filerelay"
	"github.com/entrhq/relay/pkg/relay/telegram"
	"github.com/entrhq/relay/pkg/solver"
	"github.com/entrhq/relay/pkg/types"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile      string
	URL             string
	Endpoint        string
	Headless        bool
	Token           string
	Chat            string
	FileDir         string
	Mode            string
	DetectTimeout   time.Duration
	ResponseTimeout time.Duration
	Rows            int
	Cols            int
	Kind            string
	NoInject        bool
	Attempts        int
	ShowVersion     bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("relay v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cli); err != nil {
		cancel()
		log.Printf("Run failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

// parseFlags parses command line flags.
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cli.URL, "url", "", "Page URL to open (optional when attaching to a live session)")
	flag.StringVar(&cli.Endpoint, "endpoint", "", "CDP endpoint to attach to (empty launches a browser)")
	flag.BoolVar(&cli.Headless, "headless", true, "Run the launched browser headless")
	flag.StringVar(&cli.Token, "token", os.Getenv("RELAY_TELEGRAM_TOKEN"), "Telegram bot token")
	flag.StringVar(&cli.Chat, "chat", os.Getenv("RELAY_TELEGRAM_CHAT"), "Telegram chat id")
	flag.StringVar(&cli.FileDir, "dir", "", "Exchange directory for file mode")
	flag.StringVar(&cli.Mode, "mode", "", "Relay transport: telegram, file, or console")
	flag.DurationVar(&cli.DetectTimeout, "detect-timeout", 0, "How long to poll for a challenge (0 = single scan)")
	flag.DurationVar(&cli.ResponseTimeout, "response-timeout", 0, "How long to wait for the human answer")
	flag.IntVar(&cli.Rows, "rows", 0, "Grid rows override")
	flag.IntVar(&cli.Cols, "cols", 0, "Grid columns override")
	flag.StringVar(&cli.Kind, "kind", "", "Challenge kind override: gridImage, textImage, or checkbox")
	flag.BoolVar(&cli.NoInject, "no-inject", false, "Relay only; do not replay the answer into the page")
	flag.IntVar(&cli.Attempts, "attempts", 0, "Maximum pipeline attempts")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Relay - Human Challenge Relay Solver\n\n")
		fmt.Fprintf(os.Stderr, "Usage: relay [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Solve on the local terminal\n")
		fmt.Fprintf(os.Stderr, "  relay -url https://example.com/signup -mode console\n\n")
		fmt.Fprintf(os.Stderr, "  # Relay over Telegram against a live browser\n")
		fmt.Fprintf(os.Stderr, "  relay -endpoint http://127.0.0.1:9222 -mode telegram -token $TOKEN -chat 12345\n\n")
	}

	flag.Parse()
	return cli
}

// run executes the solver pipeline.
func run(ctx context.Context, cli *CLIConfig) error {
	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg, cli)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Mode == config.ModeTelegram {
		if err := telegram.ValidateChatID(cfg.Telegram.ChatID); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	relayer, cleanup, err := buildRelayer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := browser.NewSessionManager()
	if err := manager.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize browser automation: %w", err)
	}
	defer manager.Shutdown()

	session, err := manager.StartSession("solver", browser.SessionOptions{
		Headless: cfg.Browser.Headless,
		Endpoint: cfg.Browser.Endpoint,
		Viewport: &browser.Viewport{
			Width:  cfg.Browser.ViewportWidth,
			Height: cfg.Browser.ViewportHeight,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start browser session: %w", err)
	}

	if cli.URL != "" {
		if err := session.Navigate(cli.URL); err != nil {
			return fmt.Errorf("failed to open %s: %w", cli.URL, err)
		}
	}

	opts := solver.Options{
		Kind:            parseKindOverride(cfg.Solver.Kind),
		Rows:            cfg.Solver.Rows,
		Cols:            cfg.Solver.Cols,
		DetectTimeout:   cfg.Solver.DetectTimeout,
		ResponseTimeout: cfg.Solver.ResponseTimeout,
		SkipInjection:   !cfg.Solver.Inject,
	}
	if cfg.Mode == config.ModeFile {
		// The exchange directory has no tappable controls; grid answers
		// arrive as typed cell numbers.
		opts.DisableGridControls = true
	}

	driver := solver.Driver{
		Solver:      solver.New(),
		MaxAttempts: cfg.Solver.MaxAttempts,
	}

	encoder := json.NewEncoder(os.Stdout)
	for _, result := range driver.Run(ctx, session, relayer, opts) {
		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

// parseKindOverride maps the configured kind string onto the solver option:
// empty means "infer from the detection".
func parseKindOverride(kind string) types.Kind {
	if kind == "" {
		return types.KindUnknown
	}
	return types.ParseKind(kind)
}

// applyOverrides layers explicitly-set CLI flags over the file configuration.
func applyOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.Mode != "" {
		cfg.Mode = config.Mode(cli.Mode)
	}
	if cli.Token != "" {
		cfg.Telegram.Token = cli.Token
	}
	if cli.Chat != "" {
		cfg.Telegram.ChatID = cli.Chat
	}
	if cli.FileDir != "" {
		cfg.File.Dir = cli.FileDir
	}
	if cli.Endpoint != "" {
		cfg.Browser.Endpoint = cli.Endpoint
	}
	if cli.Kind != "" {
		cfg.Solver.Kind = cli.Kind
	}
	if cli.Rows > 0 {
		cfg.Solver.Rows = cli.Rows
	}
	if cli.Cols > 0 {
		cfg.Solver.Cols = cli.Cols
	}
	if cli.Attempts > 0 {
		cfg.Solver.MaxAttempts = cli.Attempts
	}
	if cli.NoInject {
		cfg.Solver.Inject = false
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "headless":
			cfg.Browser.Headless = cli.Headless
		case "detect-timeout":
			cfg.Solver.DetectTimeout = cli.DetectTimeout
		case "response-timeout":
			cfg.Solver.ResponseTimeout = cli.ResponseTimeout
		}
	})
}

// buildRelayer constructs the relayer for the configured transport.
func buildRelayer(cfg *config.Config) (relay.Relayer, func(), error) {
	noop := func() {}

	switch cfg.Mode {
	case config.ModeTelegram:
		backend, err := telegram.New(cfg.Telegram.Token)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create telegram backend: %w", err)
		}
		channel, err := relay.NewChannel(backend, relay.ChannelConfig{
			Conversation:      cfg.Telegram.ChatID,
			PollInterval:      cfg.Solver.PollInterval,
			AllowedResponders: cfg.Telegram.AllowedResponders,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create relay channel: %w", err)
		}
		return channel, noop, nil

	case config.ModeFile:
		backend, err := filerelay.New(cfg.File.Dir)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create file backend: %w", err)
		}
		channel, err := relay.NewChannel(backend, relay.ChannelConfig{
			Conversation: filerelay.Conversation,
			PollInterval: cfg.Solver.PollInterval,
		})
		if err != nil {
			backend.Close()
			return nil, noop, fmt.Errorf("failed to create relay channel: %w", err)
		}
		return channel, func() { backend.Close() }, nil

	case config.ModeConsole:
		return console.New(), noop, nil

	default:
		return nil, noop, fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
}
