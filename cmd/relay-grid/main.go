// Package main provides the file-interchange grid relay: it reads an input
// descriptor pointing at a screenshot on disk, crops and annotates the grid
// region, relays the image to a human over the configured transport, and
// writes the selected cells as JSON. It exists for callers that drive their
// own browser and only need the human exchange.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/relay/pkg/annotate"
	"github.com/entrhq/relay/pkg/config"
	"github.com/entrhq/relay/pkg/relay"
	"github.com/entrhq/relay/pkg/relay/console"
	"github.com/entrhq/relay/pkg/relay/filerelay"
	"github.com/entrhq/relay/pkg/relay/telegram"
	"github.com/entrhq/relay/pkg/solver"
)

const version = "0.1.0"

// inputDescriptor is the file-interchange request shape.
type inputDescriptor struct {
	ScreenshotPath string `json:"screenshotPath"`
	GridClip       *struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"gridClip"`
	Prompt string `json:"prompt"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
}

// outputDescriptor is the file-interchange response shape: cells on success,
// a short machine-readable error otherwise.
type outputDescriptor struct {
	Cells []int  `json:"cells,omitempty"`
	Error string `json:"error,omitempty"`
}

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile      string
	Input           string
	Output          string
	Token           string
	Chat            string
	FileDir         string
	Mode            string
	ResponseTimeout time.Duration
	ShowVersion     bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("relay-grid v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
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
	flag.StringVar(&cli.Input, "input", "", "Path to the input descriptor JSON (default: stdin)")
	flag.StringVar(&cli.Output, "output", "", "Path for the output JSON (default: stdout)")
	flag.StringVar(&cli.Token, "token", os.Getenv("RELAY_TELEGRAM_TOKEN"), "Telegram bot token")
	flag.StringVar(&cli.Chat, "chat", os.Getenv("RELAY_TELEGRAM_CHAT"), "Telegram chat id")
	flag.StringVar(&cli.FileDir, "dir", "", "Exchange directory for file mode")
	flag.StringVar(&cli.Mode, "mode", "", "Relay transport: telegram, file, or console")
	flag.DurationVar(&cli.ResponseTimeout, "response-timeout", 0, "How long to wait for the human answer")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Relay Grid - Human Grid Selection over Files\n\n")
		fmt.Fprintf(os.Stderr, "Usage: relay-grid [options] < input.json\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nInput descriptor:\n")
		fmt.Fprintf(os.Stderr, "  {\"screenshotPath\": \"page.png\", \"gridClip\": {\"x\":0,\"y\":0,\"w\":300,\"h\":300},\n")
		fmt.Fprintf(os.Stderr, "   \"prompt\": \"Select all traffic lights\", \"rows\": 3, \"cols\": 3}\n")
	}

	flag.Parse()
	return cli
}

// run performs one relay exchange.
func run(ctx context.Context, cli *CLIConfig) error {
	input, err := readInput(cli.Input)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg, cli)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rows, cols := input.Rows, input.Cols
	if rows < 1 {
		rows = 3
	}
	if cols < 1 {
		cols = 3
	}

	caption := input.Prompt
	if caption == "" {
		caption = fmt.Sprintf("Select the matching cells (1-%d), then Submit.", rows*cols)
	}

	image, err := prepareImage(input, caption)
	if err != nil {
		return err
	}

	relayer, cleanup, err := buildRelayer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	result := exchange(ctx, relayer, image, caption, rows, cols, cfg)
	return writeOutput(cli.Output, result)
}

// exchange runs the grid round-trip and maps the outcome onto the output
// descriptor. A timeout or skip is reported as {"error":"timeout"}.
func exchange(ctx context.Context, relayer relay.Relayer, image []byte, caption string, rows, cols int, cfg *config.Config) outputDescriptor {
	useControls := cfg.Mode != config.ModeFile

	if useControls {
		if err := relayer.SendImageWithSelectableGrid(image, caption, rows, cols); err != nil {
			return outputDescriptor{Error: err.Error()}
		}
		sel, ok, err := relayer.WaitForGridSelection(ctx, cfg.Solver.ResponseTimeout)
		switch {
		case err != nil:
			return outputDescriptor{Error: err.Error()}
		case !ok || sel.Skipped:
			return outputDescriptor{Error: "timeout"}
		default:
			return outputDescriptor{Cells: sel.Cells}
		}
	}

	if err := relayer.SendImageWithCaption(image, caption+" Reply with the cell numbers."); err != nil {
		return outputDescriptor{Error: err.Error()}
	}
	reply, ok, err := relayer.WaitForTextReply(ctx, cfg.Solver.ResponseTimeout)
	switch {
	case err != nil:
		return outputDescriptor{Error: err.Error()}
	case !ok:
		return outputDescriptor{Error: "timeout"}
	default:
		return outputDescriptor{Cells: solver.ParseCells(reply)}
	}
}

// readInput decodes the input descriptor from a file or stdin.
func readInput(path string) (*inputDescriptor, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input descriptor: %w", err)
	}

	var input inputDescriptor
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse input descriptor: %w", err)
	}
	if input.ScreenshotPath == "" {
		return nil, fmt.Errorf("input descriptor requires screenshotPath")
	}
	return &input, nil
}

// prepareImage loads the screenshot, crops it to the grid clip when one is
// given, and overlays the numbered grid with the prompt banner.
func prepareImage(input *inputDescriptor, caption string) ([]byte, error) {
	image, err := os.ReadFile(input.ScreenshotPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read screenshot: %w", err)
	}

	if clip := input.GridClip; clip != nil && clip.W > 0 && clip.H > 0 {
		image, err = annotate.Crop(image, clip.X, clip.Y, clip.W, clip.H)
		if err != nil {
			return nil, fmt.Errorf("failed to crop screenshot: %w", err)
		}
	}

	spec := annotate.DefaultSpec()
	if input.Rows > 0 {
		spec.Rows = input.Rows
	}
	if input.Cols > 0 {
		spec.Columns = input.Cols
	}

	annotated, err := annotate.Composite(image, caption, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to annotate screenshot: %w", err)
	}
	return annotated, nil
}

// writeOutput encodes the output descriptor to a file or stdout.
func writeOutput(path string, out outputDescriptor) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
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
	if cli.ResponseTimeout > 0 {
		cfg.Solver.ResponseTimeout = cli.ResponseTimeout
	}
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
