// Package console implements the relay exchange on the local terminal, for
// runs without messaging credentials. The annotated challenge image is
// written to a temp file (with its path copied to the clipboard when
// available) and the answer is typed into an inline prompt.
package console

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/entrhq/relay/pkg/relay"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	deadlineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// Relayer drives the exchange on the controlling terminal. It implements
// relay.Relayer without a messaging backend.
type Relayer struct {
	// pending describes the challenge sent but not yet waited on.
	pending *pendingChallenge
}

// pendingChallenge carries state between a send call and its wait call.
type pendingChallenge struct {
	imagePath string
	caption   string
	grid      bool
	rows      int
	cols      int
}

// New creates a terminal relayer.
func New() *Relayer {
	return &Relayer{}
}

// SendImageWithCaption writes the image to a temp file and records the
// caption for the upcoming prompt.
func (r *Relayer) SendImageWithCaption(image []byte, caption string) error {
	path, err := writeImage(image)
	if err != nil {
		return err
	}
	r.pending = &pendingChallenge{imagePath: path, caption: caption}
	return nil
}

// SendImageWithSelectableGrid writes the image to a temp file and records the
// grid dimensions. The terminal has no tappable controls, so the selection is
// typed as cell numbers.
func (r *Relayer) SendImageWithSelectableGrid(image []byte, caption string, rows, cols int) error {
	if rows < 1 || cols < 1 {
		return fmt.Errorf("invalid grid dimensions %dx%d", rows, cols)
	}
	path, err := writeImage(image)
	if err != nil {
		return err
	}
	r.pending = &pendingChallenge{
		imagePath: path,
		caption:   caption,
		grid:      true,
		rows:      rows,
		cols:      cols,
	}
	return nil
}

// WaitForTextReply prompts for a typed answer. A timeout or Ctrl+C returns
// ok=false without an error.
func (r *Relayer) WaitForTextReply(ctx context.Context, timeout time.Duration) (string, bool, error) {
	pending := r.pending
	if pending == nil {
		return "", false, fmt.Errorf("no challenge in flight: send an image first")
	}
	r.pending = nil

	reply, ok, err := prompt(ctx, pending, "Type the answer and press Enter", timeout)
	if err != nil || !ok {
		return "", false, err
	}
	return reply, true, nil
}

// WaitForGridSelection prompts for typed cell numbers. "skip" (or an empty
// answer) skips the challenge; out-of-range numbers are dropped.
func (r *Relayer) WaitForGridSelection(ctx context.Context, timeout time.Duration) (relay.GridSelection, bool, error) {
	pending := r.pending
	if pending == nil || !pending.grid {
		return relay.GridSelection{}, false, fmt.Errorf("no grid challenge in flight: call SendImageWithSelectableGrid first")
	}
	r.pending = nil

	hint := fmt.Sprintf("Type cell numbers 1-%d separated by spaces, or 'skip'", pending.rows*pending.cols)
	reply, ok, err := prompt(ctx, pending, hint, timeout)
	if err != nil || !ok {
		return relay.GridSelection{}, false, err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" || strings.EqualFold(reply, "skip") {
		return relay.GridSelection{Skipped: true}, true, nil
	}
	return relay.GridSelection{Cells: parseCells(reply, pending.rows*pending.cols)}, true, nil
}

// writeImage persists the challenge image and best-effort copies its path to
// the clipboard so it can be pasted into an image viewer.
func writeImage(image []byte) (string, error) {
	f, err := os.CreateTemp("", "challenge-*.png")
	if err != nil {
		return "", fmt.Errorf("failed to create image file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(image); err != nil {
		return "", fmt.Errorf("failed to write image file: %w", err)
	}

	// Clipboard is a convenience only; headless terminals have none.
	_ = clipboard.WriteAll(f.Name())
	return f.Name(), nil
}

// parseCells keeps values in [1, max] in first-occurrence order.
func parseCells(text string, max int) []int {
	var cells []int
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	}) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > max {
			continue
		}
		cells = append(cells, n)
	}
	return cells
}

// prompt runs the terminal prompt until Enter, timeout, Ctrl+C, or context
// cancellation. ok is false for everything but a typed answer.
func prompt(ctx context.Context, pending *pendingChallenge, hint string, timeout time.Duration) (string, bool, error) {
	input := textinput.New()
	input.Placeholder = "answer"
	input.CharLimit = 256
	input.Width = 48
	input.Focus()

	m := promptModel{
		pending:  pending,
		hint:     hint,
		input:    input,
		deadline: time.Now().Add(timeout),
	}

	program := tea.NewProgram(m, tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		// Context cancellation surfaces as a run error; treat it as an
		// absent answer, matching the messaging relayers.
		if ctx.Err() != nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("terminal prompt failed: %w", err)
	}

	result, ok := final.(promptModel)
	if !ok || !result.answered {
		return "", false, nil
	}
	return strings.TrimSpace(result.input.Value()), true, nil
}

// tickMsg drives the countdown display and the timeout check.
type tickMsg time.Time

// promptModel is the bubbletea model for one answer prompt.
type promptModel struct {
	pending  *pendingChallenge
	hint     string
	input    textinput.Model
	deadline time.Time
	answered bool
}

func (m promptModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			m.answered = true
			return m, tea.Quit
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}

	case tickMsg:
		if time.Now().After(m.deadline) {
			return m, tea.Quit
		}
		return m, tick()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m promptModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Challenge relay"))
	b.WriteString("\n\n")
	if m.pending.caption != "" {
		b.WriteString(m.pending.caption)
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("Image: %s", m.pending.imagePath))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render(m.hint))
	b.WriteString("\n\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")

	remaining := time.Until(m.deadline).Round(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	b.WriteString(deadlineStyle.Render(fmt.Sprintf("%s remaining", remaining)))
	b.WriteString("\n")
	b.WriteString(hintStyle.Render("Enter: submit | Esc: give up"))
	b.WriteString("\n")

	return b.String()
}

var _ relay.Relayer = (*Relayer)(nil)
