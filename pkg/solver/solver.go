// Package solver composes detection, annotation, relay, and injection into
// one end-to-end challenge attempt. Every attempt produces exactly one
// terminal SolveResult; run-time failures are captured in the result, never
// raised.
package solver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/annotate"
	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/detect"
	"github.com/entrhq/relay/pkg/inject"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/relay"
	"github.com/entrhq/relay/pkg/types"
)

// Terminal error strings carried in SolveResult.Err. Stable machine-readable
// values consumed by callers.
const (
	ErrNoChallenge  = "no challenge detected"
	ErrHumanTimeout = "timeout waiting for human response"
)

// Default pipeline knobs.
const (
	DefaultDetectTimeout   = 10 * time.Second
	DefaultResponseTimeout = 2 * time.Minute
	DefaultDetectInterval  = 500 * time.Millisecond
)

// Options configures one solve attempt.
type Options struct {
	// Kind overrides challenge kind inference when not KindUnknown.
	Kind types.Kind

	// Rows and Cols override the grid dimensions. Zero means 3x3.
	Rows int
	Cols int

	// DetectTimeout bounds the detection poll. Zero means a single scan.
	DetectTimeout time.Duration

	// ResponseTimeout bounds the wait for the human answer.
	// Defaults to DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// SkipInjection stops the pipeline after parsing; the parsed answer is
	// returned with Success true.
	SkipInjection bool

	// DisableGridControls forces grid challenges through the plain
	// text-reply exchange: the human answers with typed cell numbers
	// instead of tapping inline controls.
	DisableGridControls bool
}

// Solver runs the challenge pipeline.
type Solver struct {
	detector *detect.Detector
	injector *inject.Injector
	log      *logging.Logger
}

// New creates a solver over the default detector and injector.
func New() *Solver {
	return NewWith(detect.New(), inject.New())
}

// NewWith creates a solver with explicit collaborators, used by tests.
func NewWith(detector *detect.Detector, injector *inject.Injector) *Solver {
	log, _ := logging.NewLogger("solver")
	return &Solver{detector: detector, injector: injector, log: log}
}

// Solve runs one end-to-end attempt: detect, screenshot, annotate, relay to
// the human, parse, inject. Each step is a potential early exit with a
// structured result.
func (s *Solver) Solve(ctx context.Context, page browser.Page, relayer relay.Relayer, opts Options) types.SolveResult {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}

	descriptors, err := s.detect(ctx, page, opts.DetectTimeout)
	if err != nil {
		return types.SolveResult{Err: err.Error()}
	}
	if len(descriptors) == 0 {
		return types.SolveResult{Err: ErrNoChallenge}
	}

	primary := descriptors[0]
	kind := opts.Kind
	if kind == "" || kind == types.KindUnknown {
		kind = inferKind(primary)
	}
	s.log.Infof("challenge %s detected, solving as %s", primary.SourceRef, kind)

	screenshot, err := s.screenshot(page, primary)
	if err != nil {
		return types.SolveResult{Kind: kind, Err: err.Error()}
	}

	answer, timedOut, err := s.exchange(ctx, relayer, screenshot, kind, opts)
	if err != nil {
		return types.SolveResult{Kind: kind, Err: err.Error()}
	}
	if timedOut {
		return types.SolveResult{Kind: kind, Err: ErrHumanTimeout}
	}

	if answer.Skipped {
		s.log.Infof("human skipped the challenge")
		return types.SolveResult{Answer: &answer, Kind: kind}
	}
	if opts.SkipInjection {
		return types.SolveResult{Success: true, Answer: &answer, Kind: kind}
	}

	success := s.injector.Inject(page, primary, answer, kind)
	return types.SolveResult{Success: success, Answer: &answer, Kind: kind}
}

// detect runs a single scan, or a bounded poll when a timeout is configured.
func (s *Solver) detect(ctx context.Context, page browser.Page, timeout time.Duration) ([]types.Descriptor, error) {
	if timeout <= 0 {
		found, err := s.detector.Scan(page)
		if err != nil {
			return nil, fmt.Errorf("detection failed: %w", err)
		}
		return found, nil
	}

	found, err := s.detector.Poll(ctx, page, DefaultDetectInterval, timeout)
	if err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}
	return found, nil
}

// inferKind maps a detection onto the exchange strategy: widget detections
// with an open sub-challenge are solved as an image grid, widget detections
// without one as a checkbox, and anything else as free text.
func inferKind(d types.Descriptor) types.Kind {
	switch d.Kind {
	case types.KindCheckbox:
		if d.HasOpenChallenge {
			return types.KindGridImage
		}
		return types.KindCheckbox
	case types.KindGridImage:
		return types.KindGridImage
	default:
		return types.KindTextImage
	}
}

// screenshot clips to the descriptor's bounding box, falling back to a
// full-page capture when the box is absent or the clipped capture fails.
func (s *Solver) screenshot(page browser.Page, d types.Descriptor) ([]byte, error) {
	if d.Box != nil && d.Box.W > 0 && d.Box.H > 0 {
		clip := &browser.Rect{X: d.Box.X, Y: d.Box.Y, W: d.Box.W, H: d.Box.H}
		if img, err := page.Screenshot(clip); err == nil {
			return img, nil
		}
		s.log.Warnf("clipped screenshot failed, capturing full page")
	}

	img, err := page.Screenshot(nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return img, nil
}

// exchange annotates the screenshot and runs the relay round-trip for the
// chosen kind. timedOut reports the human never answered.
func (s *Solver) exchange(ctx context.Context, relayer relay.Relayer, screenshot []byte, kind types.Kind, opts Options) (types.ParsedAnswer, bool, error) {
	if kind == types.KindGridImage {
		return s.exchangeGrid(ctx, relayer, screenshot, opts)
	}
	return s.exchangeText(ctx, relayer, screenshot, opts)
}

// exchangeGrid overlays the numbered grid and runs the interactive selection
// protocol, or the typed-reply variant when controls are disabled.
func (s *Solver) exchangeGrid(ctx context.Context, relayer relay.Relayer, screenshot []byte, opts Options) (types.ParsedAnswer, bool, error) {
	spec := annotate.DefaultSpec()
	if opts.Rows > 0 {
		spec.Rows = opts.Rows
	}
	if opts.Cols > 0 {
		spec.Columns = opts.Cols
	}

	caption := fmt.Sprintf(
		"Select the cells matching the challenge (1-%d), then Submit.",
		spec.Rows*spec.Columns,
	)

	annotated, err := annotate.Composite(screenshot, caption, spec)
	if err != nil {
		return types.ParsedAnswer{}, false, fmt.Errorf("annotation failed: %w", err)
	}

	if opts.DisableGridControls {
		if err := relayer.SendImageWithCaption(annotated, caption+" Reply with the cell numbers."); err != nil {
			return types.ParsedAnswer{}, false, err
		}
		reply, ok, err := relayer.WaitForTextReply(ctx, opts.ResponseTimeout)
		if err != nil || !ok {
			return types.ParsedAnswer{}, !ok && err == nil, err
		}
		return types.ParsedAnswer{Cells: ParseCells(reply)}, false, nil
	}

	if err := relayer.SendImageWithSelectableGrid(annotated, caption, spec.Rows, spec.Columns); err != nil {
		return types.ParsedAnswer{}, false, err
	}
	sel, ok, err := relayer.WaitForGridSelection(ctx, opts.ResponseTimeout)
	if err != nil || !ok {
		return types.ParsedAnswer{}, !ok && err == nil, err
	}
	return types.ParsedAnswer{Cells: sel.Cells, Skipped: sel.Skipped}, false, nil
}

// exchangeText prepends the instruction banner and waits for a typed answer.
func (s *Solver) exchangeText(ctx context.Context, relayer relay.Relayer, screenshot []byte, opts Options) (types.ParsedAnswer, bool, error) {
	caption := "Solve the challenge in the image and reply with the answer."

	annotated, err := annotate.Banner(screenshot, caption)
	if err != nil {
		return types.ParsedAnswer{}, false, fmt.Errorf("annotation failed: %w", err)
	}

	if err := relayer.SendImageWithCaption(annotated, caption); err != nil {
		return types.ParsedAnswer{}, false, err
	}
	reply, ok, err := relayer.WaitForTextReply(ctx, opts.ResponseTimeout)
	if err != nil || !ok {
		return types.ParsedAnswer{}, !ok && err == nil, err
	}
	return types.ParsedAnswer{Text: reply}, false, nil
}

// ParseCells parses a typed grid answer: tokens split on runs of whitespace
// and commas, keeping positive integers in first-occurrence order. No
// sorting; ascending order is a property of the control protocol only.
func ParseCells(raw string) []int {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	var cells []int
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil || n <= 0 {
			continue
		}
		cells = append(cells, n)
	}
	return cells
}
