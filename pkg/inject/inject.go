// Package inject replays a parsed human answer against the live page. The
// boundary contract is strict: Inject never lets a failure escape — every
// error inside is logged and converted to a false result.
package inject

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// Click jitter bounds. Successive grid clicks are separated by a uniform
// random pause so the sequence is not perfectly periodic.
const (
	MinClickDelay = 150 * time.Millisecond
	MaxClickDelay = 350 * time.Millisecond
)

// Sub-frame selectors per challenge kind.
const (
	gridFrameSelector     = `iframe[src*="bframe"], iframe[src*="challenge"]`
	checkboxFrameSelector = `iframe[src*="anchor"], iframe[src*="checkbox"]`
)

// gridCellSelector matches the clickable tiles inside an image-grid frame.
const gridCellSelector = `.rc-imageselect-tile, table td, [class*="tile"]`

// gridVerifySelector matches the confirm control inside the grid frame.
const gridVerifySelector = `#recaptcha-verify-button, button[type="submit"], [class*="verify"]`

// checkboxSelector matches the single checkbox inside the anchor frame.
const checkboxSelector = `#recaptcha-anchor, #checkbox, .recaptcha-checkbox, input[type="checkbox"]`

// textFieldSelectors is the ordered rule list for answer input fields. The
// first selector with a match wins; placeholder matching is case-insensitive.
var textFieldSelectors = []string{
	`input[name*="captcha"]`,
	`input[id*="captcha"]`,
	`input[class*="captcha"]`,
	`textarea[name*="captcha"]`,
	`input[name*="code"]`,
	`input[id*="code"]`,
	`input[placeholder*="captcha" i]`,
	`input[placeholder*="code" i]`,
}

// Injector converts parsed answers into page interactions.
type Injector struct {
	log *logging.Logger

	// sleep and jitter are swappable for tests.
	sleep  func(time.Duration)
	jitter func() time.Duration
}

// New creates an injector with production pacing.
func New() *Injector {
	log, _ := logging.NewLogger("inject")
	return &Injector{
		log:   log,
		sleep: time.Sleep,
		jitter: func() time.Duration {
			span := MaxClickDelay - MinClickDelay
			return MinClickDelay + time.Duration(rand.Int63n(int64(span)))
		},
	}
}

// Inject replays answer against the page using the strategy for kind.
// Returns true only when the full interaction sequence completed; every
// failure path logs a diagnostic and returns false.
func (i *Injector) Inject(page browser.Page, desc types.Descriptor, answer types.ParsedAnswer, kind types.Kind) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Errorf("injection panicked: %v", r)
			ok = false
		}
	}()

	if answer.Skipped {
		i.log.Infof("answer skipped by human, nothing to inject")
		return false
	}

	switch kind {
	case types.KindGridImage:
		return i.injectGrid(page, answer.Cells)
	case types.KindCheckbox:
		return i.injectCheckbox(page)
	default:
		return i.injectText(page, answer.Text)
	}
}

// injectGrid clicks the requested cells inside the challenge sub-frame, then
// the verify control when one exists. Out-of-range cell numbers are skipped
// without aborting the remaining clicks.
func (i *Injector) injectGrid(page browser.Page, cells []int) bool {
	frame, err := page.FrameBySelector(gridFrameSelector)
	if err != nil || frame == nil {
		i.log.Errorf("grid sub-frame not found: %v", err)
		return false
	}

	tiles, err := frame.QuerySelectorAll(gridCellSelector)
	if err != nil || len(tiles) == 0 {
		i.log.Errorf("no clickable cells in grid frame: %v", err)
		return false
	}

	clicked := 0
	for _, n := range cells {
		if n < 1 || n > len(tiles) {
			i.log.Warnf("cell %d outside grid of %d tiles, skipping", n, len(tiles))
			continue
		}
		if clicked > 0 {
			i.sleep(i.jitter())
		}
		if err := tiles[n-1].Click(); err != nil {
			i.log.Errorf("failed to click cell %d: %v", n, err)
			return false
		}
		clicked++
	}

	if verify, err := frame.QuerySelector(gridVerifySelector); err == nil && verify != nil {
		i.sleep(i.jitter())
		if err := verify.Click(); err != nil {
			i.log.Errorf("failed to click verify control: %v", err)
			return false
		}
	}

	i.log.Infof("grid injection complete, %d cell(s) clicked", clicked)
	return true
}

// injectText fills the first matching answer field with the text.
func (i *Injector) injectText(page browser.Page, text string) bool {
	if strings.TrimSpace(text) == "" {
		i.log.Warnf("empty text answer, nothing to inject")
		return false
	}

	for _, selector := range textFieldSelectors {
		field, err := page.QuerySelector(selector)
		if err != nil || field == nil {
			continue
		}
		if err := field.Fill(text); err != nil {
			i.log.Errorf("failed to fill %s: %v", selector, err)
			return false
		}
		i.log.Infof("text injection complete via %s", selector)
		return true
	}

	i.log.Errorf("no answer input field matched %d selector rules", len(textFieldSelectors))
	return false
}

// injectCheckbox clicks the single checkbox inside the anchor sub-frame.
func (i *Injector) injectCheckbox(page browser.Page) bool {
	frame, err := page.FrameBySelector(checkboxFrameSelector)
	if err != nil || frame == nil {
		i.log.Errorf("checkbox sub-frame not found: %v", err)
		return false
	}

	box, err := frame.QuerySelector(checkboxSelector)
	if err != nil || box == nil {
		i.log.Errorf("checkbox control not found: %v", err)
		return false
	}
	if err := box.Click(); err != nil {
		i.log.Errorf("failed to click checkbox: %v", err)
		return false
	}

	i.log.Infof("checkbox injection complete")
	return true
}

// String names the injector in diagnostics.
func (i *Injector) String() string {
	return fmt.Sprintf("injector(jitter %s-%s)", MinClickDelay, MaxClickDelay)
}
