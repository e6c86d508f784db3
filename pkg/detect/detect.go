// Package detect inspects a live page for human-verification challenges. A
// fixed, ordered signature table is evaluated in one in-page JavaScript pass;
// every matching signature emits a descriptor, and the caller treats index 0
// as the primary detection. An empty result means "not present" and is never
// an error.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/logging"
	"github.com/entrhq/relay/pkg/types"
)

// StaticMatch matches one element in parsed HTML, used by the no-script
// fallback when in-page evaluation is unavailable.
type StaticMatch struct {
	// Tag is the element name, e.g. "textarea".
	Tag string

	// Attr is the attribute inspected on the element.
	Attr string

	// Contains is the case-insensitive substring required in the attribute.
	Contains string
}

// Signature identifies one challenge family. Presence alone marks the widget;
// Open, when set, marks an expanded interactive sub-challenge whose rect
// supersedes the widget's.
type Signature struct {
	// Name is a stable identifier surfaced as the descriptor's SourceRef.
	Name string

	// Kind is the challenge kind this signature detects.
	Kind types.Kind

	// Presence is the CSS selector proving the widget exists.
	Presence string

	// Open optionally selects the expanded sub-challenge.
	Open string

	// FrameHint is the selector of the sub-frame the injector should target.
	FrameHint string

	// Static is the no-script fallback for this signature. Signatures
	// without one are simply invisible to the fallback path.
	Static *StaticMatch
}

// DefaultSignatures is the priority-ordered signature table. Specific widget
// signatures precede the generic hidden-field pattern, so a page carrying
// both yields the widget as the primary detection.
var DefaultSignatures = []Signature{
	{
		Name:      "recaptcha-v2",
		Kind:      types.KindCheckbox,
		Presence:  `iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"]`,
		Open:      `iframe[src*="recaptcha/api2/bframe"], iframe[src*="recaptcha/enterprise/bframe"]`,
		FrameHint: `iframe[src*="bframe"]`,
		Static:    &StaticMatch{Tag: "iframe", Attr: "src", Contains: "recaptcha"},
	},
	{
		Name:      "hcaptcha",
		Kind:      types.KindCheckbox,
		Presence:  `iframe[src*="hcaptcha.com"][src*="checkbox"]`,
		Open:      `iframe[src*="hcaptcha.com"][src*="challenge"]`,
		FrameHint: `iframe[src*="hcaptcha.com"][src*="challenge"]`,
		Static:    &StaticMatch{Tag: "iframe", Attr: "src", Contains: "hcaptcha.com"},
	},
	{
		Name:     "text-captcha-image",
		Kind:     types.KindTextImage,
		Presence: `img[src*="captcha"], img[id*="captcha"], img[class*="captcha"]`,
		Static:   &StaticMatch{Tag: "img", Attr: "src", Contains: "captcha"},
	},
	{
		Name:     "generic-response-field",
		Kind:     types.KindUnknown,
		Presence: `textarea[name*="captcha-response"], input[name*="captcha"]`,
		Static:   &StaticMatch{Tag: "textarea", Attr: "name", Contains: "captcha-response"},
	},
}

// Detector scans pages against a signature table.
type Detector struct {
	signatures []Signature
	log        *logging.Logger
}

// New creates a detector over the default signature table.
func New() *Detector {
	return NewWithSignatures(DefaultSignatures)
}

// NewWithSignatures creates a detector over a custom table, used by tests.
func NewWithSignatures(signatures []Signature) *Detector {
	log, _ := logging.NewLogger("detect")
	return &Detector{signatures: signatures, log: log}
}

// scanEntry is the per-signature shape produced by the in-page script.
type scanEntry struct {
	Index   int  `json:"index"`
	Visible bool `json:"visible"`
	Open    bool `json:"open"`
	Rect    struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		W float64 `json:"w"`
		H float64 `json:"h"`
	} `json:"rect"`
}

// scanScript runs all signatures in one evaluation. The open sub-challenge's
// rect supersedes the widget's so grid screenshots clip to the image grid.
const scanScript = `(() => {
	const sigs = %s;
	const rectOf = (el) => {
		const r = el.getBoundingClientRect();
		return {x: r.x, y: r.y, w: r.width, h: r.height};
	};
	const visible = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width <= 0 || r.height <= 0) return false;
		const s = window.getComputedStyle(el);
		return s.visibility !== 'hidden' && s.display !== 'none';
	};
	const out = [];
	sigs.forEach((sig, i) => {
		const el = document.querySelector(sig.presence);
		if (!el) return;
		const entry = {index: i, visible: visible(el), open: false, rect: rectOf(el)};
		if (sig.open) {
			const openEl = document.querySelector(sig.open);
			if (openEl && visible(openEl)) {
				entry.open = true;
				entry.rect = rectOf(openEl);
			}
		}
		out.push(entry);
	});
	return out;
})()`

// Scan evaluates every signature against the page once. Matches come back in
// table priority order; an empty slice is a valid "nothing found" outcome.
// When evaluation fails (scripting disabled, page crippled) the static
// fallback parses the page HTML instead.
func (d *Detector) Scan(page browser.Page) ([]types.Descriptor, error) {
	selectors := make([]map[string]string, len(d.signatures))
	for i, sig := range d.signatures {
		selectors[i] = map[string]string{"presence": sig.Presence, "open": sig.Open}
	}
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature table: %w", err)
	}

	raw, err := page.Evaluate(fmt.Sprintf(scanScript, encoded))
	if err != nil {
		d.log.Warnf("page evaluation failed, using static fallback: %v", err)
		return d.scanStatic(page)
	}

	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("unexpected scan result: %w", err)
	}

	var found []types.Descriptor
	for _, e := range entries {
		if e.Index < 0 || e.Index >= len(d.signatures) || !e.Visible {
			continue
		}
		sig := d.signatures[e.Index]
		found = append(found, types.Descriptor{
			Kind: sig.Kind,
			Box: &types.BoundingBox{
				X: e.Rect.X,
				Y: e.Rect.Y,
				W: e.Rect.W,
				H: e.Rect.H,
			},
			HasOpenChallenge: e.Open,
			SourceRef:        sig.Name,
		})
	}
	return found, nil
}

// Poll invokes Scan at the given interval until a non-empty result, the
// deadline, or context cancellation. Nil result on timeout, no error.
func (d *Detector) Poll(ctx context.Context, page browser.Page, interval, deadline time.Duration) ([]types.Descriptor, error) {
	end := time.Now().Add(deadline)
	for {
		found, err := d.Scan(page)
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			return found, nil
		}

		remaining := time.Until(end)
		if remaining <= 0 {
			return nil, nil
		}
		pause := interval
		if pause > remaining {
			pause = remaining
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}

// FrameHintFor returns the injector frame selector for a detection, keyed by
// the descriptor's SourceRef. Empty when the signature carries no hint.
func (d *Detector) FrameHintFor(sourceRef string) string {
	for _, sig := range d.signatures {
		if sig.Name == sourceRef {
			return sig.FrameHint
		}
	}
	return ""
}

// scanStatic matches the signatures' static patterns against the parsed page
// HTML. Visibility and geometry are unknowable without script, so fallback
// descriptors carry no bounding box and never report an open sub-challenge.
func (d *Detector) scanStatic(page browser.Page) ([]types.Descriptor, error) {
	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page content: %w", err)
	}

	var found []types.Descriptor
	for _, sig := range d.signatures {
		if sig.Static == nil {
			continue
		}
		if nodeExists(doc, sig.Static) {
			found = append(found, types.Descriptor{
				Kind:      sig.Kind,
				SourceRef: sig.Name,
			})
		}
	}
	return found, nil
}

// nodeExists walks the parse tree looking for one element satisfying match.
func nodeExists(n *html.Node, match *StaticMatch) bool {
	if n.Type == html.ElementNode && n.Data == match.Tag {
		for _, attr := range n.Attr {
			if attr.Key == match.Attr &&
				strings.Contains(strings.ToLower(attr.Val), strings.ToLower(match.Contains)) {
				return true
			}
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if nodeExists(child, match) {
			return true
		}
	}
	return false
}

// decodeEntries converts the evaluation result (generic JSON-shaped values)
// into typed entries by round-tripping through encoding/json.
func decodeEntries(raw interface{}) ([]scanEntry, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var entries []scanEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
