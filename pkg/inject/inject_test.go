package inject

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/types"
)

type fakeElement struct {
	clicks   int
	clickErr error
	filled   string
	fillErr  error
}

func (e *fakeElement) Click() error {
	e.clicks++
	return e.clickErr
}

func (e *fakeElement) Fill(text string) error {
	if e.fillErr != nil {
		return e.fillErr
	}
	e.filled = text
	return nil
}

func (e *fakeElement) IsVisible() (bool, error) { return true, nil }

// fakeFrame resolves selectors from a fixed map; unlisted selectors miss.
type fakeFrame struct {
	elements map[string][]browser.Element
}

func (f *fakeFrame) QuerySelector(selector string) (browser.Element, error) {
	if els := f.elements[selector]; len(els) > 0 {
		return els[0], nil
	}
	return nil, nil
}

func (f *fakeFrame) QuerySelectorAll(selector string) ([]browser.Element, error) {
	return f.elements[selector], nil
}

type fakePage struct {
	fakeFrame
	frames map[string]browser.Frame
}

func (p *fakePage) Evaluate(js string, args ...interface{}) (interface{}, error) {
	return nil, nil
}

func (p *fakePage) Content() (string, error) { return "", nil }

func (p *fakePage) Screenshot(clip *browser.Rect) ([]byte, error) {
	return []byte("png"), nil
}

func (p *fakePage) FrameBySelector(selector string) (browser.Frame, error) {
	return p.frames[selector], nil
}

// newTestInjector disables click pacing so tests run instantly.
func newTestInjector() *Injector {
	inj := New()
	inj.sleep = func(time.Duration) {}
	return inj
}

func gridPage(tiles int) (*fakePage, []*fakeElement, *fakeElement) {
	elements := make([]*fakeElement, tiles)
	handles := make([]browser.Element, tiles)
	for i := range elements {
		elements[i] = &fakeElement{}
		handles[i] = elements[i]
	}
	verify := &fakeElement{}

	frame := &fakeFrame{elements: map[string][]browser.Element{
		gridCellSelector:   handles,
		gridVerifySelector: {verify},
	}}
	page := &fakePage{frames: map[string]browser.Frame{gridFrameSelector: frame}}
	return page, elements, verify
}

func TestInjectGridClicksRequestedCells(t *testing.T) {
	page, tiles, verify := gridPage(9)

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Cells: []int{1, 3, 7}}, types.KindGridImage)
	require.True(t, ok)

	assert.Equal(t, 1, tiles[0].clicks)
	assert.Equal(t, 1, tiles[2].clicks)
	assert.Equal(t, 1, tiles[6].clicks)
	assert.Equal(t, 0, tiles[1].clicks)
	assert.Equal(t, 1, verify.clicks, "verify control is clicked after the cells")
}

func TestInjectGridSkipsOutOfRangeCells(t *testing.T) {
	page, tiles, _ := gridPage(9)

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Cells: []int{2, 15, 0, 4}}, types.KindGridImage)
	require.True(t, ok, "out-of-range cells are skipped, not fatal")

	assert.Equal(t, 1, tiles[1].clicks)
	assert.Equal(t, 1, tiles[3].clicks)
	for i, tile := range tiles {
		if i == 1 || i == 3 {
			continue
		}
		assert.Zero(t, tile.clicks)
	}
}

func TestInjectGridMissingFrame(t *testing.T) {
	page := &fakePage{frames: map[string]browser.Frame{}}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Cells: []int{1}}, types.KindGridImage)
	assert.False(t, ok)
}

func TestInjectGridClickFailure(t *testing.T) {
	page, tiles, _ := gridPage(4)
	tiles[0].clickErr = fmt.Errorf("element detached")

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Cells: []int{1, 2}}, types.KindGridImage)
	assert.False(t, ok, "a failed click is caught and reported as false")
}

func TestInjectTextSelectorOrder(t *testing.T) {
	// Only a later rule matches; the earlier misses must be tolerated.
	field := &fakeElement{}
	page := &fakePage{fakeFrame: fakeFrame{elements: map[string][]browser.Element{
		`input[placeholder*="code" i]`: {field},
	}}}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Text: "xK9mP2"}, types.KindTextImage)
	require.True(t, ok)
	assert.Equal(t, "xK9mP2", field.filled)
}

func TestInjectTextFirstRuleWins(t *testing.T) {
	first := &fakeElement{}
	second := &fakeElement{}
	page := &fakePage{fakeFrame: fakeFrame{elements: map[string][]browser.Element{
		`input[name*="captcha"]`: {first},
		`input[name*="code"]`:    {second},
	}}}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Text: "abc"}, types.KindTextImage)
	require.True(t, ok)
	assert.Equal(t, "abc", first.filled)
	assert.Empty(t, second.filled)
}

func TestInjectTextNoFieldMatches(t *testing.T) {
	page := &fakePage{}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Text: "abc"}, types.KindTextImage)
	assert.False(t, ok)
}

func TestInjectTextEmptyAnswer(t *testing.T) {
	page := &fakePage{}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Text: "   "}, types.KindTextImage)
	assert.False(t, ok)
}

func TestInjectCheckbox(t *testing.T) {
	box := &fakeElement{}
	frame := &fakeFrame{elements: map[string][]browser.Element{
		checkboxSelector: {box},
	}}
	page := &fakePage{frames: map[string]browser.Frame{checkboxFrameSelector: frame}}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{}, types.KindCheckbox)
	require.True(t, ok)
	assert.Equal(t, 1, box.clicks)
}

func TestInjectCheckboxMissingFrame(t *testing.T) {
	page := &fakePage{frames: map[string]browser.Frame{}}

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{}, types.KindCheckbox)
	assert.False(t, ok)
}

func TestInjectSkippedAnswer(t *testing.T) {
	page, tiles, _ := gridPage(9)

	ok := newTestInjector().Inject(page, types.Descriptor{}, types.ParsedAnswer{Skipped: true}, types.KindGridImage)
	assert.False(t, ok)
	for _, tile := range tiles {
		assert.Zero(t, tile.clicks)
	}
}

func TestJitterWithinBounds(t *testing.T) {
	inj := New()
	for i := 0; i < 100; i++ {
		d := inj.jitter()
		assert.GreaterOrEqual(t, d, MinClickDelay)
		assert.Less(t, d, MaxClickDelay)
	}
}
