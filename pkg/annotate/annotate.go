// Package annotate renders numbered overlay grids and instruction banners
// onto challenge screenshots. All entry points are pure functions of their
// inputs: the font is embedded, no wall clock or randomness is consulted,
// so identical input bytes always produce identical output bytes.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// Style controls the visual appearance of grid badges.
type Style struct {
	// LabelColor is the numeral color.
	LabelColor color.Color

	// FontSize is the numeral height in points.
	FontSize float64

	// BadgeBackground fills the circle behind each numeral.
	BadgeBackground color.Color
}

// Spec describes the overlay grid. The image is divided into Columns x Rows
// cells by integer pixel division; the last row and column absorb any
// remainder. Badges are numbered 1..Columns*Rows in row-major order, so cell
// (row, col) receives number row*Columns + col + 1.
type Spec struct {
	Columns int
	Rows    int
	Style   Style
}

// BannerHeight is the fixed pixel height of the instruction strip prepended
// by Banner and Composite.
const BannerHeight = 56

// DefaultSpec returns the standard 3x3 grid layout.
func DefaultSpec() Spec {
	return Spec{
		Columns: 3,
		Rows:    3,
		Style: Style{
			LabelColor:      color.White,
			FontSize:        28,
			BadgeBackground: color.NRGBA{R: 20, G: 20, B: 20, A: 200},
		},
	}
}

// normalize fills zero-valued fields with defaults and validates dimensions.
func (s Spec) normalize() (Spec, error) {
	def := DefaultSpec()
	if s.Columns == 0 {
		s.Columns = def.Columns
	}
	if s.Rows == 0 {
		s.Rows = def.Rows
	}
	if s.Columns < 1 || s.Rows < 1 {
		return s, fmt.Errorf("invalid grid dimensions %dx%d: columns and rows must be >= 1", s.Columns, s.Rows)
	}
	if s.Style.LabelColor == nil {
		s.Style.LabelColor = def.Style.LabelColor
	}
	if s.Style.FontSize <= 0 {
		s.Style.FontSize = def.Style.FontSize
	}
	if s.Style.BadgeBackground == nil {
		s.Style.BadgeBackground = def.Style.BadgeBackground
	}
	return s, nil
}

// Grid overlays a numbered badge grid onto the PNG image and returns the
// result as PNG bytes. The output image has the same dimensions as the input.
func Grid(pngBytes []byte, spec Spec) ([]byte, error) {
	spec, err := spec.normalize()
	if err != nil {
		return nil, err
	}

	img, err := decodePNG(pngBytes)
	if err != nil {
		return nil, err
	}

	dc := gg.NewContextForImage(img)
	if err := drawGrid(dc, img.Bounds().Dx(), img.Bounds().Dy(), 0, spec); err != nil {
		return nil, err
	}
	return encodePNG(dc.Image())
}

// Banner prepends a fixed-height instruction strip above the PNG image and
// returns the result as PNG bytes. The output is BannerHeight pixels taller
// than the input.
func Banner(pngBytes []byte, caption string) ([]byte, error) {
	img, err := decodePNG(pngBytes)
	if err != nil {
		return nil, err
	}

	dc, err := bannerContext(img, caption)
	if err != nil {
		return nil, err
	}
	return encodePNG(dc.Image())
}

// Composite prepends an instruction banner and overlays the numbered grid on
// the image region below it, for challenges that need both the prompt and
// selectable numbers in a single picture.
func Composite(pngBytes []byte, caption string, spec Spec) ([]byte, error) {
	spec, err := spec.normalize()
	if err != nil {
		return nil, err
	}

	img, err := decodePNG(pngBytes)
	if err != nil {
		return nil, err
	}

	dc, err := bannerContext(img, caption)
	if err != nil {
		return nil, err
	}
	if err := drawGrid(dc, img.Bounds().Dx(), img.Bounds().Dy(), BannerHeight, spec); err != nil {
		return nil, err
	}
	return encodePNG(dc.Image())
}

// Crop extracts the given pixel rectangle from the PNG image, clamped to the
// image bounds. An empty intersection is an error.
func Crop(pngBytes []byte, x, y, w, h int) ([]byte, error) {
	img, err := decodePNG(pngBytes)
	if err != nil {
		return nil, err
	}

	region := image.Rect(x, y, x+w, y+h).Intersect(img.Bounds())
	if region.Empty() {
		return nil, fmt.Errorf("crop region %dx%d at (%d,%d) is outside the image", w, h, x, y)
	}

	out := image.NewNRGBA(image.Rect(0, 0, region.Dx(), region.Dy()))
	draw.Draw(out, out.Bounds(), img, region.Min, draw.Src)
	return encodePNG(out)
}

// bannerContext builds a drawing context holding the banner strip above img.
func bannerContext(img image.Image, caption string) (*gg.Context, error) {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()

	dc := gg.NewContext(w, h+BannerHeight)
	dc.SetColor(color.NRGBA{R: 24, G: 24, B: 28, A: 255})
	dc.DrawRectangle(0, 0, float64(w), BannerHeight)
	dc.Fill()
	dc.DrawImage(img, 0, BannerHeight)

	face, err := loadFace(18)
	if err != nil {
		return nil, err
	}
	dc.SetFontFace(face)
	dc.SetColor(color.White)
	dc.DrawStringAnchored(caption, float64(w)/2, BannerHeight/2, 0.5, 0.5)
	return dc, nil
}

// drawGrid paints the numbered badges. yOffset shifts the grid down, used by
// Composite to keep badges on the image region rather than the banner.
func drawGrid(dc *gg.Context, w, h, yOffset int, spec Spec) error {
	face, err := loadFace(spec.Style.FontSize)
	if err != nil {
		return err
	}
	dc.SetFontFace(face)

	radius := spec.Style.FontSize * 0.85
	for row := 0; row < spec.Rows; row++ {
		for col := 0; col < spec.Columns; col++ {
			n := row*spec.Columns + col + 1
			cx, cy := cellCenter(w, h, spec.Columns, spec.Rows, col, row)

			dc.SetColor(spec.Style.BadgeBackground)
			dc.DrawCircle(cx, cy+float64(yOffset), radius)
			dc.Fill()

			dc.SetColor(spec.Style.LabelColor)
			dc.DrawStringAnchored(fmt.Sprintf("%d", n), cx, cy+float64(yOffset), 0.5, 0.5)
		}
	}
	return nil
}

// cellCenter computes the centroid of cell (col, row). Cell edges come from
// integer pixel division; the last row and column extend to the image edge,
// absorbing the truncation remainder.
func cellCenter(w, h, columns, rows, col, row int) (float64, float64) {
	cellW := w / columns
	cellH := h / rows

	x0 := col * cellW
	x1 := x0 + cellW
	if col == columns-1 {
		x1 = w
	}
	y0 := row * cellH
	y1 := y0 + cellH
	if row == rows-1 {
		y1 = h
	}
	return float64(x0+x1) / 2, float64(y0+y1) / 2
}

// loadFace builds a font face at the given size from the embedded typeface.
func loadFace(size float64) (font.Face, error) {
	parsed, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded font: %w", err)
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build font face: %w", err)
	}
	return face, nil
}

func decodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
