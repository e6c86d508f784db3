package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPNG renders a small solid-color image as PNG bytes.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeSize(t *testing.T, data []byte) (int, int) {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestGridPreservesDimensions(t *testing.T) {
	src := testPNG(t, 300, 200)

	out, err := Grid(src, DefaultSpec())
	require.NoError(t, err)

	w, h := decodeSize(t, out)
	assert.Equal(t, 300, w)
	assert.Equal(t, 200, h)
}

func TestGridDeterministic(t *testing.T) {
	src := testPNG(t, 120, 120)

	first, err := Grid(src, DefaultSpec())
	require.NoError(t, err)
	second, err := Grid(src, DefaultSpec())
	require.NoError(t, err)

	assert.Equal(t, first, second, "same image and spec must produce byte-identical output")
}

func TestGridInvalidSpec(t *testing.T) {
	src := testPNG(t, 100, 100)

	tests := []struct {
		name string
		spec Spec
	}{
		{name: "zero columns", spec: Spec{Columns: 0, Rows: 3}},
		{name: "negative rows", spec: Spec{Columns: 3, Rows: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Grid(src, tt.spec)
			require.Error(t, err)
		})
	}
}

func TestGridRejectsNonPNG(t *testing.T) {
	_, err := Grid([]byte("not a png"), DefaultSpec())
	require.Error(t, err)
}

func TestBannerAddsFixedStrip(t *testing.T) {
	src := testPNG(t, 250, 100)

	out, err := Banner(src, "Reply with the answer")
	require.NoError(t, err)

	w, h := decodeSize(t, out)
	assert.Equal(t, 250, w)
	assert.Equal(t, 100+BannerHeight, h)
}

func TestCompositeAddsBannerAndKeepsWidth(t *testing.T) {
	src := testPNG(t, 300, 300)

	out, err := Composite(src, "Select matching cells", DefaultSpec())
	require.NoError(t, err)

	w, h := decodeSize(t, out)
	assert.Equal(t, 300, w)
	assert.Equal(t, 300+BannerHeight, h)
}

func TestCompositeDeterministic(t *testing.T) {
	src := testPNG(t, 90, 90)

	first, err := Composite(src, "caption", DefaultSpec())
	require.NoError(t, err)
	second, err := Composite(src, "caption", DefaultSpec())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCellCenter(t *testing.T) {
	tests := []struct {
		name           string
		w, h           int
		columns, rows  int
		col, row       int
		wantX, wantY   float64
	}{
		{name: "first cell of even 3x3", w: 300, h: 300, columns: 3, rows: 3, col: 0, row: 0, wantX: 50, wantY: 50},
		{name: "middle cell of even 3x3", w: 300, h: 300, columns: 3, rows: 3, col: 1, row: 1, wantX: 150, wantY: 150},
		{name: "last column absorbs remainder", w: 100, h: 90, columns: 3, rows: 3, col: 2, row: 0, wantX: 83, wantY: 15},
		{name: "last row absorbs remainder", w: 90, h: 100, columns: 3, rows: 3, col: 0, row: 2, wantX: 15, wantY: 83},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := cellCenter(tt.w, tt.h, tt.columns, tt.rows, tt.col, tt.row)
			assert.Equal(t, tt.wantX, x)
			assert.Equal(t, tt.wantY, y)
		})
	}
}

func TestCrop(t *testing.T) {
	src := testPNG(t, 200, 150)

	out, err := Crop(src, 20, 10, 100, 50)
	require.NoError(t, err)

	w, h := decodeSize(t, out)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)
}

func TestCropClampsToBounds(t *testing.T) {
	src := testPNG(t, 100, 100)

	out, err := Crop(src, 80, 80, 50, 50)
	require.NoError(t, err)

	w, h := decodeSize(t, out)
	assert.Equal(t, 20, w)
	assert.Equal(t, 20, h)
}

func TestCropOutsideImage(t *testing.T) {
	src := testPNG(t, 100, 100)

	_, err := Crop(src, 200, 200, 50, 50)
	require.Error(t, err)
}
