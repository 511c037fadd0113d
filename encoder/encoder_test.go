package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renditiond/models"
)

func writePNG(t *testing.T, img image.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
	return path
}

func flatImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

// halves is w x h, black on the left half and white on the right.
func halves(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	return img
}

// writeOrientedJPEG stores img as a JPEG whose EXIF orientation tag is o.
func writeOrientedJPEG(t *testing.T, img image.Image, o uint16) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	raw := buf.Bytes()

	// little-endian TIFF with one IFD entry: Orientation, SHORT, count 1
	tiff := []byte("II*\x00")
	tiff = binary.LittleEndian.AppendUint32(tiff, 8)
	tiff = binary.LittleEndian.AppendUint16(tiff, 1)
	tiff = binary.LittleEndian.AppendUint16(tiff, 0x0112)
	tiff = binary.LittleEndian.AppendUint16(tiff, 3)
	tiff = binary.LittleEndian.AppendUint32(tiff, 1)
	tiff = binary.LittleEndian.AppendUint16(tiff, o)
	tiff = append(tiff, 0, 0)
	tiff = binary.LittleEndian.AppendUint32(tiff, 0)
	payload := append([]byte("Exif\x00\x00"), tiff...)

	segment := []byte{0xFF, 0xE1}
	segment = binary.BigEndian.AppendUint16(segment, uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := append([]byte{}, raw[:2]...) // SOI
	out = append(out, segment...)
	out = append(out, raw[2:]...)

	path := filepath.Join(t.TempDir(), "oriented.jpg")
	require.NoError(t, os.WriteFile(path, out, 0644))
	return path
}

func TestMagickArgs(t *testing.T) {
	args := magickArgs("in.png", "out.jpeg", EncodeOptions{
		Width:   640,
		Extract: &models.Rect{X: 10, Y: 20, Width: 300, Height: 200},
	}, models.FormatJPEG)

	assert.Equal(t, []string{
		"in.png", "-auto-orient",
		"-crop", "300x200+10+20", "+repage",
		"-resize", "640x",
		"-quality", "90",
		"jpeg:out.jpeg",
	}, args)

	args = magickArgs("in.png", "out.webp", EncodeOptions{Lossless: true}, models.FormatWebP)
	assert.Equal(t, []string{"in.png", "-auto-orient", "-define", "webp:lossless=true", "webp:out.webp"}, args)
}

func TestCwebpArgs(t *testing.T) {
	args := cwebpArgs("in.jpg", "out.webp", EncodeOptions{
		Width:   320,
		Quality: 75,
		Extract: &models.Rect{X: 1, Y: 2, Width: 3, Height: 4},
	})
	assert.Equal(t, []string{
		"-quiet", "-metadata", "icc",
		"-q", "75",
		"-crop", "1", "2", "3", "4",
		"-resize", "320", "0",
		"in.jpg", "-o", "out.webp",
	}, args)
}

func TestRegistryFormatsKeepsOrder(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, string, string, EncodeOptions) error { return nil }
	r.Set(models.FormatPNG, noop)
	r.Set(models.FormatAVIF, noop)

	assert.Equal(t, []models.OutputFormat{models.FormatAVIF, models.FormatPNG}, r.Formats())
	_, ok := r.Get(models.FormatWebP)
	assert.False(t, ok)
}

func TestTransformUsesScratchFile(t *testing.T) {
	scratch := t.TempDir()
	r := NewRegistry()

	var got EncodeOptions
	r.Set(models.FormatWebP, func(_ context.Context, in, out string, o EncodeOptions) error {
		got = o
		assert.Equal(t, "/src/cat.png", in)
		assert.Equal(t, scratch, filepath.Dir(out))
		return os.WriteFile(out, []byte("encoded"), 0644)
	})

	c := NewWithRegistry(r, scratch)
	rect := &models.Rect{X: 0, Y: 0, Width: 10, Height: 10}
	data, err := c.Transform(context.Background(), "/src/cat.png", TransformOptions{
		ResizeWidth: 320,
		Format:      models.FormatWebP,
		Lossless:    true,
		Extract:     rect,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded"), data)
	assert.Equal(t, EncodeOptions{Width: 320, Lossless: true, Extract: rect}, got)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch output must be removed")
}

func TestTransformErrors(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Set(models.FormatJPEG, func(context.Context, string, string, EncodeOptions) error { return boom })
	c := NewWithRegistry(r, t.TempDir())

	_, err := c.Transform(context.Background(), "x.png", TransformOptions{Format: models.FormatAVIF})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = c.Transform(context.Background(), "x.png", TransformOptions{Format: models.FormatJPEG})
	assert.ErrorIs(t, err, boom)

	_, err = c.Transform(context.Background(), "x.png", TransformOptions{
		Format:  models.FormatJPEG,
		Extract: &models.Rect{Width: 0, Height: 10},
	})
	assert.Error(t, err)
}

func TestMetadataReadsHeader(t *testing.T) {
	path := writePNG(t, flatImage(64, 48))
	c := NewWithRegistry(NewRegistry(), t.TempDir())

	size, err := c.Metadata(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 64, Height: 48}, size)

	_, err = c.Metadata(context.Background(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestAnalyzeCropFollowsDetail(t *testing.T) {
	img := flatImage(300, 100)
	// checkerboard in the right third
	for y := 0; y < 100; y++ {
		for x := 220; x < 300; x++ {
			if (x/5+y/5)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			} else {
				img.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	path := writePNG(t, img)
	c := NewWithRegistry(NewRegistry(), t.TempDir())

	rect, err := c.AnalyzeCrop(context.Background(), path, models.Size{Width: 1, Height: 1})
	require.NoError(t, err)
	assert.InDelta(t, 100, rect.Width, 1)
	assert.InDelta(t, 100, rect.Height, 1)
	assert.Greater(t, rect.X, 100, "crop should move towards the detail")
	assert.LessOrEqual(t, rect.X+rect.Width, 300)
}

func TestAnalyzeCropFlatImageKeepsAspect(t *testing.T) {
	path := writePNG(t, flatImage(100, 300))
	c := NewWithRegistry(NewRegistry(), t.TempDir())

	rect, err := c.AnalyzeCrop(context.Background(), path, models.Size{Width: 2, Height: 1})
	require.NoError(t, err)
	assert.InDelta(t, 100, rect.Width, 1)
	assert.InDelta(t, 50, rect.Height, 1)
	assert.GreaterOrEqual(t, rect.X, 0)
	assert.GreaterOrEqual(t, rect.Y, 0)
	assert.LessOrEqual(t, rect.Y+rect.Height, 300)
}

func TestAnalyzeCropRejectsBadTarget(t *testing.T) {
	c := NewWithRegistry(NewRegistry(), t.TempDir())
	_, err := c.AnalyzeCrop(context.Background(), "x.png", models.Size{})
	assert.Error(t, err)
}

func TestCropRectClipsToBounds(t *testing.T) {
	b := image.Rect(0, 0, 100, 50)
	assert.Equal(t, models.Rect{X: 10, Y: 0, Width: 50, Height: 50}, cropRect(image.Rect(10, 0, 60, 50), b))
	assert.Equal(t, models.Rect{X: 90, Y: 0, Width: 10, Height: 50}, cropRect(image.Rect(90, -5, 120, 60), b))
	assert.Equal(t, models.Rect{Width: 100, Height: 50}, cropRect(image.Rect(200, 200, 300, 300), b))
}

func TestOrientationReadsExif(t *testing.T) {
	assert.Equal(t, 6, Orientation(writeOrientedJPEG(t, halves(40, 20), 6)))
	assert.Equal(t, 3, Orientation(writeOrientedJPEG(t, halves(40, 20), 3)))
	assert.Equal(t, 1, Orientation(writePNG(t, flatImage(4, 4))))
	assert.Equal(t, 1, Orientation(filepath.Join(t.TempDir(), "missing.jpg")))
}

func TestMetadataSwapsRotatedSize(t *testing.T) {
	c := NewWithRegistry(NewRegistry(), t.TempDir())

	size, err := c.Metadata(context.Background(), writeOrientedJPEG(t, halves(40, 20), 6))
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 20, Height: 40}, size)

	size, err = c.Metadata(context.Background(), writeOrientedJPEG(t, halves(40, 20), 3))
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 40, Height: 20}, size)
}

func TestParseIdentify(t *testing.T) {
	size, err := parseIdentify("4000 3000 RightTop")
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 3000, Height: 4000}, size)

	size, err = parseIdentify("4000 3000 TopLeft")
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 4000, Height: 3000}, size)

	size, err = parseIdentify("10 20")
	require.NoError(t, err)
	assert.Equal(t, models.Size{Width: 10, Height: 20}, size)

	_, err = parseIdentify("wide tall")
	assert.Error(t, err)
}

func TestOrient(t *testing.T) {
	img := halves(2, 1)
	for o, want := range map[int]image.Point{1: {2, 1}, 3: {2, 1}, 5: {1, 2}, 6: {1, 2}, 8: {1, 2}} {
		assert.Equal(t, want, orient(img, o).Bounds().Size(), "orientation %d", o)
	}

	// orientation 6 is turned clockwise, so the left (black) pixel ends on top
	upright := orient(img, 6)
	top, _, _, _ := upright.At(0, 0).RGBA()
	bottom, _, _, _ := upright.At(0, 1).RGBA()
	assert.Less(t, top, bottom)
}

func TestAnalyzeCropUsesUprightImage(t *testing.T) {
	path := writeOrientedJPEG(t, halves(40, 20), 6)
	c := NewWithRegistry(NewRegistry(), t.TempDir())

	rect, err := c.AnalyzeCrop(context.Background(), path, models.Size{Width: 1, Height: 1})
	require.NoError(t, err)
	assert.InDelta(t, 20, rect.Width, 1)
	assert.InDelta(t, 20, rect.Height, 1)
	assert.GreaterOrEqual(t, rect.Y, 0)
	assert.LessOrEqual(t, rect.X+rect.Width, 20, "crop must fit the upright width")
	assert.LessOrEqual(t, rect.Y+rect.Height, 40)
}

func TestUprightCopyForCwebp(t *testing.T) {
	dir := t.TempDir()

	plain := writePNG(t, flatImage(4, 4))
	got, cleanup, err := uprightCopy(plain, dir)
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, plain, got, "upright sources are passed through")

	oriented := writeOrientedJPEG(t, halves(40, 20), 6)
	got, cleanup, err = uprightCopy(oriented, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(got))

	f, err := os.Open(got)
	require.NoError(t, err)
	img, err := png.Decode(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, image.Point{20, 40}, img.Bounds().Size())
	top, _, _, _ := img.At(10, 5).RGBA()
	bottom, _, _, _ := img.At(10, 35).RGBA()
	assert.Less(t, top, bottom, "the stored left half is now on top")

	cleanup()
	_, err = os.Stat(got)
	assert.True(t, os.IsNotExist(err))
}
