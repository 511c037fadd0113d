package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/muesli/smartcrop"
	"github.com/muesli/smartcrop/nfnt"

	"renditiond/models"
)

// AnalyzeCrop finds the most interesting rectangle of the target's aspect
// ratio in the upright source, scoring detail, skin tones and saturation.
func (c *Codec) AnalyzeCrop(ctx context.Context, path string, target models.Size) (models.Rect, error) {
	if target.Width <= 0 || target.Height <= 0 {
		return models.Rect{}, fmt.Errorf("invalid crop target %dx%d", target.Width, target.Height)
	}

	img, err := c.decodeForAnalysis(ctx, path)
	if err != nil {
		return models.Rect{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.Rect{}, err
	}

	analyzer := smartcrop.NewAnalyzer(nfnt.NewDefaultResizer())
	best, err := analyzer.FindBestCrop(img, target.Width, target.Height)
	if err != nil {
		return models.Rect{}, fmt.Errorf("crop analysis failed: %w", err)
	}
	return cropRect(best, img.Bounds()), nil
}

// cropRect converts a crop found in bounds to source coordinates, clipped to
// the image.
func cropRect(r, bounds image.Rectangle) models.Rect {
	r = r.Intersect(bounds)
	if r.Empty() {
		return models.Rect{Width: bounds.Dx(), Height: bounds.Dy()}
	}
	r = r.Sub(bounds.Min)
	return models.Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// decodeForAnalysis decodes path upright with the standard decoders,
// converting to PNG through ImageMagick first when the format is not known
// to them.
func (c *Codec) decodeForAnalysis(ctx context.Context, path string) (image.Image, error) {
	img, err := decodeFile(path)
	if err == nil {
		return orient(img, Orientation(path)), nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, err
	}

	tmp, err := c.scratchPath("png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)
	if err := run(ctx, "magick", path+"[0]", "-auto-orient", "png:"+tmp); err != nil {
		return nil, fmt.Errorf("failed to convert source for analysis: %w", err)
	}
	return decodeFile(tmp)
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode source: %w", err)
	}
	return img, nil
}
