package encoder

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"

	"renditiond/models"
)

// Orientation returns the EXIF orientation (1-8) of the image at path. Files
// without a readable tag are upright.
func Orientation(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// transposed reports whether orientation o swaps width and height.
func transposed(o int) bool { return o >= 5 && o <= 8 }

// orientSize returns the displayed size of a stored size.
func orientSize(size models.Size, o int) models.Size {
	if transposed(o) {
		return models.Size{Width: size.Height, Height: size.Width}
	}
	return size
}

// orient turns a decoded image upright, as ImageMagick's -auto-orient does.
func orient(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	}
	return img
}

// uprightCopy writes an upright PNG of path into dir for tools that ignore
// EXIF orientation. It returns path itself when nothing needs turning; the
// returned cleanup is always safe to call.
func uprightCopy(path, dir string) (string, func(), error) {
	noop := func() {}
	o := Orientation(path)
	if o == 1 {
		return path, noop, nil
	}

	img, err := imaging.Open(path)
	if err != nil {
		return "", noop, fmt.Errorf("failed to decode oriented source: %w", err)
	}
	f, err := os.CreateTemp(dir, ".upright-*.png")
	if err != nil {
		return "", noop, err
	}
	out := f.Name()
	f.Close()
	cleanup := func() { os.Remove(out) }

	if err := imaging.Save(orient(img, o), out); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("failed to write upright source: %w", err)
	}
	return out, cleanup, nil
}
