package encoder

import (
	"context"
	"fmt"
	"path/filepath"

	"renditiond/models"
)

// EncodeWebP encodes using cwebp. Cropping happens before resizing. cwebp
// ignores EXIF orientation, so oriented sources are turned upright first to
// match the ImageMagick encoders.
func EncodeWebP(ctx context.Context, in, out string, o EncodeOptions) error {
	src, cleanup, err := uprightCopy(in, filepath.Dir(out))
	if err != nil {
		return err
	}
	defer cleanup()
	return run(ctx, "cwebp", cwebpArgs(src, out, o)...)
}

func cwebpArgs(in, out string, o EncodeOptions) []string {
	args := []string{"-quiet", "-metadata", "icc"}
	if o.Lossless {
		args = append(args, "-lossless")
	} else {
		args = append(args, "-q", fmt.Sprint(quality(o, models.FormatWebP)))
	}
	if r := o.Extract; r != nil {
		args = append(args, "-crop", fmt.Sprint(r.X), fmt.Sprint(r.Y), fmt.Sprint(r.Width), fmt.Sprint(r.Height))
	}
	if o.Width > 0 {
		args = append(args, "-resize", fmt.Sprint(o.Width), "0")
	}
	return append(args, in, "-o", out)
}
