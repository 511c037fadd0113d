package encoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"renditiond/models"
)

// EncodeJPEG encodes using ImageMagick
func EncodeJPEG(ctx context.Context, in, out string, o EncodeOptions) error {
	return magickEncode(ctx, in, out, o, models.FormatJPEG)
}

// EncodePNG encodes using ImageMagick
func EncodePNG(ctx context.Context, in, out string, o EncodeOptions) error {
	return magickEncode(ctx, in, out, o, models.FormatPNG)
}

func encodeWebPMagick(ctx context.Context, in, out string, o EncodeOptions) error {
	return magickEncode(ctx, in, out, o, models.FormatWebP)
}

// magickArgs builds the argument list shared by magick-based formats.
func magickArgs(in, out string, o EncodeOptions, format models.OutputFormat) []string {
	args := []string{in, "-auto-orient"}
	if r := o.Extract; r != nil {
		args = append(args, "-crop", fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y), "+repage")
	}
	if o.Width > 0 {
		args = append(args, "-resize", fmt.Sprintf("%dx", o.Width))
	}

	switch {
	case o.Lossless && format == models.FormatWebP:
		args = append(args, "-define", "webp:lossless=true")
	case o.Lossless && format == models.FormatAVIF:
		args = append(args, "-define", "heic:lossless=true")
	case o.Lossless:
		args = append(args, "-quality", "100")
	default:
		args = append(args, "-quality", fmt.Sprint(quality(o, format)))
	}

	return append(args, fmt.Sprintf("%s:%s", format, out))
}

func magickEncode(ctx context.Context, in, out string, o EncodeOptions, format models.OutputFormat) error {
	return run(ctx, "magick", magickArgs(in, out, o, format)...)
}

func quality(o EncodeOptions, format models.OutputFormat) int {
	if o.Quality > 0 && o.Quality <= 100 {
		return o.Quality
	}
	return defaultQuality[format]
}

// run executes name and folds its output into the error on failure.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// commandOutput runs name and returns its stdout.
func commandOutput(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s failed: %w", name, err)
	}
	return string(out), nil
}
