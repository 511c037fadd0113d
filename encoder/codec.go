package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"renditiond/logger"
	"renditiond/models"
	"renditiond/utils"
)

var ErrUnsupportedFormat = errors.New("unsupported output format")

// TransformOptions describes one rendition of a source file.
type TransformOptions struct {
	ResizeWidth int
	Format      models.OutputFormat
	Lossless    bool
	Extract     *models.Rect
}

// Codec produces encoded renditions by running the registered encoders on a
// source file. Outputs go through a scratch directory and are returned as
// bytes; nothing is left on disk.
type Codec struct {
	registry   *Registry
	scratchDir string
}

// New returns a codec with every default encoder whose tool is installed.
func New(scratchDir string) *Codec {
	r := NewRegistry()
	r.RegisterDefaults()
	return NewWithRegistry(r, scratchDir)
}

func NewWithRegistry(r *Registry, scratchDir string) *Codec {
	return &Codec{registry: r, scratchDir: scratchDir}
}

func (c *Codec) Formats() []models.OutputFormat { return c.registry.Formats() }

// Transform resizes, crops and encodes source according to opts.
func (c *Codec) Transform(ctx context.Context, source string, opts TransformOptions) ([]byte, error) {
	enc, ok := c.registry.Get(opts.Format)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, opts.Format)
	}
	if r := opts.Extract; r != nil && (r.Width <= 0 || r.Height <= 0 || r.X < 0 || r.Y < 0) {
		return nil, fmt.Errorf("invalid extract area %+v", *r)
	}

	outPath, err := c.scratchPath(string(opts.Format))
	if err != nil {
		return nil, err
	}
	defer os.Remove(outPath)

	encodeOpts := EncodeOptions{
		Width:    opts.ResizeWidth,
		Lossless: opts.Lossless,
		Extract:  opts.Extract,
	}
	if err := enc(ctx, source, outPath, encodeOpts); err != nil {
		return nil, fmt.Errorf("encoding %s as %s failed: %w", filepath.Base(source), opts.Format, err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoder output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("encoder produced empty %s output", opts.Format)
	}
	logger.Debugf("encoded %s -> %s %dpx (%d bytes)", filepath.Base(source), opts.Format, opts.ResizeWidth, len(data))
	return data, nil
}

// scratchPath returns a fresh file name in the scratch directory.
func (c *Codec) scratchPath(ext string) (string, error) {
	if err := os.MkdirAll(c.scratchDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create scratch directory: %w", err)
	}
	name, err := utils.GenerateRandomHex(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate scratch name: %w", err)
	}
	return filepath.Join(c.scratchDir, name+"."+ext), nil
}

// Metadata returns the displayed pixel size of the image at path, with width
// and height swapped for EXIF orientations that rotate by 90 degrees. Formats
// the standard decoders do not know are measured with ImageMagick.
func (c *Codec) Metadata(ctx context.Context, path string) (models.Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Size{}, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err == nil {
		return orientSize(models.Size{Width: cfg.Width, Height: cfg.Height}, Orientation(path)), nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return models.Size{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return identify(ctx, path)
}

// transposedOrientations are ImageMagick's names for EXIF orientations 5-8.
var transposedOrientations = map[string]bool{
	"LeftTop":     true,
	"RightTop":    true,
	"RightBottom": true,
	"LeftBottom":  true,
}

func identify(ctx context.Context, path string) (models.Size, error) {
	out, err := commandOutput(ctx, "magick", "identify", "-format", "%w %h %[orientation]", path+"[0]")
	if err != nil {
		return models.Size{}, err
	}
	return parseIdentify(out)
}

// parseIdentify reads "<width> <height> [orientation]".
func parseIdentify(out string) (models.Size, error) {
	fields := strings.Fields(out)
	if len(fields) < 2 || len(fields) > 3 {
		return models.Size{}, fmt.Errorf("unexpected identify output %q", out)
	}
	w, errW := strconv.Atoi(fields[0])
	h, errH := strconv.Atoi(fields[1])
	if errW != nil || errH != nil {
		return models.Size{}, fmt.Errorf("unexpected identify output %q", out)
	}
	if len(fields) == 3 && transposedOrientations[fields[2]] {
		w, h = h, w
	}
	return models.Size{Width: w, Height: h}, nil
}
