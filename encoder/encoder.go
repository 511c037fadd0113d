package encoder

import (
	"context"
	"os/exec"
	"sync"

	"renditiond/logger"
	"renditiond/models"
)

// EncodeFunc writes input to output in one format, resized and optionally
// cropped according to opts.
type EncodeFunc func(ctx context.Context, input, output string, opts EncodeOptions) error

type EncodeOptions struct {
	Width    int // target width, height follows the aspect ratio; 0 keeps the source width
	Quality  int // 1-100, ignored when Lossless
	Lossless bool
	Extract  *models.Rect // cropped out of the source before resizing
}

// Default quality per format.
var defaultQuality = map[models.OutputFormat]int{
	models.FormatAVIF: 80,
	models.FormatJPEG: 90,
	models.FormatWebP: 90,
	models.FormatPNG:  100,
}

// Registry maps format -> encoder function.
type Registry struct {
	mu  sync.RWMutex
	fns map[models.OutputFormat]EncodeFunc
}

func NewRegistry() *Registry {
	return &Registry{fns: make(map[models.OutputFormat]EncodeFunc)}
}

// Register adds the encoder if the underlying command exists, logs status.
// It reports whether the encoder was registered.
func (r *Registry) Register(format models.OutputFormat, cmdName string, fn EncodeFunc) bool {
	if _, err := exec.LookPath(cmdName); err != nil {
		logger.Warnf("encoder [%s] skipped: command '%s' not found in PATH", format, cmdName)
		return false
	}
	r.Set(format, fn)
	logger.Debugf("encoder [%s] registered (command: %s)", format, cmdName)
	return true
}

// Set registers fn for format without checking for a command.
func (r *Registry) Set(format models.OutputFormat, fn EncodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[format] = fn
}

// Get looks up the encoder for format.
func (r *Registry) Get(format models.OutputFormat) (EncodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[format]
	return fn, ok
}

// Formats returns the registered formats in models.Formats order.
func (r *Registry) Formats() []models.OutputFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.OutputFormat
	for _, f := range models.Formats {
		if _, ok := r.fns[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// RegisterDefaults registers every format the installed tools can produce.
// WebP prefers cwebp and falls back to ImageMagick.
func (r *Registry) RegisterDefaults() {
	r.Register(models.FormatJPEG, "magick", EncodeJPEG)
	r.Register(models.FormatPNG, "magick", EncodePNG)
	r.Register(models.FormatAVIF, "magick", EncodeAVIF)
	if !r.Register(models.FormatWebP, "cwebp", EncodeWebP) {
		r.Register(models.FormatWebP, "magick", encodeWebPMagick)
	}
}
