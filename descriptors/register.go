package descriptors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ryanuber/go-glob"

	"renditiond/breakpoints"
	"renditiond/models"
)

const (
	DefaultTargetRatio        = 16.0 / 9.0
	DefaultRatioDiffThreshold = 0.2
	DefaultThumbnailSize      = 20
	DefaultGrowthWarning      = 10000
)

var (
	ErrInvalidRequest   = errors.New("invalid rendition request")
	ErrSourceNotAllowed = errors.New("source path not allowed")
)

type Options struct {
	// ThumbnailSize is appended to every descriptor's resolutions unless the
	// request names its own.
	ThumbnailSize int
	// AllowedSources are glob patterns a source path must match. Empty
	// allows everything.
	AllowedSources []string
	Planner        breakpoints.Options
	// GrowthWarning logs a warning every time the descriptor count reaches a
	// multiple of it. Zero uses DefaultGrowthWarning, negative disables it.
	GrowthWarning int
}

func (o Options) withDefaults() Options {
	if o.ThumbnailSize <= 0 {
		o.ThumbnailSize = DefaultThumbnailSize
	}
	if o.GrowthWarning == 0 {
		o.GrowthWarning = DefaultGrowthWarning
	}
	return o
}

// Kind selects how a Request yields its resolutions.
type Kind int

const (
	// BySizes plans resolutions from a sizes expression.
	BySizes Kind = iota
	// BySizesWithResolutions takes explicit resolutions alongside a sizes
	// expression.
	BySizesWithResolutions
	// ByResolutionsInContainer takes explicit resolutions for an image laid
	// out in a container.
	ByResolutionsInContainer
	// ByContainer plans resolutions from the container width.
	ByContainer
)

func (k Kind) String() string {
	switch k {
	case BySizes:
		return "sizes"
	case BySizesWithResolutions:
		return "sizes+resolutions"
	case ByResolutionsInContainer:
		return "resolutions+container"
	case ByContainer:
		return "container"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// KindFor infers the request kind from which inputs are present, preferring
// a sizes expression over a container.
func KindFor(sizes string, resolutions []int, container *models.Container) (Kind, error) {
	switch {
	case sizes != "" && len(resolutions) > 0:
		return BySizesWithResolutions, nil
	case sizes != "":
		return BySizes, nil
	case len(resolutions) > 0 && container != nil:
		return ByResolutionsInContainer, nil
	case container != nil:
		return ByContainer, nil
	}
	return 0, fmt.Errorf("%w: provide sizes, or resolutions and container, or container", ErrInvalidRequest)
}

// Request asks for a descriptor of one source image. Nil optional fields take
// the defaults.
type Request struct {
	Kind        Kind
	Path        string
	Sizes       string
	Resolutions []int
	Container   *models.Container
	Crop        models.CropSpec

	Lossless           bool
	TargetRatio        *float64
	RatioDiffThreshold *float64
	ThumbnailSize      *int
}

// resolutions validates r and returns the resolutions it asks for.
func (r Request) resolutions(planner breakpoints.Options) ([]int, error) {
	if r.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrInvalidRequest)
	}
	if r.Container != nil && (r.Container.Width <= 0 || r.Container.Height <= 0) {
		return nil, fmt.Errorf("%w: invalid container dimensions", ErrInvalidRequest)
	}
	if err := validateCrop(r.Crop); err != nil {
		return nil, err
	}

	var out []int
	switch r.Kind {
	case BySizes:
		if r.Sizes == "" {
			return nil, fmt.Errorf("%w: missing sizes", ErrInvalidRequest)
		}
		out = breakpoints.Plan(r.Sizes, planner, nil, nil)
	case BySizesWithResolutions:
		if r.Sizes == "" {
			return nil, fmt.Errorf("%w: missing sizes", ErrInvalidRequest)
		}
		out = slices.Clone(r.Resolutions)
	case ByResolutionsInContainer:
		if r.Container == nil {
			return nil, fmt.Errorf("%w: missing container", ErrInvalidRequest)
		}
		out = slices.Clone(r.Resolutions)
	case ByContainer:
		if r.Container == nil {
			return nil, fmt.Errorf("%w: missing container", ErrInvalidRequest)
		}
		out = breakpoints.Plan(strconv.Itoa(r.Container.Width)+"px", planner, nil, nil)
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrInvalidRequest, r.Kind)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no resolutions", ErrInvalidRequest)
	}
	for _, w := range out {
		if w <= 0 {
			return nil, fmt.Errorf("%w: resolution %d", ErrInvalidRequest, w)
		}
	}
	return out, nil
}

func validateCrop(c models.CropSpec) error {
	switch c.Mode {
	case models.CropNone:
		return nil
	case models.CropDirect:
		if c.Rect.X < 0 || c.Rect.Y < 0 || c.Rect.Width <= 0 || c.Rect.Height <= 0 {
			return fmt.Errorf("%w: invalid crop rectangle", ErrInvalidRequest)
		}
		return nil
	case models.CropSmart:
		if c.Target.Width <= 0 || c.Target.Height <= 0 {
			return fmt.Errorf("%w: invalid crop target", ErrInvalidRequest)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown crop mode", ErrInvalidRequest)
}

// allowed reports whether the absolute path matches one of the configured
// patterns.
func (s *Store) allowed(path string) bool {
	if len(s.opts.AllowedSources) == 0 {
		return true
	}
	for _, pattern := range s.opts.AllowedSources {
		if glob.Glob(pattern, path) {
			return true
		}
	}
	return false
}

// Register resolves req into a descriptor and records it. Registering the
// same request for an unchanged source returns the existing descriptor.
func (s *Store) Register(ctx context.Context, req Request) (models.RenditionDescriptor, error) {
	requested, err := req.resolutions(s.opts.Planner)
	if err != nil {
		return models.RenditionDescriptor{}, err
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return models.RenditionDescriptor{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.allowed(path) {
		return models.RenditionDescriptor{}, fmt.Errorf("%w: %s", ErrSourceNotAllowed, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return models.RenditionDescriptor{}, fmt.Errorf("failed to stat source: %w", err)
	}
	if info.IsDir() {
		return models.RenditionDescriptor{}, fmt.Errorf("%w: %s is a directory", ErrInvalidRequest, path)
	}

	targetRatio := DefaultTargetRatio
	if req.TargetRatio != nil {
		targetRatio = *req.TargetRatio
	}
	ratioDiff := DefaultRatioDiffThreshold
	if req.RatioDiffThreshold != nil {
		ratioDiff = *req.RatioDiffThreshold
	}
	thumbnail := s.opts.ThumbnailSize
	if req.ThumbnailSize != nil && *req.ThumbnailSize > 0 {
		thumbnail = *req.ThumbnailSize
	}

	hash := descriptorHash(path, info.ModTime().UnixNano(), requested, targetRatio, ratioDiff, req.Container, req.Crop)
	// same base name and mtime in another directory re-registers
	if d, ok := s.Get(hash); ok && d.OriginalPath == path {
		return d, nil
	}

	source, err := s.Metadata(ctx, path)
	if err != nil {
		return models.RenditionDescriptor{}, err
	}

	d, loaded := s.LoadOrStore(models.RenditionDescriptor{
		Hash:               hash,
		Resolutions:        finalResolutions(requested, thumbnail, source.Width),
		OriginalPath:       path,
		Lossless:           req.Lossless,
		TargetRatio:        targetRatio,
		RatioDiffThreshold: ratioDiff,
		Container:          req.Container,
		Crop:               req.Crop,
		ThumbnailSize:      thumbnail,
	})
	if !loaded {
		s.log.Debugf("registered %s for %s (%s): %v", hash, path, req.Kind, d.Resolutions)
	}
	return d, nil
}

// finalResolutions adds the thumbnail width, drops widths above the source
// and falls back to the source width when nothing is left.
func finalResolutions(requested []int, thumbnail, sourceWidth int) []int {
	all := append(slices.Clone(requested), thumbnail)
	out := make([]int, 0, len(all))
	for _, w := range all {
		if sourceWidth <= 0 || w <= sourceWidth {
			out = append(out, w)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		out = []int{sourceWidth}
	}
	return out
}

// descriptorHash identifies a source by base name and modification time, so
// a changed file yields a new descriptor.
func descriptorHash(path string, modTime int64, resolutions []int, targetRatio, ratioDiff float64, container *models.Container, crop models.CropSpec) string {
	res, _ := json.Marshal(resolutions)
	var c string
	if container != nil {
		b, _ := json.Marshal(container)
		c = string(b)
	}
	parts := []string{
		filepath.Base(path),
		strconv.FormatInt(modTime, 10),
		string(res),
		strconv.FormatFloat(targetRatio, 'g', -1, 64),
		strconv.FormatFloat(ratioDiff, 'g', -1, 64),
		c,
		crop.String(),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}
