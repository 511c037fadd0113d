package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// OutputFormat is an encoded image format a rendition can be served in.
type OutputFormat string

const (
	FormatJPEG OutputFormat = "jpeg"
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
	FormatAVIF OutputFormat = "avif"
)

// Formats lists every format the service knows how to produce, in the order
// they are offered to clients.
var Formats = []OutputFormat{FormatAVIF, FormatWebP, FormatJPEG, FormatPNG}

// ParseFormat maps a file extension (with or without the dot) to a format.
// "jpg" is accepted as an alias of jpeg.
func ParseFormat(ext string) (OutputFormat, bool) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "png":
		return FormatPNG, true
	case "webp":
		return FormatWebP, true
	case "avif":
		return FormatAVIF, true
	}
	return "", false
}

// Valid reports whether f is one of the supported formats.
func (f OutputFormat) Valid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatWebP, FormatAVIF:
		return true
	}
	return false
}

// ContentType returns the MIME type served for f.
func (f OutputFormat) ContentType() string {
	return "image/" + string(f)
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CropResult is the rectangle chosen by crop analysis for one descriptor and
// target. The same rectangle serves every resolution and format.
type CropResult = Rect

type FitMode string

const (
	FitContain FitMode = "contain"
	FitCover   FitMode = "cover"
)

// Container describes the box an image is laid out in.
type Container struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Fit    FitMode `json:"fit,omitempty"`
}

type CropMode int

const (
	CropNone CropMode = iota
	CropDirect
	CropSmart
)

func (m CropMode) String() string {
	switch m {
	case CropDirect:
		return "direct"
	case CropSmart:
		return "smart"
	default:
		return "none"
	}
}

// CropSpec selects how the source is cropped before resizing. Rect is only
// meaningful for CropDirect, Target only for CropSmart.
type CropSpec struct {
	Mode   CropMode
	Rect   Rect
	Target Size
}

func DirectCrop(r Rect) CropSpec { return CropSpec{Mode: CropDirect, Rect: r} }

func SmartCrop(target Size) CropSpec { return CropSpec{Mode: CropSmart, Target: target} }

// String is the stable text form used in hashes.
func (c CropSpec) String() string {
	switch c.Mode {
	case CropDirect:
		return fmt.Sprintf("direct:%d,%d,%d,%d", c.Rect.X, c.Rect.Y, c.Rect.Width, c.Rect.Height)
	case CropSmart:
		return fmt.Sprintf("smart:%dx%d", c.Target.Width, c.Target.Height)
	default:
		return "none"
	}
}

// RenditionDescriptor holds everything needed to produce any rendition of one
// source image + parameter combination.
type RenditionDescriptor struct {
	Hash               string     `json:"hash"`
	Resolutions        []int      `json:"resolutions"`
	Lossless           bool       `json:"lossless"`
	OriginalPath       string     `json:"originalPath"`
	TargetRatio        float64    `json:"targetRatio"`
	RatioDiffThreshold float64    `json:"ratioDiffThreshold"`
	Container          *Container `json:"container,omitempty"`
	Crop               CropSpec   `json:"-"`
	ThumbnailSize      int        `json:"thumbnailSize"`
}

// HasResolution reports whether width is one of the descriptor's resolutions.
func (d RenditionDescriptor) HasResolution(width int) bool {
	for _, r := range d.Resolutions {
		if r == width {
			return true
		}
	}
	return false
}

// RenderTask is one concrete rendering job.
type RenderTask struct {
	DescriptorHash string
	Resolution     int
	Format         OutputFormat
	Crop           CropSpec
}

// Hash is the cache and deduplication key of the task.
func (t RenderTask) Hash() string {
	return hashParts("render", t.DescriptorHash, fmt.Sprint(t.Resolution), string(t.Format), t.Crop.String())
}

// CropTask returns the crop analysis the task depends on when it uses a
// smart crop.
func (t RenderTask) CropTask() CropAnalysisTask {
	return CropAnalysisTask{DescriptorHash: t.DescriptorHash, Target: t.Crop.Target}
}

// CropAnalysisTask asks for the best crop of a descriptor's source at a target
// aspect. It is independent of resolution and format.
type CropAnalysisTask struct {
	DescriptorHash string
	Target         Size
}

func (t CropAnalysisTask) Hash() string {
	return hashParts("crop", t.DescriptorHash, fmt.Sprintf("%dx%d", t.Target.Width, t.Target.Height))
}

func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
