// Package job describes the units of codec work the worker pool runs and
// executes them against an image codec.
package job

import (
	"fmt"

	"renditiond/models"
)

type Kind int

const (
	// Render resizes and encodes the whole source.
	Render Kind = iota
	// DirectCrop extracts a caller-given rectangle, then resizes and encodes.
	DirectCrop
	// SmartCrop extracts the rectangle found by crop analysis, then resizes
	// and encodes.
	SmartCrop
	// CropAnalysis finds the best rectangle for a target aspect ratio.
	CropAnalysis
)

func (k Kind) String() string {
	switch k {
	case Render:
		return "render"
	case DirectCrop:
		return "direct-crop"
	case SmartCrop:
		return "smart-crop"
	case CropAnalysis:
		return "crop-analysis"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Job is one unit of work. Which fields are used depends on Kind:
// render kinds use Task and Source, crop kinds use Area, CropAnalysis uses
// Target and Source.
type Job struct {
	Kind     Kind
	Source   string
	Task     models.RenderTask
	Lossless bool
	Area     models.Rect
	Target   models.Size
}

// ForRender builds the render job for task. crop is the rectangle produced by
// crop analysis and is only read for smart-crop tasks.
func ForRender(task models.RenderTask, desc models.RenditionDescriptor, crop models.CropResult) Job {
	j := Job{
		Source:   desc.OriginalPath,
		Task:     task,
		Lossless: desc.Lossless,
	}
	switch task.Crop.Mode {
	case models.CropDirect:
		j.Kind = DirectCrop
		j.Area = task.Crop.Rect
	case models.CropSmart:
		j.Kind = SmartCrop
		j.Area = crop
	default:
		j.Kind = Render
	}
	return j
}

// ForCropAnalysis builds the analysis job for task.
func ForCropAnalysis(task models.CropAnalysisTask, desc models.RenditionDescriptor) Job {
	return Job{Kind: CropAnalysis, Source: desc.OriginalPath, Target: task.Target}
}
