package job

import (
	"context"
	"errors"
	"fmt"

	"renditiond/encoder"
	"renditiond/models"
)

// Codec is the image capability jobs run against. *encoder.Codec implements it.
type Codec interface {
	Transform(ctx context.Context, source string, opts encoder.TransformOptions) ([]byte, error)
	AnalyzeCrop(ctx context.Context, source string, target models.Size) (models.Rect, error)
	// Formats lists the output formats Transform can produce.
	Formats() []models.OutputFormat
}

// Result carries the output of a job: Bytes for render kinds, Crop for
// CropAnalysis.
type Result struct {
	Bytes []byte
	Crop  models.CropResult
}

var errNoSource = errors.New("job has no source path")

// Execute runs j on codec.
func Execute(ctx context.Context, codec Codec, j Job) (Result, error) {
	if j.Source == "" {
		return Result{}, errNoSource
	}

	switch j.Kind {
	case Render:
		return transform(ctx, codec, j, nil)

	case DirectCrop, SmartCrop:
		if j.Area.Width <= 0 || j.Area.Height <= 0 {
			return Result{}, fmt.Errorf("%s job without crop area", j.Kind)
		}
		area := j.Area
		return transform(ctx, codec, j, &area)

	case CropAnalysis:
		rect, err := codec.AnalyzeCrop(ctx, j.Source, j.Target)
		if err != nil {
			return Result{}, fmt.Errorf("crop analysis failed: %w", err)
		}
		return Result{Crop: rect}, nil
	}
	return Result{}, fmt.Errorf("unknown job kind %s", j.Kind)
}

func transform(ctx context.Context, codec Codec, j Job, extract *models.Rect) (Result, error) {
	data, err := codec.Transform(ctx, j.Source, encoder.TransformOptions{
		ResizeWidth: j.Task.Resolution,
		Format:      j.Task.Format,
		Lossless:    j.Lossless,
		Extract:     extract,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Bytes: data}, nil
}
