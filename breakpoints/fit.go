package breakpoints

import (
	"math"

	"renditiond/models"
)

// Fit returns the size at which source is drawn inside container under the
// container's object-fit mode. An empty mode means contain; modes other than
// contain and cover stretch to the container. A container without a positive
// width and height yields a zero size.
func Fit(container models.Container, source models.Size) models.Size {
	if container.Width <= 0 || container.Height <= 0 || source.Width <= 0 || source.Height <= 0 {
		return models.Size{}
	}

	cw, ch := float64(container.Width), float64(container.Height)
	containerAspect := cw / ch
	imageAspect := float64(source.Width) / float64(source.Height)

	var w, h float64
	switch container.Fit {
	case models.FitCover:
		if containerAspect > imageAspect {
			w, h = cw, cw/imageAspect
		} else {
			w, h = ch*imageAspect, ch
		}
	case models.FitContain, "":
		if containerAspect < imageAspect {
			w, h = cw, cw/imageAspect
		} else {
			w, h = ch*imageAspect, ch
		}
	default:
		w, h = cw, ch
	}

	return models.Size{Width: int(math.Round(w)), Height: int(math.Round(h))}
}
