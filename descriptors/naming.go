package descriptors

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"renditiond/models"
)

// EncodeFilename names a rendition file: the source base name without its
// extension and with dots replaced, then the width and the format.
func EncodeFilename(originalPath string, width int, format models.OutputFormat) string {
	base := filepath.Base(originalPath)
	name := strings.ReplaceAll(strings.TrimSuffix(base, filepath.Ext(base)), ".", "_")
	if name == "" || name == "/" || name == "_" {
		name = "image"
	}
	return fmt.Sprintf("%s.%d.%s", name, width, format)
}

// ParseFilename reads the width and format back from a rendition file name.
func ParseFilename(filename string) (int, models.OutputFormat, bool) {
	parts := strings.Split(filename, ".")
	if len(parts) != 3 {
		return 0, "", false
	}
	width, err := strconv.Atoi(parts[1])
	if err != nil || width <= 0 {
		return 0, "", false
	}
	format := models.OutputFormat(parts[2])
	if !format.Valid() {
		return 0, "", false
	}
	return width, format, true
}

// RatioClasses describes the orientation of size and how far its aspect
// ratio is from target.
func RatioClasses(size models.Size, target, threshold float64) []string {
	var classes []string
	switch {
	case size.Width > size.Height:
		classes = append(classes, "horizontal", "landscape")
	case size.Width == size.Height:
		classes = append(classes, "square")
	default:
		classes = append(classes, "vertical", "portrait")
	}
	if size.Height <= 0 {
		return classes
	}

	diff := float64(size.Width)/float64(size.Height) - target
	if diff > threshold || diff < -threshold {
		classes = append(classes, "ratio-crossed-threshold")
		if diff > 0 {
			classes = append(classes, "ratio-above-threshold")
		} else {
			classes = append(classes, "ratio-below-threshold")
		}
	}
	return classes
}
