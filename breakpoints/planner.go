// Package breakpoints turns a CSS sizes expression into the list of widths a
// responsive image should be rendered at.
package breakpoints

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"renditiond/models"
)

const (
	DefaultMinWidth = 320
	DefaultMaxWidth = 1920
)

// Options bounds the viewport range considered by Plan. Zero values fall back
// to DefaultMinWidth and DefaultMaxWidth.
type Options struct {
	MinWidth int
	MaxWidth int
}

func (o Options) withDefaults() Options {
	if o.MinWidth <= 0 {
		o.MinWidth = DefaultMinWidth
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	return o
}

type Kind int

const (
	Max Kind = iota
	Min
	Default
)

type Unit string

const (
	VW Unit = "vw"
	PX Unit = "px"
)

// Condition is one parsed entry of a sizes expression. Width is the media
// condition threshold and is zero for the default entry.
type Condition struct {
	Kind  Kind
	Width int
	Value int
	Unit  Unit
}

var (
	conditionPattern = regexp.MustCompile(`(?i)^\(\s*(max|min)-width\s*:\s*(\d+)px\s*\)\s*(\d+)(vw|px)$`)
	defaultPattern   = regexp.MustCompile(`(?i)^(\d+)(vw|px)$`)
)

// Parse splits expr into conditions. A bare value is only accepted as the
// last entry. Entries matching neither form, or with a number out of int
// range, are dropped.
func Parse(expr string) []Condition {
	entries := strings.Split(expr, ",")
	conditions := make([]Condition, 0, len(entries))

	for i, raw := range entries {
		entry := strings.Join(strings.Fields(raw), " ")
		if m := conditionPattern.FindStringSubmatch(entry); m != nil {
			kind := Max
			if strings.EqualFold(m[1], "min") {
				kind = Min
			}
			width, werr := strconv.Atoi(m[2])
			value, verr := strconv.Atoi(m[3])
			if werr != nil || verr != nil {
				continue
			}
			conditions = append(conditions, Condition{Kind: kind, Width: width, Value: value, Unit: Unit(strings.ToLower(m[4]))})
			continue
		}
		if i == len(entries)-1 {
			if m := defaultPattern.FindStringSubmatch(strings.ReplaceAll(entry, " ", "")); m != nil {
				if value, err := strconv.Atoi(m[1]); err == nil {
					conditions = append(conditions, Condition{Kind: Default, Value: value, Unit: Unit(strings.ToLower(m[2]))})
				}
			}
		}
	}
	return conditions
}

// span is an inclusive [lo, hi] interval.
type span [2]float64

func newSpan(a, b, seam float64) span {
	if a > b {
		return span{b, a - seam}
	}
	return span{a, b - seam}
}

func vw(value int, ref float64) float64 {
	return float64(value) / 100 * ref
}

type ranges struct {
	screen     []span
	calculated []span
	constants  []float64
}

// partition walks the conditions in source order and splits the viewport
// axis between them, first match wins.
func partition(conditions []Condition, minW, maxW float64) ranges {
	var r ranges
	var minCount, maxCount int

	for i, c := range conditions {
		if c.Unit == PX {
			r.constants = append(r.constants, float64(c.Value))
			if len(conditions) == 1 {
				return r
			}
			continue
		}

		width := float64(c.Width)
		calculated := vw(c.Value, width)
		var prev *Condition
		if i > 0 {
			prev = &conditions[i-1]
		}

		switch c.Kind {
		case Max:
			maxCount++
			if prev != nil && prev.Kind != Default {
				prevW := float64(prev.Width)
				r.screen = append(r.screen, newSpan(prevW, width, 1))
				r.calculated = append(r.calculated, newSpan(vw(c.Value, prevW), calculated, 1))
			}
			if i == 0 {
				r.screen = append(r.screen, newSpan(minW, width, 1))
				r.calculated = append(r.calculated, newSpan(minW, calculated, 1))
			}

		case Min:
			minCount++
			if prev != nil && prev.Kind != Default {
				prevW := float64(prev.Width)
				r.calculated = append(r.calculated, newSpan(calculated, vw(c.Value, prevW), 1))
				r.screen = append(r.screen, newSpan(width, prevW, 1))
			}
			if i == 0 {
				r.calculated = append(r.calculated, newSpan(calculated, vw(c.Value, maxW), 0))
				r.screen = append(r.screen, newSpan(width, maxW, 0))
			}

		case Default:
			if minCount == 0 && maxCount == 0 {
				r.screen = append(r.screen, newSpan(minW, maxW, 0))
				r.calculated = append([]span{newSpan(minW, vw(c.Value, maxW), 0)}, r.calculated...)
				return r
			}
			if len(r.screen) == 0 {
				continue
			}

			sortSpans(r.screen)
			start := r.screen[0][0]
			end := r.screen[len(r.screen)-1][1] + 1

			if minCount > 0 {
				r.screen = append(r.screen, newSpan(minW, start, 1))
				r.calculated = append([]span{newSpan(minW, vw(c.Value, start), 1)}, r.calculated...)
			} else {
				r.screen = append(r.screen, newSpan(end, maxW, 0))
				r.calculated = append(r.calculated, newSpan(vw(c.Value, end), vw(c.Value, maxW), 0))
			}
		}
	}
	return r
}

func sortSpans(s []span) {
	slices.SortStableFunc(s, func(a, b span) int {
		switch {
		case a[0] < b[0]:
			return -1
		case a[0] > b[0]:
			return 1
		}
		return 0
	})
}

// fillGaps returns the doublings of 4x the smallest value that stay below the
// largest one.
func fillGaps(sorted []int) []int {
	if len(sorted) == 0 {
		return nil
	}
	smallest, largest := sorted[0], sorted[len(sorted)-1]
	var fills []int
	for cur := smallest * 4; cur > 0 && cur < largest; cur *= 2 {
		fills = append(fills, cur)
	}
	return fills
}

// Plan computes the sorted, duplicate-free widths to render for a sizes
// expression. container, when set, adds the width the image occupies inside
// it. source, when set, caps the result at the source width and offers the
// source width itself whenever a larger candidate was dropped.
func Plan(expr string, opts Options, container *models.Container, source *models.Size) []int {
	opts = opts.withDefaults()
	minW, maxW := float64(opts.MinWidth), float64(opts.MaxWidth)

	r := partition(Parse(expr), minW, maxW)

	var candidates []float64
	for _, s := range r.calculated {
		candidates = append(candidates, s[0], s[1], s[0]*2, s[1]*2)
	}
	for _, c := range r.constants {
		candidates = append(candidates, c, c*2)
	}
	if container != nil {
		if w := containerWidth(*container, source); w > 0 {
			candidates = append(candidates, w, w*2)
		}
	}

	widths := make([]int, 0, len(candidates))
	for _, c := range candidates {
		if c < minW {
			c = minW
		}
		widths = append(widths, int(math.Round(c)))
	}
	slices.Sort(widths)
	widths = append(widths, fillGaps(widths)...)

	slices.Sort(widths)
	widths = slices.Compact(widths)

	if source != nil && source.Width > 0 {
		kept := widths[:0:0]
		for _, w := range widths {
			if w <= source.Width {
				kept = append(kept, w)
			}
		}
		if len(kept) < len(widths) && !slices.Contains(kept, source.Width) {
			kept = append(kept, source.Width)
		}
		widths = kept
	}
	return widths
}

func containerWidth(c models.Container, source *models.Size) float64 {
	if source == nil || source.Width <= 0 {
		return float64(c.Width)
	}
	fitted := Fit(c, *source)
	return float64(min(fitted.Width, source.Width))
}
