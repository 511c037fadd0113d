package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat(".JPG")
	assert.True(t, ok)
	assert.Equal(t, FormatJPEG, f)

	f, ok = ParseFormat("webp")
	assert.True(t, ok)
	assert.Equal(t, FormatWebP, f)

	_, ok = ParseFormat("jxl")
	assert.False(t, ok)

	assert.False(t, OutputFormat("gif").Valid())
	assert.True(t, FormatAVIF.Valid())
}

func TestRenderTaskHashIsStable(t *testing.T) {
	a := RenderTask{DescriptorHash: "d1", Resolution: 640, Format: FormatWebP}
	b := a

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)

	b.Resolution = 1280
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := a
	c.Crop = DirectCrop(Rect{X: 1, Y: 2, Width: 3, Height: 4})
	assert.NotEqual(t, a.Hash(), c.Hash())

	d := a
	d.Crop = SmartCrop(Size{Width: 1, Height: 1})
	assert.NotEqual(t, c.Hash(), d.Hash())
}

func TestCropTaskIgnoresResolutionAndFormat(t *testing.T) {
	a := RenderTask{DescriptorHash: "d1", Resolution: 640, Format: FormatWebP, Crop: SmartCrop(Size{Width: 16, Height: 9})}
	b := RenderTask{DescriptorHash: "d1", Resolution: 1920, Format: FormatAVIF, Crop: SmartCrop(Size{Width: 16, Height: 9})}

	assert.Equal(t, a.CropTask().Hash(), b.CropTask().Hash())
	assert.NotEqual(t, a.CropTask().Hash(), a.Hash())
}

func TestHasResolution(t *testing.T) {
	d := RenditionDescriptor{Resolutions: []int{20, 320, 640}}
	assert.True(t, d.HasResolution(320))
	assert.False(t, d.HasResolution(400))
}
