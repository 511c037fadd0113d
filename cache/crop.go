package cache

import (
	"encoding/json"
	"fmt"
	"math"

	"renditiond/logger"
	"renditiond/models"
)

// cropPayload is the persisted shape of a crop result.
type cropPayload struct {
	TopCrop *struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	} `json:"topCrop"`
}

// CropCache persists crop analysis results keyed by crop task hash. A stored
// payload that fails validation is dropped and reported as a miss.
type CropCache struct {
	tier *DiskTier
	log  *logger.Scoped
}

func NewCropCache(tier *DiskTier) *CropCache {
	return &CropCache{tier: tier, log: logger.With("crop-cache")}
}

func (c *CropCache) Get(key string) (models.CropResult, bool, error) {
	data, found, err := c.tier.Get(key)
	if err != nil || !found {
		return models.CropResult{}, false, err
	}

	result, err := decodeCrop(data)
	if err != nil {
		c.log.Warnf("dropping %s: %v", key, err)
		if err := c.tier.Delete(key); err != nil {
			c.log.Warnf("failed to drop %s: %v", key, err)
		}
		return models.CropResult{}, false, nil
	}
	return result, true, nil
}

func (c *CropCache) Set(key string, result models.CropResult) error {
	data, err := encodeCrop(result)
	if err != nil {
		return err
	}
	return c.tier.Set(key, data)
}

func (c *CropCache) Delete(key string) error { return c.tier.Delete(key) }

func (c *CropCache) Stats() TierStats { return c.tier.Stats() }

func encodeCrop(r models.CropResult) ([]byte, error) {
	return json.Marshal(map[string]models.Rect{"topCrop": r})
}

func decodeCrop(data []byte) (models.CropResult, error) {
	var p cropPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.CropResult{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	t := p.TopCrop
	if t == nil || t.X == nil || t.Y == nil || t.Width == nil || t.Height == nil {
		return models.CropResult{}, fmt.Errorf("%w: missing fields", ErrCorruptEntry)
	}
	for _, v := range []float64{*t.X, *t.Y, *t.Width, *t.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return models.CropResult{}, fmt.Errorf("%w: invalid value %v", ErrCorruptEntry, v)
		}
	}
	if *t.Width < 1 || *t.Height < 1 {
		return models.CropResult{}, fmt.Errorf("%w: empty area", ErrCorruptEntry)
	}
	return models.CropResult{
		X:      int(math.Round(*t.X)),
		Y:      int(math.Round(*t.Y)),
		Width:  int(math.Round(*t.Width)),
		Height: int(math.Round(*t.Height)),
	}, nil
}
