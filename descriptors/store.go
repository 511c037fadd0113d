// Package descriptors owns the registered rendition descriptors and the source
// image metadata they were built from. A Store is created once by the service
// and handed to whatever needs to resolve a descriptor hash.
package descriptors

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"renditiond/logger"
	"renditiond/models"
)

var ErrNotFound = errors.New("descriptor not found")

// MetadataReader reads the pixel size of a source image. *encoder.Codec
// implements it.
type MetadataReader interface {
	Metadata(ctx context.Context, path string) (models.Size, error)
}

// Store is an in-memory registry of descriptors keyed by hash. Descriptors are
// never evicted.
type Store struct {
	opts   Options
	reader MetadataReader
	log    *logger.Scoped

	mu          sync.RWMutex
	descriptors map[string]*models.RenditionDescriptor

	metaMu    sync.RWMutex
	meta      map[string]models.Size
	metaGroup singleflight.Group
}

func NewStore(reader MetadataReader, opts Options) *Store {
	return &Store{
		opts:        opts.withDefaults(),
		reader:      reader,
		log:         logger.With("descriptors"),
		descriptors: make(map[string]*models.RenditionDescriptor),
		meta:        make(map[string]models.Size),
	}
}

// Get returns a copy of the descriptor registered under hash.
func (s *Store) Get(hash string) (models.RenditionDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.descriptors[hash]
	if !ok {
		return models.RenditionDescriptor{}, false
	}
	return clone(*d), true
}

func clone(d models.RenditionDescriptor) models.RenditionDescriptor {
	d.Resolutions = slices.Clone(d.Resolutions)
	if d.Container != nil {
		c := *d.Container
		d.Container = &c
	}
	return d
}

// Init creates an empty descriptor under hash, replacing any previous one.
func (s *Store) Init(hash string) {
	s.mu.Lock()
	s.descriptors[hash] = &models.RenditionDescriptor{Hash: hash}
	n := len(s.descriptors)
	s.mu.Unlock()
	s.warnGrowth(n)
}

// LoadOrStore installs a complete descriptor under d.Hash in one step, so
// readers never see it half built. If a descriptor for the same source is
// already registered under the hash it is returned instead and loaded is
// true.
func (s *Store) LoadOrStore(d models.RenditionDescriptor) (actual models.RenditionDescriptor, loaded bool) {
	s.mu.Lock()
	if existing, ok := s.descriptors[d.Hash]; ok && existing.OriginalPath == d.OriginalPath {
		actual = clone(*existing)
		s.mu.Unlock()
		return actual, true
	}
	stored := clone(d)
	s.descriptors[d.Hash] = &stored
	n := len(s.descriptors)
	s.mu.Unlock()
	s.warnGrowth(n)
	return clone(d), false
}

func (s *Store) warnGrowth(n int) {
	if s.opts.GrowthWarning > 0 && n%s.opts.GrowthWarning == 0 {
		s.log.Warnf("%d descriptors registered; descriptors are never evicted", n)
	}
}

// Len is the number of registered descriptors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.descriptors)
}

// update applies fn to the descriptor under hash.
func (s *Store) update(hash string, fn func(d *models.RenditionDescriptor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[hash]
	if !ok {
		s.log.Errorf("hash %s not initialised", hash)
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	fn(d)
	return nil
}

func (s *Store) SetResolutions(hash string, resolutions []int) error {
	resolutions = slices.Clone(resolutions)
	return s.update(hash, func(d *models.RenditionDescriptor) { d.Resolutions = resolutions })
}

func (s *Store) SetLossless(hash string, lossless bool) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.Lossless = lossless })
}

func (s *Store) SetOriginalPath(hash, path string) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.OriginalPath = path })
}

func (s *Store) SetTargetRatio(hash string, ratio float64) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.TargetRatio = ratio })
}

func (s *Store) SetRatioDiffThreshold(hash string, threshold float64) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.RatioDiffThreshold = threshold })
}

func (s *Store) SetContainer(hash string, c *models.Container) error {
	if c != nil {
		cp := *c
		c = &cp
	}
	return s.update(hash, func(d *models.RenditionDescriptor) { d.Container = c })
}

func (s *Store) SetCrop(hash string, crop models.CropSpec) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.Crop = crop })
}

func (s *Store) SetThumbnailSize(hash string, size int) error {
	return s.update(hash, func(d *models.RenditionDescriptor) { d.ThumbnailSize = size })
}

// Metadata returns the size of the image at path, reading it at most once.
// Concurrent first reads of the same path share one read; failed reads are
// not remembered.
func (s *Store) Metadata(ctx context.Context, path string) (models.Size, error) {
	s.metaMu.RLock()
	size, ok := s.meta[path]
	s.metaMu.RUnlock()
	if ok {
		return size, nil
	}

	v, err, _ := s.metaGroup.Do(path, func() (interface{}, error) {
		s.metaMu.RLock()
		size, ok := s.meta[path]
		s.metaMu.RUnlock()
		if ok {
			return size, nil
		}
		size, err := s.reader.Metadata(ctx, path)
		if err != nil {
			return models.Size{}, err
		}
		s.metaMu.Lock()
		s.meta[path] = size
		s.metaMu.Unlock()
		return size, nil
	})
	if err != nil {
		return models.Size{}, fmt.Errorf("failed to read metadata of %s: %w", path, err)
	}
	return v.(models.Size), nil
}

// Forget drops the descriptor and the remembered metadata of its source.
func (s *Store) Forget(hash string) bool {
	s.mu.Lock()
	d, ok := s.descriptors[hash]
	delete(s.descriptors, hash)
	s.mu.Unlock()
	if ok {
		s.metaMu.Lock()
		delete(s.meta, d.OriginalPath)
		s.metaMu.Unlock()
	}
	return ok
}
