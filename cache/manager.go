// Package cache produces encoded renditions at most once: results are kept in
// a memory tier (small widths) or a disk tier (large widths), and concurrent
// requests for the same missing rendition share a single codec job.
package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"renditiond/failures"
	"renditiond/job"
	"renditiond/logger"
	"renditiond/metrics"
	"renditiond/models"
	"renditiond/success"
	"renditiond/taskqueue"
)

const (
	tierMemory = "memory"
	tierDisk   = "disk"
	tierCrop   = "crop"

	DefaultMemoryEntries = 10000
)

// DescriptorSource is the read side of the descriptor store.
type DescriptorSource interface {
	Get(hash string) (models.RenditionDescriptor, bool)
}

type FailureLedger interface {
	StoreFailure(failures.FailureRecord) error
}

type SuccessLedger interface {
	StoreSuccess(success.SuccessRecord) error
}

// Replicator receives every rendition written to the disk tier.
type Replicator interface {
	Replicate(task models.RenderTask, data []byte)
}

type Options struct {
	// ResolutionThreshold routes widths <= threshold to memory, larger ones
	// to disk.
	ResolutionThreshold int
	MemoryMaxEntries    int
	Disk                DiskOptions
	Crop                DiskOptions
	// MaxConcurrent is the worker pool width; see taskqueue.Width.
	MaxConcurrent int

	Failures   FailureLedger
	Successes  SuccessLedger
	Replicator Replicator
	Metrics    *metrics.Metrics
}

// Manager owns the cache tiers and the in-flight registries.
type Manager struct {
	opts        Options
	descriptors DescriptorSource
	codec       job.Codec
	queue       *taskqueue.Queue
	memory      *MemoryTier
	log         *logger.Scoped

	mu      sync.RWMutex
	started bool
	stopped bool
	disk    *DiskTier
	crops   *CropCache
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	jobs    sync.WaitGroup // flight bodies, which may still write to the tiers

	ownersMu sync.Mutex
	owners   map[string]map[string]string // descriptor hash -> key -> tier
}

func New(descriptors DescriptorSource, codec job.Codec, opts Options) (*Manager, error) {
	if opts.MemoryMaxEntries <= 0 {
		opts.MemoryMaxEntries = DefaultMemoryEntries
	}
	memory, err := NewMemoryTier(opts.MemoryMaxEntries)
	if err != nil {
		return nil, err
	}
	return &Manager{
		opts:        opts,
		descriptors: descriptors,
		codec:       codec,
		queue:       taskqueue.New(opts.MaxConcurrent),
		memory:      memory,
		log:         logger.With("cache"),
		owners:      make(map[string]map[string]string),
	}, nil
}

// Start opens the persistent tiers and starts their pruning loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("cache manager already started")
	}
	if m.stopped {
		return errors.New("cache manager stopped")
	}

	disk, err := OpenDiskTier(m.opts.Disk)
	if err != nil {
		return fmt.Errorf("failed to open image cache: %w", err)
	}
	cropTier, err := OpenDiskTier(m.opts.Crop)
	if err != nil {
		disk.Close()
		return fmt.Errorf("failed to open crop cache: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.disk, m.crops, m.cancel = disk, NewCropCache(cropTier), cancel
	for _, t := range []*DiskTier{disk, cropTier} {
		m.loops.Add(1)
		go func(t *DiskTier) {
			defer m.loops.Done()
			t.Run(loopCtx)
		}(t)
	}
	m.started = true
	m.log.Infof("started: threshold %dpx, %d workers", m.opts.ResolutionThreshold, m.queue.Pool.Width())
	return nil
}

// Stop stops pruning, refuses new jobs, waits for running ones to finish
// writing and closes the persistent tiers. Jobs still queued for a worker
// fail with taskqueue.ErrPoolClosed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	if started {
		m.cancel()
	}
	m.mu.Unlock()

	m.loops.Wait()
	m.queue.Close()
	m.jobs.Wait()
	if !started {
		return nil
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	return errors.Join(m.disk.Close(), m.crops.tier.Close())
}

// beginJob registers a flight body with Stop. It reports false once the
// manager is stopping.
func (m *Manager) beginJob() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return false
	}
	m.jobs.Add(1)
	return true
}

func (m *Manager) persistent() (*DiskTier, *CropCache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return nil, nil, ErrNotStarted
	}
	return m.disk, m.crops, nil
}

// tierFor picks the tier of a width.
func (m *Manager) tierFor(resolution int) (Tier, string, error) {
	if resolution >= 0 && resolution <= m.opts.ResolutionThreshold {
		return m.memory, tierMemory, nil
	}
	disk, _, err := m.persistent()
	if err != nil {
		return nil, "", err
	}
	return disk, tierDisk, nil
}

func (m *Manager) validate(task models.RenderTask) (models.RenditionDescriptor, error) {
	if !task.Format.Valid() {
		return models.RenditionDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidFormat, task.Format)
	}
	if !slices.Contains(m.codec.Formats(), task.Format) {
		return models.RenditionDescriptor{}, fmt.Errorf("%w: no encoder for %q", ErrInvalidFormat, task.Format)
	}
	desc, ok := m.descriptors.Get(task.DescriptorHash)
	if !ok {
		return desc, fmt.Errorf("%w: %s", ErrUnknownDescriptor, task.DescriptorHash)
	}
	if !desc.HasResolution(task.Resolution) {
		return desc, fmt.Errorf("%w: %d", ErrUnknownResolution, task.Resolution)
	}
	return desc, nil
}

// GetRendition returns the encoded bytes of task, computing and caching them
// on a miss. Concurrent calls for the same task share one job. A caller whose
// ctx ends stops waiting; the job itself still completes and is cached.
func (m *Manager) GetRendition(ctx context.Context, task models.RenderTask) ([]byte, error) {
	desc, err := m.validate(task)
	if err != nil {
		return nil, err
	}
	tier, tierName, err := m.tierFor(task.Resolution)
	if err != nil {
		return nil, err
	}

	key := task.Hash()
	data, found, err := tier.Get(key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	m.opts.Metrics.CacheLookup(tierName, found)
	if found {
		m.own(task.DescriptorHash, key, tierName)
		return data, nil
	}

	data, shared, err := m.queue.Renders.Do(ctx, key, func(jobCtx context.Context) ([]byte, error) {
		if !m.beginJob() {
			return nil, ErrNotStarted
		}
		defer m.jobs.Done()
		return m.render(jobCtx, task, desc, key, tier, tierName)
	})
	if shared {
		m.opts.Metrics.SharedResult("render")
	}
	return data, err
}

func (m *Manager) render(ctx context.Context, task models.RenderTask, desc models.RenditionDescriptor, key string, tier Tier, tierName string) ([]byte, error) {
	// a previous flight may have stored it after our lookup
	if data, found, err := tier.Get(key); err == nil && found {
		return data, nil
	}

	var crop models.CropResult
	if task.Crop.Mode == models.CropSmart {
		var err error
		if crop, err = m.GetCropAnalysis(ctx, task.CropTask()); err != nil {
			return nil, m.renderFailed(task, err)
		}
	}

	j := job.ForRender(task, desc, crop)
	start := time.Now()
	var res job.Result
	err := m.queue.Pool.Run(ctx, func(runCtx context.Context) error {
		var err error
		res, err = job.Execute(runCtx, m.codec, j)
		return err
	})
	took := time.Since(start)
	m.opts.Metrics.JobDone(j.Kind.String(), took, err)
	if err != nil {
		return nil, m.renderFailed(task, err)
	}

	if err := tier.Set(key, res.Bytes); err != nil {
		m.log.Errorf("failed to cache %s in %s tier: %v", key, tierName, err)
	} else {
		m.own(task.DescriptorHash, key, tierName)
	}

	if m.opts.Successes != nil {
		record := success.SuccessRecord{
			TaskHash:       key,
			DescriptorHash: task.DescriptorHash,
			Resolution:     task.Resolution,
			Format:         string(task.Format),
			Bytes:          len(res.Bytes),
			Tier:           tierName,
			DurationMs:     took.Milliseconds(),
		}
		if err := m.opts.Successes.StoreSuccess(record); err != nil {
			m.log.Warnf("failed to record success of %s: %v", key, err)
		}
	}
	if tierName == tierDisk && m.opts.Replicator != nil {
		m.opts.Replicator.Replicate(task, res.Bytes)
	}

	m.log.Debugf("rendered %s %dpx %s (%s, %d bytes, %v)", task.DescriptorHash, task.Resolution, task.Format, j.Kind, len(res.Bytes), took)
	return res.Bytes, nil
}

func (m *Manager) renderFailed(task models.RenderTask, err error) error {
	if errors.Is(err, taskqueue.ErrPoolClosed) || errors.Is(err, ErrNotStarted) || errors.Is(err, ErrTaskFailure) {
		return err
	}
	key := task.Hash()
	m.log.Errorf("render %s (%s %dpx %s) failed: %v", key, task.DescriptorHash, task.Resolution, task.Format, err)
	m.recordFailure(failures.FailureRecord{
		TaskHash:       key,
		DescriptorHash: task.DescriptorHash,
		Resolution:     task.Resolution,
		Format:         string(task.Format),
		Error:          err.Error(),
	})
	return fmt.Errorf("%w: %w", ErrTaskFailure, err)
}

func (m *Manager) recordFailure(record failures.FailureRecord) {
	if m.opts.Failures == nil {
		return
	}
	if err := m.opts.Failures.StoreFailure(record); err != nil {
		m.log.Warnf("failed to record failure of %s: %v", record.TaskHash, err)
	}
}

// GetCropAnalysis returns the crop rectangle for task, analysing the source
// once on a miss. A corrupt persisted result is recomputed.
func (m *Manager) GetCropAnalysis(ctx context.Context, task models.CropAnalysisTask) (models.CropResult, error) {
	desc, ok := m.descriptors.Get(task.DescriptorHash)
	if !ok {
		return models.CropResult{}, fmt.Errorf("%w: %s", ErrUnknownDescriptor, task.DescriptorHash)
	}
	if task.Target.Width <= 0 || task.Target.Height <= 0 {
		return models.CropResult{}, fmt.Errorf("invalid crop target %dx%d", task.Target.Width, task.Target.Height)
	}
	_, crops, err := m.persistent()
	if err != nil {
		return models.CropResult{}, err
	}

	key := task.Hash()
	result, found, err := crops.Get(key)
	if err != nil {
		return models.CropResult{}, fmt.Errorf("crop cache lookup failed: %w", err)
	}
	m.opts.Metrics.CacheLookup(tierCrop, found)
	if found {
		return result, nil
	}

	result, shared, err := m.queue.Crops.Do(ctx, key, func(jobCtx context.Context) (models.CropResult, error) {
		if !m.beginJob() {
			return models.CropResult{}, ErrNotStarted
		}
		defer m.jobs.Done()
		if r, found, err := crops.Get(key); err == nil && found {
			return r, nil
		}

		j := job.ForCropAnalysis(task, desc)
		start := time.Now()
		var res job.Result
		err := m.queue.Pool.Run(jobCtx, func(runCtx context.Context) error {
			var err error
			res, err = job.Execute(runCtx, m.codec, j)
			return err
		})
		m.opts.Metrics.JobDone(j.Kind.String(), time.Since(start), err)
		if err != nil {
			if errors.Is(err, taskqueue.ErrPoolClosed) {
				return models.CropResult{}, err
			}
			m.log.Errorf("crop analysis %s of %s failed: %v", key, task.DescriptorHash, err)
			m.recordFailure(failures.FailureRecord{
				TaskHash:       key,
				DescriptorHash: task.DescriptorHash,
				Format:         tierCrop,
				Error:          err.Error(),
			})
			return models.CropResult{}, fmt.Errorf("%w: %w", ErrTaskFailure, err)
		}

		if err := crops.Set(key, res.Crop); err != nil {
			m.log.Errorf("failed to cache crop %s: %v", key, err)
		} else {
			m.own(task.DescriptorHash, key, tierCrop)
		}
		return res.Crop, nil
	})
	if shared {
		m.opts.Metrics.SharedResult("crop")
	}
	return result, err
}

// PeekCachedThumbnail returns the base64 bytes of task if they are already in
// the memory tier. It never touches disk, never starts a job and leaves the
// entry's recency alone.
func (m *Manager) PeekCachedThumbnail(task models.RenderTask) (string, bool) {
	if task.Resolution < 0 || task.Resolution > m.opts.ResolutionThreshold {
		return "", false
	}
	data, found := m.memory.Peek(task.Hash())
	if !found {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

func (m *Manager) own(descriptorHash, key, tier string) {
	m.ownersMu.Lock()
	defer m.ownersMu.Unlock()
	keys, ok := m.owners[descriptorHash]
	if !ok {
		keys = make(map[string]string)
		m.owners[descriptorHash] = keys
	}
	keys[key] = tier
}

// PurgeDescriptor drops every cached rendition and crop produced or served
// for the descriptor by this process and returns how many were dropped.
func (m *Manager) PurgeDescriptor(hash string) (int, error) {
	m.ownersMu.Lock()
	keys := m.owners[hash]
	delete(m.owners, hash)
	m.ownersMu.Unlock()

	disk, crops, err := m.persistent()
	if err != nil && len(keys) > 0 {
		return 0, err
	}

	var errs []error
	for key, tier := range keys {
		switch tier {
		case tierMemory:
			errs = append(errs, m.memory.Delete(key))
		case tierDisk:
			errs = append(errs, disk.Delete(key))
		case tierCrop:
			errs = append(errs, crops.Delete(key))
		}
	}
	if len(keys) > 0 {
		m.log.Infof("purged %d entries of descriptor %s", len(keys), hash)
	}
	return len(keys), errors.Join(errs...)
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Memory          TierStats `json:"memory"`
	Disk            TierStats `json:"disk"`
	Crops           TierStats `json:"crops"`
	InFlightRenders int       `json:"inFlightRenders"`
	InFlightCrops   int       `json:"inFlightCrops"`
	Workers         int       `json:"workers"`
	Running         int       `json:"running"`
	Waiting         int       `json:"waiting"`
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Memory:  m.memory.Stats(),
		Workers: m.queue.Pool.Width(),
		Running: m.queue.Pool.Running(),
		Waiting: m.queue.Pool.Waiting(),
	}
	s.InFlightRenders, s.InFlightCrops = m.queue.InFlight()
	if disk, crops, err := m.persistent(); err == nil {
		s.Disk = disk.Stats()
		s.Crops = crops.Stats()
	}
	return s
}
