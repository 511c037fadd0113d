package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"renditiond/logger"
)

const (
	DefaultDiskBytes     = 50 << 20
	DefaultPruneInterval = 3 * time.Minute
)

// DiskOptions configures a DiskTier. MaxAge zero keeps entries until they are
// evicted for space.
type DiskOptions struct {
	Dir           string
	MaxBytes      int64
	PruneInterval time.Duration
	MaxAge        time.Duration
	HashSeed      string
}

// DiskTier stores blobs under Dir, content-addressed by a seeded hash of the
// key, within a byte budget. The least recently used entries are evicted
// first; entries older than MaxAge are dropped on read and by Prune.
type DiskTier struct {
	opts DiskOptions
	seed uint64
	log  *logger.Scoped

	mu     sync.Mutex
	index  *entryIndex
	lru    *simplelru.LRU[string, indexEntry]
	total  int64
	closed bool

	now func() time.Time
}

// OpenDiskTier opens the tier in opts.Dir, restoring accounting from the index.
func OpenDiskTier(opts DiskOptions) (*DiskTier, error) {
	if opts.Dir == "" {
		return nil, errors.New("disk tier needs a directory")
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultDiskBytes
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	index, err := openIndex(filepath.Join(opts.Dir, "index"))
	if err != nil {
		return nil, err
	}
	recency, err := simplelru.NewLRU[string, indexEntry](math.MaxInt32, nil)
	if err != nil {
		index.close()
		return nil, err
	}

	d := &DiskTier{
		opts:  opts,
		log:   logger.With("disk-cache"),
		index: index,
		lru:   recency,
		now:   time.Now,
	}
	if opts.HashSeed != "" {
		d.seed = xxhash.Sum64String(opts.HashSeed)
	}

	if err := d.restore(); err != nil {
		index.close()
		return nil, err
	}
	return d, nil
}

// restore loads the index oldest-access first so the LRU order matches.
func (d *DiskTier) restore() error {
	type loaded struct {
		key string
		e   indexEntry
	}
	var entries []loaded
	var bad []string
	err := d.index.each(func(key string, e indexEntry) {
		entries = append(entries, loaded{key, e})
	}, func(key string) {
		bad = append(bad, key)
	})
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	for _, key := range bad {
		d.index.delete(key)
	}

	slices.SortFunc(entries, func(a, b loaded) int { return a.e.LastAccess.Compare(b.e.LastAccess) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range entries {
		d.lru.Add(l.key, l.e)
		d.total += l.e.Size
	}
	d.evictLocked()
	if len(entries) > 0 {
		d.log.Infof("restored %d entries (%d bytes) from %s", d.lru.Len(), d.total, d.opts.Dir)
	}
	return nil
}

// path returns <dir>/<h[0:2]>/<h> for the seeded hash h of key.
func (d *DiskTier) path(key string) string {
	digest := xxhash.NewWithSeed(d.seed)
	digest.WriteString(key)
	h := fmt.Sprintf("%016x", digest.Sum64())
	return filepath.Join(d.opts.Dir, h[:2], h)
}

func (d *DiskTier) expired(e indexEntry) bool {
	return d.opts.MaxAge > 0 && d.now().Sub(e.CreatedAt) > d.opts.MaxAge
}

func (d *DiskTier) Get(key string) ([]byte, bool, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, false, ErrNotStarted
	}
	e, ok := d.lru.Get(key)
	if ok && d.expired(e) {
		d.removeLocked(key)
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			d.mu.Lock()
			if !d.closed {
				d.forgetLocked(key)
			}
			d.mu.Unlock()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached blob: %w", err)
	}

	d.mu.Lock()
	if e, ok := d.lru.Peek(key); ok && !d.closed {
		e.LastAccess = d.now()
		d.lru.Add(key, e)
		if err := d.index.put(key, e); err != nil {
			d.log.Warnf("failed to record access of %s: %v", key, err)
		}
	}
	d.mu.Unlock()
	return data, true, nil
}

func (d *DiskTier) Set(key string, data []byte) error {
	if d.isClosed() {
		return ErrNotStarted
	}
	p := d.path(key)
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("failed to write cached blob: %w", err)
	}

	now := d.now()
	e := indexEntry{Size: int64(len(data)), CreatedAt: now, LastAccess: now}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		os.Remove(p)
		return ErrNotStarted
	}
	if old, ok := d.lru.Peek(key); ok {
		d.total -= old.Size
	}
	d.lru.Add(key, e)
	d.total += e.Size
	if err := d.index.put(key, e); err != nil {
		return fmt.Errorf("failed to index cached blob: %w", err)
	}
	d.evictLocked()
	return nil
}

func (d *DiskTier) Delete(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrNotStarted
	}
	d.removeLocked(key)
	return nil
}

// evictLocked drops least recently used entries until the total fits.
func (d *DiskTier) evictLocked() {
	for d.total > d.opts.MaxBytes {
		key, e, ok := d.lru.RemoveOldest()
		if !ok {
			return
		}
		d.total -= e.Size
		if err := d.index.delete(key); err != nil {
			d.log.Warnf("failed to unindex %s: %v", key, err)
		}
		d.deleteBlob(key)
		d.log.Debugf("evicted %s (%d bytes)", key, e.Size)
	}
}

// removeLocked deletes the entry and its blob.
func (d *DiskTier) removeLocked(key string) {
	if d.forgetLocked(key) {
		d.deleteBlob(key)
	}
}

// forgetLocked drops key from accounting and the index, leaving the blob.
func (d *DiskTier) forgetLocked(key string) bool {
	e, ok := d.lru.Peek(key)
	if !ok {
		return false
	}
	d.lru.Remove(key)
	d.total -= e.Size
	if err := d.index.delete(key); err != nil {
		d.log.Warnf("failed to unindex %s: %v", key, err)
	}
	return true
}

func (d *DiskTier) deleteBlob(key string) {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.log.Warnf("failed to remove blob of %s: %v", key, err)
	}
}

// Prune drops expired entries and entries whose blob has disappeared, and
// returns how many were dropped.
func (d *DiskTier) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0
	}

	removed := 0
	for _, key := range d.lru.Keys() {
		e, _ := d.lru.Peek(key)
		if d.expired(e) {
			d.removeLocked(key)
			removed++
			continue
		}
		if _, err := os.Stat(d.path(key)); errors.Is(err, fs.ErrNotExist) {
			d.forgetLocked(key)
			removed++
		}
	}
	d.evictLocked()
	return removed
}

// Run prunes every PruneInterval until ctx is done.
func (d *DiskTier) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Prune(); n > 0 {
				d.log.Debugf("pruned %d entries", n)
			}
		}
	}
}

func (d *DiskTier) Stats() TierStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return TierStats{Entries: d.lru.Len(), Bytes: d.total}
}

// Path exposes the blob location of key, for serving or mirroring.
func (d *DiskTier) Path(key string) string { return d.path(key) }

func (d *DiskTier) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close closes the index. Later calls are no-ops and every other operation
// fails with ErrNotStarted.
func (d *DiskTier) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.index.close()
}

// writeFileAtomic writes data next to path and renames it into place so
// readers never see a partial blob.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
