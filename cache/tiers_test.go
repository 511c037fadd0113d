package cache

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renditiond/models"
)

func openDisk(t *testing.T, opts DiskOptions) *DiskTier {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	d, err := OpenDiskTier(opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func blob(n int, b byte) []byte { return bytes.Repeat([]byte{b}, n) }

func TestMemoryTierRoundTrip(t *testing.T) {
	m, err := NewMemoryTier(2)
	require.NoError(t, err)

	_, found, err := m.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Set("a", []byte("aaa")))
	require.NoError(t, m.Set("b", []byte("bb")))
	got, found, _ := m.Get("a")
	assert.True(t, found)
	assert.Equal(t, []byte("aaa"), got)
	assert.Equal(t, TierStats{Entries: 2, Bytes: 5}, m.Stats())

	// b is least recently used now
	require.NoError(t, m.Set("c", []byte("c")))
	_, found = m.Peek("b")
	assert.False(t, found)
	assert.Equal(t, TierStats{Entries: 2, Bytes: 4}, m.Stats())

	require.NoError(t, m.Set("a", []byte("a")))
	assert.Equal(t, int64(2), m.Stats().Bytes)

	require.NoError(t, m.Delete("a"))
	require.NoError(t, m.Delete("never"))
	assert.Equal(t, TierStats{Entries: 1, Bytes: 1}, m.Stats())
}

func TestDiskTierRoundTrip(t *testing.T) {
	d := openDisk(t, DiskOptions{})

	_, found, err := d.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Set("k", []byte("payload")))
	got, found, err := d.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, TierStats{Entries: 1, Bytes: 7}, d.Stats())

	require.NoError(t, d.Delete("k"))
	_, found, _ = d.Get("k")
	assert.False(t, found)
	assert.Equal(t, TierStats{}, d.Stats())
	_, err = os.Stat(d.Path("k"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskTierPathIsSharded(t *testing.T) {
	d := openDisk(t, DiskOptions{HashSeed: "seed"})
	other := openDisk(t, DiskOptions{HashSeed: "other"})

	p := d.Path("key")
	name := p[len(p)-16:]
	assert.Equal(t, name[:2], p[len(p)-19:len(p)-17])
	assert.NotEqual(t, name, other.Path("key")[len(other.Path("key"))-16:])
}

func TestDiskTierMissingBlobIsMiss(t *testing.T) {
	d := openDisk(t, DiskOptions{})
	require.NoError(t, d.Set("k", []byte("payload")))
	require.NoError(t, os.Remove(d.Path("k")))

	_, found, err := d.Get("k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, TierStats{}, d.Stats())
}

func TestDiskTierEvictsLeastRecentlyUsed(t *testing.T) {
	d := openDisk(t, DiskOptions{MaxBytes: 100})

	require.NoError(t, d.Set("a", blob(40, 'a')))
	require.NoError(t, d.Set("b", blob(40, 'b')))
	_, found, _ := d.Get("a")
	require.True(t, found)

	require.NoError(t, d.Set("c", blob(40, 'c')))
	assert.LessOrEqual(t, d.Stats().Bytes, int64(100))

	_, found, _ = d.Get("b")
	assert.False(t, found, "b was least recently used")
	_, found, _ = d.Get("a")
	assert.True(t, found)
	_, found, _ = d.Get("c")
	assert.True(t, found)
	_, err := os.Stat(d.Path("b"))
	assert.True(t, os.IsNotExist(err))
}

func TestDiskTierOversizedEntryIsNotKept(t *testing.T) {
	d := openDisk(t, DiskOptions{MaxBytes: 10})
	require.NoError(t, d.Set("big", blob(11, 'x')))
	assert.Equal(t, TierStats{}, d.Stats())
}

func TestDiskTierExpiry(t *testing.T) {
	d := openDisk(t, DiskOptions{MaxAge: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	require.NoError(t, d.Set("old", []byte("1")))
	now = now.Add(30 * time.Minute)
	require.NoError(t, d.Set("new", []byte("2")))

	now = now.Add(45 * time.Minute)
	_, found, _ := d.Get("old")
	assert.False(t, found)
	_, found, _ = d.Get("new")
	assert.True(t, found)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, d.Prune())
	assert.Equal(t, TierStats{}, d.Stats())
}

func TestDiskTierRestoresIndex(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDiskTier(DiskOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, d.Set("a", []byte("first")))
	require.NoError(t, d.Set("b", []byte("second")))
	require.NoError(t, d.Close())

	d = openDisk(t, DiskOptions{Dir: dir})
	assert.Equal(t, TierStats{Entries: 2, Bytes: 11}, d.Stats())
	got, found, err := d.Get("b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("second"), got)
}

func TestDiskTierRestoreAppliesSmallerBudget(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDiskTier(DiskOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, d.Set("a", blob(30, 'a')))
	require.NoError(t, d.Set("b", blob(30, 'b')))
	require.NoError(t, d.Close())

	d = openDisk(t, DiskOptions{Dir: dir, MaxBytes: 40})
	assert.Equal(t, 1, d.Stats().Entries)
}

func TestDiskTierPruneForgetsVanishedBlobs(t *testing.T) {
	d := openDisk(t, DiskOptions{})
	require.NoError(t, d.Set("a", []byte("x")))
	require.NoError(t, d.Set("b", []byte("y")))
	require.NoError(t, os.Remove(d.Path("a")))

	assert.Equal(t, 1, d.Prune())
	assert.Equal(t, 1, d.Stats().Entries)
}

func TestDiskTierClosed(t *testing.T) {
	d := openDisk(t, DiskOptions{MaxBytes: 100})
	require.NoError(t, d.Set("a", blob(10, 'a')))
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, _, err := d.Get("a")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, d.Set("b", blob(10, 'b')), ErrNotStarted)
	assert.ErrorIs(t, d.Delete("a"), ErrNotStarted)
	assert.Zero(t, d.Prune())
	_, err = os.Stat(d.Path("b"))
	assert.True(t, os.IsNotExist(err), "no blob is written after Close")
}

func TestCropCacheRoundTrip(t *testing.T) {
	c := NewCropCache(openDisk(t, DiskOptions{}))
	want := models.CropResult{X: 10, Y: 0, Width: 160, Height: 90}

	require.NoError(t, c.Set("crop", want))
	got, found, err := c.Get("crop")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)
}

func TestCropCacheDropsCorruptEntries(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":       `{"topCrop":`,
		"missing crop":   `{}`,
		"missing field":  `{"topCrop":{"x":1,"y":2,"width":3}}`,
		"negative":       `{"topCrop":{"x":-1,"y":0,"width":3,"height":3}}`,
		"empty area":     `{"topCrop":{"x":0,"y":0,"width":0,"height":3}}`,
		"wrong type":     `{"topCrop":{"x":"a","y":0,"width":3,"height":3}}`,
		"null dimension": `{"topCrop":{"x":0,"y":0,"width":null,"height":3}}`,
	} {
		t.Run(name, func(t *testing.T) {
			tier := openDisk(t, DiskOptions{})
			c := NewCropCache(tier)
			require.NoError(t, tier.Set("crop", []byte(payload)))

			_, found, err := c.Get("crop")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Equal(t, 0, tier.Stats().Entries, "corrupt entry is dropped")
		})
	}
}

func TestDecodeCropRounds(t *testing.T) {
	got, err := decodeCrop([]byte(`{"topCrop":{"x":1.4,"y":2.6,"width":100.5,"height":50}}`))
	require.NoError(t, err)
	assert.Equal(t, models.CropResult{X: 1, Y: 3, Width: 101, Height: 50}, got)
}
