package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// indexEntry is what the disk tier remembers about one blob.
type indexEntry struct {
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	LastAccess time.Time `json:"lastAccess"`
}

// entryIndex is a small wrapper around a Pebble DB holding one indexEntry per
// cache key, so budget accounting and recency survive restarts.
type entryIndex struct {
	db       *pebble.DB
	dataFile string
}

func openIndex(dataFile string) (*entryIndex, error) {
	db, err := pebble.Open(dataFile, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	return &entryIndex{db: db, dataFile: dataFile}, nil
}

func (x *entryIndex) put(key string, e indexEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return x.db.Set([]byte(key), data, pebble.NoSync)
}

func (x *entryIndex) delete(key string) error {
	return x.db.Delete([]byte(key), pebble.NoSync)
}

// each calls fn for every entry. Undecodable entries are passed to bad.
func (x *entryIndex) each(fn func(key string, e indexEntry), bad func(key string)) error {
	iter, err := x.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		var e indexEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			bad(key)
			continue
		}
		fn(key, e)
	}
	return iter.Error()
}

func (x *entryIndex) close() error {
	if err := x.db.Flush(); err != nil {
		x.db.Close()
		return err
	}
	return x.db.Close()
}
