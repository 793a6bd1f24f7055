package cache

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultDirectoryTTL     = time.Minute
	defaultDirectoryEntries = 1000
)

// Directory memoizes object lookups of another variables.Directory. Entries
// are keyed by the exact request so the inner ordering is kept.
type Directory struct {
	inner variables.Directory
	cache *ristretto.Cache[string, []variables.Object]
	ttl   time.Duration
}

func NewDirectory(inner variables.Directory, cfg *config.DirectoryConfig) (*Directory, error) {
	entries := int64(defaultDirectoryEntries)
	ttl := defaultDirectoryTTL
	if cfg != nil {
		if cfg.CacheEntries > 0 {
			entries = cfg.CacheEntries
		}
		if cfg.CacheTTL > 0 {
			ttl = cfg.CacheTTL
		}
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []variables.Object]{
		NumCounters: entries * 10,
		MaxCost:     entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create directory cache: %w", err)
	}
	return &Directory{inner: inner, cache: c, ttl: ttl}, nil
}

func (d *Directory) ObjectsByIDs(ctx context.Context, ids []int64) ([]variables.Object, error) {
	return d.lookup("id:"+joinInts(ids), func() ([]variables.Object, error) {
		return d.inner.ObjectsByIDs(ctx, ids)
	})
}

func (d *Directory) ObjectsByNames(ctx context.Context, names []string) ([]variables.Object, error) {
	return d.lookup("name:"+strings.Join(names, "\x00"), func() ([]variables.Object, error) {
		return d.inner.ObjectsByNames(ctx, names)
	})
}

func (d *Directory) ObjectsByOCIDs(ctx context.Context, ocids []int64) ([]variables.Object, error) {
	return d.lookup("ocid:"+joinInts(ocids), func() ([]variables.Object, error) {
		return d.inner.ObjectsByOCIDs(ctx, ocids)
	})
}

func (d *Directory) lookup(key string, load func() ([]variables.Object, error)) ([]variables.Object, error) {
	if cached, ok := d.cache.Get(key); ok {
		return slices.Clone(cached), nil
	}
	objects, err := load()
	if err != nil {
		return nil, err
	}
	d.cache.SetWithTTL(key, slices.Clone(objects), 1, d.ttl)
	return objects, nil
}

// Close releases the cache goroutines.
func (d *Directory) Close() {
	d.cache.Close()
}

func joinInts(ids []int64) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
