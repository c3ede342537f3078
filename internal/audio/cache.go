package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-narrate/internal/blob"
)

// Cache stores synthesized artifacts in a blob store. A missing or
// zero-length artifact is a miss, never a false success; anything else the
// store reports is a real error and propagates.
type Cache struct {
	store blob.Store
	log   *slog.Logger
}

func NewCache(store blob.Store, log *slog.Logger) *Cache {
	return &Cache{store: store, log: log.With(slog.String("component", "audio-cache"))}
}

// Get returns the artifact at path and whether it exists.
func (c *Cache) Get(ctx context.Context, path string) ([]byte, bool, error) {
	data, err := c.store.Read(ctx, path)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(data) == 0 {
		// A zero-length artifact is debris from an interrupted earlier
		// run. Clear it so the path regenerates cleanly.
		if err := c.store.Delete(ctx, path); err != nil {
			c.log.Warn("could not remove empty artifact",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		return nil, false, nil
	}
	return data, true, nil
}

// Has reports whether a non-empty artifact exists at path. An unknown size
// counts as present; empty artifacts are never written, only left behind by
// interrupted runs, and Get clears those on the next read.
func (c *Cache) Has(ctx context.Context, path string) (bool, error) {
	size, err := c.store.Stat(ctx, path)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return size != 0, nil
}

// Put stores a non-empty artifact at path.
func (c *Cache) Put(ctx context.Context, path string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("audio: refusing to cache empty artifact at %s", path)
	}
	return c.store.Write(ctx, path, data)
}

// Invalidate removes the artifact at path, if any.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	return c.store.Delete(ctx, path)
}
