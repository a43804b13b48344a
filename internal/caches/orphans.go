// Package caches holds the process-scoped derived-value caches. Each
// cache is independently keyed and reconstructible from documents; none
// is a source of truth.
package caches

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/docstore"
)

// OrphanRefCache caches the blog names referenced by articles that have
// no blog document of their own. Populated lazily from the generated
// orphan_blogs view; writers to either collection call Invalidate.
type OrphanRefCache struct {
	q   docstore.Querier
	log *zap.Logger

	mu    sync.Mutex
	names []string
	valid bool
}

func NewOrphanRefCache(q docstore.Querier, log *zap.Logger) *OrphanRefCache {
	return &OrphanRefCache{q: q, log: log}
}

// List returns the orphan names, recomputing on the first read after an
// invalidation.
func (c *OrphanRefCache) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		return append([]string(nil), c.names...), nil
	}

	rows, err := c.q.Query(ctx, `SELECT name FROM orphan_blogs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.names = names
	c.valid = true
	c.log.Debug("orphan reference cache populated", zap.Int("count", len(names)))
	return append([]string(nil), names...), nil
}

func (c *OrphanRefCache) Invalidate() {
	c.mu.Lock()
	c.names = nil
	c.valid = false
	c.mu.Unlock()
}
