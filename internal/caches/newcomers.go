package caches

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/docstore"
)

// ReservedActor is the identity used for automatically created users. It
// never shows up as a newcomer.
const ReservedActor = "autocreate"

// Newcomer is an actor whose first recorded change falls inside the
// welcome window.
type Newcomer struct {
	Handle      string
	FirstChange time.Time
	Access      string
}

// NewcomerCache computes the "recently active for the first time"
// aggregate from a join over changes and users. The result is cached for
// the refresh period; expiry is a scheduled clear, not a timestamp check
// on read. A refresh of zero disables caching entirely.
type NewcomerCache struct {
	q       docstore.Querier
	window  time.Duration
	refresh time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	cached []Newcomer
	valid  bool
	timer  *time.Timer
}

func NewNewcomerCache(q docstore.Querier, window, refresh time.Duration, log *zap.Logger) *NewcomerCache {
	return &NewcomerCache{q: q, window: window, refresh: refresh, log: log}
}

const newcomerQuery = `SELECT changes.data->>'user' AS handle,
	min(changes.data->>'timestamp') AS first,
	users.data->>'access' AS access
FROM changes
INNER JOIN users ON changes.data->>'user' = users.data->>'handle'
GROUP BY changes.data->>'user', users.data->>'access'
HAVING (min(changes.data->>'timestamp'))::timestamptz > ($1)::timestamptz`

// List returns the current newcomers, recomputing when the cache is
// empty or caching is disabled.
func (c *NewcomerCache) List(ctx context.Context) ([]Newcomer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresh > 0 && c.valid {
		return append([]Newcomer(nil), c.cached...), nil
	}

	cutoff := time.Now().UTC().Add(-c.window).Format(time.RFC3339Nano)
	rows, err := c.q.Query(ctx, newcomerQuery, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Newcomer
	for rows.Next() {
		var handle, first, access string
		if err := rows.Scan(&handle, &first, &access); err != nil {
			return nil, err
		}
		if handle == ReservedActor {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, first)
		result = append(result, Newcomer{Handle: handle, FirstChange: ts, Access: access})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if c.refresh > 0 {
		c.cached = result
		c.valid = true
		// A timer from an earlier population must not clear this result.
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(c.refresh, c.Clear)
	}
	c.log.Debug("newcomer cache computed", zap.Int("count", len(result)))
	return append([]Newcomer(nil), result...), nil
}

// Clear drops the cached aggregate so the next read recomputes it.
func (c *NewcomerCache) Clear() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cached = nil
	c.valid = false
	c.mu.Unlock()
}
