// Package changelog is the append-only audit log. Every field-level
// change is persisted as its own immutable document through the generic
// mapper; no record is ever updated or deleted.
package changelog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/events"
)

const Table = "changes"

// Schema holds the change records: oid/table locate the owning document,
// user is the acting identity, from/to the prior and new value.
var Schema = docstore.Schema{
	Table: Table,
	Create: `CREATE TABLE IF NOT EXISTS changes (
		id bigserial NOT NULL,
		data jsonb,
		CONSTRAINT changes_pkey PRIMARY KEY (id)
	)`,
	Indexes: map[string]string{
		"changes_oid_idx":       `CREATE INDEX IF NOT EXISTS changes_oid_idx ON changes USING btree (((data->>'oid')), ((data->>'table')))`,
		"changes_user_idx":      `CREATE INDEX IF NOT EXISTS changes_user_idx ON changes USING btree (((data->>'user')))`,
		"changes_timestamp_idx": `CREATE INDEX IF NOT EXISTS changes_timestamp_idx ON changes USING btree (((data->>'timestamp')))`,
	},
}

// Log writes and reads change records. Writes additionally fan out a
// change event through the publisher; the event is emitted synchronously,
// a failed publish fails the record.
type Log struct {
	mapper *docstore.Mapper
	pub    events.Publisher
	log    *zap.Logger
}

func New(q docstore.Querier, pub events.Publisher, log *zap.Logger) *Log {
	return &Log{
		mapper: docstore.NewMapper(q, Schema, log),
		pub:    pub,
		log:    log,
	}
}

// Record appends one change record. A single insert, never an update.
func (l *Log) Record(ctx context.Context, c docstore.Change) error {
	fields := map[string]any{
		"oid":       c.OID,
		"table":     c.Table,
		"user":      c.User,
		"property":  c.Property,
		"timestamp": c.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if c.From != nil {
		fields["from"] = c.From
	}
	if c.To != nil {
		fields["to"] = c.To
	}
	if err := l.mapper.Save(ctx, docstore.NewDocument(fields)); err != nil {
		return err
	}
	if l.pub == nil {
		return nil
	}
	return l.pub.Publish(ctx, events.ChangeEvent{
		ID:        uuid.NewString(),
		Type:      events.EventDocumentChanged,
		OID:       c.OID,
		Table:     c.Table,
		User:      c.User,
		Property:  c.Property,
		From:      c.From,
		To:        c.To,
		Timestamp: c.Timestamp,
	})
}

// Find returns change records matching the filter, e.g. the change
// history of one document via {oid, table}.
func (l *Log) Find(ctx context.Context, filter map[string]any, order *docstore.Order) ([]*docstore.Document, error) {
	return l.mapper.Find(ctx, filter, order)
}

// CountByUser reports how many changes the actor has made against one
// entity table.
func (l *Log) CountByUser(ctx context.Context, user, table string) (int64, error) {
	return l.mapper.Count(ctx,
		`SELECT count(*) FROM changes WHERE data->>'user' = $1 AND data->>'table' = $2`,
		user, table)
}

// HasEverChanged reports whether any record exists for the actor at all,
// which is how "has this actor ever been active" is answered.
func (l *Log) HasEverChanged(ctx context.Context, user string) (bool, error) {
	n, err := l.mapper.Count(ctx,
		`SELECT count(*) FROM changes WHERE data->>'user' = $1`, user)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
