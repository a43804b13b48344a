package docstore

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Change is one field-level change record, captured before the in-memory
// document is mutated. From is nil when the field was previously absent.
type Change struct {
	OID       int64
	Table     string
	User      string
	Property  string
	From      any
	To        any
	Timestamp time.Time
}

// ChangeRecorder receives every audit-worthy change synchronously. An
// error from Record aborts the update before the field is applied.
type ChangeRecorder interface {
	Record(ctx context.Context, c Change) error
}

// SetOptions carries the entity-specific hooks of the versioned update
// protocol.
type SetOptions struct {
	// Validate runs after the version precheck and before any field is
	// touched. It may rewrite the change map (trimming, derivations).
	Validate func(ctx context.Context, doc *Document, changes map[string]any) error
	// Apply replaces the default doc.Set for a single field. Entities use
	// it for changes with delete semantics.
	Apply func(doc *Document, key string, value any)
	// AfterSave runs post-persist side effects. Its failures never reach
	// the caller; they are the hook's own business to log.
	AfterSave func(ctx context.Context, doc *Document)
	// Unlogged names fields applied without a change record (secrets such
	// as validation keys).
	Unlogged map[string]bool
}

// SetAndSave applies a partial field map to the document as one logical
// unit: version precheck, entity validation, per-field diff with one
// change record per real change, then exactly one persist for the whole
// batch. Field processing is strictly sequential, in sorted key order,
// so the audit trail is deterministic for a given change set.
//
// A failure before the persist leaves the stored document untouched. The
// in-memory document may already carry field mutations when the persist
// itself fails; recorded changes then describe intent that never became
// durable. A stronger contract would commit the change records and the
// document in one transaction.
func (m *Mapper) SetAndSave(ctx context.Context, doc *Document, actor string, changes map[string]any, rec ChangeRecorder, opts SetOptions) error {
	pending := make(map[string]any, len(changes))
	for k, v := range changes {
		pending[k] = v
	}

	if raw, ok := pending["version"]; ok {
		delete(pending, "version")
		if expected, ok := parseVersion(raw); ok && doc.Version != 0 && expected != doc.Version {
			return &ConflictError{Msg: "version number differs"}
		}
	}

	if opts.Validate != nil {
		if err := opts.Validate(ctx, doc, pending); err != nil {
			return err
		}
	}

	// An unsaved document is persisted first so the change records carry
	// a real oid.
	if doc.ID == 0 {
		if err := m.Save(ctx, doc); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := pending[key]
		if value == nil {
			continue
		}
		current, has := doc.Get(key)
		if has && valueEqual(current, value) {
			continue
		}
		if !has && value == "" {
			continue
		}

		if rec != nil && !opts.Unlogged[key] {
			change := Change{
				OID:       doc.ID,
				Table:     m.schema.Table,
				User:      actor,
				Property:  key,
				To:        value,
				Timestamp: time.Now(),
			}
			if has {
				change.From = current
			}
			// Recorded before the in-memory mutate: a failed record leaves
			// this field unchanged everywhere.
			if err := rec.Record(ctx, change); err != nil {
				return err
			}
		}
		if opts.Apply != nil {
			opts.Apply(doc, key, value)
		} else {
			doc.Set(key, value)
		}
	}

	// One persist for the whole batch. Zero real changes still persist,
	// flushing unrelated bookkeeping, and bump the version by one.
	if err := m.Save(ctx, doc); err != nil {
		return err
	}

	if opts.AfterSave != nil {
		opts.AfterSave(ctx, doc)
	}
	m.log.Debug("document updated",
		zap.String("table", m.schema.Table),
		zap.Int64("id", doc.ID),
		zap.Int("version", doc.Version),
		zap.String("actor", actor))
	return nil
}

func parseVersion(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n := 0
		for _, r := range t {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + int(r-'0')
		}
		if t == "" {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
