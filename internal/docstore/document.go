package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is one persisted entity instance: a store-assigned id, an
// optimistic-concurrency version and an open field map. ID 0 marks an
// unsaved in-memory document; once persisted the id never changes.
// Field schemas are per-entity-type convention, not enforced here.
type Document struct {
	ID      int64
	Version int
	Fields  map[string]any
}

// NewDocument builds an unsaved document from a field prototype. The map
// is copied so the caller keeps ownership of its own copy.
func NewDocument(fields map[string]any) *Document {
	d := &Document{Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		d.Fields[k] = v
	}
	return d
}

func (d *Document) Get(key string) (any, bool) {
	v, ok := d.Fields[key]
	return v, ok
}

// GetString returns the field as a string, or "" when absent or not a
// string.
func (d *Document) GetString(key string) string {
	if s, ok := d.Fields[key].(string); ok {
		return s
	}
	return ""
}

func (d *Document) Set(key string, value any) {
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[key] = value
}

func (d *Document) Delete(key string) {
	delete(d.Fields, key)
}

func (d *Document) Has(key string) bool {
	_, ok := d.Fields[key]
	return ok
}

// payload marshals the field map with the given version folded in, which
// is exactly the shape of the data column.
func (d *Document) payload(version int) ([]byte, error) {
	data := make(map[string]any, len(d.Fields)+1)
	for k, v := range d.Fields {
		data[k] = v
	}
	data["version"] = version
	return json.Marshal(data)
}

// decodeDocument rebuilds a document from a data column value. The
// version key is lifted out of the field map.
func decodeDocument(table string, id int64, raw []byte) (*Document, error) {
	fields := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s: decode document %d: %w", table, id, err)
		}
	}
	version := 0
	if v, ok := fields["version"]; ok {
		if f, ok := v.(float64); ok {
			version = int(f)
		}
		delete(fields, "version")
	}
	return &Document{ID: id, Version: version, Fields: fields}, nil
}

// valueEqual compares two field values by their JSON form, so an int set
// by the caller equals the float64 that jsonb reads back.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
