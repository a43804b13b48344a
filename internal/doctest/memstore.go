// Package doctest provides an in-memory implementation of the document
// store's Querier interface. It understands exactly the statement shapes
// the mapper generates, which is enough to exercise the full protocol
// stack in tests without a database.
package doctest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type handler struct {
	match string
	fn    func(args []any) (cols []string, rows [][]any)
}

// MemStore is a process-memory document backend keyed by table name.
type MemStore struct {
	mu       sync.Mutex
	tables   map[string]*memTable
	handlers []handler
	queries  []string
}

type memTable struct {
	nextID int64
	rows   map[int64][]byte
	order  []int64
}

func NewMemStore() *MemStore {
	return &MemStore{tables: map[string]*memTable{}}
}

// Handle registers a canned result for raw queries containing match,
// covering view and aggregate queries the mini parser does not model.
func (s *MemStore) Handle(match string, fn func(args []any) ([]string, [][]any)) {
	s.handlers = append(s.handlers, handler{match: match, fn: fn})
}

// Statements returns every SQL text executed so far, for asserting call
// counts.
func (s *MemStore) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Rows returns the raw documents of a table in insertion order.
func (s *MemStore) Rows(table string) map[int64]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	if t == nil {
		return nil
	}
	out := make(map[int64]map[string]any, len(t.rows))
	for id, raw := range t.rows {
		m := map[string]any{}
		_ = json.Unmarshal(raw, &m)
		out[id] = m
	}
	return out
}

func (s *MemStore) table(name string) *memTable {
	t := s.tables[name]
	if t == nil {
		t = &memTable{rows: map[int64][]byte{}}
		s.tables[name] = t
	}
	return t
}

func (s *MemStore) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, sql)

	switch {
	case strings.HasPrefix(sql, "UPDATE "):
		table := word(sql, len("UPDATE "))
		payload, ok := args[0].([]byte)
		if !ok {
			return pgconn.CommandTag{}, fmt.Errorf("memstore: unexpected payload %T", args[0])
		}
		id := toInt64(args[1])
		version := toInt64(args[2])
		t := s.table(table)
		raw, exists := t.rows[id]
		if !exists {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		current := map[string]any{}
		_ = json.Unmarshal(raw, &current)
		if v, _ := current["version"].(float64); int64(v) != version {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		t.rows[id] = append([]byte(nil), payload...)
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case strings.HasPrefix(sql, "DELETE FROM "):
		table := word(sql, len("DELETE FROM "))
		id := toInt64(args[0])
		t := s.table(table)
		if _, exists := t.rows[id]; !exists {
			return pgconn.NewCommandTag("DELETE 0"), nil
		}
		delete(t.rows, id)
		for i, v := range t.order {
			if v == id {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		return pgconn.NewCommandTag("DELETE 1"), nil
	}

	// DDL and everything else is accepted silently.
	return pgconn.NewCommandTag(""), nil
}

func (s *MemStore) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, sql)

	for _, h := range s.handlers {
		if strings.Contains(sql, h.match) {
			cols, rows := h.fn(args)
			return &memRows{cols: cols, vals: rows}, nil
		}
	}

	if strings.HasPrefix(sql, "SELECT id, data FROM ") {
		return s.selectDocuments(sql, args)
	}
	return nil, fmt.Errorf("memstore: unsupported query: %s", sql)
}

func (s *MemStore) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.Lock()
	s.queries = append(s.queries, sql)

	for _, h := range s.handlers {
		if strings.Contains(sql, h.match) {
			cols, rows := h.fn(args)
			s.mu.Unlock()
			return &memRows{cols: cols, vals: rows}
		}
	}

	switch {
	case strings.HasPrefix(sql, "INSERT INTO "):
		table := word(sql, len("INSERT INTO "))
		payload, ok := args[0].([]byte)
		if !ok {
			s.mu.Unlock()
			return &memRows{err: fmt.Errorf("memstore: unexpected payload %T", args[0])}
		}
		t := s.table(table)
		t.nextID++
		id := t.nextID
		t.rows[id] = append([]byte(nil), payload...)
		t.order = append(t.order, id)
		s.mu.Unlock()
		return &memRows{cols: []string{"id"}, vals: [][]any{{id}}}

	case strings.HasPrefix(sql, "SELECT EXISTS"):
		table := word(sql, strings.Index(sql, "FROM ")+len("FROM "))
		_, exists := s.table(table).rows[toInt64(args[0])]
		s.mu.Unlock()
		return &memRows{cols: []string{"exists"}, vals: [][]any{{exists}}}

	case strings.HasPrefix(sql, "SELECT count(*) FROM "):
		table := word(sql, len("SELECT count(*) FROM "))
		conds := parseConds(sql)
		var n int64
		for _, id := range s.table(table).order {
			if matchConds(s.table(table).rows[id], conds, args) {
				n++
			}
		}
		s.mu.Unlock()
		return &memRows{cols: []string{"count"}, vals: [][]any{{n}}}
	}

	s.mu.Unlock()
	return &memRows{err: fmt.Errorf("memstore: unsupported query: %s", sql)}
}

func (s *MemStore) selectDocuments(sql string, args []any) (pgx.Rows, error) {
	table := word(sql, len("SELECT id, data FROM "))
	t := s.table(table)

	type entry struct {
		id     int64
		raw    []byte
		fields map[string]any
	}
	var matched []entry

	byID := strings.Contains(sql, "WHERE id = $1")
	fullText := strings.Contains(sql, "to_tsvector")
	conds := parseConds(sql)

	for _, id := range t.order {
		raw := t.rows[id]
		fields := map[string]any{}
		_ = json.Unmarshal(raw, &fields)
		switch {
		case byID:
			if id != toInt64(args[0]) {
				continue
			}
		case fullText:
			if !containsTerm(fields, fmt.Sprint(args[0])) {
				continue
			}
		default:
			if !matchConds(raw, conds, args) {
				continue
			}
		}
		matched = append(matched, entry{id: id, raw: raw, fields: fields})
	}

	if col, desc, ok := parseOrder(sql); ok {
		sort.SliceStable(matched, func(i, j int) bool {
			a := fieldText(matched[i].fields[col])
			b := fieldText(matched[j].fields[col])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if strings.HasSuffix(sql, "LIMIT 1") && len(matched) > 1 {
		matched = matched[:1]
	}

	rows := &memRows{cols: []string{"id", "data"}}
	for _, e := range matched {
		rows.vals = append(rows.vals, []any{e.id, append([]byte(nil), e.raw...)})
	}
	return rows, nil
}

// cond is one `data->>'key' = $n` or `data->>'key' IS NULL` term.
type cond struct {
	key    string
	isNull bool
	arg    int
}

func parseConds(sql string) []cond {
	idx := strings.Index(sql, " WHERE ")
	if idx < 0 {
		return nil
	}
	clause := sql[idx+len(" WHERE "):]
	if end := strings.Index(clause, " ORDER BY "); end >= 0 {
		clause = clause[:end]
	}
	if end := strings.Index(clause, " LIMIT "); end >= 0 {
		clause = clause[:end]
	}
	var conds []cond
	for _, part := range strings.Split(clause, " AND ") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "data->>'") {
			continue
		}
		rest := part[len("data->>'"):]
		end := strings.Index(rest, "'")
		if end < 0 {
			continue
		}
		key := rest[:end]
		tail := strings.TrimSpace(rest[end+1:])
		if tail == "IS NULL" {
			conds = append(conds, cond{key: key, isNull: true})
			continue
		}
		if strings.HasPrefix(tail, "= $") {
			n, err := strconv.Atoi(tail[len("= $"):])
			if err == nil {
				conds = append(conds, cond{key: key, arg: n})
			}
		}
	}
	return conds
}

func matchConds(raw []byte, conds []cond, args []any) bool {
	fields := map[string]any{}
	_ = json.Unmarshal(raw, &fields)
	for _, c := range conds {
		v, ok := fields[c.key]
		if c.isNull {
			if ok && v != nil {
				return false
			}
			continue
		}
		if !ok || v == nil {
			return false
		}
		if fieldText(v) != fmt.Sprint(args[c.arg-1]) {
			return false
		}
	}
	return true
}

func parseOrder(sql string) (col string, desc bool, ok bool) {
	idx := strings.Index(sql, " ORDER BY data->>'")
	if idx < 0 {
		return "", false, false
	}
	rest := sql[idx+len(" ORDER BY data->>'"):]
	end := strings.Index(rest, "'")
	if end < 0 {
		return "", false, false
	}
	return rest[:end], strings.Contains(rest[end:], "DESC"), true
}

func containsTerm(fields map[string]any, term string) bool {
	term = strings.ToLower(term)
	for _, v := range fields {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

func fieldText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func word(s string, from int) string {
	rest := s[from:]
	if end := strings.IndexAny(rest, " ("); end >= 0 {
		return rest[:end]
	}
	return rest
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

// memRows satisfies both pgx.Rows and pgx.Row.
type memRows struct {
	cols []string
	vals [][]any
	pos  int
	cur  []any
	err  error
}

func (r *memRows) Close()                        {}
func (r *memRows) Err() error                    { return r.err }
func (r *memRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *memRows) RawValues() [][]byte           { return nil }
func (r *memRows) Conn() *pgx.Conn               { return nil }

func (r *memRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.cols))
	for i, c := range r.cols {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return fields
}

func (r *memRows) Next() bool {
	if r.err != nil || r.pos >= len(r.vals) {
		return false
	}
	r.cur = r.vals[r.pos]
	r.pos++
	return true
}

func (r *memRows) Values() ([]any, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.cur, nil
}

// Scan works both as pgx.Row (single implicit row) and pgx.Rows (after
// Next).
func (r *memRows) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.cur == nil {
		if !r.Next() {
			return pgx.ErrNoRows
		}
	}
	if len(dest) != len(r.cur) {
		return fmt.Errorf("memstore: scan %d destinations for %d values", len(dest), len(r.cur))
	}
	for i, d := range dest {
		if err := assign(d, r.cur[i]); err != nil {
			return err
		}
	}
	return nil
}

func assign(dst, src any) error {
	switch d := dst.(type) {
	case *int64:
		d2 := toInt64(src)
		*d = d2
	case *int:
		*d = int(toInt64(src))
	case *string:
		s, ok := src.(string)
		if !ok {
			*d = fmt.Sprint(src)
		} else {
			*d = s
		}
	case *bool:
		b, ok := src.(bool)
		if !ok {
			return errors.New("memstore: not a bool")
		}
		*d = b
	case *[]byte:
		b, ok := src.([]byte)
		if !ok {
			return errors.New("memstore: not bytes")
		}
		*d = b
	default:
		return fmt.Errorf("memstore: unsupported scan destination %T", dst)
	}
	return nil
}
