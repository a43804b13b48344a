package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Order is a named-column sort over a document field, ascending unless
// Desc is set.
type Order struct {
	Column string
	Desc   bool
}

// Mapper is the generic CRUD/query/search layer over one entity table.
// Every entity type reuses it unchanged; only the schema differs.
type Mapper struct {
	q      Querier
	schema Schema
	log    *zap.Logger
}

func NewMapper(q Querier, schema Schema, log *zap.Logger) *Mapper {
	return &Mapper{q: q, schema: schema, log: log}
}

func (m *Mapper) Table() string { return m.schema.Table }

// Find returns all documents matching an equality filter over the field
// map. A nil filter value matches documents where the field is absent;
// an empty filter matches everything.
func (m *Mapper) Find(ctx context.Context, query map[string]any, order *Order) ([]*Document, error) {
	where, args := buildFilter(query)
	sql := `SELECT id, data FROM ` + m.schema.Table + where + orderClause(order)
	return m.queryDocuments(ctx, "find "+m.schema.Table, sql, args...)
}

// FindOne narrows Find to the first match, deterministic given order.
// Returns (nil, nil) when nothing matches.
func (m *Mapper) FindOne(ctx context.Context, query map[string]any, order *Order) (*Document, error) {
	where, args := buildFilter(query)
	sql := `SELECT id, data FROM ` + m.schema.Table + where + orderClause(order) + ` LIMIT 1`
	docs, err := m.queryDocuments(ctx, "findOne "+m.schema.Table, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (m *Mapper) FindByID(ctx context.Context, id int64) (*Document, error) {
	sql := `SELECT id, data FROM ` + m.schema.Table + ` WHERE id = $1`
	docs, err := m.queryDocuments(ctx, "findById "+m.schema.Table, sql, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, &NotFoundError{Table: m.schema.Table, ID: id}
	}
	return docs[0], nil
}

// Save persists the document. An unsaved document (id 0) is inserted
// with version 1 and receives its store-generated id. A saved document is
// updated conditionally on its current version; if another writer got
// there first the update affects zero rows and Save fails with a
// ConflictError, leaving the stored document untouched. Exactly one
// round trip on the success path, however many fields changed.
func (m *Mapper) Save(ctx context.Context, doc *Document) error {
	if doc.ID == 0 {
		payload, err := doc.payload(1)
		if err != nil {
			return err
		}
		row := m.q.QueryRow(ctx, `INSERT INTO `+m.schema.Table+` (data) VALUES ($1) RETURNING id`, payload)
		var id int64
		if err := row.Scan(&id); err != nil {
			return classify("insert "+m.schema.Table, err)
		}
		doc.ID = id
		doc.Version = 1
		return nil
	}

	next := doc.Version + 1
	payload, err := doc.payload(next)
	if err != nil {
		return err
	}
	tag, err := m.q.Exec(ctx,
		`UPDATE `+m.schema.Table+` SET data = $1 WHERE id = $2 AND (data->>'version')::int = $3`,
		payload, doc.ID, doc.Version)
	if err != nil {
		return classify("update "+m.schema.Table, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := m.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+m.schema.Table+` WHERE id = $1)`, doc.ID).Scan(&exists)
		if err != nil {
			return classify("update "+m.schema.Table, err)
		}
		if exists {
			return &ConflictError{Msg: fmt.Sprintf("%s %d: version %d is stale", m.schema.Table, doc.ID, doc.Version)}
		}
		return &NotFoundError{Table: m.schema.Table, ID: doc.ID}
	}
	doc.Version = next
	return nil
}

func (m *Mapper) Remove(ctx context.Context, doc *Document) error {
	if doc.ID == 0 {
		return &NotFoundError{Table: m.schema.Table}
	}
	tag, err := m.q.Exec(ctx, `DELETE FROM `+m.schema.Table+` WHERE id = $1`, doc.ID)
	if err != nil {
		return classify("remove "+m.schema.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Table: m.schema.Table, ID: doc.ID}
	}
	return nil
}

// Count runs a raw aggregate query expected to return a single count.
// Escape hatch for reports not expressible through the field filter.
func (m *Mapper) Count(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	if err := m.q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, classify("count "+m.schema.Table, err)
	}
	return n, nil
}

// Select runs a raw query and returns generic rows keyed by column name.
func (m *Mapper) Select(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := m.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("select "+m.schema.Table, err)
	}
	defer rows.Close()

	var out []map[string]any
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify("select "+m.schema.Table, err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("select "+m.schema.Table, err)
	}
	return out, nil
}

// FullTextSearch matches the term against every generated search index
// of the table, ranked best match first. An explicit order overrides the
// rank ordering.
func (m *Mapper) FullTextSearch(ctx context.Context, term string, order *Order) ([]*Document, error) {
	if len(m.schema.Search) == 0 {
		return nil, fmt.Errorf("%s: no search index defined", m.schema.Table)
	}
	var conds, ranks []string
	for _, s := range m.schema.Search {
		vector := fmt.Sprintf("to_tsvector('%s', %s)", s.Config, s.Expression)
		query := fmt.Sprintf("plainto_tsquery('%s', $1)", s.Config)
		conds = append(conds, vector+" @@ "+query)
		ranks = append(ranks, fmt.Sprintf("ts_rank(%s, %s)", vector, query))
	}
	sql := `SELECT id, data FROM ` + m.schema.Table + ` WHERE ` + strings.Join(conds, " OR ")
	if order != nil {
		sql += orderClause(order)
	} else {
		sql += ` ORDER BY greatest(` + strings.Join(ranks, ", ") + `) DESC`
	}
	return m.queryDocuments(ctx, "fullTextSearch "+m.schema.Table, sql, term)
}

// CreateTable provisions the table with its generated indices and views.
func (m *Mapper) CreateTable(ctx context.Context) error {
	for _, stmt := range m.schema.statements() {
		if _, err := m.q.Exec(ctx, stmt); err != nil {
			return classify("createTable "+m.schema.Table, err)
		}
	}
	return nil
}

// DropTable retracts the table and its views.
func (m *Mapper) DropTable(ctx context.Context) error {
	for _, stmt := range m.schema.dropStatements() {
		if _, err := m.q.Exec(ctx, stmt); err != nil {
			return classify("dropTable "+m.schema.Table, err)
		}
	}
	return nil
}

func (m *Mapper) queryDocuments(ctx context.Context, op, sql string, args ...any) ([]*Document, error) {
	rows, err := m.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(m.schema.Table, rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return docs, nil
}

func scanDocument(table string, row pgx.Row) (*Document, error) {
	var id int64
	var raw []byte
	if err := row.Scan(&id, &raw); err != nil {
		return nil, classify("scan "+table, err)
	}
	return decodeDocument(table, id, raw)
}

// buildFilter renders an equality/absence filter over the field map.
// Keys are sorted so the generated SQL is deterministic.
func buildFilter(query map[string]any) (string, []any) {
	if len(query) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []string
	var args []any
	for _, k := range keys {
		v := query[k]
		if v == nil {
			conds = append(conds, fieldExpr(k)+` IS NULL`)
			continue
		}
		args = append(args, fieldText(v))
		conds = append(conds, fmt.Sprintf(`%s = $%d`, fieldExpr(k), len(args)))
	}
	return ` WHERE ` + strings.Join(conds, " AND "), args
}

func orderClause(order *Order) string {
	if order == nil || order.Column == "" {
		return ""
	}
	clause := ` ORDER BY ` + fieldExpr(order.Column)
	if order.Desc {
		clause += ` DESC`
	}
	return clause
}

// fieldExpr projects a document field as text. The key is quoted as a
// SQL string literal since it is spliced into the statement.
func fieldExpr(key string) string {
	return `data->>'` + strings.ReplaceAll(key, `'`, `''`) + `'`
}

// fieldText renders a filter value the way the ->> projection reads it
// back: text.
func fieldText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
