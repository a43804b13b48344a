package docstore

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SearchIndex describes one generated full-text index: a text search
// configuration and the expression over the data column the GIN index is
// built on. FullTextSearch matches against the same expression so the
// index is actually used.
type SearchIndex struct {
	Config     string
	Expression string
}

// Schema describes the durable layout of one entity type: the table with
// its single jsonb document column, generated indices and views, and the
// full-text indices. All DDL is written idempotent (IF NOT EXISTS /
// CREATE OR REPLACE) so provisioning can re-run.
type Schema struct {
	Table   string
	Create  string
	Indexes map[string]string
	Views   map[string]string
	Search  []SearchIndex
}

func (s Schema) statements() []string {
	stmts := []string{s.Create}
	for _, name := range sortedKeys(s.Indexes) {
		stmts = append(stmts, s.Indexes[name])
	}
	for _, name := range sortedKeys(s.Views) {
		stmts = append(stmts, s.Views[name])
	}
	return stmts
}

func (s Schema) dropStatements() []string {
	var stmts []string
	for _, name := range sortedKeys(s.Views) {
		stmts = append(stmts, `DROP VIEW IF EXISTS `+name)
	}
	stmts = append(stmts, `DROP TABLE IF EXISTS `+s.Table+` CASCADE`)
	return stmts
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provision creates the tables, indices and views for every schema, one
// transaction per schema. Administrative, not on the write hot path.
func Provision(ctx context.Context, pool *pgxpool.Pool, schemas []Schema, log *zap.Logger) error {
	for _, s := range schemas {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return classify("provision "+s.Table, err)
		}
		for _, stmt := range s.statements() {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				_ = tx.Rollback(ctx)
				return classify("provision "+s.Table, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return classify("provision "+s.Table, err)
		}
		log.Info("schema provisioned", zap.String("table", s.Table))
	}
	return nil
}

// Retract drops every schema, views first.
func Retract(ctx context.Context, pool *pgxpool.Pool, schemas []Schema, log *zap.Logger) error {
	for _, s := range schemas {
		for _, stmt := range s.dropStatements() {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return classify("retract "+s.Table, err)
			}
		}
		log.Info("schema dropped", zap.String("table", s.Table))
	}
	return nil
}
