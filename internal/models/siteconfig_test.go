package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/doctest"
)

func TestConfigGetCreatesOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	store := doctest.NewMemStore()
	configs := NewConfigStore(store, nil, zap.NewNop())

	c, err := configs.Get(ctx, "frontpage")
	require.NoError(t, err)
	require.NotZero(t, c.ID)
	require.Equal(t, "frontpage", c.Name())
	require.Equal(t, "yaml", c.Type())

	// A second access returns the same document.
	again, err := configs.Get(ctx, "frontpage")
	require.NoError(t, err)
	require.Equal(t, c.ID, again.ID)
}

func TestConfigSetAndSaveValidatesYAML(t *testing.T) {
	ctx := context.Background()
	store := doctest.NewMemStore()
	configs := NewConfigStore(store, nil, zap.NewNop())

	c, err := configs.Get(ctx, "frontpage")
	require.NoError(t, err)

	err = configs.SetAndSave(ctx, c, "admin", map[string]any{"yaml": "columns: [3, 4"})
	require.True(t, docstore.IsValidation(err), "broken yaml, want validation error, got %v", err)

	err = configs.SetAndSave(ctx, c, "admin", map[string]any{"yaml": "columns: 3\nteaser: true\n"})
	require.NoError(t, err)

	value, err := c.Value()
	require.NoError(t, err)
	require.Equal(t, 3, value["columns"])
	require.Equal(t, true, value["teaser"])

	err = configs.SetAndSave(ctx, c, "admin", map[string]any{"name": ""})
	require.True(t, docstore.IsValidation(err), "empty name, want validation error, got %v", err)
}

func TestConfigValueEmpty(t *testing.T) {
	c := &SiteConfig{Document: docstore.NewDocument(map[string]any{"name": "x"})}
	value, err := c.Value()
	require.NoError(t, err)
	require.Empty(t, value)
}
