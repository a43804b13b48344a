package models

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/doctest"
)

func TestExtractLinks(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "plain http link",
			text: "see http://example.org/article for details",
			want: []string{"http://example.org/article"},
		},
		{
			name: "https and ftp",
			text: "https://example.org/a and ftp://files.example.org/b.zip",
			want: []string{"https://example.org/a", "ftp://files.example.org/b.zip"},
		},
		{
			name: "trailing sentence period is not part of the link",
			text: "read https://example.org/maps.",
			want: []string{"https://example.org/maps"},
		},
		{
			name: "query string and anchor survive",
			text: "https://example.org/p?id=4&lang=de#top",
			want: []string{"https://example.org/p?id=4&lang=de#top"},
		},
		{
			name: "no links",
			text: "nothing to see here",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractLinks(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extractLinks(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestDisplayTitle(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		maxLen int
		want   string
	}{
		{"short title", map[string]any{"title": "Harbour news"}, 30, "Harbour news"},
		{"long title truncated", map[string]any{"title": "A very long headline about the harbour"}, 10, "A very lon..."},
		{"collection fallback", map[string]any{"collection": "Spring collection"}, 30, "Spring collection"},
		{"empty fields", map[string]any{}, 30, "No Title"},
		{"whitespace title", map[string]any{"title": "   "}, 30, "No Title"},
		{"zero max uses default", map[string]any{"title": "Harbour"}, 0, "Harbour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Article{Document: docstore.NewDocument(tt.fields)}
			if got := a.DisplayTitle(tt.maxLen); got != tt.want {
				t.Errorf("DisplayTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchConfig(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{"DE", "german"},
		{"de", "german"},
		{"EN", "english"},
		{"FR", "french"},
		{"XX", "simple"},
	}
	for _, tt := range tests {
		if got := searchConfig(tt.lang); got != tt.want {
			t.Errorf("searchConfig(%q) = %q, want %q", tt.lang, got, tt.want)
		}
	}
}

func TestArticleSchemaPerLanguage(t *testing.T) {
	s := ArticleSchema([]string{"EN", "DE"})
	if s.Table != ArticleTable {
		t.Errorf("table = %q", s.Table)
	}
	if len(s.Search) != 2 {
		t.Fatalf("search indices = %d, want 2", len(s.Search))
	}
	for _, name := range []string{"articles_fts_en_idx", "articles_fts_de_idx", "articles_blog_idx"} {
		if _, ok := s.Indexes[name]; !ok {
			t.Errorf("missing index %q", name)
		}
	}
	if _, ok := s.Views["orphan_blogs"]; !ok {
		t.Error("missing orphan_blogs view")
	}
}

func newArticleFixture(t *testing.T, ignoreLinks []string) (*ArticleStore, *BlogStore, *doctest.MemStore) {
	t.Helper()
	store := doctest.NewMemStore()
	log := zap.NewNop()
	orphans := caches.NewOrphanRefCache(store, log)
	blogs := NewBlogStore(store, nil, orphans, log)
	articles := NewArticleStore(store, []string{"EN", "DE"}, ignoreLinks, blogs, nil, orphans, log)
	return articles, blogs, store
}

func TestArticleCreateRejectsID(t *testing.T) {
	articles, _, _ := newArticleFixture(t, nil)
	_, err := articles.Create(context.Background(), map[string]any{"id": 4, "title": "x"})
	require.True(t, docstore.IsValidation(err), "want validation error, got %v", err)
}

func TestArticleSetAndSaveTrimsMarkdown(t *testing.T) {
	ctx := context.Background()
	articles, _, _ := newArticleFixture(t, nil)

	a, err := articles.Create(ctx, map[string]any{"title": "Harbour"})
	require.NoError(t, err)

	err = articles.SetAndSave(ctx, a, "erika", map[string]any{
		"markdownEN": "  body text  \n",
	})
	require.NoError(t, err)
	require.Equal(t, "body text", a.Markdown("EN"))
}

func TestArticleFirstCommentOpensStatus(t *testing.T) {
	ctx := context.Background()
	articles, _, _ := newArticleFixture(t, nil)

	a, err := articles.Create(ctx, map[string]any{"title": "Harbour"})
	require.NoError(t, err)

	err = articles.SetAndSave(ctx, a, "erika", map[string]any{"comment": "first!"})
	require.NoError(t, err)
	require.Equal(t, "open", a.GetString("commentStatus"))

	// A later comment must not reset an explicit status.
	err = articles.SetAndSave(ctx, a, "erika", map[string]any{"commentStatus": "closed"})
	require.NoError(t, err)
	err = articles.SetAndSave(ctx, a, "erika", map[string]any{"comment": "second"})
	require.NoError(t, err)
	require.Equal(t, "closed", a.GetString("commentStatus"))
}

func TestArticleDerivesEnglishCategory(t *testing.T) {
	ctx := context.Background()
	articles, blogs, _ := newArticleFixture(t, nil)

	// Default category list applies when there is no owning blog.
	a, err := articles.Create(ctx, map[string]any{"title": "Maps"})
	require.NoError(t, err)
	err = articles.SetAndSave(ctx, a, "erika", map[string]any{"categoryDE": "Kartografie"})
	require.NoError(t, err)
	require.Equal(t, "Mapping", a.GetString("categoryEN"))

	// A blog with its own category list overrides the defaults.
	_, err = blogs.Create(ctx, map[string]any{
		"name": "Tech",
		"categories": []any{
			map[string]any{"DE": "Technik", "EN": "Technology"},
		},
	})
	require.NoError(t, err)

	b, err := articles.Create(ctx, map[string]any{"title": "Gadgets", "blog": "Tech"})
	require.NoError(t, err)
	err = articles.SetAndSave(ctx, b, "erika", map[string]any{"categoryDE": "Technik"})
	require.NoError(t, err)
	require.Equal(t, "Technology", b.GetString("categoryEN"))
}

func TestArticleLinksSkipIgnored(t *testing.T) {
	flag := "https://static.example.org/flags/de.png"
	articles, _, _ := newArticleFixture(t, []string{flag})

	a := &Article{Document: docstore.NewDocument(map[string]any{
		"collection": "see https://example.org/one and " + flag,
		"markdownEN": "also https://example.org/two",
		"markdownDE": "nochmal https://example.org/one",
	})}
	got := articles.Links(a)
	want := []string{"https://example.org/one", "https://example.org/two", "https://example.org/one"}
	require.Equal(t, want, got)
}

func TestUsedLinksExcludesSelf(t *testing.T) {
	ctx := context.Background()
	articles, _, _ := newArticleFixture(t, nil)

	link := "https://example.org/shared"
	a, err := articles.Create(ctx, map[string]any{"title": "First", "markdownEN": "see " + link})
	require.NoError(t, err)
	_, err = articles.Create(ctx, map[string]any{"title": "Second", "markdownEN": "also " + link})
	require.NoError(t, err)
	_, err = articles.Create(ctx, map[string]any{"title": "Unrelated", "markdownEN": "nothing"})
	require.NoError(t, err)

	refs, err := articles.UsedLinks(ctx, a)
	require.NoError(t, err)
	require.Equal(t, 1, refs.Total)
	require.Len(t, refs.Refs[link], 1)
	require.Equal(t, "Second", refs.Refs[link][0].Title())
}
