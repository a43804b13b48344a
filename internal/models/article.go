// Package models wraps the generic mapper into the domain entity types.
// Every entity composes a Mapper for find/save/remove and layers its own
// validation and derivations on top of the versioned update protocol.
package models

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/docstore"
)

const ArticleTable = "articles"

// searchConfigs maps a content language to the text search configuration
// of its generated index. Unknown languages fall back to 'simple'.
var searchConfigs = map[string]string{
	"DE": "german",
	"EN": "english",
	"FR": "french",
	"ES": "spanish",
}

func searchConfig(lang string) string {
	if cfg, ok := searchConfigs[strings.ToUpper(lang)]; ok {
		return cfg
	}
	return "simple"
}

// ArticleSchema generates the article layout: the document table, a
// ranked text-search index per content language, an equality index on the
// blog reference and the orphan_blogs view (blog names referenced by
// articles with no blog document).
func ArticleSchema(languages []string) docstore.Schema {
	s := docstore.Schema{
		Table: ArticleTable,
		Create: `CREATE TABLE IF NOT EXISTS articles (
			id bigserial NOT NULL,
			data jsonb,
			CONSTRAINT articles_pkey PRIMARY KEY (id)
		)`,
		Indexes: map[string]string{
			"articles_blog_idx": `CREATE INDEX IF NOT EXISTS articles_blog_idx ON articles USING btree (((data->>'blog')))`,
		},
		Views: map[string]string{
			"orphan_blogs": `CREATE OR REPLACE VIEW orphan_blogs AS
				SELECT DISTINCT articles.data->>'blog' AS name
				FROM articles
				LEFT JOIN blogs ON articles.data->>'blog' = blogs.data->>'name'
				WHERE blogs.data IS NULL`,
		},
	}
	for _, lang := range languages {
		cfg := searchConfig(lang)
		expr := `(coalesce(data->>'title','') || ' ' || coalesce(data->>'collection','') || ' ' || coalesce(data->>'markdown` + strings.ToUpper(lang) + `',''))`
		s.Indexes["articles_fts_"+strings.ToLower(lang)+"_idx"] =
			`CREATE INDEX IF NOT EXISTS articles_fts_` + strings.ToLower(lang) + `_idx ON articles USING gin (to_tsvector('` + cfg + `', ` + expr + `))`
		s.Search = append(s.Search, docstore.SearchIndex{Config: cfg, Expression: expr})
	}
	return s
}

// Article is one collected news item with per-language markdown bodies.
type Article struct {
	*docstore.Document
}

func (a *Article) Title() string      { return a.GetString("title") }
func (a *Article) Blog() string       { return a.GetString("blog") }
func (a *Article) Collection() string { return a.GetString("collection") }
func (a *Article) Markdown(lang string) string {
	return a.GetString("markdown" + strings.ToUpper(lang))
}

// DisplayTitle shortens the title for lists, falling back to the
// collection text when no title is set.
func (a *Article) DisplayTitle(maxLen int) string {
	if maxLen <= 0 {
		maxLen = 30
	}
	result := ""
	if t := a.Title(); t != "" {
		result = shorten(t, maxLen)
	} else if c := a.Collection(); c != "" {
		result = shorten(c, maxLen)
	}
	if strings.TrimSpace(result) == "" {
		result = "No Title"
	}
	return result
}

var linkPattern = regexp.MustCompile(`(?:https?|ftp)://[\w\-]+(?:\.[\w\-]+)+[\w\-.,@?^=%&:/~+#]*[\w\-@?^=%&/~+#]`)

// extractLinks pulls every hyperlink-shaped substring out of a text.
func extractLinks(text string) []string {
	return linkPattern.FindAllString(text, -1)
}

func shorten(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// LinkRefs is the used-links result: for each link of an article, the
// other articles referencing the same link, plus a total count.
type LinkRefs struct {
	Refs  map[string][]*Article
	Total int
}

// ArticleStore wires the mapper with the collaborators article updates
// touch: the blog collection (category derivation), the change recorder
// and the orphan-reference cache.
type ArticleStore struct {
	*docstore.Mapper
	languages   []string
	ignoreLinks []string
	blogs       *BlogStore
	rec         docstore.ChangeRecorder
	orphans     *caches.OrphanRefCache
	log         *zap.Logger
}

func NewArticleStore(q docstore.Querier, languages, ignoreLinks []string, blogs *BlogStore, rec docstore.ChangeRecorder, orphans *caches.OrphanRefCache, log *zap.Logger) *ArticleStore {
	return &ArticleStore{
		Mapper:      docstore.NewMapper(q, ArticleSchema(languages), log),
		languages:   languages,
		ignoreLinks: ignoreLinks,
		blogs:       blogs,
		rec:         rec,
		orphans:     orphans,
		log:         log,
	}
}

func (s *ArticleStore) wrap(docs []*docstore.Document) []*Article {
	articles := make([]*Article, len(docs))
	for i, d := range docs {
		articles[i] = &Article{Document: d}
	}
	return articles
}

// Create saves a new article built from the prototype.
func (s *ArticleStore) Create(ctx context.Context, proto map[string]any) (*Article, error) {
	if _, ok := proto["id"]; ok {
		return nil, &docstore.ValidationError{Msg: "article prototype must not carry an id"}
	}
	a := &Article{Document: docstore.NewDocument(proto)}
	if err := s.Save(ctx, a.Document); err != nil {
		return nil, err
	}
	s.orphans.Invalidate()
	return a, nil
}

func (s *ArticleStore) Find(ctx context.Context, query map[string]any, order *docstore.Order) ([]*Article, error) {
	docs, err := s.Mapper.Find(ctx, query, order)
	if err != nil {
		return nil, err
	}
	return s.wrap(docs), nil
}

func (s *ArticleStore) FindOne(ctx context.Context, query map[string]any, order *docstore.Order) (*Article, error) {
	doc, err := s.Mapper.FindOne(ctx, query, order)
	if err != nil || doc == nil {
		return nil, err
	}
	return &Article{Document: doc}, nil
}

func (s *ArticleStore) FindByID(ctx context.Context, id int64) (*Article, error) {
	doc, err := s.Mapper.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Article{Document: doc}, nil
}

func (s *ArticleStore) Search(ctx context.Context, term string, order *docstore.Order) ([]*Article, error) {
	docs, err := s.FullTextSearch(ctx, term, order)
	if err != nil {
		return nil, err
	}
	return s.wrap(docs), nil
}

// SetAndSave runs the versioned update protocol with the article rules:
// markdown values are trimmed, a first comment opens the comment status,
// and the English category is derived from the owning blog's category
// list. The orphan cache is invalidated since the blog reference may
// change.
func (s *ArticleStore) SetAndSave(ctx context.Context, a *Article, actor string, changes map[string]any) error {
	s.orphans.Invalidate()
	return s.Mapper.SetAndSave(ctx, a.Document, actor, changes, s.rec, docstore.SetOptions{
		Validate: func(ctx context.Context, doc *docstore.Document, pending map[string]any) error {
			for k, v := range pending {
				if strings.HasPrefix(k, "markdown") {
					if text, ok := v.(string); ok {
						pending[k] = strings.TrimSpace(text)
					}
				}
			}
			if comment, ok := pending["comment"].(string); ok && comment != "" && doc.GetString("commentStatus") == "" {
				if _, staged := pending["commentStatus"]; !staged {
					pending["commentStatus"] = "open"
				}
			}
			return s.deriveCategory(ctx, doc, pending)
		},
	})
}

// deriveCategory resolves the language-local category label against the
// owning blog's category list and stages the English counterpart.
func (s *ArticleStore) deriveCategory(ctx context.Context, doc *docstore.Document, pending map[string]any) error {
	local, ok := pending["categoryDE"].(string)
	if !ok || local == "" {
		return nil
	}
	categories := DefaultCategories
	blogName := doc.GetString("blog")
	if staged, ok := pending["blog"].(string); ok && staged != "" {
		blogName = staged
	}
	if blogName != "" {
		blog, err := s.blogs.FindOne(ctx, map[string]any{"name": blogName}, nil)
		if err != nil {
			return err
		}
		if blog != nil {
			categories = blog.Categories()
		}
	}
	for _, c := range categories {
		if c.DE == local {
			pending["categoryEN"] = c.EN
			break
		}
	}
	return nil
}

// Links extracts every hyperlink from the collection text and all
// markdown variants, skipping the configured flag-image URLs.
func (s *ArticleStore) Links(a *Article) []string {
	fields := []string{"collection"}
	for _, lang := range s.languages {
		fields = append(fields, "markdown"+strings.ToUpper(lang))
	}
	var links []string
	for _, f := range fields {
		for _, link := range extractLinks(a.GetString(f)) {
			if s.isIgnoredLink(link) {
				continue
			}
			links = append(links, link)
		}
	}
	return links
}

func (s *ArticleStore) isIgnoredLink(link string) bool {
	for _, ignored := range s.ignoreLinks {
		if link == ignored {
			return true
		}
	}
	return false
}

// UsedLinks searches every link of the article across the whole
// collection to find other articles referencing the same content. The
// article itself is excluded from its own results. Links are processed
// sequentially; search load is bounded by the link count.
func (s *ArticleStore) UsedLinks(ctx context.Context, a *Article) (*LinkRefs, error) {
	refs := &LinkRefs{Refs: map[string][]*Article{}}
	for _, link := range s.Links(a) {
		matches, err := s.Search(ctx, link, &docstore.Order{Column: "blog", Desc: true})
		if err != nil {
			return nil, err
		}
		others := make([]*Article, 0, len(matches))
		for _, m := range matches {
			if m.ID == a.ID {
				continue
			}
			others = append(others, m)
		}
		refs.Refs[link] = others
		refs.Total += len(others)
	}
	return refs, nil
}
