package models

import (
	"context"

	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/docstore"
)

const BlogTable = "blogs"

// Blog statuses
const (
	BlogStatusOpen   = "open"
	BlogStatusEdit   = "edit"
	BlogStatusClosed = "closed"
)

var BlogSchema = docstore.Schema{
	Table: BlogTable,
	Create: `CREATE TABLE IF NOT EXISTS blogs (
		id bigserial NOT NULL,
		data jsonb,
		CONSTRAINT blogs_pkey PRIMARY KEY (id)
	)`,
	Indexes: map[string]string{
		"blogs_name_idx": `CREATE INDEX IF NOT EXISTS blogs_name_idx ON blogs USING btree (((data->>'name')))`,
	},
}

// Category pairs the language-local label with its English counterpart,
// used to derive an article's categoryEN from its categoryDE.
type Category struct {
	DE string
	EN string
}

// DefaultCategories applies when a blog carries no category list of its
// own.
var DefaultCategories = []Category{
	{DE: "In eigener Sache", EN: "About us"},
	{DE: "Kartografie", EN: "Mapping"},
	{DE: "Software", EN: "Software"},
	{DE: "Programmierung", EN: "Programming"},
	{DE: "Veranstaltungen", EN: "Events"},
	{DE: "Presse", EN: "Press"},
	{DE: "Sonstiges", EN: "Other"},
}

type Blog struct {
	*docstore.Document
}

func (b *Blog) Name() string   { return b.GetString("name") }
func (b *Blog) Status() string { return b.GetString("status") }

// Categories returns the blog's own category list, or the defaults.
func (b *Blog) Categories() []Category {
	raw, ok := b.Get("categories")
	if !ok {
		return DefaultCategories
	}
	entries, ok := raw.([]any)
	if !ok || len(entries) == 0 {
		return DefaultCategories
	}
	var categories []Category
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		c := Category{}
		if v, ok := m["DE"].(string); ok {
			c.DE = v
		}
		if v, ok := m["EN"].(string); ok {
			c.EN = v
		}
		categories = append(categories, c)
	}
	if len(categories) == 0 {
		return DefaultCategories
	}
	return categories
}

// BlogStore is the blog collection. Every write invalidates the orphan
// reference cache, since creating or renaming a blog can adopt or strand
// article references.
type BlogStore struct {
	*docstore.Mapper
	rec     docstore.ChangeRecorder
	orphans *caches.OrphanRefCache
	log     *zap.Logger
}

func NewBlogStore(q docstore.Querier, rec docstore.ChangeRecorder, orphans *caches.OrphanRefCache, log *zap.Logger) *BlogStore {
	return &BlogStore{
		Mapper:  docstore.NewMapper(q, BlogSchema, log),
		rec:     rec,
		orphans: orphans,
		log:     log,
	}
}

func (s *BlogStore) wrap(docs []*docstore.Document) []*Blog {
	blogs := make([]*Blog, len(docs))
	for i, d := range docs {
		blogs[i] = &Blog{Document: d}
	}
	return blogs
}

// Create saves a new blog. The name is a natural key: a second blog with
// the same name fails with a ConflictError.
func (s *BlogStore) Create(ctx context.Context, proto map[string]any) (*Blog, error) {
	if _, ok := proto["id"]; ok {
		return nil, &docstore.ValidationError{Msg: "blog prototype must not carry an id"}
	}
	name, _ := proto["name"].(string)
	if name != "" {
		existing, err := s.Mapper.FindOne(ctx, map[string]any{"name": name}, nil)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &docstore.ConflictError{Msg: "blog >" + name + "< already exists"}
		}
	}
	b := &Blog{Document: docstore.NewDocument(proto)}
	if b.Status() == "" {
		b.Set("status", BlogStatusOpen)
	}
	if err := s.Save(ctx, b.Document); err != nil {
		return nil, err
	}
	s.orphans.Invalidate()
	return b, nil
}

func (s *BlogStore) Find(ctx context.Context, query map[string]any, order *docstore.Order) ([]*Blog, error) {
	docs, err := s.Mapper.Find(ctx, query, order)
	if err != nil {
		return nil, err
	}
	return s.wrap(docs), nil
}

func (s *BlogStore) FindOne(ctx context.Context, query map[string]any, order *docstore.Order) (*Blog, error) {
	doc, err := s.Mapper.FindOne(ctx, query, order)
	if err != nil || doc == nil {
		return nil, err
	}
	return &Blog{Document: doc}, nil
}

func (s *BlogStore) FindByID(ctx context.Context, id int64) (*Blog, error) {
	doc, err := s.Mapper.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Blog{Document: doc}, nil
}

func (s *BlogStore) SetAndSave(ctx context.Context, b *Blog, actor string, changes map[string]any) error {
	s.orphans.Invalidate()
	return s.Mapper.SetAndSave(ctx, b.Document, actor, changes, s.rec, docstore.SetOptions{
		Validate: func(ctx context.Context, doc *docstore.Document, pending map[string]any) error {
			if status, ok := pending["status"].(string); ok {
				switch status {
				case BlogStatusOpen, BlogStatusEdit, BlogStatusClosed:
				default:
					return &docstore.ValidationError{Msg: "unknown blog status >" + status + "<"}
				}
			}
			return nil
		},
		AfterSave: func(context.Context, *docstore.Document) {
			s.orphans.Invalidate()
		},
	})
}

func (s *BlogStore) Remove(ctx context.Context, b *Blog) error {
	if err := s.Mapper.Remove(ctx, b.Document); err != nil {
		return err
	}
	s.orphans.Invalidate()
	return nil
}
