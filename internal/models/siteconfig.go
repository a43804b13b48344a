package models

import (
	"context"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/newsroom-cms/backend/internal/docstore"
)

const ConfigTable = "configs"

var ConfigSchema = docstore.Schema{
	Table: ConfigTable,
	Create: `CREATE TABLE IF NOT EXISTS configs (
		id bigserial NOT NULL,
		data jsonb,
		CONSTRAINT configs_pkey PRIMARY KEY (id)
	)`,
	Indexes: map[string]string{
		"configs_name_idx": `CREATE UNIQUE INDEX IF NOT EXISTS configs_name_idx ON configs USING btree (((data->>'name')))`,
	},
}

// SiteConfig is one named configuration document. The payload is a YAML
// text edited as a whole; the store only checks that it parses.
type SiteConfig struct {
	*docstore.Document
}

func (c *SiteConfig) Name() string { return c.GetString("name") }
func (c *SiteConfig) Type() string { return c.GetString("type") }
func (c *SiteConfig) YAML() string { return c.GetString("yaml") }

// Value parses the YAML payload. A broken payload is a ValidationError;
// the store never rejects what is already persisted.
func (c *SiteConfig) Value() (map[string]any, error) {
	text := c.YAML()
	if text == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal([]byte(text), &out); err != nil {
		return nil, &docstore.ValidationError{Msg: "config >" + c.Name() + "<: invalid yaml: " + err.Error()}
	}
	return out, nil
}

type ConfigStore struct {
	*docstore.Mapper
	rec docstore.ChangeRecorder
	log *zap.Logger
}

func NewConfigStore(q docstore.Querier, rec docstore.ChangeRecorder, log *zap.Logger) *ConfigStore {
	return &ConfigStore{
		Mapper: docstore.NewMapper(q, ConfigSchema, log),
		rec:    rec,
		log:    log,
	}
}

// Get returns the named configuration document, creating an empty one on
// first access.
func (s *ConfigStore) Get(ctx context.Context, name string) (*SiteConfig, error) {
	doc, err := s.Mapper.FindOne(ctx, map[string]any{"name": name}, nil)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return &SiteConfig{Document: doc}, nil
	}
	c := &SiteConfig{Document: docstore.NewDocument(map[string]any{
		"name": name,
		"type": "yaml",
	})}
	if err := s.Save(ctx, c.Document); err != nil {
		return nil, err
	}
	s.log.Info("config document created", zap.String("name", name))
	return c, nil
}

// SetAndSave updates a configuration document; a YAML payload must parse
// before anything is touched.
func (s *ConfigStore) SetAndSave(ctx context.Context, c *SiteConfig, actor string, changes map[string]any) error {
	return s.Mapper.SetAndSave(ctx, c.Document, actor, changes, s.rec, docstore.SetOptions{
		Validate: func(_ context.Context, _ *docstore.Document, pending map[string]any) error {
			if text, ok := pending["yaml"].(string); ok && text != "" {
				var probe any
				if err := yaml.Unmarshal([]byte(text), &probe); err != nil {
					return &docstore.ValidationError{Msg: "invalid yaml: " + err.Error()}
				}
			}
			if name, ok := pending["name"].(string); ok && name == "" {
				return &docstore.ValidationError{Msg: "config name must not be empty"}
			}
			return nil
		},
	})
}
