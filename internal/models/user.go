package models

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/changelog"
	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/events"
)

const UserTable = "users"

// Access levels
const (
	AccessFull   = "full"
	AccessGuest  = "guest"
	AccessDenied = "denied"
)

var UserSchema = docstore.Schema{
	Table: UserTable,
	Create: `CREATE TABLE IF NOT EXISTS users (
		id bigserial NOT NULL,
		data jsonb,
		CONSTRAINT users_pkey PRIMARY KEY (id)
	)`,
	Indexes: map[string]string{
		"users_handle_idx": `CREATE UNIQUE INDEX IF NOT EXISTS users_handle_idx ON users USING btree (((data->>'handle')))`,
	},
}

type User struct {
	*docstore.Document
}

func (u *User) Handle() string { return u.GetString("handle") }
func (u *User) Access() string { return u.GetString("access") }
func (u *User) Email() string  { return u.GetString("email") }

func (u *User) HasLoggedIn() bool   { return u.GetString("lastAccess") != "" }
func (u *User) HasFullAccess() bool { return u.Access() == AccessFull }
func (u *User) HasGuestAccess() bool {
	return u.Access() == AccessGuest
}

// UserStore owns the user collection. The handle is the natural key and
// doubles as the actor identity in the audit log.
type UserStore struct {
	*docstore.Mapper
	rec     docstore.ChangeRecorder
	changes *changelog.Log
	avatars *caches.AvatarCache
	pub     events.Publisher
	log     *zap.Logger
}

func NewUserStore(q docstore.Querier, rec docstore.ChangeRecorder, changes *changelog.Log, avatars *caches.AvatarCache, pub events.Publisher, log *zap.Logger) *UserStore {
	return &UserStore{
		Mapper:  docstore.NewMapper(q, UserSchema, log),
		rec:     rec,
		changes: changes,
		avatars: avatars,
		pub:     pub,
		log:     log,
	}
}

func (s *UserStore) wrap(docs []*docstore.Document) []*User {
	users := make([]*User, len(docs))
	for i, d := range docs {
		users[i] = &User{Document: d}
	}
	return users
}

// Create saves a new user, refusing duplicate handles.
func (s *UserStore) Create(ctx context.Context, proto map[string]any) (*User, error) {
	if _, ok := proto["id"]; ok {
		return nil, &docstore.ConflictError{Msg: "user id exists"}
	}
	handle, _ := proto["handle"].(string)
	if handle != "" {
		existing, err := s.Mapper.FindOne(ctx, map[string]any{"handle": handle}, nil)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &docstore.ConflictError{Msg: "user >" + handle + "< already exists"}
		}
	}
	u := &User{Document: docstore.NewDocument(proto)}
	if err := s.Save(ctx, u.Document); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *UserStore) Find(ctx context.Context, query map[string]any, order *docstore.Order) ([]*User, error) {
	docs, err := s.Mapper.Find(ctx, query, order)
	if err != nil {
		return nil, err
	}
	return s.wrap(docs), nil
}

func (s *UserStore) FindOne(ctx context.Context, query map[string]any, order *docstore.Order) (*User, error) {
	doc, err := s.Mapper.FindOne(ctx, query, order)
	if err != nil || doc == nil {
		return nil, err
	}
	return &User{Document: doc}, nil
}

func (s *UserStore) FindByID(ctx context.Context, id int64) (*User, error) {
	doc, err := s.Mapper.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &User{Document: doc}, nil
}

// SetAndSave runs the versioned update protocol with the user rules.
// The handle "autocreate" is reserved. The email address may only be
// changed by the user themself once they have logged in, never for a
// denied user except deletion; a real new address is staged into
// emailInvalidation with a fresh validation key until confirmed. A
// handle change is forbidden once the user has logged in and is checked
// against the natural key.
func (s *UserStore) SetAndSave(ctx context.Context, u *User, actor string, changes map[string]any) error {
	sendWelcome := false

	return s.Mapper.SetAndSave(ctx, u.Document, actor, changes, s.rec, docstore.SetOptions{
		Validate: func(ctx context.Context, doc *docstore.Document, pending map[string]any) error {
			if email, ok := pending["email"].(string); ok {
				pending["email"] = strings.TrimSpace(email)
			}
			if handle, ok := pending["handle"].(string); ok {
				pending["handle"] = strings.TrimSpace(handle)
			}
			if pending["handle"] == caches.ReservedActor {
				return &docstore.ConflictError{Msg: "user >" + caches.ReservedActor + "< not allowed"}
			}

			if err := s.validateEmailChange(doc, pending, actor, &sendWelcome); err != nil {
				return err
			}
			return s.validateHandleChange(ctx, doc, pending, actor)
		},
		Apply: func(doc *docstore.Document, key string, value any) {
			// "none" deletes the address and any pending validation.
			if key == "email" && value == "none" {
				doc.Delete("email")
				doc.Delete("emailInvalidation")
				doc.Delete("emailValidationKey")
				return
			}
			doc.Set(key, value)
		},
		Unlogged: map[string]bool{"emailValidationKey": true},
		AfterSave: func(ctx context.Context, doc *docstore.Document) {
			if !sendWelcome || s.pub == nil {
				return
			}
			err := s.pub.Publish(ctx, events.ChangeEvent{
				ID:        uuid.NewString(),
				Type:      events.EventWelcomeUser,
				OID:       doc.ID,
				Table:     UserTable,
				User:      actor,
				To:        doc.GetString("emailInvalidation"),
				Timestamp: time.Now(),
			})
			if err != nil {
				s.log.Warn("welcome event not published",
					zap.Int64("user_id", doc.ID), zap.Error(err))
			}
		},
	})
}

func (s *UserStore) validateEmailChange(doc *docstore.Document, pending map[string]any, actor string, sendWelcome *bool) error {
	u := &User{Document: doc}
	email, ok := pending["email"].(string)
	if !ok || email == "" || email == u.Email() {
		return nil
	}

	if u.Access() == AccessDenied && email != "none" {
		return &docstore.ValidationError{
			Msg:    "email address can only be changed by the user themself, after they have logged in",
			Status: 401,
		}
	}
	if u.Handle() != actor && u.HasLoggedIn() {
		return &docstore.ValidationError{
			Msg:    "email address can only be changed by the user themself, after they have logged in",
			Status: 401,
		}
	}

	switch email {
	case "none":
		// handled by the apply hook
	case "resend":
		*sendWelcome = true
		delete(pending, "email")
	default:
		if _, err := mail.ParseAddress(email); err != nil {
			return &docstore.ValidationError{Msg: "invalid email address: " + email}
		}
		pending["emailInvalidation"] = email
		pending["emailValidationKey"] = randomKey()
		*sendWelcome = true
		delete(pending, "email")
	}
	return nil
}

func (s *UserStore) validateHandleChange(ctx context.Context, doc *docstore.Document, pending map[string]any, actor string) error {
	u := &User{Document: doc}
	handle, ok := pending["handle"].(string)
	if !ok || handle == "" || handle == u.Handle() {
		return nil
	}
	if u.HasLoggedIn() {
		return &docstore.ValidationError{
			Msg:    ">" + u.Handle() + "< already has logged in, change in name not possible",
			Status: 403,
		}
	}
	existing, err := s.Mapper.FindOne(ctx, map[string]any{"handle": handle}, nil)
	if err != nil {
		return err
	}
	if existing != nil {
		return &docstore.ConflictError{Msg: "user >" + handle + "< already exists"}
	}
	if s.avatars != nil {
		if _, err := s.avatars.Lookup(ctx, handle); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEmail promotes a staged address once the mailed validation key
// comes back. Only the owning user may confirm.
func (s *UserStore) ValidateEmail(ctx context.Context, u *User, actor, key string) error {
	if u.Handle() != actor {
		return &docstore.ConflictError{Msg: "wrong user: expected >" + u.Handle() + "< given >" + actor + "<"}
	}
	staged := u.GetString("emailInvalidation")
	if staged == "" {
		return &docstore.ConflictError{Msg: "no validation pending for user >" + u.Handle() + "<"}
	}
	if key != u.GetString("emailValidationKey") {
		err := &docstore.ConflictError{Msg: "wrong validation key for user >" + u.Handle() + "<"}
		if s.rec != nil {
			_ = s.rec.Record(ctx, docstore.Change{
				OID: u.ID, Table: UserTable, User: actor,
				Property: "email", To: "Validation Failed", Timestamp: time.Now(),
			})
		}
		return err
	}

	old, _ := u.Get("email")
	u.Set("email", staged)
	u.Delete("emailInvalidation")
	u.Delete("emailValidationKey")
	if err := s.Save(ctx, u.Document); err != nil {
		return err
	}
	if s.rec != nil {
		return s.rec.Record(ctx, docstore.Change{
			OID: u.ID, Table: UserTable, User: actor,
			Property: "email", From: old, To: staged, Timestamp: time.Now(),
		})
	}
	return nil
}

// CreateAPIKey rotates the user's API key and persists it.
func (s *UserStore) CreateAPIKey(ctx context.Context, u *User) (string, error) {
	key := randomKey()
	u.Set("apiKey", key)
	if err := s.Save(ctx, u.Document); err != nil {
		return "", err
	}
	return key, nil
}

// CountChanges reports how many article changes the user has made,
// computed from the audit log.
func (s *UserStore) CountChanges(ctx context.Context, u *User) (int64, error) {
	return s.changes.CountByUser(ctx, u.Handle(), ArticleTable)
}

// Avatar returns the cached avatar URL for the user, if any.
func (s *UserStore) Avatar(u *User) string {
	if s.avatars == nil {
		return ""
	}
	return s.avatars.Cached(u.Handle())
}

// Handles lists every user handle, feeding the avatar warm-up.
func (s *UserStore) Handles(ctx context.Context) ([]string, error) {
	users, err := s.Find(ctx, nil, &docstore.Order{Column: "handle"})
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(users))
	for _, u := range users {
		if h := u.Handle(); h != "" {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

func randomKey() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
