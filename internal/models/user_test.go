package models

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newsroom-cms/backend/internal/caches"
	"github.com/newsroom-cms/backend/internal/changelog"
	"github.com/newsroom-cms/backend/internal/docstore"
	"github.com/newsroom-cms/backend/internal/doctest"
	"github.com/newsroom-cms/backend/internal/events"
)

type captureRecorder struct {
	changes []docstore.Change
}

func (r *captureRecorder) Record(_ context.Context, c docstore.Change) error {
	r.changes = append(r.changes, c)
	return nil
}

type capturePublisher struct {
	published []events.ChangeEvent
	fail      bool
}

func (p *capturePublisher) Publish(_ context.Context, e events.ChangeEvent) error {
	if p.fail {
		return errors.New("redis unavailable")
	}
	p.published = append(p.published, e)
	return nil
}

type userFixture struct {
	store *doctest.MemStore
	rec   *captureRecorder
	pub   *capturePublisher
	users *UserStore
}

func newUserFixture(t *testing.T) *userFixture {
	t.Helper()
	store := doctest.NewMemStore()
	log := zap.NewNop()
	rec := &captureRecorder{}
	pub := &capturePublisher{}
	changes := changelog.New(store, nil, log)
	return &userFixture{
		store: store,
		rec:   rec,
		pub:   pub,
		users: NewUserStore(store, rec, changes, nil, pub, log),
	}
}

func TestUserCreateRules(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika", "access": AccessGuest})
	require.NoError(t, err)
	require.NotZero(t, u.ID)
	require.Equal(t, 1, u.Version)

	_, err = f.users.Create(ctx, map[string]any{"handle": "erika"})
	require.True(t, docstore.IsConflict(err), "duplicate handle, want conflict, got %v", err)

	_, err = f.users.Create(ctx, map[string]any{"id": 3, "handle": "max"})
	require.True(t, docstore.IsConflict(err), "prototype with id, want conflict, got %v", err)
}

func TestUserReservedHandleRejected(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika"})
	require.NoError(t, err)

	err = f.users.SetAndSave(ctx, u, "admin", map[string]any{"handle": caches.ReservedActor})
	require.True(t, docstore.IsConflict(err), "reserved handle, want conflict, got %v", err)
}

func TestUserEmailChangeStagesValidation(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika", "access": AccessGuest})
	require.NoError(t, err)

	err = f.users.SetAndSave(ctx, u, "erika", map[string]any{"email": " erika@example.org "})
	require.NoError(t, err)

	// The address is staged, not live, until the mailed key comes back.
	require.Empty(t, u.Email())
	require.Equal(t, "erika@example.org", u.GetString("emailInvalidation"))
	key := u.GetString("emailValidationKey")
	require.Len(t, key, 32)

	// The validation key must never appear in the audit trail.
	for _, c := range f.rec.changes {
		require.NotEqual(t, "emailValidationKey", c.Property)
	}

	// The staged change triggers a welcome event.
	require.Len(t, f.pub.published, 1)
	require.Equal(t, events.EventWelcomeUser, f.pub.published[0].Type)
	require.Equal(t, "erika@example.org", f.pub.published[0].To)
}

func TestUserEmailChangeAuthorization(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		fields     map[string]any
		actor      string
		email      string
		wantStatus int
	}{
		{
			name:       "denied user cannot receive an address",
			fields:     map[string]any{"handle": "erika", "access": AccessDenied},
			actor:      "erika",
			email:      "erika@example.org",
			wantStatus: 401,
		},
		{
			name:       "other actor after login",
			fields:     map[string]any{"handle": "erika", "access": AccessGuest, "lastAccess": "2026-08-01"},
			actor:      "admin",
			email:      "new@example.org",
			wantStatus: 401,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newUserFixture(t)
			u, err := f.users.Create(ctx, tt.fields)
			require.NoError(t, err)

			err = f.users.SetAndSave(ctx, u, tt.actor, map[string]any{"email": tt.email})
			require.True(t, docstore.IsValidation(err), "want validation error, got %v", err)
			require.Equal(t, tt.wantStatus, docstore.HTTPStatus(err))
		})
	}
}

func TestUserEmailMalformedRejected(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika", "access": AccessGuest})
	require.NoError(t, err)

	err = f.users.SetAndSave(ctx, u, "erika", map[string]any{"email": "not-an-address"})
	require.True(t, docstore.IsValidation(err), "want validation error, got %v", err)
	require.Equal(t, 400, docstore.HTTPStatus(err))
}

func TestUserEmailNoneDeletesAddress(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{
		"handle": "erika", "access": AccessGuest,
		"email": "old@example.org", "emailInvalidation": "staged@example.org",
	})
	require.NoError(t, err)

	err = f.users.SetAndSave(ctx, u, "erika", map[string]any{"email": "none"})
	require.NoError(t, err)
	require.False(t, u.Has("email"))
	require.False(t, u.Has("emailInvalidation"))
	require.False(t, u.Has("emailValidationKey"))
	require.Empty(t, f.pub.published, "deleting the address sends no welcome")
}

func TestUserEmailResendTriggersWelcomeOnly(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{
		"handle": "erika", "access": AccessGuest, "emailInvalidation": "staged@example.org",
	})
	require.NoError(t, err)
	before := u.Version

	err = f.users.SetAndSave(ctx, u, "erika", map[string]any{"email": "resend"})
	require.NoError(t, err)
	require.False(t, u.Has("email"))
	require.Equal(t, before+1, u.Version)
	require.Len(t, f.pub.published, 1)
	require.Equal(t, events.EventWelcomeUser, f.pub.published[0].Type)
}

func TestUserHandleChangeRules(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	_, err := f.users.Create(ctx, map[string]any{"handle": "max"})
	require.NoError(t, err)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika"})
	require.NoError(t, err)

	// Renaming onto an existing handle is a conflict.
	err = f.users.SetAndSave(ctx, u, "admin", map[string]any{"handle": "max"})
	require.True(t, docstore.IsConflict(err), "duplicate handle, want conflict, got %v", err)

	// A fresh handle is fine before the first login.
	err = f.users.SetAndSave(ctx, u, "admin", map[string]any{"handle": "erika2"})
	require.NoError(t, err)
	require.Equal(t, "erika2", u.Handle())

	// After login the handle is frozen.
	err = f.users.SetAndSave(ctx, u, "admin", map[string]any{"lastAccess": "2026-08-29"})
	require.NoError(t, err)
	err = f.users.SetAndSave(ctx, u, "admin", map[string]any{"handle": "erika3"})
	require.True(t, docstore.IsValidation(err), "want validation error, got %v", err)
	require.Equal(t, 403, docstore.HTTPStatus(err))
}

func TestUserHandleChangeAbortsOnAvatarFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := doctest.NewMemStore()
	log := zap.NewNop()
	avatars := caches.NewAvatarCache(srv.URL, srv.Client(), 1, log)
	users := NewUserStore(store, nil, changelog.New(store, nil, log), avatars, nil, log)

	u, err := users.Create(ctx, map[string]any{"handle": "erika"})
	require.NoError(t, err)

	err = users.SetAndSave(ctx, u, "admin", map[string]any{"handle": "max"})
	require.True(t, docstore.IsExternalLookup(err), "want external lookup error, got %v", err)
	require.Equal(t, "erika", u.Handle())
}

func TestValidateEmail(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika", "access": AccessGuest})
	require.NoError(t, err)
	require.NoError(t, f.users.SetAndSave(ctx, u, "erika", map[string]any{"email": "erika@example.org"}))
	key := u.GetString("emailValidationKey")

	// Only the owning user may confirm.
	err = f.users.ValidateEmail(ctx, u, "admin", key)
	require.True(t, docstore.IsConflict(err), "wrong actor, want conflict, got %v", err)

	// A wrong key fails and leaves an audit mark.
	marks := len(f.rec.changes)
	err = f.users.ValidateEmail(ctx, u, "erika", "bogus")
	require.True(t, docstore.IsConflict(err), "wrong key, want conflict, got %v", err)
	require.Len(t, f.rec.changes, marks+1)
	require.Equal(t, "Validation Failed", f.rec.changes[marks].To)

	// The right key promotes the staged address.
	require.NoError(t, f.users.ValidateEmail(ctx, u, "erika", key))
	require.Equal(t, "erika@example.org", u.Email())
	require.False(t, u.Has("emailInvalidation"))
	require.False(t, u.Has("emailValidationKey"))

	last := f.rec.changes[len(f.rec.changes)-1]
	require.Equal(t, "email", last.Property)
	require.Equal(t, "erika@example.org", last.To)

	// Confirming twice is a conflict, nothing is pending anymore.
	err = f.users.ValidateEmail(ctx, u, "erika", key)
	require.True(t, docstore.IsConflict(err), "no pending validation, want conflict, got %v", err)
}

func TestUserCountChanges(t *testing.T) {
	ctx := context.Background()
	store := doctest.NewMemStore()
	log := zap.NewNop()
	changes := changelog.New(store, nil, log)
	users := NewUserStore(store, changes, changes, nil, nil, log)

	u, err := users.Create(ctx, map[string]any{"handle": "erika"})
	require.NoError(t, err)

	for _, c := range []docstore.Change{
		{OID: 1, Table: ArticleTable, User: "erika", Property: "title", To: "a", Timestamp: time.Now()},
		{OID: 1, Table: ArticleTable, User: "erika", Property: "blog", To: "b", Timestamp: time.Now()},
		{OID: 2, Table: UserTable, User: "erika", Property: "email", To: "x", Timestamp: time.Now()},
	} {
		require.NoError(t, changes.Record(ctx, c))
	}

	n, err := users.CountChanges(ctx, u)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestUserHandles(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	for _, h := range []string{"max", "erika"} {
		_, err := f.users.Create(ctx, map[string]any{"handle": h})
		require.NoError(t, err)
	}
	_, err := f.users.Create(ctx, map[string]any{"access": AccessGuest})
	require.NoError(t, err)

	handles, err := f.users.Handles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"erika", "max"}, handles)
}

func TestCreateAPIKey(t *testing.T) {
	ctx := context.Background()
	f := newUserFixture(t)

	u, err := f.users.Create(ctx, map[string]any{"handle": "erika"})
	require.NoError(t, err)

	key, err := f.users.CreateAPIKey(ctx, u)
	require.NoError(t, err)
	require.Len(t, key, 32)
	require.Equal(t, key, u.GetString("apiKey"))
	require.Equal(t, 2, u.Version)
}
