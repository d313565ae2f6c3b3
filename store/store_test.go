package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "authnz.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authnz.db")
	ctx := context.Background()

	first, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	_, err = first.CreateUser(ctx, "alice", "alice@example.org")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer second.Close()

	u, err := second.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice@example.org", u.Email)
}

func TestCreateAndLookupUser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateUser(ctx, "alice", "Alice@Example.org")
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	byID, err := st.GetUser(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "alice", byID.Username)

	byEmail, err := st.GetUserByEmail(ctx, "alice@example.ORG")
	require.NoError(t, err)
	require.Equal(t, created.ID, byEmail.ID)

	_, err = st.GetUser(ctx, created.ID+100)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetUserByEmail(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateUser(ctx, "alice", "a@example.org")
	require.NoError(t, err)

	_, err = st.CreateUser(ctx, "alice", "b@example.org")
	require.ErrorIs(t, err, ErrConflict)
}

func TestIdentityLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "alice", "alice@example.org")
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	link, err := st.CreateIdentity(ctx, IdentityLink{
		UserID:     u.ID,
		Provider:   "google",
		ExternalID: "sub-1",
		Email:      "alice@example.org",
		Tokens:     Tokens{IDToken: "id", AccessToken: "at", ExpiresAt: expiry},
	})
	require.NoError(t, err)
	require.NotZero(t, link.ID)

	found, err := st.FindIdentity(ctx, "google", "sub-1")
	require.NoError(t, err)
	require.Equal(t, u.ID, found.UserID)
	require.Equal(t, "at", found.Tokens.AccessToken)
	require.True(t, found.Tokens.ExpiresAt.Equal(expiry))

	require.NoError(t, st.UpdateIdentityTokens(ctx, link.ID, Tokens{AccessToken: "at2", RefreshToken: "rt"}))
	found, err = st.FindIdentity(ctx, "google", "sub-1")
	require.NoError(t, err)
	require.Equal(t, "at2", found.Tokens.AccessToken)
	require.Equal(t, "rt", found.Tokens.RefreshToken)
	require.True(t, found.Tokens.ExpiresAt.IsZero())

	_, err = st.CreateIdentity(ctx, IdentityLink{UserID: u.ID, Provider: "cilogon", ExternalID: "http://cilogon.org/serverA/users/1"})
	require.NoError(t, err)

	links, err := st.ListIdentities(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.Equal(t, "google", links[0].Provider)
	require.Equal(t, "cilogon", links[1].Provider)

	require.NoError(t, st.DeleteIdentity(ctx, u.ID, "google"))
	require.ErrorIs(t, st.DeleteIdentity(ctx, u.ID, "google"), ErrNotFound)

	_, err = st.FindIdentity(ctx, "google", "sub-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListIdentitiesEmpty(t *testing.T) {
	st := newTestStore(t)
	links, err := st.ListIdentities(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, links)
	require.Empty(t, links)
}

func TestCreateIdentityConflicts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	alice, err := st.CreateUser(ctx, "alice", "")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", "")
	require.NoError(t, err)

	_, err = st.CreateIdentity(ctx, IdentityLink{UserID: alice.ID, Provider: "google", ExternalID: "sub-1"})
	require.NoError(t, err)

	// the same external account cannot belong to two users
	_, err = st.CreateIdentity(ctx, IdentityLink{UserID: bob.ID, Provider: "google", ExternalID: "sub-1"})
	require.True(t, errors.Is(err, ErrConflict), "got %v", err)

	// one link per provider per user
	_, err = st.CreateIdentity(ctx, IdentityLink{UserID: alice.ID, Provider: "google", ExternalID: "sub-2"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateIdentityTokensMissing(t *testing.T) {
	st := newTestStore(t)
	require.ErrorIs(t, st.UpdateIdentityTokens(context.Background(), 99, Tokens{}), ErrNotFound)
}

func TestRebindPostgres(t *testing.T) {
	st := &Store{driver: DriverPostgres}
	got := st.rebind("SELECT a FROM t WHERE x = ? AND y = ?")
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", got)

	lite := &Store{driver: DriverSQLite}
	require.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestCreateUserWithIdentity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	user, link, err := st.CreateUserWithIdentity(ctx, "alice", "alice@example.org",
		IdentityLink{Provider: "cilogon", ExternalID: "sub-alice"})
	require.NoError(t, err)
	require.Equal(t, user.ID, link.UserID)

	found, err := st.FindIdentity(ctx, "cilogon", "sub-alice")
	require.NoError(t, err)
	require.Equal(t, user.ID, found.UserID)

	// username taken: nothing is written
	_, _, err = st.CreateUserWithIdentity(ctx, "alice", "", IdentityLink{Provider: "google", ExternalID: "g-1"})
	require.ErrorIs(t, err, ErrConflict)
	_, err = st.FindIdentity(ctx, "google", "g-1")
	require.ErrorIs(t, err, ErrNotFound)

	// external account already linked: the new user is rolled back
	_, _, err = st.CreateUserWithIdentity(ctx, "alice-2", "", IdentityLink{Provider: "cilogon", ExternalID: "sub-alice"})
	require.ErrorIs(t, err, ErrIdentityLinked)
	_, err = st.GetUserByUsername(ctx, "alice-2")
	require.ErrorIs(t, err, ErrNotFound)
}
