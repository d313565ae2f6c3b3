// Package store persists local users and their third-party identity links.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
	// ErrIdentityLinked is returned by CreateUserWithIdentity when the
	// external account already belongs to a user.
	ErrIdentityLinked = errors.New("store: identity already linked")
)

// Store is a database/sql backed repository for users and identity links.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database, verifies the connection and applies the
// schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var schema []string
	switch driver {
	case DriverSQLite:
		schema = sqliteSchema
	case DriverPostgres:
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; a single connection also keeps
		// per-connection pragmas and in-memory databases consistent.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	if driver == DriverSQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateUser inserts a new local account.
func (s *Store) CreateUser(ctx context.Context, username, email string) (User, error) {
	return s.insertUser(ctx, s.db, username, email)
}

// CreateUserWithIdentity inserts a new account together with its first
// identity link. Either both rows are written or neither is. A taken
// username yields ErrConflict, a taken external account ErrIdentityLinked.
func (s *Store) CreateUserWithIdentity(ctx context.Context, username, email string, link IdentityLink) (User, IdentityLink, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, IdentityLink{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := s.insertUser(ctx, tx, username, email)
	if err != nil {
		return User{}, IdentityLink{}, err
	}
	link.UserID = user.ID
	link, err = s.insertIdentity(ctx, tx, link)
	if errors.Is(err, ErrConflict) {
		return User{}, IdentityLink{}, fmt.Errorf("%w: %v", ErrIdentityLinked, err)
	}
	if err != nil {
		return User{}, IdentityLink{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, IdentityLink{}, s.translate(err)
	}
	return user, link, nil
}

func (s *Store) insertUser(ctx context.Context, q queryer, username, email string) (User, error) {
	created := s.now().UTC().Truncate(time.Second)

	var id int64
	err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO users (username, email, created_at)
		VALUES (?, ?, ?)
		RETURNING id
	`), username, email, created.Unix()).Scan(&id)
	if err != nil {
		return User{}, s.translate(err)
	}

	return User{ID: id, Username: username, Email: email, CreatedAt: created}, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return s.queryUser(ctx, `SELECT id, username, email, created_at FROM users WHERE id = ?`, id)
}

// GetUserByUsername loads a user by exact username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	return s.queryUser(ctx, `SELECT id, username, email, created_at FROM users WHERE username = ?`, username)
}

// GetUserByEmail loads a user by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	if strings.TrimSpace(email) == "" {
		return User{}, ErrNotFound
	}
	return s.queryUser(ctx, `
		SELECT id, username, email, created_at FROM users
		WHERE LOWER(email) = LOWER(?)
		ORDER BY id
		LIMIT 1
	`, email)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (User, error) {
	var (
		u       User
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), arg).Scan(&u.ID, &u.Username, &u.Email, &created)
	if err != nil {
		return User{}, s.translate(err)
	}
	u.CreatedAt = time.Unix(created, 0).UTC()
	return u, nil
}

const identityColumns = `id, user_id, provider, external_id, email, id_token, access_token, refresh_token, expires_at, created_at, updated_at`

// ListIdentities returns every identity link owned by userID, oldest first.
func (s *Store) ListIdentities(ctx context.Context, userID int64) ([]IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+identityColumns+`
		FROM identity_links
		WHERE user_id = ?
		ORDER BY id
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	links := []IdentityLink{}
	for rows.Next() {
		link, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// FindIdentity loads the link for an external account at provider.
func (s *Store) FindIdentity(ctx context.Context, provider, externalID string) (IdentityLink, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+identityColumns+`
		FROM identity_links
		WHERE provider = ? AND external_id = ?
	`), provider, externalID)
	link, err := scanIdentity(row)
	if err != nil {
		return IdentityLink{}, s.translate(err)
	}
	return link, nil
}

// CreateIdentity links an external account to a user. A user holds at most
// one link per provider and an external account belongs to one user.
func (s *Store) CreateIdentity(ctx context.Context, link IdentityLink) (IdentityLink, error) {
	return s.insertIdentity(ctx, s.db, link)
}

func (s *Store) insertIdentity(ctx context.Context, q queryer, link IdentityLink) (IdentityLink, error) {
	now := s.now().UTC().Truncate(time.Second)
	link.CreatedAt = now
	link.UpdatedAt = now

	err := q.QueryRowContext(ctx, s.rebind(`
		INSERT INTO identity_links
			(user_id, provider, external_id, email, id_token, access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		link.UserID,
		link.Provider,
		link.ExternalID,
		link.Email,
		link.Tokens.IDToken,
		link.Tokens.AccessToken,
		link.Tokens.RefreshToken,
		unixOrZero(link.Tokens.ExpiresAt),
		now.Unix(),
		now.Unix(),
	).Scan(&link.ID)
	if err != nil {
		return IdentityLink{}, s.translate(err)
	}
	return link, nil
}

// UpdateIdentityTokens replaces the stored upstream tokens of a link.
func (s *Store) UpdateIdentityTokens(ctx context.Context, id int64, tokens Tokens) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE identity_links
		SET id_token = ?, access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`), tokens.IDToken, tokens.AccessToken, tokens.RefreshToken, unixOrZero(tokens.ExpiresAt), s.now().UTC().Unix(), id)
	if err != nil {
		return s.translate(err)
	}
	return expectAffected(res)
}

// DeleteIdentity removes the link between userID and provider.
func (s *Store) DeleteIdentity(ctx context.Context, userID int64, provider string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM identity_links WHERE user_id = ? AND provider = ?
	`), userID, provider)
	if err != nil {
		return s.translate(err)
	}
	return expectAffected(res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (IdentityLink, error) {
	var (
		link                      IdentityLink
		expires, created, updated int64
	)
	err := row.Scan(
		&link.ID,
		&link.UserID,
		&link.Provider,
		&link.ExternalID,
		&link.Email,
		&link.Tokens.IDToken,
		&link.Tokens.AccessToken,
		&link.Tokens.RefreshToken,
		&expires,
		&created,
		&updated,
	)
	if err != nil {
		return IdentityLink{}, err
	}
	if expires > 0 {
		link.Tokens.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	link.CreatedAt = time.Unix(created, 0).UTC()
	link.UpdatedAt = time.Unix(updated, 0).UTC()
	return link, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// rebind rewrites ? placeholders into the $n form postgres expects.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) translate(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// the primary code is the low byte of an extended result code
		if liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}

	return err
}
