// Package postgres provides the PostgreSQL-backed account and file metadata
// store. Every call borrows the shared handle from the connection manager.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaydrive/relaydrive/internal/metrics"
)

// uniqueViolation is the SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// registerLockKey is the transaction-scoped advisory lock taken by
// RegisterAccount.
const registerLockKey int64 = 0x72647276

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken is returned when registering an email that exists.
	ErrEmailTaken = errors.New("email already registered")
)

// Account roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Connector hands out the shared database handle.
type Connector interface {
	GetConnection(ctx context.Context) (*sql.DB, error)
}

// Store is a PostgreSQL metadata store.
type Store struct {
	conn Connector
}

// New creates a Store.
func New(conn Connector) *Store {
	return &Store{conn: conn}
}

// Account maps to the accounts table.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
}

// FileRow maps to the files table.
type FileRow struct {
	ID             string
	OwnerID        string
	Name           string
	MimeType       string
	SizeBytes      int64
	RemoteFileID   string
	RemoteUniqueID string
	RemotePath     string
	MessageID      int64
	CreatedAt      time.Time
}

// Owner returns the owning account id.
func (f *FileRow) Owner() string { return f.OwnerID }

// Stats summarizes stored content.
type Stats struct {
	Users      int64
	Files      int64
	TotalBytes int64
}

func (s *Store) db(ctx context.Context) (*sql.DB, error) {
	db, err := s.conn.GetConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return db, nil
}

const accountColumns = `id, email, display_name, password_hash, role, is_active, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Role, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// AccountByID returns the account with the given id.
func (s *Store) AccountByID(ctx context.Context, id string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("account_by_id", time.Since(start)) }()

	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	a, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// AccountByEmail returns the account registered under email.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("account_by_email", time.Since(start)) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	a, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// RegisterAccount inserts a new active account. The first account ever
// registered gets RoleAdmin and every later one RoleUser; registrations
// are serialized on an advisory lock so concurrent first sign-ups cannot
// both see an empty table.
func (s *Store) RegisterAccount(ctx context.Context, email, displayName, passwordHash string) (*Account, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("register_account", time.Since(start)) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, registerLockKey); err != nil {
		return nil, fmt.Errorf("lock registrations: %w", err)
	}

	a := &Account{
		Email:        NormalizeEmail(email),
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		IsActive:     true,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO accounts (email, display_name, password_hash, role)
		 SELECT $1, $2, $3, CASE WHEN EXISTS (SELECT 1 FROM accounts) THEN $4 ELSE $5 END
		 RETURNING id, role, created_at`,
		a.Email, a.DisplayName, a.PasswordHash, RoleUser, RoleAdmin).Scan(&a.ID, &a.Role, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit account: %w", err)
	}
	return a, nil
}

// CreateFile records an uploaded file and fills in its id and creation time.
func (s *Store) CreateFile(ctx context.Context, f *FileRow) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_file", time.Since(start)) }()

	db, err := s.db(ctx)
	if err != nil {
		return err
	}

	err = db.QueryRowContext(ctx,
		`INSERT INTO files (owner_id, name, mime_type, size_bytes, remote_file_id, remote_unique_id, remote_path, message_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		f.OwnerID, f.Name, f.MimeType, f.SizeBytes, f.RemoteFileID, f.RemoteUniqueID, f.RemotePath, f.MessageID,
	).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

const fileColumns = `id, owner_id, name, mime_type, size_bytes, remote_file_id, remote_unique_id, remote_path, message_id, created_at`

func scanFile(row interface{ Scan(...any) error }) (*FileRow, error) {
	var f FileRow
	err := row.Scan(&f.ID, &f.OwnerID, &f.Name, &f.MimeType, &f.SizeBytes,
		&f.RemoteFileID, &f.RemoteUniqueID, &f.RemotePath, &f.MessageID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFile returns a file by id.
func (s *Store) GetFile(ctx context.Context, id string) (*FileRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_file", time.Since(start)) }()

	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	f, err := scanFile(db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return f, nil
}

// ListFiles returns every file owned by ownerID, newest first.
func (s *Store) ListFiles(ctx context.Context, ownerID string) ([]*FileRow, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_files", time.Since(start)) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*FileRow
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Stats returns account and file totals.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("stats", time.Since(start)) }()

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var st Stats
	err = db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM accounts),
		        COUNT(*),
		        COALESCE(SUM(size_bytes), 0)
		 FROM files`).Scan(&st.Users, &st.Files, &st.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return &st, nil
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
