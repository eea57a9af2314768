package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
	defaultQueryTimeout  = 5 * time.Second

	// all timestamps are stored as UTC text in this layout so that string
	// comparison in SQL matches chronological order.
	timeLayout = "2006-01-02 15:04:05"
)

// Store wraps the SQLite handle and exposes the queries the presence core issues.
type Store struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// Bucket is one aggregated minute of the presence fact table.
type Bucket struct {
	Minute time.Time
	Count  int
}

// ErrUserExists is returned when attempting to insert a duplicate user or admin.
var ErrUserExists = errors.New("user already exists")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "presencehub.db"
	}
	dsn := buildDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, queryTimeout: defaultQueryTimeout}, nil
}

// SetQueryTimeout bounds every subsequent query. Non-positive values restore the default.
func (s *Store) SetQueryTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultQueryTimeout
	}
	s.queryTimeout = d
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS admin_users (
			admin_id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS user_sessions (
			user_id TEXT PRIMARY KEY,
			last_activity TEXT NOT NULL,
			session_data TEXT,
			ip_address TEXT,
			user_agent TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_sessions_last_activity ON user_sessions(last_activity);`,
		`CREATE TABLE IF NOT EXISTS user_presence_minutely (
			bucket_minute TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (bucket_minute, user_id)
		);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateUser registers an application user. ErrUserExists is returned on conflicts.
func (s *Store) CreateUser(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `INSERT INTO users(user_id) VALUES(?)`, userID)
	if err != nil {
		if isConstraintError(err) {
			return 0, ErrUserExists
		}
		return 0, err
	}
	return result.LastInsertId()
}

// AddAdmin marks a user id as administrative.
func (s *Store) AddAdmin(ctx context.Context, adminID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO admin_users(admin_id) VALUES(?)`, adminID); err != nil {
		if isConstraintError(err) {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// IsAdmin reports whether the user id appears in admin_users.
func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users WHERE admin_id = ?`, userID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpsertSession records the latest activity for a user, replacing the previous row.
func (s *Store) UpsertSession(ctx context.Context, userID string, at time.Time, sessionData, ipAddress, userAgent string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions(user_id, last_activity, session_data, ip_address, user_agent)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_activity = excluded.last_activity,
			session_data = excluded.session_data,
			ip_address = excluded.ip_address,
			user_agent = excluded.user_agent
	`, userID, formatTime(at), sessionData, ipAddress, userAgent)
	return err
}

// CountUsers returns the number of registered application users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountActiveSince counts distinct users with session activity at or after since.
func (s *Store) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM user_sessions WHERE last_activity >= ?`, formatTime(since))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// InsertMinuteBucket writes one (bucket, user) fact. Duplicates are ignored and
// reported as inserted=false.
func (s *Store) InsertMinuteBucket(ctx context.Context, bucket time.Time, userID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO user_presence_minutely(bucket_minute, user_id) VALUES(?, ?)`,
		formatTime(bucket.Truncate(time.Minute)), userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DeleteBucketsBefore removes every bucket row strictly older than cutoff.
func (s *Store) DeleteBucketsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_presence_minutely WHERE bucket_minute < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountBucketRows returns how many users were recorded for one minute bucket.
func (s *Store) CountBucketRows(ctx context.Context, bucket time.Time) (int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_presence_minutely WHERE bucket_minute = ?`, formatTime(bucket.Truncate(time.Minute)))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// PresenceHistory returns per-minute non-admin user counts for buckets at or after since,
// oldest first.
func (s *Store) PresenceHistory(ctx context.Context, since time.Time) ([]Bucket, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_minute, COUNT(*)
		FROM user_presence_minutely
		WHERE bucket_minute >= ?
			AND user_id NOT IN (SELECT admin_id FROM admin_users)
		GROUP BY bucket_minute
		ORDER BY bucket_minute ASC
	`, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var (
			raw   string
			count int
		)
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, err
		}
		minute, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("parse bucket %q: %w", raw, err)
		}
		buckets = append(buckets, Bucket{Minute: minute, Count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, raw, time.UTC)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// the driver reports extended codes (2067 UNIQUE, 1555 PRIMARYKEY);
		// the low byte is the primary result code.
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
