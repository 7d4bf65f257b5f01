// Package memory is the SQLite persistence layer: student accounts, the
// chat query log and Telegram chat links.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"uniq/internal/domain"
)

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrStudentExists   = errors.New("roll number already registered")
	ErrLinkNotFound    = errors.New("chat is not linked")
)

// SQLiteStore persists students, the query log and chat links.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

const studentColumns = `id, roll_no, password_hash, name, department, branch, semester, created_at`

func scanStudent(row interface{ Scan(...any) error }) (domain.Student, error) {
	var s domain.Student
	err := row.Scan(&s.ID, &s.RollNo, &s.PasswordHash, &s.Name, &s.Department, &s.Branch, &s.Semester, &s.CreatedAt)
	return s, err
}

// CreateStudent inserts a new account. s.PasswordHash must already be a
// bcrypt hash.
func (s *SQLiteStore) CreateStudent(ctx context.Context, st domain.Student) (domain.Student, error) {
	st.RollNo = strings.TrimSpace(st.RollNo)
	if st.RollNo == "" || st.PasswordHash == "" || strings.TrimSpace(st.Name) == "" {
		return domain.Student{}, fmt.Errorf("roll number, password and name are required")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO students (roll_no, password_hash, name, department, branch, semester, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.RollNo, st.PasswordHash, st.Name, st.Department, st.Branch, st.Semester, st.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return domain.Student{}, fmt.Errorf("%w: %s", ErrStudentExists, st.RollNo)
		}
		return domain.Student{}, fmt.Errorf("insert student: %w", err)
	}
	st.ID, err = res.LastInsertId()
	if err != nil {
		return domain.Student{}, err
	}
	s.logger.Info("student registered", "roll_no", st.RollNo, "id", st.ID)
	return st, nil
}

func (s *SQLiteStore) StudentByRollNo(ctx context.Context, rollNo string) (domain.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE roll_no = ?`, strings.TrimSpace(rollNo)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Student{}, ErrStudentNotFound
	}
	return st, err
}

func (s *SQLiteStore) StudentByID(ctx context.Context, id int64) (domain.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Student{}, ErrStudentNotFound
	}
	return st, err
}

// ListStudents returns every account ordered by roll number.
func (s *SQLiteStore) ListStudents(ctx context.Context) ([]domain.Student, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+studentColumns+` FROM students ORDER BY roll_no`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteStudent removes an account together with its chat links.
func (s *SQLiteStore) DeleteStudent(ctx context.Context, rollNo string) error {
	st, err := s.StudentByRollNo(ctx, rollNo)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM telegram_links WHERE student_id = ?`, st.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, st.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetPasswordHash(ctx context.Context, rollNo, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE students SET password_hash = ? WHERE roll_no = ?`, hash, strings.TrimSpace(rollNo))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStudentNotFound
	}
	return nil
}

// LogQuery appends one chat request to the query log.
func (s *SQLiteStore) LogQuery(ctx context.Context, rec domain.QueryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_log (student_id, question, route, reason, sources, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.StudentID, rec.Question, string(rec.Route), rec.Reason, string(sources), rec.LatencyMs, rec.CreatedAt,
	)
	return err
}

// RecentQueries returns the newest log rows first.
func (s *SQLiteStore) RecentQueries(ctx context.Context, limit int) ([]domain.QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, question, route, reason, sources, latency_ms, created_at
		 FROM query_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueryRecord
	for rows.Next() {
		var r domain.QueryRecord
		var route, sources string
		if err := rows.Scan(&r.ID, &r.StudentID, &r.Question, &route, &r.Reason, &sources, &r.LatencyMs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Route = domain.Route(route)
		if sources != "" {
			if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
				s.logger.Warn("query log row has malformed sources", "id", r.ID, "error", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LinkChat binds a Telegram chat to a student, replacing any earlier link.
// A nil expiresAt never expires.
func (s *SQLiteStore) LinkChat(ctx context.Context, chatID, studentID int64, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO telegram_links (chat_id, student_id, linked_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		chatID, studentID, time.Now().UTC(), expiresAt,
	)
	return err
}

// LinkedStudent returns the student a chat is linked to. Expired links
// count as absent.
func (s *SQLiteStore) LinkedStudent(ctx context.Context, chatID int64) (domain.Student, error) {
	st, err := scanStudent(s.db.QueryRowContext(ctx,
		`SELECT s.id, s.roll_no, s.password_hash, s.name, s.department, s.branch, s.semester, s.created_at
		 FROM telegram_links l JOIN students s ON s.id = l.student_id
		 WHERE l.chat_id = ? AND (l.expires_at IS NULL OR l.expires_at > ?)`,
		chatID, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Student{}, ErrLinkNotFound
	}
	return st, err
}

func (s *SQLiteStore) UnlinkChat(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM telegram_links WHERE chat_id = ?`, chatID)
	return err
}

// PurgeExpiredLinks deletes expired chat links and reports how many.
func (s *SQLiteStore) PurgeExpiredLinks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM telegram_links WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
