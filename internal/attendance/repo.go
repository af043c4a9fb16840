package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"uniscan/internal/auth"
)

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists users and attendance records in Postgres.
type Repository struct {
	db DBTX
}

// NewRepository creates a repo.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, password_hash, role, created_at`

// CreateUser inserts a user. created_at is assigned by the database.
func (r *Repository) CreateUser(ctx context.Context, u User) (User, error) {
	err := r.db.QueryRow(ctx, `
		INSERT INTO users (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, u.ID, u.Username, u.PasswordHash, string(u.Role)).Scan(&u.CreatedAt)
	if err != nil {
		return User{}, translate(err)
	}
	return u, nil
}

func (r *Repository) UserByUsername(ctx context.Context, username string) (User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (r *Repository) UserByID(ctx context.Context, id string) (User, error) {
	return r.scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *Repository) scanUser(row pgx.Row) (User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
		return User{}, translate(err)
	}
	u.Role = auth.Role(role)
	return u, nil
}

// InsertRecord writes a new attendance record. The unique index on
// (student_id, code_data, day) rejects a second mark on the same day.
func (r *Repository) InsertRecord(ctx context.Context, rec Record) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO attendance_records (id, student_id, code_data, recorded_at, day)
		VALUES ($1, $2, $3, $4, $5::date)
	`, rec.ID, rec.StudentID, rec.CodeData, rec.Timestamp, rec.Day)
	return translate(err)
}

const recordColumns = `id, student_id, code_data, recorded_at, day::text`

// FindSince returns the most recent record for the pair at or after since.
func (r *Repository) FindSince(ctx context.Context, studentID, codeData string, since time.Time) (Record, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1 AND code_data = $2 AND recorded_at >= $3
		ORDER BY recorded_at DESC
		LIMIT 1
	`, studentID, codeData, since)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.CodeData, &rec.Timestamp, &rec.Day); err != nil {
		return Record{}, translate(err)
	}
	return rec, nil
}

// ListByStudent returns every record for a student, newest first.
func (r *Repository) ListByStudent(ctx context.Context, studentID string) ([]Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE student_id = $1
		ORDER BY recorded_at DESC
	`, studentID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	res := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.CodeData, &rec.Timestamp, &rec.Day); err != nil {
			return nil, translate(err)
		}
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return res, nil
}

// translate maps driver errors onto the repository sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrDuplicate
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return ErrNotFound
		}
	}
	return err
}
