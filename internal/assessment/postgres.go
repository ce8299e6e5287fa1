package assessment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/readalong/internal/tracing"
)

// tableName is the Postgres table holding assessment records.
const tableName = "assessments"

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

const selectColumns = `
	SELECT id, room_id, student_id, teacher_id, grade_level, words, score,
	       started_at, completed_at, created_at
	FROM assessments`

// PostgresRepository implements Repository using PostgreSQL.
// Words are stored as a JSONB array.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Create inserts a new record.
func (r *PostgresRepository) Create(ctx context.Context, rec *Record) (err error) {
	if err := prepare(rec, r.now(), r.newID); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, tableName, tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	words, err := json.Marshal(rec.Words)
	if err != nil {
		return fmt.Errorf("failed to encode words: %w", err)
	}

	query := `
		INSERT INTO assessments (
			id, room_id, student_id, teacher_id, grade_level, words, score,
			started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.RoomID,
		rec.StudentID,
		rec.TeacherID,
		rec.GradeLevel,
		words,
		rec.Score,
		rec.StartedAt,
		rec.CompletedAt,
		rec.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrDuplicateRecord
		}
		r.logger.ErrorContext(ctx, "failed to insert assessment",
			slog.String("error", err.Error()),
			slog.String("assessment_id", rec.ID))
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

// GetByID retrieves a record by its ID. IDs that are not UUIDs cannot exist and
// return ErrRecordNotFound without a query.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (rec *Record, err error) {
	if uuid.Validate(id) != nil {
		return nil, ErrRecordNotFound
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, tableName, tracing.DBOperationQuery)
	defer func() {
		// A miss is not a failed query.
		if errors.Is(err, ErrRecordNotFound) {
			endSpan(nil)
			return
		}
		endSpan(err)
	}()

	rec, err = scanRecord(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return rec, nil
}

// ListByStudent returns a student's records, most recently completed first.
func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]*Record, error) {
	return r.list(ctx, `student_id`, studentID, limit)
}

// ListByRoom returns the records taken in a room, most recently completed first.
func (r *PostgresRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]*Record, error) {
	return r.list(ctx, `room_id`, roomID, limit)
}

// Delete removes a record by its ID.
func (r *PostgresRepository) Delete(ctx context.Context, id string) (err error) {
	if uuid.Validate(id) != nil {
		return ErrRecordNotFound
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, tableName, tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM assessments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete assessment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// list runs a filtered listing. column is always a constant from this file.
func (r *PostgresRepository) list(ctx context.Context, column, value string, limit int) (records []*Record, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tableName, tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := selectColumns + ` WHERE ` + column + ` = $1 ORDER BY completed_at DESC, id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, value, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	records = make([]*Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assessments: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var words []byte
	err := row.Scan(
		&rec.ID,
		&rec.RoomID,
		&rec.StudentID,
		&rec.TeacherID,
		&rec.GradeLevel,
		&words,
		&rec.Score,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(words, &rec.Words); err != nil {
		return nil, fmt.Errorf("failed to decode words: %w", err)
	}
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CompletedAt = rec.CompletedAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
