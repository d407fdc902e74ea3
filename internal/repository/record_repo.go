package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openmoba/broker/internal/model"
)

const recordColumns = `id, label, host, port, username, auth_type, private_key_path, group_name, protocol, domain, created_at, updated_at`

// RecordRepository provides data access for saved session records.
type RecordRepository struct {
	db *sql.DB
}

// NewRecordRepository creates a new RecordRepository.
func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create normalizes, validates and inserts a record. An empty id is
// filled with a new uuid.
func (r *RecordRepository) Create(ctx context.Context, rec *model.SessionRecord) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	query := `
		INSERT INTO session_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Label,
		rec.Host,
		rec.Port,
		rec.Username,
		rec.AuthType,
		nullString(rec.PrivateKeyPath),
		nullString(rec.Group),
		rec.Protocol,
		nullString(rec.Domain),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// GetByID retrieves a record by its id.
func (r *RecordRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM session_records WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by group, then label.
func (r *RecordRepository) List(ctx context.Context) ([]*model.SessionRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM session_records ORDER BY COALESCE(group_name, ''), label, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*model.SessionRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Update replaces every editable field of the record with rec.ID.
func (r *RecordRepository) Update(ctx context.Context, rec *model.SessionRecord) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE session_records
		SET label = ?, host = ?, port = ?, username = ?, auth_type = ?, private_key_path = ?,
			group_name = ?, protocol = ?, domain = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.Label,
		rec.Host,
		rec.Port,
		rec.Username,
		rec.AuthType,
		nullString(rec.PrivateKeyPath),
		nullString(rec.Group),
		rec.Protocol,
		nullString(rec.Domain),
		rec.UpdatedAt,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a record.
func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return requireAffected(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*model.SessionRecord, error) {
	rec := &model.SessionRecord{}
	var keyPath, group, domain sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Label,
		&rec.Host,
		&rec.Port,
		&rec.Username,
		&rec.AuthType,
		&keyPath,
		&group,
		&rec.Protocol,
		&domain,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PrivateKeyPath = keyPath.String
	rec.Group = group.String
	rec.Domain = domain.String
	return rec, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrRecordNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
