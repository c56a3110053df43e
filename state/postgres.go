package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/izavyalov-dev/tfpilot/request"
)

// PostgresStore persists request documents as JSONB rows with a version
// column for optimistic concurrency.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *request.Request) error {
	if r.Version == 0 {
		r.Version = 1
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO requests (id, doc, version)
VALUES ($1, $2, $3)
RETURNING created_at, updated_at
`, r.ID, doc, r.Version).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("state: request %s already exists", r.ID)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*request.Request, error) {
	doc, _, err := s.load(ctx, id)
	return doc, err
}

func (s *PostgresStore) load(ctx context.Context, id string) (*request.Request, int64, error) {
	var raw []byte
	var version int64
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT doc, version, created_at, updated_at
FROM requests
WHERE id = $1
`, id).Scan(&raw, &version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: request %s", ErrNotFound, id)
		}
		return nil, 0, err
	}

	var doc request.Request
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, err
	}
	doc.Version = version
	doc.CreatedAt = createdAt
	doc.UpdatedAt = updatedAt
	return &doc, version, nil
}

// Update applies the mutator to a freshly decoded document and writes it back
// with a compare-and-swap on the version column, retrying on conflicts.
func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutator) (*request.Request, bool, error) {
	for range updateRetries {
		doc, expected, err := s.load(ctx, id)
		if err != nil {
			return nil, false, err
		}

		changed, err := mutate(doc)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return doc, false, nil
		}

		doc.Version = expected + 1
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, false, err
		}

		res, err := s.db.ExecContext(ctx, `
UPDATE requests
SET doc = $2, version = $3, updated_at = NOW()
WHERE id = $1 AND version = $4
`, id, raw, doc.Version, expected)
		if err != nil {
			return nil, false, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, false, err
		}
		if rows == 0 {
			continue
		}
		return doc, true, nil
	}
	return nil, false, fmt.Errorf("%w: request %s", ErrVersionConflict, id)
}

func (s *PostgresStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM requests ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PostgresRunIndex claims run ownership with an insert that loses quietly:
// ON CONFLICT DO NOTHING keeps the first writer and a follow-up read reports
// the surviving owner.
type PostgresRunIndex struct {
	db *sql.DB
}

func NewPostgresRunIndex(db *sql.DB) *PostgresRunIndex {
	return &PostgresRunIndex{db: db}
}

func (i *PostgresRunIndex) Claim(ctx context.Context, kind request.OperationKind, runID int64, requestID string) (string, bool, error) {
	res, err := i.db.ExecContext(ctx, `
INSERT INTO run_index (kind, run_id, request_id)
VALUES ($1, $2, $3)
ON CONFLICT (kind, run_id) DO NOTHING
`, string(kind), runID, requestID)
	if err != nil {
		return "", false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if rows > 0 {
		return requestID, true, nil
	}

	owner, err := i.Owner(ctx, kind, runID)
	if err != nil {
		return "", false, err
	}
	return owner, owner == requestID, nil
}

func (i *PostgresRunIndex) Owner(ctx context.Context, kind request.OperationKind, runID int64) (string, error) {
	var owner string
	err := i.db.QueryRowContext(ctx, `
SELECT request_id
FROM run_index
WHERE kind = $1 AND run_id = $2
`, string(kind), runID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// PostgresDeliveryLedger deduplicates webhook deliveries on the primary key.
type PostgresDeliveryLedger struct {
	db *sql.DB
}

func NewPostgresDeliveryLedger(db *sql.DB) *PostgresDeliveryLedger {
	return &PostgresDeliveryLedger{db: db}
}

func (l *PostgresDeliveryLedger) Record(ctx context.Context, deliveryID, eventType string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (delivery_id, event_type)
VALUES ($1, $2)
ON CONFLICT (delivery_id) DO NOTHING
`, deliveryID, eventType)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
