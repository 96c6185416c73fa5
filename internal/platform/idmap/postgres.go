package idmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool used by PostgresLookup.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const patientLookupSQL = `SELECT patient_key FROM patient_external_identifier WHERE value = $1 LIMIT 1`

// PostgresLookup resolves patients that predate the identifier map from the
// target's external identifier table. Other kinds are never found.
type PostgresLookup struct {
	db Querier
}

func NewPostgresLookup(db Querier) *PostgresLookup {
	return &PostgresLookup{db: db}
}

func (l *PostgresLookup) Lookup(ctx context.Context, kind Kind, id string) (string, bool, error) {
	if kind != KindPatient {
		return "", false, nil
	}
	var key string
	err := l.db.QueryRow(ctx, patientLookupSQL, id).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query patient identifier: %w", err)
	}
	return key, key != "", nil
}
