package repository

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUniqueViolation detects a PostgreSQL unique-constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
