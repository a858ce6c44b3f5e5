package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/vietddude/opindexer/internal/core/domain"
)

// wrapErr wraps a database error. Connectivity failures are tagged with
// domain.ErrStoreUnavailable, serialization failures and deadlocks with
// domain.ErrLostClaim.
func wrapErr(action string, err error) error {
	if err == nil {
		return nil
	}
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", action, domain.ErrStoreUnavailable, err)
	}
	if isContention(err) {
		return fmt.Errorf("failed to %s: %w: %w", action, domain.ErrLostClaim, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

func isUnavailable(err error) bool {
	// deadlines also satisfy net.Error; a slow query is not an outage
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return unavailableCode(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return unavailableCode(string(pqErr.Code))
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// unavailableCode matches SQLSTATE class 08 (connection exception), the
// shutdown codes of class 57, and too_many_connections.
func unavailableCode(code string) bool {
	if len(code) == 5 && code[:2] == "08" {
		return true
	}
	switch code {
	case "57P01", "57P02", "57P03", "53300":
		return true
	}
	return false
}

// isContention matches serialization failures and deadlocks.
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}
