package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"bizdesk/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const defaultStoreTimeout = 3 * time.Second

// store bounds every statement with a timeout so a stalled database fails the
// surrounding operation instead of hanging the request.
type store struct {
	db      *gorm.DB
	timeout time.Duration
}

func newStore(db *gorm.DB, timeout time.Duration) store {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return store{db: db, timeout: timeout}
}

func (s store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// classify maps driver failures onto domain errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if isUnavailable(err) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08: connection exception, 53: insufficient resources, 57: operator intervention.
		if len(pgErr.Code) < 2 {
			return false
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
