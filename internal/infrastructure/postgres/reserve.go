package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/farmregistry/farm-service/internal/idempotency"
)

// maxReserveAttempts bounds the insert loop: the first insert plus one retry
// after reclaiming a stale or vanished row.
const maxReserveAttempts = 2

var errReserveContention = errors.New("idempotency row kept changing during reserve")

// rowVerdict classifies the row that blocked an insert.
type rowVerdict int

const (
	// rowVanished: the conflicting row was gone by the time it was read.
	rowVanished rowVerdict = iota
	// rowInProgress: a live Reserved row owned by another caller.
	rowInProgress
	// rowCompleted: a live Completed row to replay.
	rowCompleted
	// rowStale: an expired row from an earlier window, logically absent.
	rowStale
)

func (v rowVerdict) String() string {
	switch v {
	case rowVanished:
		return "vanished"
	case rowInProgress:
		return "in_progress"
	case rowCompleted:
		return "completed"
	case rowStale:
		return "stale"
	default:
		return "unknown"
	}
}

type storedRow struct {
	State    idempotency.State
	ExpireAt time.Time
	Response idempotency.Response
}

func classifyRow(row storedRow, found bool, now time.Time) rowVerdict {
	switch {
	case !found:
		return rowVanished
	case !now.Before(row.ExpireAt):
		return rowStale
	case row.State == idempotency.StateCompleted:
		return rowCompleted
	default:
		return rowInProgress
	}
}

// reservationSteps are the individual statements of a reservation. Each one
// runs on its own pooled connection.
type reservationSteps interface {
	insertReserved(ctx context.Context, userID uuid.UUID, key idempotency.Key, token uuid.UUID, createdAt, expireAt time.Time) (bool, error)
	loadRow(ctx context.Context, userID uuid.UUID, key idempotency.Key) (storedRow, bool, error)
	deleteStale(ctx context.Context, userID uuid.UUID, key idempotency.Key, now time.Time) error
}

// reserve runs insert, then on conflict inspects the blocking row. A stale
// row is deleted and the insert retried once; a row that disappeared is
// retried the same way. A successful insert is owned by token.
func reserve(ctx context.Context, steps reservationSteps, userID uuid.UUID, key idempotency.Key, token uuid.UUID, now time.Time, ttl time.Duration) (idempotency.Reservation, error) {
	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		inserted, err := steps.insertReserved(ctx, userID, key, token, now, now.Add(ttl))
		if err != nil {
			return idempotency.Reservation{}, err
		}
		if inserted {
			return idempotency.Reservation{Outcome: idempotency.Reserved, Token: token}, nil
		}

		row, found, err := steps.loadRow(ctx, userID, key)
		if err != nil {
			return idempotency.Reservation{}, err
		}

		switch classifyRow(row, found, now) {
		case rowInProgress:
			return idempotency.Reservation{Outcome: idempotency.InProgress}, nil
		case rowCompleted:
			return idempotency.Reservation{
				Outcome:  idempotency.AlreadyCompleted,
				Response: row.Response,
				ExpireAt: row.ExpireAt,
			}, nil
		case rowStale:
			if err := steps.deleteStale(ctx, userID, key, now); err != nil {
				return idempotency.Reservation{}, err
			}
		case rowVanished:
		}
	}
	return idempotency.Reservation{}, idempotency.Unavailable("postgres reserve", errReserveContention)
}
