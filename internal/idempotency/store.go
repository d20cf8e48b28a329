package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of a reservation attempt.
type Outcome int

const (
	// Reserved means this caller now owns the key and must Complete it.
	Reserved Outcome = iota + 1
	// AlreadyCompleted means a response is stored and should be replayed.
	AlreadyCompleted
	// InProgress means another caller holds the reservation.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case AlreadyCompleted:
		return "already_completed"
	case InProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// Reservation is returned by Store.Reserve. Token is set only for Reserved
// and must be passed back to Complete. Response and ExpireAt are set only for
// AlreadyCompleted.
type Reservation struct {
	Outcome  Outcome
	Token    uuid.UUID
	Response Response
	ExpireAt time.Time
}

var (
	// ErrStoreUnavailable marks backend connectivity or timeout failures.
	// It never means the record is absent.
	ErrStoreUnavailable = errors.New("idempotency store unavailable")
	// ErrCompletionMismatch is returned by Complete when no live Reserved
	// record carrying the caller's token exists for the pair.
	ErrCompletionMismatch = errors.New("idempotency record is not reserved")
)

// Unavailable wraps a backend error so errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Store persists idempotency records keyed by (user, key).
type Store interface {
	// Reserve atomically creates a Reserved record if no live record exists.
	Reserve(ctx context.Context, userID uuid.UUID, key Key) (Reservation, error)
	// Complete moves the live Reserved record created under token to
	// Completed with resp attached.
	Complete(ctx context.Context, userID uuid.UUID, key Key, token uuid.UUID, resp Response) error
	// Lookup returns the stored response of a live Completed record.
	Lookup(ctx context.Context, userID uuid.UUID, key Key) (Response, bool, error)
}
