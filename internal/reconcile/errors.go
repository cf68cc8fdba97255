package reconcile

import (
	"errors"
	"fmt"

	"vendorsales/backend/internal/domain"
)

// Validation failures: detected before any remote call, never retried.
var (
	ErrOutOfStock       = errors.New("out of stock")
	ErrNothingToReturn  = errors.New("nothing to return")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidDirection = errors.New("invalid direction")
	ErrInvalidRequest   = errors.New("seller and product are required")
	ErrInFlight         = errors.New("another operation for this product is in flight or awaiting reconciliation")
)

// Remote failures: transient, the caller may retry.
var (
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrStockUpdateFailed = errors.New("stock update failed")
)

var ErrPendingNotFound = errors.New("pending reconciliation not found")

type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindRemote
	KindPartial
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindRemote:
		return "remote"
	case KindPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// PartialFailureError reports a record that reached the ledger while the
// stock counter did not move. It must not be retried as a fresh sale: the
// record already exists and a compensating stock update is queued.
type PartialFailureError struct {
	Record    domain.SaleRecord
	ProductID string
	Direction domain.Direction
	PendingID string
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s recorded as %s but stock of product %s not updated, reconciliation %s queued: %v",
		e.Direction, e.Record.ID, e.ProductID, e.PendingID, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Classify maps err onto the three failure classes. Partial wins over remote.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var partial *PartialFailureError
	if errors.As(err, &partial) {
		return KindPartial
	}
	if errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrStockUpdateFailed) {
		return KindRemote
	}
	for _, target := range []error{ErrOutOfStock, ErrNothingToReturn, ErrInvalidPrice, ErrInvalidDirection, ErrInvalidRequest, ErrInFlight} {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	return KindUnknown
}
