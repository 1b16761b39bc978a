package book

import "errors"

// Sentinel errors returned by book operations. The first four are
// normal outcomes a caller is expected to branch on; ErrInvariant
// means the book detected its own corruption and the process should
// fail fast.
var (
	ErrInvalidOrder    = errors.New("book: invalid order")
	ErrOrderExists     = errors.New("book: order id already exists")
	ErrInvalidPrice    = errors.New("book: invalid price")
	ErrInvalidQuantity = errors.New("book: invalid quantity")
	ErrOrderNotFound   = errors.New("book: order not found")
	ErrFillOrKill      = errors.New("book: fill-or-kill would not fill completely")
	ErrInvariant       = errors.New("book: invariant violation")
)

// RejectReason buckets an error for stats and metrics labels.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrOrderExists):
		return "duplicate_id"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrFillOrKill):
		return "fok_unfilled"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	}
	return "other"
}
