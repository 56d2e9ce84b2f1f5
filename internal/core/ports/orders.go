package ports

import (
	"context"

	"github.com/openimis/msystems/internal/core/domain"
)

// OrderStore is the port the inbound payment-gateway server resolves orders
// against.
type OrderStore interface {
	// FindOrderByCode returns the order with the given key, lines included.
	// Returns domain.ErrOrderNotFound if absent.
	FindOrderByCode(ctx context.Context, code string) (*domain.Order, error)

	// ConfirmPayment marks the order paid and records the payment in one
	// transaction. Re-confirming the same gateway PaymentID is a no-op.
	ConfirmPayment(ctx context.Context, orderID string, payment domain.Payment) error
}
