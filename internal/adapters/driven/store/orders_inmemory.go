package store

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/openimis/msystems/internal/core/domain"
	"github.com/openimis/msystems/internal/core/ports"
)

// OrdersInMemory is an in-memory OrderStore for tests and demo deployments.
type OrdersInMemory struct {
	mu       sync.Mutex
	orders   []domain.Order
	payments []domain.Payment
}

// NewOrdersInMemory creates an order store seeded with the given orders.
func NewOrdersInMemory(orders ...domain.Order) *OrdersInMemory {
	s := &OrdersInMemory{}
	for _, order := range orders {
		if order.ID == "" {
			order.ID = uuid.NewString()
		}
		s.orders = append(s.orders, order)
	}
	return s
}

var _ ports.OrderStore = (*OrdersInMemory)(nil)

// FindOrderByCode matches order keys case-insensitively, as the gateway
// sends them.
func (s *OrdersInMemory) FindOrderByCode(ctx context.Context, code string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.orders {
		if strings.EqualFold(s.orders[i].Code, code) {
			order := s.orders[i]
			order.Lines = append([]domain.OrderLine(nil), s.orders[i].Lines...)
			return &order, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

// ConfirmPayment marks the order paid and records the payment. Repeated
// confirmations with the same gateway PaymentID are a no-op.
func (s *OrdersInMemory) ConfirmPayment(ctx context.Context, orderID string, payment domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.OrderID == orderID && existing.PaymentID == payment.PaymentID {
			return nil
		}
	}

	for i := range s.orders {
		if s.orders[i].ID == orderID {
			s.orders[i].Status = domain.BillStatusPaid
			payment.ID = uuid.NewString()
			payment.OrderID = orderID
			s.payments = append(s.payments, payment)
			return nil
		}
	}
	return domain.ErrOrderNotFound
}

// Payments returns the recorded payments for an order. Inspection helper for
// tests.
func (s *OrdersInMemory) Payments(orderID string) []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var payments []domain.Payment
	for _, payment := range s.payments {
		if payment.OrderID == orderID {
			payments = append(payments, payment)
		}
	}
	return payments
}
