package domain

import "time"

// OrderStatus is the lifecycle state of a payable order as the payment
// gateway models it.
type OrderStatus string

const (
	OrderStatusActive        OrderStatus = "Active"
	OrderStatusPartiallyPaid OrderStatus = "PartiallyPaid"
	OrderStatusPaid          OrderStatus = "Paid"
	OrderStatusCompleted     OrderStatus = "Completed"
	OrderStatusExpired       OrderStatus = "Expired"
	OrderStatusCanceled      OrderStatus = "Canceled"
	OrderStatusRefunding     OrderStatus = "Refunding"
	OrderStatusRefunded      OrderStatus = "Refunded"
)

// BillStatus is the local billing state an order is derived from.
type BillStatus string

const (
	BillStatusDraft         BillStatus = "draft"
	BillStatusValidated     BillStatus = "validated"
	BillStatusPaid          BillStatus = "paid"
	BillStatusCancelled     BillStatus = "cancelled"
	BillStatusDeleted       BillStatus = "deleted"
	BillStatusSuspended     BillStatus = "suspended"
	BillStatusUnpaid        BillStatus = "unpaid"
	BillStatusReconciliated BillStatus = "reconciliated"
)

// billStatusToOrderStatus maps local billing states onto gateway order
// states. Unknown states fall back to Expired, which the gateway treats as
// not payable.
var billStatusToOrderStatus = map[BillStatus]OrderStatus{
	BillStatusDraft:         OrderStatusExpired,
	BillStatusValidated:     OrderStatusActive,
	BillStatusPaid:          OrderStatusPaid,
	BillStatusCancelled:     OrderStatusCanceled,
	BillStatusDeleted:       OrderStatusCanceled,
	BillStatusSuspended:     OrderStatusCanceled,
	BillStatusUnpaid:        OrderStatusExpired,
	BillStatusReconciliated: OrderStatusPaid,
}

// GatewayStatus converts a local billing state to the gateway order status.
func (s BillStatus) GatewayStatus() OrderStatus {
	if status, ok := billStatusToOrderStatus[s]; ok {
		return status
	}
	return OrderStatusExpired
}

// Order is a payable bill exposed to the payment gateway, keyed by its code.
type Order struct {
	ID           string
	Code         string
	CustomerCode string
	CustomerName string
	Currency     string
	Status       BillStatus
	TotalAmount  string
	Lines        []OrderLine
}

// OrderLine is one payable line of an order. Amounts are carried as decimal
// strings; the gateway protocol round-trips them verbatim and no arithmetic
// happens here.
type OrderLine struct {
	ID     string
	Code   string
	Amount string
	Reason string
}

// Line returns the order line with the given code, or nil.
func (o *Order) Line(code string) *OrderLine {
	for i := range o.Lines {
		if o.Lines[i].Code == code {
			return &o.Lines[i]
		}
	}
	return nil
}

// Payment records a gateway payment confirmation for an order. PaymentID is
// the gateway-side identifier and deduplicates repeated confirmations.
type Payment struct {
	ID        string
	OrderID   string
	PaymentID string
	InvoiceID string
	Amount    string
	PaidAt    time.Time
}
