package order

import "time"

// Order is the slice of the order aggregate this engine reads and writes.
// The order itself is owned elsewhere; only PaymentStatus, Status and PaidAt
// are ever written from here.
type Order struct {
	ID            int64
	UserID        int64
	Status        Status
	PaymentStatus PaymentStatus
	Total         int64 // major currency units
	Items         []Item
	PaidAt        *time.Time
	UpdatedAt     time.Time
	Version       int64
}

// Item is an order line, used for fiscal receipts.
type Item struct {
	Title      string
	Price      int64
	Count      int
	Code       string // fiscal product code
	VatPercent int
}

// Status is the fulfilment status
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// PaymentStatus mirrors the owning payment's terminal status
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Fulfilled reports whether goods already left the warehouse.
func (o *Order) Fulfilled() bool {
	return o.Status == StatusShipped || o.Status == StatusDelivered
}

// IsPaid checks the payment status
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid
}

// Outstanding is what is still owed given the sum of PAID payments.
func (o *Order) Outstanding(paid int64) int64 {
	if o.IsPaid() {
		return 0
	}
	if rest := o.Total - paid; rest > 0 {
		return rest
	}
	return 0
}
