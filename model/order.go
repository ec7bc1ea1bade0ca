package model

import "github.com/shopspring/decimal"

// Side is the direction of an order or fill.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "BUY"
	}
	return "SELL"
}

// OrderType distinguishes limit from market orders.
type OrderType int

const (
	Limit OrderType = iota
	Market
)

// TimeInForce constrains how long an order may rest.
type TimeInForce int

const (
	GTC TimeInForce = iota // good-til-cancelled
	IOC                    // immediate-or-cancel
	FOK                    // fill-or-kill
)

// OrderStatus is the terminal or in-flight state of a placed order.
type OrderStatus int

const (
	StatusNew OrderStatus = iota
	StatusFilled
	StatusPartiallyFilled
	StatusCanceled
	StatusNotPlaced
)

func (s OrderStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusFilled:
		return "FILLED"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusCanceled:
		return "CANCELED"
	case StatusNotPlaced:
		return "NOT_PLACED"
	default:
		return "UNKNOWN"
	}
}

// OrderResult is the outcome of placing, editing, or querying an order.
type OrderResult struct {
	Time   Timestamp
	Status OrderStatus
	Fills  []Fill
}

// CancelReason qualifies a Canceled order-update event.
type CancelReason int

const (
	CancelUnknown CancelReason = iota
	CancelEdit                 // cancellation was the side effect of a non-atomic edit, not an error
)

// OrderUpdateKind discriminates an OrderUpdate's payload.
type OrderUpdateKind int

const (
	OrderUpdateNew OrderUpdateKind = iota
	OrderUpdateMatch
	OrderUpdateCanceled
	OrderUpdateDone
)

// OrderUpdate is the closed sum type streamed per client-id by the exchange
// adapter's order-update channel.
type OrderUpdate struct {
	Kind     OrderUpdateKind
	ClientID string
	Fill     Fill         // valid when Kind == OrderUpdateMatch
	Reason   CancelReason // valid when Kind == OrderUpdateCanceled
	Time     Timestamp    // valid when Kind == OrderUpdateDone
}

// PlaceOrderRequest is the uniform order-placement input across adapters.
type PlaceOrderRequest struct {
	Account     string
	Symbol      Symbol
	Side        Side
	Type        OrderType
	Size        *decimal.Decimal
	Quote       *decimal.Decimal
	Price       *decimal.Decimal
	TimeInForce TimeInForce
	ClientID    string
	Leverage    int // leveraged-order short model; 0 = not applicable
	ReduceOnly  bool
}

// EditOrderRequest atomically replaces a resting order's price/size, keeping
// the same ClientID across the edit.
type EditOrderRequest struct {
	Account  string
	Symbol   Symbol
	ClientID string
	Price    decimal.Decimal
	Size     decimal.Decimal
}
