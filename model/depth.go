package model

import "github.com/shopspring/decimal"

// PriceLevel is one (price, size) entry in an order book side.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Snapshot is a full order book state at a point in time, keyed by LastUpdateID.
type Snapshot struct {
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdateID uint64
}

// Update is an incremental depth delta. Per level: Size==0 means remove the
// price, otherwise overwrite it.
type Update struct {
	Bids          []PriceLevel
	Asks          []PriceLevel
	FirstUpdateID uint64
	LastUpdateID  uint64
}

// DepthEventKind discriminates a DepthEvent's payload.
type DepthEventKind int

const (
	DepthEventSnapshot DepthEventKind = iota
	DepthEventUpdate
)

// DepthEvent is the single typed sum used for depth stream messages,
// replacing the untyped {type: snapshot|update} shape some venues expose.
type DepthEvent struct {
	Kind     DepthEventKind
	Snapshot Snapshot
	Update   Update
}
