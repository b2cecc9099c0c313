// Package broker declares the contract this engine expects from a broker
// collaborator — order placement, position closing, and settlement
// notification — without implementing it. Execution, custody, and
// venue-specific adapters are explicitly out of scope; the teacher's
// internal/execution/adapters/{binance,solana}.go and internal/blockchain/*
// implement exactly this boundary and are not carried forward here.
package broker

import (
	"context"

	"github.com/atlas-desktop/strategy-evolution/pkg/types"
)

// Broker is the minimal surface the Signal Gateway's consumers need from an
// execution venue: place an order for a generated signal, and unwind an
// open position. Settlement itself is reported asynchronously via
// SettledEvent, consumed by internal/royalty, not returned from PlaceOrder.
type Broker interface {
	PlaceOrder(ctx context.Context, order types.Order) (types.Order, error)
	ClosePosition(ctx context.Context, symbol string) (types.Position, error)
}

// SettlementListener is implemented by collaborators that react to a
// broker's asynchronous settlement notifications; internal/royalty.Emitter
// satisfies this via its OnSettled method.
type SettlementListener interface {
	OnSettled(ctx context.Context, event types.SettledEvent)
}
