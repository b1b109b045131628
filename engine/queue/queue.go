// Package queue persists pending recharges between the provider charge and
// the database settlement. Its contents are the only record of money already
// spent but not yet booked, so every mutation is flushed before it returns.
package queue

import (
	"context"
	"errors"

	"github.com/simfleet/topup/engine/recharge"
)

// ErrNotFound is returned when an id is not present in the queue.
var ErrNotFound = errors.New("queue: item not found")

// Store is one service's durable pending-recharge queue. A single writer is
// assumed; the per-service distributed lock guarantees it.
type Store interface {
	// Append adds an item. The item must be durable before Append returns.
	Append(ctx context.Context, item recharge.PendingRecharge) error
	// Update mutates an item in place (status, attempts) and persists.
	Update(ctx context.Context, id string, mutate func(*recharge.PendingRecharge)) error
	// Remove deletes an item after its settlement has been verified.
	Remove(ctx context.Context, id string) error
	// Snapshot returns the items in insertion order.
	Snapshot(ctx context.Context) ([]recharge.PendingRecharge, error)
	// Depth returns the number of items pending.
	Depth(ctx context.Context) (int, error)
}
