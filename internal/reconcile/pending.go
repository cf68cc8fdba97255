package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/tally"
)

// Pending lists queued compensating stock updates, oldest first.
func (r *Reconciler) Pending() []domain.PendingReconciliation {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.PendingReconciliation, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.pending[id].entry)
	}
	return result
}

// RetryPending re-attempts every queued stock update. The stock delta is
// applied to the product's current quantity, floored at zero. A resolved
// entry applies its tally delta unless the seller's tally was reloaded since
// the unit started; the tally is then rebuilt from the ledger.
func (r *Reconciler) RetryPending(ctx context.Context) (int, []domain.PendingReconciliation) {
	ctx, span := r.tracer.Start(ctx, "reconcile.retry_pending")
	defer span.End()

	resolved := 0
	for _, entry := range r.Pending() {
		if err := r.retryOne(ctx, entry); err != nil {
			r.markFailed(entry.ID, err)
			logger.Warn(ctx, "compensating stock update failed",
				"pending_id", entry.ID,
				"product_id", entry.ProductID,
				"error", err,
			)
			continue
		}
		r.resolve(ctx, entry.ID, true)
		resolved++
	}

	remaining := r.Pending()
	span.SetAttributes(
		attribute.Int("resolved", resolved),
		attribute.Int("remaining", len(remaining)),
	)
	if len(remaining) > 0 {
		span.SetStatus(codes.Error, "pending reconciliations remain")
	}
	return resolved, remaining
}

func (r *Reconciler) retryOne(ctx context.Context, entry domain.PendingReconciliation) error {
	product, err := r.stock.GetProduct(ctx, entry.ProductID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStockUpdateFailed, err)
	}
	newQty := store.FloorStock(product.StockQuantity + entry.Direction.StockDelta())
	if _, err := r.stock.AdjustStock(ctx, entry.ProductID, newQty); err != nil {
		return fmt.Errorf("%w: %w", ErrStockUpdateFailed, err)
	}
	return nil
}

// Resolve drops a pending entry after an operator fixed the stock by hand.
// The seller's tally is invalidated so the next access rebuilds it from the
// ledger, which already holds the record.
func (r *Reconciler) Resolve(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return ErrPendingNotFound
	}
	r.resolve(ctx, id, false)
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, id string, applyTally bool) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	for i, queued := range r.order {
		if queued == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	key := tally.Key{SellerID: p.entry.SellerID, ProductID: p.entry.ProductID}
	delete(r.phases, key)
	r.mu.Unlock()

	if applyTally {
		r.settleTally(ctx, key, p.generation, p.entry.Direction.Delta())
	} else {
		r.tally.Invalidate(ctx, key.SellerID)
	}
	logger.Info(ctx, "pending reconciliation resolved", "pending_id", id, "record_id", p.entry.RecordID)
}

func (r *Reconciler) markFailed(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok {
		p.entry.Attempts++
		p.entry.LastError = err.Error()
	}
}

// Run retries pending entries every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(r.Pending()) == 0 {
				continue
			}
			resolved, remaining := r.RetryPending(ctx)
			logger.Info(ctx, "reconciliation pass finished", "resolved", resolved, "remaining", len(remaining))
		}
	}
}
