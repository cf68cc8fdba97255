// Package reconcile records one unit of sale or return against the ledger,
// the product stock counter and the seller tally, keeping the three in step.
//
// Each (seller, product) pair moves through idle -> appending ->
// ledger_appended -> stock_adjusted -> idle. A pair that is not idle rejects
// new units. When the stock update fails after the ledger append succeeded
// the pair stays in ledger_appended until a compensating retry lands.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/pricing"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/tally"
	"vendorsales/backend/internal/xid"
)

type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAppending      Phase = "appending"
	PhaseLedgerAppended Phase = "ledger_appended"
	PhaseStockAdjusted  Phase = "stock_adjusted"
)

// Outcome is the result of a completed unit.
type Outcome struct {
	Record   domain.SaleRecord
	Product  domain.Product
	NetUnits int
	Atomic   bool
}

type pending struct {
	entry      domain.PendingReconciliation
	generation uint64
}

type Reconciler struct {
	ledger store.Ledger
	stock  store.StockStore
	atomic store.AtomicRecorder
	tally  *tally.Tally
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	phases  map[tally.Key]Phase
	pending map[string]*pending
	order   []string
}

type Option func(*Reconciler)

// WithoutAtomic forces the two-step path even when the ledger can record
// and adjust stock in one transaction.
func WithoutAtomic() Option {
	return func(r *Reconciler) {
		r.atomic = nil
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = tracer
	}
}

func New(ledger store.Ledger, stock store.StockStore, t *tally.Tally, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:  ledger,
		stock:   stock,
		tally:   t,
		tracer:  otel.Tracer("vendorsales/reconcile"),
		now:     time.Now,
		phases:  make(map[tally.Key]Phase),
		pending: make(map[string]*pending),
	}
	if atomic, ok := ledger.(store.AtomicRecorder); ok {
		r.atomic = atomic
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Atomic reports whether units go through a single store transaction.
func (r *Reconciler) Atomic() bool {
	return r.atomic != nil
}

// Phase returns the current phase of the (seller, product) pair.
func (r *Reconciler) Phase(sellerID string, productID string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if phase, ok := r.phases[tally.Key{SellerID: sellerID, ProductID: productID}]; ok {
		return phase
	}
	return PhaseIdle
}

// RecordUnit sells or returns one unit of product for sellerID.
//
// Validation happens before any remote call. Once the ledger append has been
// submitted, cancellation of ctx no longer aborts the operation.
func (r *Reconciler) RecordUnit(ctx context.Context, sellerID string, product domain.Product, direction domain.Direction) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.record_unit", trace.WithAttributes(
		attribute.String("seller_id", sellerID),
		attribute.String("product_id", product.ID),
		attribute.String("direction", string(direction)),
	))
	defer span.End()

	outcome, err := r.recordUnit(ctx, sellerID, product, direction)
	span.SetAttributes(attribute.String("phase", string(r.Phase(sellerID, product.ID))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
	}
	return outcome, err
}

func (r *Reconciler) recordUnit(ctx context.Context, sellerID string, product domain.Product, direction domain.Direction) (Outcome, error) {
	if !direction.Valid() {
		return Outcome{}, ErrInvalidDirection
	}
	if sellerID == "" || product.ID == "" {
		return Outcome{}, ErrInvalidRequest
	}

	key := tally.Key{SellerID: sellerID, ProductID: product.ID}
	if !r.acquire(key) {
		return Outcome{}, ErrInFlight
	}
	held := true
	defer func() {
		if held {
			r.release(key)
		}
	}()

	if math.IsNaN(product.FinalPrice) || math.IsInf(product.FinalPrice, 0) || product.FinalPrice < 0 {
		return Outcome{}, fmt.Errorf("%w: product %s", ErrInvalidPrice, product.ID)
	}
	switch direction {
	case domain.DirectionSale:
		if product.StockQuantity <= 0 {
			return Outcome{}, fmt.Errorf("%w: product %s", ErrOutOfStock, product.ID)
		}
	case domain.DirectionReturn:
		if r.tally.IsStale(sellerID) {
			return Outcome{}, fmt.Errorf("%w: tally for seller %s is not confirmed by the ledger", ErrLedgerUnavailable, sellerID)
		}
		if r.tally.Get(sellerID, product.ID) <= 0 {
			return Outcome{}, fmt.Errorf("%w: product %s", ErrNothingToReturn, product.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	req := unitRecord(sellerID, product, direction)
	opCtx := context.WithoutCancel(ctx)
	gen := r.tally.Generation(sellerID)
	r.setPhase(key, PhaseAppending)

	if r.atomic != nil {
		return r.recordAtomic(opCtx, key, gen, req, direction)
	}

	outcome, err := r.recordTwoStep(opCtx, key, gen, req, product, direction)
	var partial *PartialFailureError
	if errors.As(err, &partial) {
		// pair stays in ledger_appended until the retry resolves it
		held = false
	}
	return outcome, err
}

func (r *Reconciler) recordAtomic(ctx context.Context, key tally.Key, gen uint64, req domain.AppendRecordRequest, direction domain.Direction) (Outcome, error) {
	record, product, err := r.atomic.RecordWithStock(ctx, req, key.ProductID, direction.StockDelta())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientStock):
			return Outcome{}, fmt.Errorf("%w: product %s", ErrOutOfStock, key.ProductID)
		case errors.Is(err, store.ErrNotFound):
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	r.setPhase(key, PhaseStockAdjusted)

	units := r.settleTally(ctx, key, gen, direction.Delta())
	return Outcome{Record: *record, Product: *product, NetUnits: units, Atomic: true}, nil
}

func (r *Reconciler) recordTwoStep(ctx context.Context, key tally.Key, gen uint64, req domain.AppendRecordRequest, product domain.Product, direction domain.Direction) (Outcome, error) {
	record, err := r.ledger.AppendSaleRecord(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	r.setPhase(key, PhaseLedgerAppended)

	newQty := store.FloorStock(product.StockQuantity + direction.StockDelta())
	updated, err := r.stock.AdjustStock(ctx, product.ID, newQty)
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrStockUpdateFailed, err)
		entry := r.enqueue(key, gen, direction, record.ID, cause)
		logger.Error(ctx, "stock update failed after ledger append",
			"seller_id", key.SellerID,
			"product_id", key.ProductID,
			"record_id", record.ID,
			"pending_id", entry.ID,
			"error", err,
		)
		return Outcome{Record: *record}, &PartialFailureError{
			Record:    *record,
			ProductID: product.ID,
			Direction: direction,
			PendingID: entry.ID,
			Err:       cause,
		}
	}
	r.setPhase(key, PhaseStockAdjusted)

	units := r.settleTally(ctx, key, gen, direction.Delta())
	return Outcome{Record: *record, Product: *updated, NetUnits: units}, nil
}

// settleTally counts a unit whose record is in the ledger. gen is the
// seller's tally generation taken before the append. When the tally was
// reloaded since then the reload may or may not have seen the record, so the
// tally is rebuilt from the ledger instead of moved; if that fails it is
// invalidated and the next session access rebuilds it.
func (r *Reconciler) settleTally(ctx context.Context, key tally.Key, gen uint64, delta int) int {
	if units, ok := r.tally.ApplyAt(ctx, key.SellerID, key.ProductID, delta, gen); ok {
		return units
	}
	logger.Debug(ctx, "tally reloaded during unit, rebuilding from ledger", "seller_id", key.SellerID, "product_id", key.ProductID)
	err := r.tally.Reload(ctx, key.SellerID, func(ctx context.Context) ([]domain.SaleRecord, error) {
		return r.ledger.ListSaleRecords(ctx, domain.RecordFilter{SellerID: key.SellerID})
	})
	if err != nil {
		logger.Warn(ctx, "tally reload after concurrent rebuild failed", "seller_id", key.SellerID, "error", err)
		r.tally.Invalidate(ctx, key.SellerID)
		return 0
	}
	return r.tally.Get(key.SellerID, key.ProductID)
}

// unitRecord builds the single-line ledger entry for one unit. Returns carry
// negated quantity, total and commission.
func unitRecord(sellerID string, product domain.Product, direction domain.Direction) domain.AppendRecordRequest {
	delta := direction.Delta()
	total := float64(delta) * product.FinalPrice
	return domain.AppendRecordRequest{
		SellerID: sellerID,
		Items: []domain.LineItem{{
			ProductID:    product.ID,
			Quantity:     delta,
			UnitPrice:    product.FinalPrice,
			LineSubtotal: total,
		}},
		Total:      total,
		Commission: pricing.Commission(total),
	}
}

func (r *Reconciler) acquire(key tally.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.phases[key]; busy {
		return false
	}
	r.phases[key] = PhaseAppending
	return true
}

func (r *Reconciler) setPhase(key tally.Key, phase Phase) {
	r.mu.Lock()
	r.phases[key] = phase
	r.mu.Unlock()
}

func (r *Reconciler) release(key tally.Key) {
	r.mu.Lock()
	delete(r.phases, key)
	r.mu.Unlock()
}

func (r *Reconciler) enqueue(key tally.Key, gen uint64, direction domain.Direction, recordID string, cause error) domain.PendingReconciliation {
	entry := domain.PendingReconciliation{
		ID:        xid.New("rec"),
		SellerID:  key.SellerID,
		ProductID: key.ProductID,
		Direction: direction,
		RecordID:  recordID,
		LastError: cause.Error(),
		CreatedAt: r.now().UTC(),
	}

	r.mu.Lock()
	r.pending[entry.ID] = &pending{entry: entry, generation: gen}
	r.order = append(r.order, entry.ID)
	r.mu.Unlock()
	return entry
}
