package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/pricing"
	"vendorsales/backend/internal/reconcile"
	"vendorsales/backend/internal/report"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/tally"
)

var (
	ErrAdminRequired      = errors.New("admin role required")
	ErrUnauthenticated    = errors.New("authenticated seller required")
	ErrPricingUnavailable = errors.New("pricing unavailable")
	ErrInvalidPeriod      = errors.New("month must be 1-12 and year positive")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	ledger     store.Ledger
	catalog    store.Catalog
	tally      *tally.Tally
	reconciler *reconcile.Reconciler
	reports    *report.Aggregator
}

func New(ledger store.Ledger, catalog store.Catalog, t *tally.Tally, reconciler *reconcile.Reconciler, reports *report.Aggregator) *Service {
	if reports == nil {
		reports = report.New(nil)
	}
	return &Service{
		ledger:     ledger,
		catalog:    catalog,
		tally:      t,
		reconciler: reconciler,
		reports:    reports,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.catalog.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.catalog.GetProduct(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// QuoteProduct prices a product from its cost. Available reports whether a
// unit can be sold right now.
func (s *Service) QuoteProduct(ctx context.Context, productID string) (domain.ProductQuoteResponse, error) {
	product, err := s.GetProduct(ctx, productID)
	if err != nil {
		return domain.ProductQuoteResponse{}, err
	}
	quote, ok := pricing.Calculate(product.CostPrice)
	if !ok {
		return domain.ProductQuoteResponse{}, fmt.Errorf("%w: product %s", ErrPricingUnavailable, product.ID)
	}
	return domain.ProductQuoteResponse{
		ProductID: product.ID,
		Available: product.StockQuantity > 0,
		Quote:     pricing.RoundQuote(quote),
	}, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.StockQuantity < 0 {
		return domain.Product{}, store.ErrInvalidProduct
	}
	quote, ok := pricing.Calculate(req.CostPrice)
	if !ok {
		return domain.Product{}, ErrPricingUnavailable
	}

	created, err := s.catalog.CreateProduct(ctx, domain.Product{
		Name:           req.Name,
		Category:       req.Category,
		CostPrice:      quote.CostPrice,
		FinalPrice:     quote.FinalPrice,
		CommissionRate: pricing.CommissionRate,
		StockQuantity:  req.StockQuantity,
	})
	if err != nil {
		return domain.Product{}, err
	}
	logger.Info(ctx, "product created", "product_id", created.ID, "final_price", created.FinalPrice, "stock", created.StockQuantity)
	return *created, nil
}

// SetStock overwrites a product's stock counter.
func (s *Service) SetStock(ctx context.Context, productID string, qty int) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	if qty < 0 {
		return domain.Product{}, store.ErrInvalidProduct
	}

	updated, err := s.catalog.AdjustStock(ctx, strings.TrimSpace(productID), qty)
	if err != nil {
		return domain.Product{}, err
	}
	return *updated, nil
}

// StartSession rebuilds the seller's tally from the ledger. When the ledger
// cannot be listed the mirror copy is used and the tally is flagged stale.
func (s *Service) StartSession(ctx context.Context, sellerID string) (domain.TallyResponse, error) {
	err := s.tally.Reload(ctx, sellerID, func(ctx context.Context) ([]domain.SaleRecord, error) {
		return s.ledger.ListSaleRecords(ctx, domain.RecordFilter{SellerID: sellerID})
	})
	if err == nil {
		return tallyResponse(s.tally.Snapshot(sellerID)), nil
	}
	if errors.Is(err, tally.ErrUnsettled) {
		return domain.TallyResponse{}, fmt.Errorf("%w: %w", reconcile.ErrLedgerUnavailable, err)
	}

	logger.Warn(ctx, "ledger unavailable for tally rebuild, trying mirror", "seller_id", sellerID, "error", err)
	loaded, mirrorErr := s.tally.LoadMirror(ctx, sellerID)
	if mirrorErr != nil || !loaded {
		return domain.TallyResponse{}, fmt.Errorf("%w: %w", reconcile.ErrLedgerUnavailable, err)
	}
	return tallyResponse(s.tally.Snapshot(sellerID)), nil
}

func (s *Service) ensureSession(ctx context.Context, sellerID string) error {
	if !s.tally.NeedsRebuild(sellerID) {
		return nil
	}
	if _, err := s.StartSession(ctx, sellerID); err != nil {
		// a stale tally from an earlier session is still usable for sales
		if s.tally.IsStale(sellerID) {
			return nil
		}
		return err
	}
	return nil
}

// Tally returns the acting seller's net units per product. refresh forces a
// rebuild from the ledger.
func (s *Service) Tally(ctx context.Context, refresh bool) (domain.TallyResponse, error) {
	sellerID, err := sellerFromContext(ctx)
	if err != nil {
		return domain.TallyResponse{}, err
	}
	if refresh {
		return s.StartSession(ctx, sellerID)
	}
	if err := s.ensureSession(ctx, sellerID); err != nil {
		return domain.TallyResponse{}, err
	}
	return tallyResponse(s.tally.Snapshot(sellerID)), nil
}

func (s *Service) SellUnit(ctx context.Context, productID string) (domain.UnitResponse, error) {
	return s.RecordUnit(ctx, domain.UnitRequest{ProductID: productID, Direction: domain.DirectionSale})
}

func (s *Service) ReturnUnit(ctx context.Context, productID string) (domain.UnitResponse, error) {
	return s.RecordUnit(ctx, domain.UnitRequest{ProductID: productID, Direction: domain.DirectionReturn})
}

// RecordUnit sells or returns one unit for the acting seller against a fresh
// read of the product. On partial failure the response still carries the
// appended record.
func (s *Service) RecordUnit(ctx context.Context, req domain.UnitRequest) (domain.UnitResponse, error) {
	sellerID, err := sellerFromContext(ctx)
	if err != nil {
		return domain.UnitResponse{}, err
	}
	if !req.Direction.Valid() {
		return domain.UnitResponse{}, reconcile.ErrInvalidDirection
	}
	if err := s.ensureSession(ctx, sellerID); err != nil {
		return domain.UnitResponse{}, err
	}

	product, err := s.catalog.GetProduct(ctx, strings.TrimSpace(req.ProductID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UnitResponse{}, err
		}
		return domain.UnitResponse{}, fmt.Errorf("%w: %w", reconcile.ErrLedgerUnavailable, err)
	}

	outcome, err := s.reconciler.RecordUnit(ctx, sellerID, *product, req.Direction)
	if err != nil {
		return domain.UnitResponse{Record: outcome.Record}, err
	}
	logger.Info(ctx, "unit recorded",
		"seller_id", sellerID,
		"product_id", product.ID,
		"direction", req.Direction,
		"record_id", outcome.Record.ID,
		"net_units", outcome.NetUnits,
	)
	return domain.UnitResponse{
		Record:   outcome.Record,
		Product:  outcome.Product,
		NetUnits: outcome.NetUnits,
		Atomic:   outcome.Atomic,
	}, nil
}

// AppendRecord writes a record straight to the ledger without touching stock
// or tallies. It backs the remote ledger endpoint.
func (s *Service) AppendRecord(ctx context.Context, req domain.AppendRecordRequest) (domain.SaleRecord, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.SaleRecord{}, err
	}
	if err := store.ValidateAppend(req); err != nil {
		return domain.SaleRecord{}, err
	}
	record, err := s.ledger.AppendSaleRecord(ctx, req)
	if err != nil {
		return domain.SaleRecord{}, err
	}
	return *record, nil
}

// ListRecords returns ledger records. Sellers only see their own.
func (s *Service) ListRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	filter, err := scopeFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListSaleRecords(ctx, filter)
}

// PurgeSeller deletes every record of sellerID and drops its tally.
func (s *Service) PurgeSeller(ctx context.Context, sellerID string) (domain.PurgeResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PurgeResponse{}, err
	}
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return domain.PurgeResponse{}, store.ErrInvalidRecord
	}

	deleted, err := s.ledger.PurgeSellerRecords(ctx, sellerID)
	if err != nil {
		return domain.PurgeResponse{}, err
	}
	s.tally.Invalidate(ctx, sellerID)
	logger.Info(ctx, "seller records purged", "seller_id", sellerID, "deleted", deleted)
	return domain.PurgeResponse{SellerID: sellerID, DeletedCount: deleted}, nil
}

func (s *Service) SalesBySeller(ctx context.Context, filter domain.RecordFilter) ([]domain.SellerSummary, error) {
	records, err := s.reportRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.reports.BySeller(records), nil
}

func (s *Service) SalesByMonth(ctx context.Context, filter domain.RecordFilter) ([]domain.MonthSummary, error) {
	records, err := s.reportRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.reports.ByMonth(records), nil
}

func (s *Service) SalesByProduct(ctx context.Context, filter domain.RecordFilter) ([]domain.ProductSummary, error) {
	records, err := s.reportRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.reports.ByProduct(records), nil
}

func (s *Service) ClosedSales(ctx context.Context, month int, year int) (domain.ClosedSalesReport, error) {
	if month < 1 || month > 12 || year < 1 {
		return domain.ClosedSalesReport{}, ErrInvalidPeriod
	}
	records, err := s.reportRecords(ctx, domain.RecordFilter{Month: month, Year: year})
	if err != nil {
		return domain.ClosedSalesReport{}, err
	}
	return s.reports.ClosedSales(records, month, year), nil
}

// reportRecords lists the ledger for the scoped seller and applies the
// month filter in the report time zone.
func (s *Service) reportRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	if filter.Month < 0 || filter.Month > 12 || filter.Year < 0 {
		return nil, ErrInvalidPeriod
	}
	filter, err := scopeFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	records, err := s.ledger.ListSaleRecords(ctx, domain.RecordFilter{SellerID: filter.SellerID})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reconcile.ErrLedgerUnavailable, err)
	}
	return s.reports.Filter(records, filter), nil
}

func (s *Service) PendingReconciliations(ctx context.Context) ([]domain.PendingReconciliation, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.reconciler.Pending(), nil
}

func (s *Service) RetryPending(ctx context.Context) (domain.RetryResponse, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.RetryResponse{}, err
	}
	resolved, remaining := s.reconciler.RetryPending(ctx)
	return domain.RetryResponse{Resolved: resolved, Remaining: remaining}, nil
}

// ResolvePending drops a queued stock update that was fixed by hand.
func (s *Service) ResolvePending(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.reconciler.Resolve(ctx, strings.TrimSpace(id))
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrAdminRequired
	}
	return nil
}

func sellerFromContext(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || strings.TrimSpace(actor.Username) == "" {
		return "", ErrUnauthenticated
	}
	return actor.Username, nil
}

func scopeFilter(ctx context.Context, filter domain.RecordFilter) (domain.RecordFilter, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return filter, ErrUnauthenticated
	}
	if actor.Role != domain.RoleAdmin {
		filter.SellerID = actor.Username
	}
	return filter, nil
}

func tallyResponse(snapshot tally.Snapshot) domain.TallyResponse {
	return domain.TallyResponse{
		SellerID: snapshot.SellerID,
		Stale:    snapshot.Stale,
		LoadedAt: snapshot.LoadedAt,
		Entries:  snapshot.Entries(),
	}
}
