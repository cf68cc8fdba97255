package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("VENDORSALES_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set VENDORSALES_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func TestRecordWithStockRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("PRD-IT-%d", stamp)
	sellerID := fmt.Sprintf("seller-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_records WHERE seller_id = $1`, sellerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		ID:             productID,
		Name:           "Integration Water",
		Category:       "beverage",
		CostPrice:      100,
		FinalPrice:     285.714285,
		CommissionRate: 0.30,
		StockQuantity:  1,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	sale := domain.AppendRecordRequest{
		SellerID:   sellerID,
		Items:      []domain.LineItem{{ProductID: productID, Quantity: 1, UnitPrice: 285.714285, LineSubtotal: 285.714285}},
		Total:      285.714285,
		Commission: 85.7142855,
	}

	record, product, err := s.RecordWithStock(ctx, sale, productID, -1)
	if err != nil {
		t.Fatalf("record with stock: %v", err)
	}
	if product.StockQuantity != 0 {
		t.Fatalf("expected stock 0, got %d", product.StockQuantity)
	}
	if record.Total != 285.71 || record.Commission != 85.71 {
		t.Fatalf("expected rounded money, got total=%v commission=%v", record.Total, record.Commission)
	}

	if _, _, err := s.RecordWithStock(ctx, sale, productID, -1); err != store.ErrInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	records, err := s.ListSaleRecords(ctx, domain.RecordFilter{SellerID: sellerID})
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || len(records[0].Items) != 1 {
		t.Fatalf("expected one record with one item, got %+v", records)
	}
	if records[0].Items[0].UnitPrice != 285.71 {
		t.Fatalf("expected unit price 285.71, got %v", records[0].Items[0].UnitPrice)
	}

	deleted, err := s.PurgeSellerRecords(ctx, sellerID)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted record, got %d", deleted)
	}
}

func TestAdjustStockAndMissingProduct(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	productID := fmt.Sprintf("PRD-IT-STOCK-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Stock IT", CostPrice: 1, FinalPrice: 2.86, CommissionRate: 0.30, StockQuantity: 3}); err != nil {
		t.Fatalf("create product: %v", err)
	}

	updated, err := s.AdjustStock(ctx, productID, 9)
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if updated.StockQuantity != 9 {
		t.Fatalf("expected stock 9, got %d", updated.StockQuantity)
	}

	if _, err := s.AdjustStock(ctx, productID+"-missing", 1); err != store.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetProduct(ctx, productID+"-missing"); err != store.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
