package store

import (
	"context"
	"errors"

	"vendorsales/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRecord     = errors.New("invalid record")
	ErrInvalidProduct    = errors.New("invalid product")
	ErrConflict          = errors.New("already exists")
)

// Ledger is the append-only record of sales and returns.
type Ledger interface {
	AppendSaleRecord(ctx context.Context, req domain.AppendRecordRequest) (*domain.SaleRecord, error)
	ListSaleRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error)
	PurgeSellerRecords(ctx context.Context, sellerID string) (int, error)
}

// StockStore is the part of the catalog the reconciler writes to.
// AdjustStock sets the absolute quantity; callers floor at zero.
type StockStore interface {
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	AdjustStock(ctx context.Context, productID string, newQuantity int) (*domain.Product, error)
}

type Catalog interface {
	StockStore
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
}

// AtomicRecorder is implemented by stores that can append a record and apply
// a relative stock delta in one transaction. The stock is floored at zero and
// a negative delta against zero stock fails with ErrInsufficientStock.
type AtomicRecorder interface {
	RecordWithStock(ctx context.Context, req domain.AppendRecordRequest, productID string, stockDelta int) (*domain.SaleRecord, *domain.Product, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	Ledger
	Catalog
	UserStore
}

// ValidateAppend checks the shape of a record before it is stored.
func ValidateAppend(req domain.AppendRecordRequest) error {
	if req.SellerID == "" || len(req.Items) == 0 {
		return ErrInvalidRecord
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.Quantity == 0 || item.UnitPrice < 0 {
			return ErrInvalidRecord
		}
	}
	return nil
}

// FloorStock clamps a stock quantity at zero.
func FloorStock(qty int) int {
	if qty < 0 {
		return 0
	}
	return qty
}
