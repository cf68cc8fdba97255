package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/pricing"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/xid"
)

//go:embed schema.sql
var schema string

var (
	_ store.Repository     = (*Store)(nil)
	_ store.AtomicRecorder = (*Store)(nil)
)

type Store struct {
	db      *sql.DB
	builder squirrel.StatementBuilderType
}

type productRow struct {
	ID             string          `db:"id"`
	Name           string          `db:"name"`
	Category       string          `db:"category"`
	CostPrice      decimal.Decimal `db:"cost_price"`
	FinalPrice     decimal.Decimal `db:"final_price"`
	CommissionRate decimal.Decimal `db:"commission_rate"`
	StockQuantity  int             `db:"stock_quantity"`
	CreatedAt      time.Time       `db:"created_at"`
}

type recordRow struct {
	ID         string          `db:"id"`
	SellerID   string          `db:"seller_id"`
	Total      decimal.Decimal `db:"total"`
	Commission decimal.Decimal `db:"commission"`
	CreatedAt  time.Time       `db:"created_at"`
}

type itemRow struct {
	RecordID     string          `db:"record_id"`
	LineNo       int             `db:"line_no"`
	ProductID    string          `db:"product_id"`
	Quantity     int             `db:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price"`
	LineSubtotal decimal.Decimal `db:"line_subtotal"`
}

type userRow struct {
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

var productColumns = []string{"id", "name", "category", "cost_price", "final_price", "commission_rate", "stock_quantity", "created_at"}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. It is idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	query, args, err := s.builder.Select(productColumns...).
		From("products").
		OrderBy("category", "name").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []productRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, row := range rows {
		products = append(products, row.toDomain())
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.CostPrice <= 0 || product.FinalPrice < 0 || product.StockQuantity < 0 {
		return nil, store.ErrInvalidProduct
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.builder.Insert("products").
		Columns(productColumns...).
		Values(
			product.ID,
			product.Name,
			product.Category,
			pricing.RoundDecimal(product.CostPrice),
			pricing.RoundDecimal(product.FinalPrice),
			decimal.NewFromFloat(product.CommissionRate),
			product.StockQuantity,
			product.CreatedAt,
		).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	product.CostPrice = pricing.Round(product.CostPrice)
	product.FinalPrice = pricing.Round(product.FinalPrice)
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.getProduct(ctx, s.db, productID, false)
}

func (s *Store) getProduct(ctx context.Context, q sqlscan.Querier, productID string, forUpdate bool) (*domain.Product, error) {
	builder := s.builder.Select(productColumns...).
		From("products").
		Where(squirrel.Eq{"id": productID})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var row productRow
	if err := sqlscan.Get(ctx, q, &row, query, args...); err != nil {
		if sqlscan.NotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	product := row.toDomain()
	return &product, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, newQuantity int) (*domain.Product, error) {
	if newQuantity < 0 {
		return nil, store.ErrInvalidProduct
	}

	query, args, err := s.builder.Update("products").
		Set("stock_quantity", newQuantity).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": productID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, productID)
}

func (s *Store) AppendSaleRecord(ctx context.Context, req domain.AppendRecordRequest) (*domain.SaleRecord, error) {
	if err := store.ValidateAppend(req); err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	record, err := s.insertRecord(ctx, pgTx, req)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

// RecordWithStock locks the product row, applies stockDelta (floored at
// zero) and appends req in one transaction.
func (s *Store) RecordWithStock(ctx context.Context, req domain.AppendRecordRequest, productID string, stockDelta int) (*domain.SaleRecord, *domain.Product, error) {
	if err := store.ValidateAppend(req); err != nil {
		return nil, nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	product, err := s.getProduct(ctx, pgTx, productID, true)
	if err != nil {
		return nil, nil, err
	}
	if stockDelta < 0 && product.StockQuantity+stockDelta < 0 {
		return nil, nil, store.ErrInsufficientStock
	}
	product.StockQuantity = store.FloorStock(product.StockQuantity + stockDelta)

	query, args, err := s.builder.Update("products").
		Set("stock_quantity", product.StockQuantity).
		Set("updated_at", squirrel.Expr("now()")).
		Where(squirrel.Eq{"id": productID}).
		ToSql()
	if err != nil {
		return nil, nil, err
	}
	if _, err := pgTx.ExecContext(ctx, query, args...); err != nil {
		return nil, nil, err
	}

	record, err := s.insertRecord(ctx, pgTx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return record, product, nil
}

func (s *Store) insertRecord(ctx context.Context, pgTx *sql.Tx, req domain.AppendRecordRequest) (*domain.SaleRecord, error) {
	record := domain.SaleRecord{
		ID:         xid.New("sale"),
		SellerID:   req.SellerID,
		Total:      pricing.Round(req.Total),
		Commission: pricing.Round(req.Commission),
		CreatedAt:  time.Now().UTC(),
		Items:      make([]domain.LineItem, 0, len(req.Items)),
	}

	query, args, err := s.builder.Insert("sale_records").
		Columns("id", "seller_id", "total", "commission", "created_at").
		Values(record.ID, record.SellerID, pricing.RoundDecimal(req.Total), pricing.RoundDecimal(req.Commission), record.CreatedAt).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}

	items := s.builder.Insert("sale_record_items").
		Columns("record_id", "line_no", "product_id", "quantity", "unit_price", "line_subtotal")
	for i, item := range req.Items {
		items = items.Values(record.ID, i+1, item.ProductID, item.Quantity, pricing.RoundDecimal(item.UnitPrice), pricing.RoundDecimal(item.LineSubtotal))
		item.UnitPrice = pricing.Round(item.UnitPrice)
		item.LineSubtotal = pricing.Round(item.LineSubtotal)
		record.Items = append(record.Items, item)
	}
	query, args, err = items.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := pgTx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListSaleRecords returns matching records oldest first. Month and year are
// evaluated in UTC.
func (s *Store) ListSaleRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	builder := s.builder.Select("id", "seller_id", "total", "commission", "created_at").
		From("sale_records").
		OrderBy("created_at", "id")
	if filter.SellerID != "" {
		builder = builder.Where(squirrel.Eq{"seller_id": filter.SellerID})
	}
	if filter.Month != 0 {
		builder = builder.Where(squirrel.Expr("EXTRACT(MONTH FROM created_at AT TIME ZONE 'UTC') = ?", filter.Month))
	}
	if filter.Year != 0 {
		builder = builder.Where(squirrel.Expr("EXTRACT(YEAR FROM created_at AT TIME ZONE 'UTC') = ?", filter.Year))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []recordRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sale records: %w", err)
	}
	if len(rows) == 0 {
		return []domain.SaleRecord{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	query, args, err = s.builder.Select("record_id", "line_no", "product_id", "quantity", "unit_price", "line_subtotal").
		From("sale_record_items").
		Where(squirrel.Eq{"record_id": ids}).
		OrderBy("record_id", "line_no").
		ToSql()
	if err != nil {
		return nil, err
	}

	var items []itemRow
	if err := sqlscan.Select(ctx, s.db, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list sale record items: %w", err)
	}
	itemsByRecord := make(map[string][]domain.LineItem, len(rows))
	for _, item := range items {
		itemsByRecord[item.RecordID] = append(itemsByRecord[item.RecordID], domain.LineItem{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice.InexactFloat64(),
			LineSubtotal: item.LineSubtotal.InexactFloat64(),
		})
	}

	records := make([]domain.SaleRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, domain.SaleRecord{
			ID:         row.ID,
			SellerID:   row.SellerID,
			Items:      itemsByRecord[row.ID],
			Total:      row.Total.InexactFloat64(),
			Commission: row.Commission.InexactFloat64(),
			CreatedAt:  row.CreatedAt.UTC(),
		})
	}
	return records, nil
}

// PurgeSellerRecords deletes every record of sellerID. Items go with their
// record through the cascading foreign key.
func (s *Store) PurgeSellerRecords(ctx context.Context, sellerID string) (int, error) {
	if strings.TrimSpace(sellerID) == "" {
		return 0, store.ErrInvalidRecord
	}

	query, args, err := s.builder.Delete("sale_records").
		Where(squirrel.Eq{"seller_id": sellerID}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query, args, err := s.builder.Insert("users").
		Columns("username", "password_hash", "role", "active", "created_at").
		Values(username, user.Password, user.Role, true, user.CreatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	query, args, err := s.builder.Select("username", "password_hash", "role", "active", "created_at").
		From("users").
		OrderBy("username").
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err := sqlscan.Select(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, domain.UserAccount{
			Username:  row.Username,
			Password:  row.PasswordHash,
			Role:      row.Role,
			Active:    row.Active,
			CreatedAt: row.CreatedAt,
		})
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	query, args, err := s.builder.Update("users").
		Set("password_hash", password).
		Where(squirrel.Eq{"username": strings.ToLower(strings.TrimSpace(username))}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:             r.ID,
		Name:           r.Name,
		Category:       r.Category,
		CostPrice:      r.CostPrice.InexactFloat64(),
		FinalPrice:     r.FinalPrice.InexactFloat64(),
		CommissionRate: r.CommissionRate.InexactFloat64(),
		StockQuantity:  r.StockQuantity,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
