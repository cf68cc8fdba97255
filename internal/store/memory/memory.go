package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
	"vendorsales/backend/internal/pricing"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/xid"
)

// Store is the in-memory authoritative store used in dev/demo mode and by
// tests. It implements store.Repository and store.AtomicRecorder.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	records         []domain.SaleRecord
	usersByUsername map[string]domain.UserAccount
	now             func() time.Time
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD.
// If unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		logger.Warn(context.Background(), "memory store using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logger.Error(context.Background(), "failed to hash seed password", "username", u.username, "error", err)
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store without users.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		records:         make([]domain.SaleRecord, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
		now:             time.Now,
	}
}

// NewAccounts returns a store holding only the seeded user accounts. It backs
// login when the ledger and catalog live on a remote instance.
func NewAccounts() *Store {
	s := New()
	s.usersByUsername = seedUsers()
	return s
}

func NewSeeded() *Store {
	seed := []struct {
		id       string
		name     string
		category string
		cost     float64
		stock    int
	}{
		{"PRD-WATER-01", "Mineral Water 600ml", "beverage", 1.20, 120},
		{"PRD-COFFEE-01", "Coffee Sachet", "beverage", 0.80, 200},
		{"PRD-CHIPS-01", "Cassava Chips", "snack", 2.10, 80},
		{"PRD-CHOC-01", "Chocolate Bar", "snack", 1.75, 60},
		{"PRD-SOAP-01", "Bath Soap", "household", 1.40, 50},
		{"PRD-SHAMPOO-01", "Shampoo Sachet", "household", 0.55, 150},
	}

	s := New()
	s.usersByUsername = seedUsers()
	now := s.now().UTC()
	for _, p := range seed {
		quote, _ := pricing.Calculate(p.cost)
		s.products[p.id] = domain.Product{
			ID:             p.id,
			Name:           p.name,
			Category:       p.category,
			CostPrice:      pricing.Round(quote.CostPrice),
			FinalPrice:     pricing.Round(quote.FinalPrice),
			CommissionRate: pricing.CommissionRate,
			StockQuantity:  p.stock,
			CreatedAt:      now,
		}
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.Name == "" || product.CostPrice <= 0 || product.FinalPrice < 0 || product.StockQuantity < 0 {
		return nil, store.ErrInvalidProduct
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = s.now().UTC()
	}
	product.CostPrice = pricing.Round(product.CostPrice)
	product.FinalPrice = pricing.Round(product.FinalPrice)

	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, newQuantity int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newQuantity < 0 {
		return nil, store.ErrInvalidProduct
	}
	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.StockQuantity = newQuantity
	s.products[productID] = product
	updated := product
	return &updated, nil
}

func (s *Store) AppendSaleRecord(_ context.Context, req domain.AppendRecordRequest) (*domain.SaleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateAppend(req); err != nil {
		return nil, err
	}
	record := s.appendLocked(req)
	return &record, nil
}

// RecordWithStock appends req and moves the product's stock by stockDelta
// under one lock. Nothing is written when the product is missing or a
// negative delta finds no stock.
func (s *Store) RecordWithStock(_ context.Context, req domain.AppendRecordRequest, productID string, stockDelta int) (*domain.SaleRecord, *domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.ValidateAppend(req); err != nil {
		return nil, nil, err
	}
	product, exists := s.products[productID]
	if !exists {
		return nil, nil, store.ErrNotFound
	}
	if stockDelta < 0 && product.StockQuantity+stockDelta < 0 {
		return nil, nil, store.ErrInsufficientStock
	}

	product.StockQuantity = store.FloorStock(product.StockQuantity + stockDelta)
	s.products[productID] = product
	record := s.appendLocked(req)

	updated := product
	return &record, &updated, nil
}

func (s *Store) appendLocked(req domain.AppendRecordRequest) domain.SaleRecord {
	items := make([]domain.LineItem, len(req.Items))
	for i, item := range req.Items {
		item.UnitPrice = pricing.Round(item.UnitPrice)
		item.LineSubtotal = pricing.Round(item.LineSubtotal)
		items[i] = item
	}

	record := domain.SaleRecord{
		ID:         xid.New("sale"),
		SellerID:   req.SellerID,
		Items:      items,
		Total:      pricing.Round(req.Total),
		Commission: pricing.Round(req.Commission),
		CreatedAt:  s.now().UTC(),
	}
	s.records = append(s.records, record)
	return cloneRecord(record)
}

// ListSaleRecords returns matching records oldest first. Month and year are
// evaluated in UTC.
func (s *Store) ListSaleRecords(_ context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]domain.SaleRecord, 0, len(s.records))
	for _, record := range s.records {
		if !matches(record, filter) {
			continue
		}
		records = append(records, cloneRecord(record))
	}
	return records, nil
}

func (s *Store) PurgeSellerRecords(_ context.Context, sellerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(sellerID) == "" {
		return 0, store.ErrInvalidRecord
	}
	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(record domain.SaleRecord) bool {
		return record.SellerID == sellerID
	})
	return before - len(s.records), nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidRecord
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleSeller
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func matches(record domain.SaleRecord, filter domain.RecordFilter) bool {
	if filter.SellerID != "" && record.SellerID != filter.SellerID {
		return false
	}
	created := record.CreatedAt.UTC()
	if filter.Month != 0 && int(created.Month()) != filter.Month {
		return false
	}
	if filter.Year != 0 && created.Year() != filter.Year {
		return false
	}
	return true
}

func cloneRecord(src domain.SaleRecord) domain.SaleRecord {
	dup := src
	items := make([]domain.LineItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
