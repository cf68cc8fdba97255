package domain

import "time"

type Product struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	CostPrice      float64   `json:"cost_price"`
	FinalPrice     float64   `json:"final_price"`
	CommissionRate float64   `json:"commission_rate"`
	StockQuantity  int       `json:"stock_quantity"`
	CreatedAt      time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	CostPrice     float64 `json:"cost_price"`
	StockQuantity int     `json:"stock_quantity"`
}

type StockUpdateRequest struct {
	StockQuantity int `json:"stock_quantity"`
}

type PriceQuote struct {
	CostPrice  float64 `json:"cost_price"`
	FinalPrice float64 `json:"final_price"`
	Commission float64 `json:"commission"`
	Profit     float64 `json:"profit"`
}

type ProductQuoteResponse struct {
	ProductID string     `json:"product_id"`
	Available bool       `json:"available"`
	Quote     PriceQuote `json:"quote"`
}

// Direction is the sign of a single-unit ledger movement.
type Direction string

const (
	DirectionSale   Direction = "sale"
	DirectionReturn Direction = "return"
)

func (d Direction) Valid() bool {
	return d == DirectionSale || d == DirectionReturn
}

// Delta is +1 for a sale and -1 for a return.
func (d Direction) Delta() int {
	if d == DirectionReturn {
		return -1
	}
	return 1
}

// StockDelta is the change a movement applies to the product stock counter.
func (d Direction) StockDelta() int {
	return -d.Delta()
}

type LineItem struct {
	ProductID    string  `json:"product_id"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	LineSubtotal float64 `json:"line_subtotal"`
}

// SaleRecord is one immutable ledger entry. Returns are new records with
// negated quantity, total and commission.
type SaleRecord struct {
	ID         string     `json:"id"`
	SellerID   string     `json:"seller_id"`
	Items      []LineItem `json:"items"`
	Total      float64    `json:"total"`
	Commission float64    `json:"commission"`
	CreatedAt  time.Time  `json:"created_at"`
}

type AppendRecordRequest struct {
	SellerID   string     `json:"seller_id"`
	Items      []LineItem `json:"items"`
	Total      float64    `json:"total"`
	Commission float64    `json:"commission"`
}

type RecordFilter struct {
	SellerID string
	Month    int
	Year     int
}

type PurgeResponse struct {
	SellerID     string `json:"seller_id"`
	DeletedCount int    `json:"deleted_count"`
}

type UnitRequest struct {
	ProductID string    `json:"product_id"`
	Direction Direction `json:"direction"`
}

type UnitResponse struct {
	Record   SaleRecord `json:"record"`
	Product  Product    `json:"product"`
	NetUnits int        `json:"net_units"`
	Atomic   bool       `json:"atomic"`
}

type TallyEntry struct {
	ProductID string `json:"product_id"`
	NetUnits  int    `json:"net_units"`
}

type TallyResponse struct {
	SellerID string       `json:"seller_id"`
	Stale    bool         `json:"stale"`
	LoadedAt time.Time    `json:"loaded_at"`
	Entries  []TallyEntry `json:"entries"`
}

// MergedLine is a record's line items collapsed per product.
type MergedLine struct {
	ProductID     string  `json:"product_id"`
	Quantity      int     `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	LineSubtotal  float64 `json:"line_subtotal"`
	PriceMismatch bool    `json:"price_mismatch,omitempty"`
}

type RecordView struct {
	ID         string       `json:"id"`
	SellerID   string       `json:"seller_id"`
	Total      float64      `json:"total"`
	Commission float64      `json:"commission"`
	CreatedAt  time.Time    `json:"created_at"`
	Lines      []MergedLine `json:"lines"`
}

type SellerSummary struct {
	SellerID   string       `json:"seller_id"`
	Total      float64      `json:"total"`
	Commission float64      `json:"commission"`
	Count      int          `json:"count"`
	Records    []RecordView `json:"records"`
}

type MonthSummary struct {
	Month           int          `json:"month"`
	Year            int          `json:"year"`
	TotalValue      float64      `json:"total_value"`
	TotalCommission float64      `json:"total_commission"`
	UnitsSold       int          `json:"units_sold"`
	Records         []RecordView `json:"records"`
}

type ProductSummary struct {
	ProductID  string  `json:"product_id"`
	NetUnits   int     `json:"net_units"`
	UnitsMoved int     `json:"units_moved"`
	Total      float64 `json:"total"`
	Commission float64 `json:"commission"`
}

type ClosedSalesReport struct {
	Month   int             `json:"month"`
	Year    int             `json:"year"`
	Summary MonthSummary    `json:"summary"`
	Sellers []SellerSummary `json:"sellers"`
}

type PendingReconciliation struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"seller_id"`
	ProductID string    `json:"product_id"`
	Direction Direction `json:"direction"`
	RecordID  string    `json:"record_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type RetryResponse struct {
	Resolved  int                     `json:"resolved"`
	Remaining []PendingReconciliation `json:"remaining"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type SellerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)
