// Package remote reaches an authoritative ledger and catalog over HTTP. It
// speaks the ledger and stock endpoints served by internal/httpapi, so one
// instance can use another as its store.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/store"
)

type Client struct {
	http *resty.Client
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Retries applies to reads only. Writes are never replayed by the client.
	Retries int
}

type errorBody struct {
	Error string `json:"error"`
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Client{http: client}
}

func (c *Client) ListProducts(ctx context.Context) ([]domain.Product, error) {
	var out struct {
		Products []domain.Product `json:"products"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{}).
		Get("/api/v1/products")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Products, nil
}

// CreateProduct sends the cost and stock; the remote side prices the product.
func (c *Client) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	var out struct {
		Product domain.Product `json:"product"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(domain.ProductCreateRequest{
			Name:          product.Name,
			Category:      product.Category,
			CostPrice:     product.CostPrice,
			StockQuantity: product.StockQuantity,
		}).
		SetResult(&out).
		SetError(&errorBody{}).
		Post("/api/v1/products")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out.Product, nil
}

func (c *Client) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var out struct {
		Product domain.Product `json:"product"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", productID).
		SetResult(&out).
		SetError(&errorBody{}).
		Get("/api/v1/products/{id}")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out.Product, nil
}

func (c *Client) AdjustStock(ctx context.Context, productID string, newQuantity int) (*domain.Product, error) {
	var out struct {
		Product domain.Product `json:"product"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", productID).
		SetBody(domain.StockUpdateRequest{StockQuantity: newQuantity}).
		SetResult(&out).
		SetError(&errorBody{}).
		Put("/api/v1/products/{id}/stock")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out.Product, nil
}

func (c *Client) AppendSaleRecord(ctx context.Context, req domain.AppendRecordRequest) (*domain.SaleRecord, error) {
	var out struct {
		Record domain.SaleRecord `json:"record"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetError(&errorBody{}).
		Post("/api/v1/ledger/records")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return &out.Record, nil
}

func (c *Client) ListSaleRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	var out struct {
		Records []domain.SaleRecord `json:"records"`
	}
	req := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&errorBody{})
	if filter.SellerID != "" {
		req.SetQueryParam("seller_id", filter.SellerID)
	}
	if filter.Month != 0 {
		req.SetQueryParam("month", strconv.Itoa(filter.Month))
	}
	if filter.Year != 0 {
		req.SetQueryParam("year", strconv.Itoa(filter.Year))
	}

	resp, err := req.Get("/api/v1/ledger/records")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *Client) PurgeSellerRecords(ctx context.Context, sellerID string) (int, error) {
	var out domain.PurgeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", sellerID).
		SetResult(&out).
		SetError(&errorBody{}).
		Delete("/api/v1/ledger/sellers/{id}")
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}

// check maps transport errors and non-2xx statuses onto store errors.
func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("remote store: %w", err)
	}
	if !resp.IsError() {
		return nil
	}

	msg := resp.Status()
	if body, ok := resp.Error().(*errorBody); ok && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return store.ErrNotFound
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", store.ErrConflict, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", store.ErrInvalidRecord, msg)
	default:
		return fmt.Errorf("remote store: %s %s: status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), msg)
	}
}
