package reconcile

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/store"
	"vendorsales/backend/internal/tally"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) AppendSaleRecord(ctx context.Context, req domain.AppendRecordRequest) (*domain.SaleRecord, error) {
	args := m.Called(ctx, req)
	record, _ := args.Get(0).(*domain.SaleRecord)
	return record, args.Error(1)
}

func (m *mockStore) ListSaleRecords(ctx context.Context, filter domain.RecordFilter) ([]domain.SaleRecord, error) {
	args := m.Called(ctx, filter)
	records, _ := args.Get(0).([]domain.SaleRecord)
	return records, args.Error(1)
}

func (m *mockStore) PurgeSellerRecords(ctx context.Context, sellerID string) (int, error) {
	args := m.Called(ctx, sellerID)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	args := m.Called(ctx, productID)
	product, _ := args.Get(0).(*domain.Product)
	return product, args.Error(1)
}

func (m *mockStore) AdjustStock(ctx context.Context, productID string, newQuantity int) (*domain.Product, error) {
	args := m.Called(ctx, productID, newQuantity)
	product, _ := args.Get(0).(*domain.Product)
	return product, args.Error(1)
}

type mockAtomicStore struct {
	mockStore
}

func (m *mockAtomicStore) RecordWithStock(ctx context.Context, req domain.AppendRecordRequest, productID string, stockDelta int) (*domain.SaleRecord, *domain.Product, error) {
	args := m.Called(ctx, req, productID, stockDelta)
	record, _ := args.Get(0).(*domain.SaleRecord)
	product, _ := args.Get(1).(*domain.Product)
	return record, product, args.Error(2)
}

type staleMirror struct {
	counts map[string]int
}

func (m staleMirror) Replace(context.Context, string, map[string]int) error { return nil }
func (m staleMirror) Increment(context.Context, string, string, int) error  { return nil }
func (m staleMirror) Delete(context.Context, string) error                  { return nil }
func (m staleMirror) Load(context.Context, string) (map[string]int, bool, error) {
	return m.counts, true, nil
}

const seller = "seller-a"

func product(stock int) domain.Product {
	return domain.Product{ID: "p1", Name: "Water", CostPrice: 100, FinalPrice: 200, CommissionRate: 0.30, StockQuantity: stock}
}

func withStock(p domain.Product, stock int) *domain.Product {
	p.StockQuantity = stock
	return &p
}

func saleRecord(id string, qty int) *domain.SaleRecord {
	total := float64(qty) * 200
	return &domain.SaleRecord{
		ID:         id,
		SellerID:   seller,
		Items:      []domain.LineItem{{ProductID: "p1", Quantity: qty, UnitPrice: 200, LineSubtotal: total}},
		Total:      total,
		Commission: total * 0.30,
	}
}

func newTally(records ...domain.SaleRecord) *tally.Tally {
	t := tally.New(nil, 0)
	t.RebuildFrom(context.Background(), seller, records)
	return t
}

func TestRecordUnitSaleUpdatesLedgerStockAndTally(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	expected := domain.AppendRecordRequest{
		SellerID:   seller,
		Items:      []domain.LineItem{{ProductID: "p1", Quantity: 1, UnitPrice: 200, LineSubtotal: 200}},
		Total:      200,
		Commission: 60,
	}
	st.On("AppendSaleRecord", mock.Anything, expected).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(withStock(p, 4), nil).Once()

	r := New(st, st, tl)
	outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.NoError(t, err)

	assert.Equal(t, "rec-1", outcome.Record.ID)
	assert.Equal(t, 4, outcome.Product.StockQuantity)
	assert.Equal(t, 1, outcome.NetUnits)
	assert.False(t, outcome.Atomic)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
	st.AssertExpectations(t)
}

func TestRecordUnitReturnNegatesRecordAndRestocks(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally(*saleRecord("rec-0", 1))
	p := product(4)

	st.On("AppendSaleRecord", mock.Anything, mock.MatchedBy(func(req domain.AppendRecordRequest) bool {
		return req.Items[0].Quantity == -1 && req.Total == -200 && req.Commission == -60 && req.Items[0].UnitPrice == 200
	})).Return(saleRecord("rec-1", -1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 5).Return(withStock(p, 5), nil).Once()

	r := New(st, st, tl)
	outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionReturn)
	require.NoError(t, err)

	assert.Equal(t, 0, outcome.NetUnits)
	assert.Equal(t, 0, tl.Get(seller, "p1"))
	st.AssertExpectations(t)
}

func TestRecordUnitValidationMakesNoRemoteCalls(t *testing.T) {
	tests := []struct {
		name      string
		product   domain.Product
		direction domain.Direction
		want      error
	}{
		{name: "sale without stock", product: product(0), direction: domain.DirectionSale, want: ErrOutOfStock},
		{name: "return without units", product: product(3), direction: domain.DirectionReturn, want: ErrNothingToReturn},
		{name: "nan price", product: domain.Product{ID: "p1", FinalPrice: math.NaN(), StockQuantity: 3}, direction: domain.DirectionSale, want: ErrInvalidPrice},
		{name: "negative price", product: domain.Product{ID: "p1", FinalPrice: -1, StockQuantity: 3}, direction: domain.DirectionSale, want: ErrInvalidPrice},
		{name: "unknown direction", product: product(3), direction: "swap", want: ErrInvalidDirection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(mockStore)
			tl := newTally()
			r := New(st, st, tl)

			_, err := r.RecordUnit(context.Background(), seller, tt.product, tt.direction)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, KindValidation, Classify(err))
			assert.Equal(t, 0, tl.Get(seller, "p1"))
			assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
			st.AssertNotCalled(t, "AppendSaleRecord", mock.Anything, mock.Anything)
			st.AssertNotCalled(t, "AdjustStock", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRecordUnitLedgerFailureSkipsStock(t *testing.T) {
	st := new(mockStore)
	tl := newTally()
	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(context.Background(), seller, product(5), domain.DirectionSale)

	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, KindRemote, Classify(err))
	assert.Equal(t, 0, tl.Get(seller, "p1"))
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
	assert.Empty(t, r.Pending())
	st.AssertNotCalled(t, "AdjustStock", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordUnitStockFailureIsPartialAndQueued(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(nil, errors.New("timeout")).Once()

	r := New(st, st, tl)
	outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)

	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, ErrStockUpdateFailed)
	assert.Equal(t, KindPartial, Classify(err))
	assert.Equal(t, "rec-1", partial.Record.ID)
	assert.Equal(t, "rec-1", outcome.Record.ID)
	assert.Equal(t, 0, tl.Get(seller, "p1"))
	assert.Equal(t, PhaseLedgerAppended, r.Phase(seller, "p1"))

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, partial.PendingID, pending[0].ID)
	assert.Equal(t, "rec-1", pending[0].RecordID)

	_, err = r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.ErrorIs(t, err, ErrInFlight)

	// stock moved elsewhere in the meantime; the retry applies to fresh stock
	st.On("GetProduct", mock.Anything, "p1").Return(withStock(p, 3), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 2).Return(withStock(p, 2), nil).Once()

	resolved, remaining := r.RetryPending(ctx)
	assert.Equal(t, 1, resolved)
	assert.Empty(t, remaining)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
	st.AssertExpectations(t)
}

func TestRetryPendingKeepsFailingEntries(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(nil, errors.New("timeout")).Once()
	st.On("GetProduct", mock.Anything, "p1").Return(nil, errors.New("still down")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.Error(t, err)

	resolved, remaining := r.RetryPending(ctx)
	assert.Zero(t, resolved)
	require.Len(t, remaining, 1)
	assert.Equal(t, 1, remaining[0].Attempts)
	assert.Contains(t, remaining[0].LastError, "still down")
	assert.Equal(t, 0, tl.Get(seller, "p1"))
}

func TestRetryPendingDoesNotDoubleCountAfterRebuild(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(nil, errors.New("timeout")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.Error(t, err)

	tl.RebuildFrom(ctx, seller, []domain.SaleRecord{*saleRecord("rec-1", 1)})

	st.On("ListSaleRecords", mock.Anything, domain.RecordFilter{SellerID: seller}).
		Return([]domain.SaleRecord{*saleRecord("rec-1", 1)}, nil).Once()
	st.On("GetProduct", mock.Anything, "p1").Return(withStock(p, 5), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(withStock(p, 4), nil).Once()

	resolved, _ := r.RetryPending(ctx)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
}

func TestResolveReleasesPairAndInvalidatesTally(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(nil, errors.New("timeout")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, product(5), domain.DirectionSale)
	var partial *PartialFailureError
	require.ErrorAs(t, err, &partial)

	require.NoError(t, r.Resolve(ctx, partial.PendingID))
	assert.Empty(t, r.Pending())
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
	assert.Equal(t, 0, tl.Get(seller, "p1"))
	assert.True(t, tl.NeedsRebuild(seller))
	assert.ErrorIs(t, r.Resolve(ctx, partial.PendingID), ErrPendingNotFound)
}

func TestRecordUnitRejectsConcurrentUnitForSamePair(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	entered := make(chan struct{})
	release := make(chan struct{})
	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(withStock(p, 4), nil).Once()

	r := New(st, st, tl)
	done := make(chan error, 1)
	go func() {
		_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
		done <- err
	}()

	<-entered
	assert.Equal(t, PhaseAppending, r.Phase(seller, "p1"))
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.ErrorIs(t, err, ErrInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
	st.AssertNumberOfCalls(t, "AppendSaleRecord", 1)
}

func TestRecordUnitIgnoresCancellationAfterSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.MatchedBy(func(c context.Context) bool {
		return c.Err() == nil
	}), "p1", 4).Return(withStock(p, 4), nil).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
	st.AssertExpectations(t)
}

func TestRecordUnitCancelledBeforeSubmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := new(mockStore)

	r := New(st, st, newTally())
	_, err := r.RecordUnit(ctx, seller, product(5), domain.DirectionSale)
	require.ErrorIs(t, err, context.Canceled)
	st.AssertNotCalled(t, "AppendSaleRecord", mock.Anything, mock.Anything)
}

func TestRecordUnitStaleTallyRefusesReturn(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := tally.New(staleMirror{counts: map[string]int{"p1": 2}}, 0)
	_, err := tl.LoadMirror(ctx, seller)
	require.NoError(t, err)

	r := New(st, st, tl)
	_, err = r.RecordUnit(ctx, seller, product(5), domain.DirectionReturn)
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, KindRemote, Classify(err))
	st.AssertNotCalled(t, "AppendSaleRecord", mock.Anything, mock.Anything)
}

func TestRecordUnitAtomicPath(t *testing.T) {
	ctx := context.Background()
	st := new(mockAtomicStore)
	tl := newTally()
	p := product(1)

	st.On("RecordWithStock", mock.Anything, mock.Anything, "p1", -1).Return(saleRecord("rec-1", 1), withStock(p, 0), nil).Once()

	r := New(st, st, tl)
	require.True(t, r.Atomic())
	outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.NoError(t, err)
	assert.True(t, outcome.Atomic)
	assert.Equal(t, 0, outcome.Product.StockQuantity)
	assert.Equal(t, 1, tl.Get(seller, "p1"))

	st.On("RecordWithStock", mock.Anything, mock.Anything, "p1", -1).Return(nil, nil, store.ErrInsufficientStock).Once()
	_, err = r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, 1, tl.Get(seller, "p1"))

	st.AssertNotCalled(t, "AppendSaleRecord", mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "AdjustStock", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordUnitAtomicPassesNotFoundThrough(t *testing.T) {
	st := new(mockAtomicStore)
	st.On("RecordWithStock", mock.Anything, mock.Anything, "p1", -1).Return(nil, nil, store.ErrNotFound).Once()

	r := New(st, st, newTally())
	_, err := r.RecordUnit(context.Background(), seller, product(3), domain.DirectionSale)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
}

func TestRecordUnitRebuildAfterAppendIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	ledger := []domain.SaleRecord{*saleRecord("rec-1", 1)}

	t.Run("two-step", func(t *testing.T) {
		st := new(mockStore)
		tl := newTally()
		p := product(5)

		st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
		st.On("AdjustStock", mock.Anything, "p1", 4).Run(func(mock.Arguments) {
			tl.RebuildFrom(ctx, seller, ledger)
		}).Return(withStock(p, 4), nil).Once()
		st.On("ListSaleRecords", mock.Anything, domain.RecordFilter{SellerID: seller}).Return(ledger, nil).Once()

		r := New(st, st, tl)
		outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.NetUnits)
		assert.Equal(t, 1, tl.Get(seller, "p1"))
		st.AssertExpectations(t)
	})

	t.Run("atomic", func(t *testing.T) {
		st := new(mockAtomicStore)
		tl := newTally()
		p := product(5)

		st.On("RecordWithStock", mock.Anything, mock.Anything, "p1", -1).Run(func(mock.Arguments) {
			tl.RebuildFrom(ctx, seller, ledger)
		}).Return(saleRecord("rec-1", 1), withStock(p, 4), nil).Once()
		st.On("ListSaleRecords", mock.Anything, domain.RecordFilter{SellerID: seller}).Return(ledger, nil).Once()

		r := New(st, st, tl)
		outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
		require.NoError(t, err)
		assert.True(t, outcome.Atomic)
		assert.Equal(t, 1, outcome.NetUnits)
		assert.Equal(t, 1, tl.Get(seller, "p1"))
		st.AssertExpectations(t)
	})
}

func TestRecordUnitRebuildBeforeAppendIsNotLost(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	// the rebuild listed the ledger before the append landed
	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		tl.RebuildFrom(ctx, seller, nil)
	}).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(withStock(p, 4), nil).Once()
	st.On("ListSaleRecords", mock.Anything, domain.RecordFilter{SellerID: seller}).
		Return([]domain.SaleRecord{*saleRecord("rec-1", 1)}, nil).Once()

	r := New(st, st, tl)
	outcome, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.NetUnits)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
}

func TestRecordUnitInvalidatesTallyWhenReloadFails(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Run(func(mock.Arguments) {
		tl.RebuildFrom(ctx, seller, []domain.SaleRecord{*saleRecord("rec-1", 1)})
	}).Return(withStock(p, 4), nil).Once()
	st.On("ListSaleRecords", mock.Anything, mock.Anything).Return(nil, errors.New("ledger read timeout")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.NoError(t, err)
	assert.True(t, tl.NeedsRebuild(seller))
	assert.Equal(t, PhaseIdle, r.Phase(seller, "p1"))
}

func TestRetryPendingAfterRebuildBeforeAppendCountsOnce(t *testing.T) {
	ctx := context.Background()
	st := new(mockStore)
	tl := newTally()
	p := product(5)

	st.On("AppendSaleRecord", mock.Anything, mock.Anything).Return(saleRecord("rec-1", 1), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Run(func(mock.Arguments) {
		// reload whose listing predates the append
		tl.RebuildFrom(ctx, seller, nil)
	}).Return(nil, errors.New("timeout")).Once()

	r := New(st, st, tl)
	_, err := r.RecordUnit(ctx, seller, p, domain.DirectionSale)
	require.Error(t, err)

	st.On("GetProduct", mock.Anything, "p1").Return(withStock(p, 5), nil).Once()
	st.On("AdjustStock", mock.Anything, "p1", 4).Return(withStock(p, 4), nil).Once()
	st.On("ListSaleRecords", mock.Anything, domain.RecordFilter{SellerID: seller}).
		Return([]domain.SaleRecord{*saleRecord("rec-1", 1)}, nil).Once()

	resolved, _ := r.RetryPending(ctx)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, tl.Get(seller, "p1"))
}

func TestWithoutAtomicForcesTwoStep(t *testing.T) {
	st := new(mockAtomicStore)
	r := New(st, st, newTally(), WithoutAtomic())
	assert.False(t, r.Atomic())
}

func TestClassify(t *testing.T) {
	partial := &PartialFailureError{Err: ErrStockUpdateFailed}

	assert.Equal(t, KindNone, Classify(nil))
	assert.Equal(t, KindValidation, Classify(ErrOutOfStock))
	assert.Equal(t, KindValidation, Classify(ErrInFlight))
	assert.Equal(t, KindRemote, Classify(ErrLedgerUnavailable))
	assert.Equal(t, KindPartial, Classify(partial))
	assert.Equal(t, KindUnknown, Classify(errors.New("boom")))
}
