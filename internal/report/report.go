// Package report turns ledger records into summary views. It holds no state
// beyond the time zone used to bucket records by calendar month.
package report

import (
	"sort"
	"time"

	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/pricing"
)

type Aggregator struct {
	loc *time.Location
}

func New(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	return &Aggregator{loc: loc}
}

// Location is the zone month and year are derived in.
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// MonthOf returns the calendar month and year of t in the aggregator's zone.
func (a *Aggregator) MonthOf(t time.Time) (int, int) {
	local := t.In(a.loc)
	return int(local.Month()), local.Year()
}

// MergeLineItems collapses lines sharing a product id, in order of first
// appearance. Quantities and subtotals add up. The first unit price seen is
// kept and PriceMismatch flags a line whose merged entries disagreed on it.
func MergeLineItems(items []domain.LineItem) []domain.MergedLine {
	merged := make([]domain.MergedLine, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		i, ok := index[item.ProductID]
		if !ok {
			index[item.ProductID] = len(merged)
			merged = append(merged, domain.MergedLine{
				ProductID:    item.ProductID,
				Quantity:     item.Quantity,
				UnitPrice:    item.UnitPrice,
				LineSubtotal: item.LineSubtotal,
			})
			continue
		}
		line := &merged[i]
		line.Quantity += item.Quantity
		line.LineSubtotal += item.LineSubtotal
		if pricing.Round(line.UnitPrice) != pricing.Round(item.UnitPrice) {
			line.PriceMismatch = true
		}
	}

	for i := range merged {
		merged[i].UnitPrice = pricing.Round(merged[i].UnitPrice)
		merged[i].LineSubtotal = pricing.Round(merged[i].LineSubtotal)
	}
	return merged
}

func View(record domain.SaleRecord) domain.RecordView {
	return domain.RecordView{
		ID:         record.ID,
		SellerID:   record.SellerID,
		Total:      pricing.Round(record.Total),
		Commission: pricing.Round(record.Commission),
		CreatedAt:  record.CreatedAt,
		Lines:      MergeLineItems(record.Items),
	}
}

// BySeller groups records per seller, sorted by summed total descending.
// Each seller's records are listed oldest first.
func (a *Aggregator) BySeller(records []domain.SaleRecord) []domain.SellerSummary {
	type group struct {
		total      float64
		commission float64
		records    []domain.SaleRecord
	}

	groups := make(map[string]*group)
	for _, record := range records {
		g, ok := groups[record.SellerID]
		if !ok {
			g = &group{}
			groups[record.SellerID] = g
		}
		g.total += record.Total
		g.commission += record.Commission
		g.records = append(g.records, record)
	}

	sellers := make([]string, 0, len(groups))
	for sellerID := range groups {
		sellers = append(sellers, sellerID)
	}
	sort.Slice(sellers, func(i, j int) bool {
		gi, gj := groups[sellers[i]], groups[sellers[j]]
		if gi.total != gj.total {
			return gi.total > gj.total
		}
		return sellers[i] < sellers[j]
	})

	result := make([]domain.SellerSummary, 0, len(sellers))
	for _, sellerID := range sellers {
		g := groups[sellerID]
		result = append(result, domain.SellerSummary{
			SellerID:   sellerID,
			Total:      pricing.Round(g.total),
			Commission: pricing.Round(g.commission),
			Count:      len(g.records),
			Records:    chronological(g.records),
		})
	}
	return result
}

// ByMonth buckets records by calendar month of their creation time, oldest
// month first. UnitsSold counts every unit moved, sales and returns alike.
func (a *Aggregator) ByMonth(records []domain.SaleRecord) []domain.MonthSummary {
	type bucketKey struct {
		year  int
		month int
	}
	type bucket struct {
		total      float64
		commission float64
		units      int
		records    []domain.SaleRecord
	}

	buckets := make(map[bucketKey]*bucket)
	for _, record := range records {
		month, year := a.MonthOf(record.CreatedAt)
		key := bucketKey{year: year, month: month}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.total += record.Total
		b.commission += record.Commission
		b.units += unitsMoved(record.Items)
		b.records = append(b.records, record)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].month < keys[j].month
	})

	result := make([]domain.MonthSummary, 0, len(keys))
	for _, key := range keys {
		b := buckets[key]
		result = append(result, domain.MonthSummary{
			Month:           key.month,
			Year:            key.year,
			TotalValue:      pricing.Round(b.total),
			TotalCommission: pricing.Round(b.commission),
			UnitsSold:       b.units,
			Records:         chronological(b.records),
		})
	}
	return result
}

// ByProduct sums line items per product, sorted by total descending.
func (a *Aggregator) ByProduct(records []domain.SaleRecord) []domain.ProductSummary {
	totals := make(map[string]*domain.ProductSummary)
	for _, record := range records {
		for _, item := range record.Items {
			s, ok := totals[item.ProductID]
			if !ok {
				s = &domain.ProductSummary{ProductID: item.ProductID}
				totals[item.ProductID] = s
			}
			s.NetUnits += item.Quantity
			s.UnitsMoved += abs(item.Quantity)
			s.Total += item.LineSubtotal
		}
	}

	result := make([]domain.ProductSummary, 0, len(totals))
	for _, s := range totals {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Total != result[j].Total {
			return result[i].Total > result[j].Total
		}
		return result[i].ProductID < result[j].ProductID
	})
	for i := range result {
		result[i].Commission = pricing.Round(pricing.Commission(result[i].Total))
		result[i].Total = pricing.Round(result[i].Total)
	}
	return result
}

// ClosedSales is the per-seller breakdown of one calendar month together
// with that month's bucket. A month without records yields zero totals.
func (a *Aggregator) ClosedSales(records []domain.SaleRecord, month int, year int) domain.ClosedSalesReport {
	inMonth := make([]domain.SaleRecord, 0, len(records))
	for _, record := range records {
		m, y := a.MonthOf(record.CreatedAt)
		if m == month && y == year {
			inMonth = append(inMonth, record)
		}
	}

	report := domain.ClosedSalesReport{
		Month:   month,
		Year:    year,
		Summary: domain.MonthSummary{Month: month, Year: year, Records: []domain.RecordView{}},
		Sellers: a.BySeller(inMonth),
	}
	if buckets := a.ByMonth(inMonth); len(buckets) == 1 {
		report.Summary = buckets[0]
	}
	return report
}

// Filter keeps records of sellerID (when set) created in month/year (when
// set), evaluated in the aggregator's zone.
func (a *Aggregator) Filter(records []domain.SaleRecord, filter domain.RecordFilter) []domain.SaleRecord {
	result := make([]domain.SaleRecord, 0, len(records))
	for _, record := range records {
		if filter.SellerID != "" && record.SellerID != filter.SellerID {
			continue
		}
		month, year := a.MonthOf(record.CreatedAt)
		if filter.Month != 0 && month != filter.Month {
			continue
		}
		if filter.Year != 0 && year != filter.Year {
			continue
		}
		result = append(result, record)
	}
	return result
}

func chronological(records []domain.SaleRecord) []domain.RecordView {
	sorted := make([]domain.SaleRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	views := make([]domain.RecordView, 0, len(sorted))
	for _, record := range sorted {
		views = append(views, View(record))
	}
	return views
}

func unitsMoved(items []domain.LineItem) int {
	units := 0
	for _, item := range items {
		units += abs(item.Quantity)
	}
	return units
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
