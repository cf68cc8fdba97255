// Package tally keeps the per-seller, per-product count of net units sold.
//
// The tally is derived state: for every (seller, product) pair it must equal
// the signed sum of line-item quantities in the ledger. It is rebuilt from
// the ledger when a seller's session starts and then moved by exactly one
// unit per completed sale or return.
//
// Staleness rule: a seller's entries are rebuilt when they were never
// loaded, when they are older than the configured max age, when they were
// seeded from the mirror instead of the ledger, or after Invalidate.
package tally

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vendorsales/backend/internal/cache"
	"vendorsales/backend/internal/domain"
	"vendorsales/backend/internal/logger"
)

// ErrUnsettled is returned by Reload when units kept landing while the ledger
// was being listed.
var ErrUnsettled = errors.New("tally changed during reload")

const reloadAttempts = 3

type Key struct {
	SellerID  string
	ProductID string
}

type session struct {
	loadedAt   time.Time
	stale      bool
	generation uint64
}

type Tally struct {
	mu       sync.RWMutex
	counts   map[string]map[string]int
	sessions map[string]session
	mirror   cache.TallyMirror
	maxAge   time.Duration
	now      func() time.Time
	gen      uint64
	// applies counts Apply calls per seller; it survives Invalidate.
	applies  map[string]uint64
}

// Snapshot is a copy of one seller's tally.
type Snapshot struct {
	SellerID string
	Stale    bool
	LoadedAt time.Time
	Counts   map[string]int
}

func New(mirror cache.TallyMirror, maxAge time.Duration) *Tally {
	if mirror == nil {
		mirror = cache.NoopTallyMirror{}
	}
	return &Tally{
		counts:   make(map[string]map[string]int),
		sessions: make(map[string]session),
		applies:  make(map[string]uint64),
		mirror:   mirror,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Sum derives net units per (seller, product) from records. Repeated line
// items for the same product inside one record add up.
func Sum(records []domain.SaleRecord) map[Key]int {
	result := make(map[Key]int)
	for _, record := range records {
		for _, item := range record.Items {
			result[Key{SellerID: record.SellerID, ProductID: item.ProductID}] += item.Quantity
		}
	}
	return result
}

// RebuildFrom replaces sellerID's entries with the sums over records.
// Records belonging to other sellers are ignored.
func (t *Tally) RebuildFrom(ctx context.Context, sellerID string, records []domain.SaleRecord) {
	counts := sellerCounts(sellerID, records)

	t.mu.Lock()
	t.installLocked(sellerID, counts)
	t.mu.Unlock()

	t.replaceMirror(ctx, sellerID, counts)
}

// Reload rebuilds sellerID's entries from a fresh ledger listing. A listing
// is discarded when a unit was applied while it ran, since the listing may or
// may not hold that unit's record; Reload then lists again.
func (t *Tally) Reload(ctx context.Context, sellerID string, list func(context.Context) ([]domain.SaleRecord, error)) error {
	for attempt := 0; attempt < reloadAttempts; attempt++ {
		t.mu.RLock()
		mark := t.applies[sellerID]
		t.mu.RUnlock()

		records, err := list(ctx)
		if err != nil {
			return err
		}
		counts := sellerCounts(sellerID, records)

		t.mu.Lock()
		if t.applies[sellerID] != mark {
			t.mu.Unlock()
			continue
		}
		t.installLocked(sellerID, counts)
		t.mu.Unlock()

		t.replaceMirror(ctx, sellerID, counts)
		return nil
	}
	return fmt.Errorf("%w: seller %s", ErrUnsettled, sellerID)
}

func sellerCounts(sellerID string, records []domain.SaleRecord) map[string]int {
	counts := make(map[string]int)
	for key, units := range Sum(records) {
		if key.SellerID != sellerID {
			continue
		}
		counts[key.ProductID] = units
	}
	return counts
}

func (t *Tally) installLocked(sellerID string, counts map[string]int) {
	t.counts[sellerID] = counts
	t.gen++
	t.sessions[sellerID] = session{loadedAt: t.now(), generation: t.gen}
}

func (t *Tally) replaceMirror(ctx context.Context, sellerID string, counts map[string]int) {
	if err := t.mirror.Replace(ctx, sellerID, copyCounts(counts)); err != nil {
		logger.Warn(ctx, "tally mirror replace failed", "seller_id", sellerID, "error", err)
	}
}

// LoadMirror seeds sellerID's entries from the durable mirror and marks them
// stale. It reports whether the mirror had anything for the seller.
func (t *Tally) LoadMirror(ctx context.Context, sellerID string) (bool, error) {
	counts, ok, err := t.mirror.Load(ctx, sellerID)
	if err != nil || !ok {
		return false, err
	}

	t.mu.Lock()
	t.counts[sellerID] = copyCounts(counts)
	t.gen++
	t.sessions[sellerID] = session{loadedAt: t.now(), stale: true, generation: t.gen}
	t.mu.Unlock()
	return true, nil
}

// NeedsRebuild applies the staleness rule for sellerID.
func (t *Tally) NeedsRebuild(sellerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[sellerID]
	if !ok || s.stale {
		return true
	}
	return t.maxAge > 0 && t.now().Sub(s.loadedAt) > t.maxAge
}

func (t *Tally) IsStale(sellerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[sellerID].stale
}

// Generation changes every time sellerID's entries are reloaded. It is zero
// for a seller that was never loaded.
func (t *Tally) Generation(sellerID string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[sellerID].generation
}

func (t *Tally) Get(sellerID string, productID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[sellerID][productID]
}

// Apply moves one entry by delta and returns the new value.
func (t *Tally) Apply(ctx context.Context, sellerID string, productID string, delta int) int {
	t.mu.Lock()
	units := t.applyLocked(sellerID, productID, delta)
	t.mu.Unlock()

	t.incrementMirror(ctx, sellerID, productID, delta)
	return units
}

// ApplyAt moves one entry by delta only while sellerID's generation is still
// gen. It reports false, leaving the tally untouched, once a reload happened.
func (t *Tally) ApplyAt(ctx context.Context, sellerID string, productID string, delta int, gen uint64) (int, bool) {
	t.mu.Lock()
	if t.sessions[sellerID].generation != gen {
		t.mu.Unlock()
		return 0, false
	}
	units := t.applyLocked(sellerID, productID, delta)
	t.mu.Unlock()

	t.incrementMirror(ctx, sellerID, productID, delta)
	return units, true
}

func (t *Tally) applyLocked(sellerID string, productID string, delta int) int {
	counts, ok := t.counts[sellerID]
	if !ok {
		counts = make(map[string]int)
		t.counts[sellerID] = counts
	}
	counts[productID] += delta
	t.applies[sellerID]++
	return counts[productID]
}

func (t *Tally) incrementMirror(ctx context.Context, sellerID string, productID string, delta int) {
	if err := t.mirror.Increment(ctx, sellerID, productID, delta); err != nil {
		logger.Warn(ctx, "tally mirror increment failed", "seller_id", sellerID, "product_id", productID, "error", err)
	}
}

// Invalidate drops sellerID's entries and mirror copy.
func (t *Tally) Invalidate(ctx context.Context, sellerID string) {
	t.mu.Lock()
	delete(t.counts, sellerID)
	delete(t.sessions, sellerID)
	t.mu.Unlock()

	if err := t.mirror.Delete(ctx, sellerID); err != nil {
		logger.Warn(ctx, "tally mirror delete failed", "seller_id", sellerID, "error", err)
	}
}

func (t *Tally) Snapshot(sellerID string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.sessions[sellerID]
	return Snapshot{
		SellerID: sellerID,
		Stale:    s.stale,
		LoadedAt: s.loadedAt,
		Counts:   copyCounts(t.counts[sellerID]),
	}
}

// Entries returns the snapshot as product-sorted entries.
func (s Snapshot) Entries() []domain.TallyEntry {
	entries := make([]domain.TallyEntry, 0, len(s.Counts))
	for productID, units := range s.Counts {
		entries = append(entries, domain.TallyEntry{ProductID: productID, NetUnits: units})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ProductID < entries[j].ProductID
	})
	return entries
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
