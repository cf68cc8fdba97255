package cache

import (
	"context"
)

// TallyMirror keeps a durable copy of each seller's net-units tally so a
// session can still render counters when the ledger cannot be listed.
// The ledger remains authoritative; the mirror is overwritten on every rebuild.
type TallyMirror interface {
	Replace(ctx context.Context, sellerID string, counts map[string]int) error
	Increment(ctx context.Context, sellerID string, productID string, delta int) error
	Load(ctx context.Context, sellerID string) (map[string]int, bool, error)
	Delete(ctx context.Context, sellerID string) error
}

type NoopTallyMirror struct{}

func (NoopTallyMirror) Replace(_ context.Context, _ string, _ map[string]int) error {
	return nil
}

func (NoopTallyMirror) Increment(_ context.Context, _ string, _ string, _ int) error {
	return nil
}

func (NoopTallyMirror) Load(_ context.Context, _ string) (map[string]int, bool, error) {
	return nil, false, nil
}

func (NoopTallyMirror) Delete(_ context.Context, _ string) error {
	return nil
}
