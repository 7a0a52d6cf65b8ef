package directory

import (
	"context"
	"time"
)

// Recorder receives outcome and latency observations for Store operations.
// internal/metrics.Metrics satisfies this.
type Recorder interface {
	DirectoryAllocate(seconds float64, ok bool, err error)
	DirectoryRenew(seconds float64, ok bool, err error)
}

// Instrument wraps store so every Allocate/Renew call reports its outcome
// and latency to rec, without either Store implementation needing to know
// about metrics.
func Instrument(store Store, rec Recorder) Store {
	return &instrumentedStore{store: store, rec: rec}
}

type instrumentedStore struct {
	store Store
	rec   Recorder
}

func (s *instrumentedStore) Allocate(ctx context.Context, id string) (time.Time, bool, error) {
	start := time.Now()
	expiresAt, allocated, err := s.store.Allocate(ctx, id)
	s.rec.DirectoryAllocate(time.Since(start).Seconds(), allocated, err)
	return expiresAt, allocated, err
}

func (s *instrumentedStore) Renew(ctx context.Context, id string) (time.Time, bool, error) {
	start := time.Now()
	expiresAt, renewed, err := s.store.Renew(ctx, id)
	s.rec.DirectoryRenew(time.Since(start).Seconds(), renewed, err)
	return expiresAt, renewed, err
}
