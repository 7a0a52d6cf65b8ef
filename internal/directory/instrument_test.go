package directory

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeStore struct {
	expiresAt time.Time
	ok        bool
	err       error
}

func (f *fakeStore) Allocate(ctx context.Context, id string) (time.Time, bool, error) {
	return f.expiresAt, f.ok, f.err
}

func (f *fakeStore) Renew(ctx context.Context, id string) (time.Time, bool, error) {
	return f.expiresAt, f.ok, f.err
}

type recordedCall struct {
	seconds float64
	ok      bool
	err     error
}

type fakeRecorder struct {
	allocate []recordedCall
	renew    []recordedCall
}

func (r *fakeRecorder) DirectoryAllocate(seconds float64, ok bool, err error) {
	r.allocate = append(r.allocate, recordedCall{seconds, ok, err})
}

func (r *fakeRecorder) DirectoryRenew(seconds float64, ok bool, err error) {
	r.renew = append(r.renew, recordedCall{seconds, ok, err})
}

func TestInstrumentRecordsAllocateOutcome(t *testing.T) {
	rec := &fakeRecorder{}
	inner := &fakeStore{ok: true}
	store := Instrument(inner, rec)

	expiresAt, allocated, err := store.Allocate(context.Background(), "abc12345")
	if err != nil || !allocated {
		t.Fatalf("Allocate: got (%v, %v, %v)", expiresAt, allocated, err)
	}
	if len(rec.allocate) != 1 || !rec.allocate[0].ok || rec.allocate[0].err != nil {
		t.Fatalf("recorder state: %+v", rec.allocate)
	}
}

func TestInstrumentRecordsRenewError(t *testing.T) {
	rec := &fakeRecorder{}
	fakeErr := errors.New("transport down")
	inner := &fakeStore{err: fakeErr}
	store := Instrument(inner, rec)

	_, renewed, err := store.Renew(context.Background(), "abc12345")
	if renewed || err != fakeErr {
		t.Fatalf("Renew: got (%v, %v)", renewed, err)
	}
	if len(rec.renew) != 1 || rec.renew[0].err != fakeErr {
		t.Fatalf("recorder state: %+v", rec.renew)
	}
}
