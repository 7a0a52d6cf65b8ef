package directory

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements [Store] against an etcd cluster. A directory entry is
// a lease-bound empty key: allocation grants a fresh 90-day lease and
// creates the key only if its create revision is zero (NX); renewal grants
// a fresh lease and overwrites the key only if it already exists (XX),
// revoking the entry's previous lease afterwards so it doesn't linger.
type EtcdStore struct {
	Client *clientv3.Client
}

// NewEtcdStore dials endpoints, failing fast if dialTimeout elapses before a
// usable connection is established.
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, &ErrUnavailable{Op: "dial", Err: err}
	}
	return &EtcdStore{Client: cli}, nil
}

// Close releases the underlying etcd client connection.
func (s *EtcdStore) Close() error {
	return s.Client.Close()
}

func (s *EtcdStore) Allocate(ctx context.Context, id string) (time.Time, bool, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	key := Key(id)

	lease, err := s.Client.Grant(ctx, int64(TTL/time.Second))
	if err != nil {
		return time.Time{}, false, &ErrUnavailable{Op: "allocate: grant lease", Err: err}
	}

	resp, err := s.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		s.revokeBestEffort(lease.ID)
		return time.Time{}, false, &ErrUnavailable{Op: "allocate: txn", Err: err}
	}
	if !resp.Succeeded {
		s.revokeBestEffort(lease.ID)
		return time.Time{}, false, nil
	}
	return time.Now().Add(TTL), true, nil
}

func (s *EtcdStore) Renew(ctx context.Context, id string) (time.Time, bool, error) {
	ctx, cancel := WithDeadline(ctx)
	defer cancel()

	key := Key(id)

	get, err := s.Client.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, &ErrUnavailable{Op: "renew: get", Err: err}
	}
	var oldLease clientv3.LeaseID
	if len(get.Kvs) == 0 {
		return time.Time{}, false, nil
	}
	oldLease = clientv3.LeaseID(get.Kvs[0].Lease)

	lease, err := s.Client.Grant(ctx, int64(TTL/time.Second))
	if err != nil {
		return time.Time{}, false, &ErrUnavailable{Op: "renew: grant lease", Err: err}
	}

	resp, err := s.Client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "!=", 0)).
		Then(clientv3.OpPut(key, "", clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		s.revokeBestEffort(lease.ID)
		return time.Time{}, false, &ErrUnavailable{Op: "renew: txn", Err: err}
	}
	if !resp.Succeeded {
		// The key was removed between Get and Txn (e.g. its lease expired
		// concurrently); treat as "not found", matching Allocate's
		// happens-before-NX-store-write uniqueness discipline.
		s.revokeBestEffort(lease.ID)
		return time.Time{}, false, nil
	}

	if oldLease != 0 && oldLease != lease.ID {
		s.revokeBestEffort(oldLease)
	}
	return time.Now().Add(TTL), true, nil
}

// revokeBestEffort discards a lease outside the caller's deadline; a failed
// revoke just means the lease expires on its own schedule instead.
func (s *EtcdStore) revokeBestEffort(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), Deadline)
	defer cancel()
	_, _ = s.Client.Revoke(ctx, id)
}
