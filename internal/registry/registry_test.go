package registry

import (
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

// fakeSession builds a *session.Session without a running connection, good
// enough to use as a distinct map value for identity comparisons.
func fakeSession(t *testing.T) *session.Session {
	t.Helper()
	a, _ := net.Pipe()
	return session.New(wire.NewFramed(a, wire.ControlMaxFrameLen), nil, zerolog.Nop())
}

func TestInsertGetRemove(t *testing.T) {
	r := New()
	s := fakeSession(t)

	if got := r.Get("AB23CD45"); got != nil {
		t.Fatalf("Get before Insert: got %v, want nil", got)
	}

	r.Insert("AB23CD45", s)
	if got := r.Get("AB23CD45"); got != s {
		t.Fatalf("Get after Insert: got %v, want %v", got, s)
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len: got %d, want 1", got)
	}

	r.Remove("AB23CD45", s)
	if got := r.Get("AB23CD45"); got != nil {
		t.Fatalf("Get after Remove: got %v, want nil", got)
	}
	if got := r.Len(); got != 0 {
		t.Fatalf("Len after Remove: got %d, want 0", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	s := fakeSession(t)
	r.Insert("AB23CD45", s)

	r.Remove("AB23CD45", s)
	r.Remove("AB23CD45", s)

	if got := r.Get("AB23CD45"); got != nil {
		t.Fatalf("Get after double Remove: got %v, want nil", got)
	}
}

func TestRemoveDoesNotEvictNewerSession(t *testing.T) {
	r := New()
	old := fakeSession(t)
	replacement := fakeSession(t)

	r.Insert("AB23CD45", old)
	r.Insert("AB23CD45", replacement)

	// A stale removal referencing the old session must not evict the
	// session that replaced it.
	r.Remove("AB23CD45", old)

	if got := r.Get("AB23CD45"); got != replacement {
		t.Fatalf("Get after stale Remove: got %v, want %v", got, replacement)
	}
}
