package dispatch

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/directory"
	"github.com/mirrorx-relay/relayd/internal/handler"
	"github.com/mirrorx-relay/relayd/internal/registry"
	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

func newTestSession() (*session.Session, *wire.Framed) {
	a, b := net.Pipe()
	s := session.New(wire.NewFramed(a, wire.ControlMaxFrameLen), nil, zerolog.Nop())
	go s.Run(context.Background())
	return s, wire.NewFramed(b, wire.ControlMaxFrameLen)
}

func newDispatcher() (*Dispatcher, *registry.Registry) {
	reg := registry.New()
	h := &handler.Handlers{Directory: directory.NewMemStore(), Registry: reg, Log: zerolog.Nop()}
	return New(h, reg, zerolog.Nop()), reg
}

func TestHandleRequestHeartBeat(t *testing.T) {
	d, _ := newDispatcher()
	s, _ := newTestSession()
	defer s.Shutdown()

	reply, err := d.HandleRequest(context.Background(), s, &wire.HeartBeatRequest{Ts: 5})
	if err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if _, ok := reply.(*wire.HeartBeatReply); !ok {
		t.Fatalf("got %#v, want HeartBeatReply", reply)
	}
}

func TestHandleRequestOfferRequiresRegistration(t *testing.T) {
	d, _ := newDispatcher()
	s, _ := newTestSession()
	defer s.Shutdown()

	_, err := d.HandleRequest(context.Background(), s, &wire.DesktopConnectOfferRequest{Offer: "A1", Ask: "B2"})
	if err == nil || err.Tag != wire.ErrInternal {
		t.Fatalf("got %v, want Internal for anonymous offer", err)
	}
}

func TestHandleRequestUnexpectedMessage(t *testing.T) {
	d, _ := newDispatcher()
	s, _ := newTestSession()
	defer s.Shutdown()

	_, err := d.HandleRequest(context.Background(), s, &wire.DesktopConnectAskRequest{Offer: "A1"})
	if err == nil || err.Tag != wire.ErrInvalidArguments {
		t.Fatalf("got %v, want InvalidArguments", err)
	}
}

func TestHandleClientToClientForwardsToTarget(t *testing.T) {
	d, reg := newDispatcher()
	from, _ := newTestSession()
	defer from.Shutdown()
	to, toPeer := newTestSession()
	defer to.Shutdown()

	reg.Insert("BBBBBBBB", to)

	p := wire.NewClientToClientPacket(0, "AAAAAAAA", "BBBBBBBB", true, []byte{1, 2, 3})
	d.HandleClientToClient(from, p)

	raw, err := toPeer.ReadFrame()
	if err != nil {
		t.Fatalf("toPeer ReadFrame: %v", err)
	}
	got, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Kind != wire.KindClientToClient || got.FromDeviceID != "AAAAAAAA" || got.ToDeviceID != "BBBBBBBB" {
		t.Fatalf("got %#v", got)
	}
}

func TestHandleClientToClientDropsUnknownTarget(t *testing.T) {
	d, _ := newDispatcher()
	from, _ := newTestSession()
	defer from.Shutdown()

	// Should not panic or block; there's nothing to assert on besides
	// completion, since the contract is "drop with a warning log".
	d.HandleClientToClient(from, wire.NewClientToClientPacket(0, "AAAAAAAA", "ZZZZZZZZ", false, nil))
}
