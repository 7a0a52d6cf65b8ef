package handler

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	vmetrics "github.com/VictoriaMetrics/metrics"

	"github.com/mirrorx-relay/relayd/internal/directory"
	"github.com/mirrorx-relay/relayd/internal/metrics"
	"github.com/mirrorx-relay/relayd/internal/registry"
	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

func newHandlers(store directory.Store) (*Handlers, *registry.Registry) {
	reg := registry.New()
	return &Handlers{Directory: store, Registry: reg, Log: zerolog.Nop()}, reg
}

// newRunningSession wires a Session to one end of a net.Pipe, running it in
// the background, and returns the raw peer end for scripting replies.
func newRunningSession(t *testing.T) (*session.Session, *wire.Framed, func()) {
	t.Helper()
	a, b := net.Pipe()
	s := session.New(wire.NewFramed(a, wire.ControlMaxFrameLen), nil, zerolog.Nop())
	peer := wire.NewFramed(b, wire.ControlMaxFrameLen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return s, peer, func() {
		cancel()
		s.Shutdown()
		_ = peer.Close()
		<-done
	}
}

func TestHeartBeatReplies(t *testing.T) {
	h, _ := newHandlers(directory.NewMemStore())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	reply, err := h.HeartBeat(context.Background(), s, &wire.HeartBeatRequest{Ts: 1})
	if err != nil {
		t.Fatalf("HeartBeat: %v", err)
	}
	hb, ok := reply.(*wire.HeartBeatReply)
	if !ok || hb.Ts == 0 {
		t.Fatalf("got reply %#v", reply)
	}
}

func TestRegisterDeviceIDAllocatesAndPublishes(t *testing.T) {
	h, reg := newHandlers(directory.NewMemStore())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	reply, err := h.RegisterDeviceID(context.Background(), s, &wire.RegisterDeviceIDRequest{HasDeviceID: false})
	if err != nil {
		t.Fatalf("RegisterDeviceID: %v", err)
	}
	rep, ok := reply.(*wire.RegisterDeviceIDReply)
	if !ok {
		t.Fatalf("got reply %#v", reply)
	}
	if len(rep.DeviceID) != 8 {
		t.Fatalf("got device id %q, want length 8", rep.DeviceID)
	}
	if got := reg.Get(rep.DeviceID); got != s {
		t.Fatalf("registry.Get(%q): got %v, want %v", rep.DeviceID, got, s)
	}
	if s.DeviceID() != rep.DeviceID {
		t.Fatalf("session DeviceID: got %q, want %q", s.DeviceID(), rep.DeviceID)
	}
}

func TestRegisterDeviceIDRepeatedRequest(t *testing.T) {
	h, _ := newHandlers(directory.NewMemStore())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	if _, err := h.RegisterDeviceID(context.Background(), s, &wire.RegisterDeviceIDRequest{HasDeviceID: false}); err != nil {
		t.Fatalf("first RegisterDeviceID: %v", err)
	}

	_, err := h.RegisterDeviceID(context.Background(), s, &wire.RegisterDeviceIDRequest{HasDeviceID: false})
	if err == nil || err.Tag != wire.ErrRepeatedRequest {
		t.Fatalf("second RegisterDeviceID: got %v, want RepeatedRequest", err)
	}
}

func TestRegisterDeviceIDRenewsExisting(t *testing.T) {
	store := directory.NewMemStore()
	h, reg := newHandlers(store)
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	if _, _, err := store.Allocate(context.Background(), "AB23CD45"); err != nil {
		t.Fatalf("seed Allocate: %v", err)
	}

	reply, err := h.RegisterDeviceID(context.Background(), s, &wire.RegisterDeviceIDRequest{HasDeviceID: true, DeviceID: "AB23CD45"})
	if err != nil {
		t.Fatalf("RegisterDeviceID: %v", err)
	}
	rep := reply.(*wire.RegisterDeviceIDReply)
	if rep.DeviceID != "AB23CD45" {
		t.Fatalf("got device id %q, want renewal of AB23CD45", rep.DeviceID)
	}
	if got := reg.Get("AB23CD45"); got != s {
		t.Fatalf("registry.Get: got %v, want %v", got, s)
	}
}

func TestRegisterDeviceIDRenewNotFoundFallsBackToAllocate(t *testing.T) {
	h, _ := newHandlers(directory.NewMemStore())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	reply, err := h.RegisterDeviceID(context.Background(), s, &wire.RegisterDeviceIDRequest{HasDeviceID: true, DeviceID: "ZZZZZZZZ"})
	if err != nil {
		t.Fatalf("RegisterDeviceID: %v", err)
	}
	rep := reply.(*wire.RegisterDeviceIDReply)
	if rep.DeviceID == "" {
		t.Fatalf("got empty device id after renew-miss fallback")
	}
}

func TestHandlersRecordMetricsWhenWired(t *testing.T) {
	h, _ := newHandlers(directory.NewMemStore())
	h.Metrics = metrics.New(vmetrics.NewSet())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	if _, err := h.HeartBeat(context.Background(), s, &wire.HeartBeatRequest{Ts: 1}); err != nil {
		t.Fatalf("HeartBeat: %v", err)
	}
	if _, err := h.DesktopConnectOffer(context.Background(), s, &wire.DesktopConnectOfferRequest{Offer: "A1", Ask: "ZZZZZZZZ"}); err == nil {
		t.Fatal("expected offline-peer error")
	}

	var b strings.Builder
	h.Metrics.Set().WritePrometheus(&b)
	out := b.String()
	if !strings.Contains(out, `relayd_handler_requests_total{handler="heartbeat",result="success"}`) {
		t.Fatalf("missing heartbeat success series: %s", out)
	}
	if !strings.Contains(out, `relayd_handler_requests_total{handler="desktop_connect_offer",result="error",code="RemoteClientOfflineOrNotExist"}`) {
		t.Fatalf("missing offer error series: %s", out)
	}
}

func TestDesktopConnectOfferToOfflinePeer(t *testing.T) {
	h, _ := newHandlers(directory.NewMemStore())
	s, _, cleanup := newRunningSession(t)
	defer cleanup()

	_, err := h.DesktopConnectOffer(context.Background(), s, &wire.DesktopConnectOfferRequest{Offer: "A1", Ask: "ZZZZZZZZ"})
	if err == nil || err.Tag != wire.ErrRemoteClientOfflineOrNotExist {
		t.Fatalf("got %v, want RemoteClientOfflineOrNotExist", err)
	}
}

func TestDesktopConnectOfferProxiesToOnlinePeer(t *testing.T) {
	h, reg := newHandlers(directory.NewMemStore())
	offerer, _, cleanupOfferer := newRunningSession(t)
	defer cleanupOfferer()
	asker, askerPeer, cleanupAsker := newRunningSession(t)
	defer cleanupAsker()

	reg.Insert("B2", asker)

	done := make(chan struct {
		msg wire.Message
		err *wire.Error
	}, 1)
	go func() {
		msg, err := h.DesktopConnectOffer(context.Background(), offerer, &wire.DesktopConnectOfferRequest{Offer: "A1", Ask: "B2"})
		done <- struct {
			msg wire.Message
			err *wire.Error
		}{msg, err}
	}()

	raw, err := askerPeer.ReadFrame()
	if err != nil {
		t.Fatalf("askerPeer ReadFrame: %v", err)
	}
	p, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	askReq, ok := p.Request.(*wire.DesktopConnectAskRequest)
	if !ok || askReq.Offer != "A1" {
		t.Fatalf("got request %#v, want DesktopConnectAskRequest{Offer: A1}", p.Request)
	}

	reply := wire.Encode(wire.NewReplyPacket(p.CallID, wire.NewDesktopConnectAskReply(true, []byte{0x01}, []byte{0x01, 0x00, 0x01})))
	if err := askerPeer.WriteFrame(reply); err != nil {
		t.Fatalf("askerPeer WriteFrame: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("DesktopConnectOffer: %v", r.err)
		}
		offerReply, ok := r.msg.(*wire.DesktopConnectOfferReply)
		if !ok || !offerReply.Agree {
			t.Fatalf("got reply %#v, want agree=true", r.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DesktopConnectOffer did not resolve")
	}
}
