// Package dispatch routes decoded requests to their handler and forwards
// opaque ClientToClient packets to their target session, implementing
// session.Dispatcher.
package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/handler"
	"github.com/mirrorx-relay/relayd/internal/registry"
	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

// Dispatcher implements session.Dispatcher by routing each request message
// type to its handler. Offer and offer-auth requests require the session to
// be Registered; an anonymous session sending one gets Internal, matching
// the session state machine in the spec (4.E). Heartbeat and registration
// requests are served whether or not the session is registered, and any
// other request message gets InvalidArguments.
type Dispatcher struct {
	Handlers *handler.Handlers
	Registry *registry.Registry
	Log      zerolog.Logger
}

// New builds a Dispatcher.
func New(h *handler.Handlers, reg *registry.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{Handlers: h, Registry: reg, Log: log}
}

// HandleRequest implements session.Dispatcher.
func (d *Dispatcher) HandleRequest(ctx context.Context, s *session.Session, req wire.Message) (wire.Message, *wire.Error) {
	switch m := req.(type) {
	case *wire.HeartBeatRequest:
		return d.Handlers.HeartBeat(ctx, s, m)
	case *wire.RegisterDeviceIDRequest:
		return d.Handlers.RegisterDeviceID(ctx, s, m)
	case *wire.DesktopConnectOfferRequest:
		if !s.Registered() {
			return nil, wire.NewError(wire.ErrInternal)
		}
		return d.Handlers.DesktopConnectOffer(ctx, s, m)
	case *wire.DesktopConnectOfferAuthRequest:
		if !s.Registered() {
			return nil, wire.NewError(wire.ErrInternal)
		}
		return d.Handlers.DesktopConnectOfferAuth(ctx, s, m)
	default:
		// Anything else (ask-side requests, handshake messages) only ever
		// arrives as a Reply correlated by call_id, never as a fresh
		// Request from a client; receiving one here is a protocol misuse.
		d.Log.Warn().Str("tag", req.MessageTag().String()).Msg("dispatch: unexpected request message")
		return nil, wire.NewError(wire.ErrInvalidArguments)
	}
}

// HandleClientToClient implements session.Dispatcher: it forwards p
// verbatim to the session registered for p.ToDeviceID, or drops it with a
// warning if no such session is registered.
func (d *Dispatcher) HandleClientToClient(s *session.Session, p wire.Packet) {
	target := d.Registry.Get(p.ToDeviceID)
	if target == nil {
		d.Log.Warn().
			Str("from", p.FromDeviceID).
			Str("to", p.ToDeviceID).
			Msg("dispatch: dropping client_to_client packet for unknown target")
		return
	}
	if err := target.DeliverClientToClient(p); err != nil {
		d.Log.Debug().Err(err).Str("to", p.ToDeviceID).Msg("dispatch: failed to forward client_to_client packet")
	}
}
