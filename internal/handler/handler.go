// Package handler implements the pure business logic reachable from the
// dispatcher: heartbeat, device registration, and offer/ask(+auth)
// proxying.
package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/deviceid"
	"github.com/mirrorx-relay/relayd/internal/directory"
	"github.com/mirrorx-relay/relayd/internal/metrics"
	"github.com/mirrorx-relay/relayd/internal/registry"
	"github.com/mirrorx-relay/relayd/internal/session"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

// maxAllocationFailures is the number of consecutive store errors (not
// NX collisions) tolerated before register_device_id gives up.
const maxAllocationFailures = 10

// proxyCallTimeout bounds every offer -> ask proxied call.
const proxyCallTimeout = 10 * time.Second

// Handlers groups the dependencies every handler needs: the directory
// store for allocation/renewal and the client registry for publishing and
// looking up sessions.
type Handlers struct {
	Directory directory.Store
	Registry  *registry.Registry
	Log       zerolog.Logger
	// Metrics records handler invocation outcomes and proxy timeouts. May
	// be nil, in which case instrumentation is skipped.
	Metrics *metrics.Metrics
}

// record reports a handler's outcome to h.Metrics, tolerating a nil
// Metrics for callers (mainly tests) that don't wire one up.
func (h *Handlers) record(handler string, werr *wire.Error) {
	if h.Metrics == nil {
		return
	}
	code := ""
	if werr != nil {
		code = werr.Tag.String()
	}
	h.Metrics.HandlerRequest(handler, code)
}

// HeartBeat replies with the server's current time.
func (h *Handlers) HeartBeat(ctx context.Context, s *session.Session, req *wire.HeartBeatRequest) (wire.Message, *wire.Error) {
	h.record("heartbeat", nil)
	return &wire.HeartBeatReply{Ts: time.Now().Unix()}, nil
}

// RegisterDeviceID renews the requested ID if one was supplied and the
// directory still holds it, otherwise allocates a fresh one, retrying
// collisions indefinitely and store errors up to maxAllocationFailures
// times. Either path publishes the session into the registry under its new
// ID before replying.
func (h *Handlers) RegisterDeviceID(ctx context.Context, s *session.Session, req *wire.RegisterDeviceIDRequest) (wire.Message, *wire.Error) {
	msg, werr := h.registerDeviceID(ctx, s, req)
	h.record("register_device_id", werr)
	return msg, werr
}

func (h *Handlers) registerDeviceID(ctx context.Context, s *session.Session, req *wire.RegisterDeviceIDRequest) (wire.Message, *wire.Error) {
	if req.HasDeviceID {
		expiresAt, renewed, err := h.Directory.Renew(ctx, req.DeviceID)
		if err != nil {
			h.Log.Error().Err(err).Str("device_id", req.DeviceID).Msg("handler: renew failed")
			return nil, wire.NewError(wire.ErrInternal)
		}
		if renewed {
			return h.publish(s, req.DeviceID, expiresAt)
		}
		// Not found: fall through to allocation, per the registration
		// algorithm.
	}

	failures := 0
	for {
		candidate, err := deviceid.New()
		if err != nil {
			h.Log.Error().Err(err).Msg("handler: device id generation failed")
			return nil, wire.NewError(wire.ErrInternal)
		}

		expiresAt, allocated, err := h.Directory.Allocate(ctx, string(candidate))
		switch {
		case err != nil:
			failures++
			if failures >= maxAllocationFailures {
				h.Log.Error().Err(err).Int("failures", failures).Msg("handler: allocation failed too many times")
				return nil, wire.NewError(wire.ErrInternal)
			}
			continue
		case !allocated:
			continue // collision: does not count toward failures
		default:
			return h.publish(s, string(candidate), expiresAt)
		}
	}
}

func (h *Handlers) publish(s *session.Session, deviceID string, expiresAt time.Time) (wire.Message, *wire.Error) {
	if !s.SetDeviceID(deviceID) {
		return nil, wire.NewError(wire.ErrRepeatedRequest)
	}
	h.Registry.Insert(deviceID, s)
	return &wire.RegisterDeviceIDReply{DeviceID: deviceID, ExpiresAt: expiresAt.Unix()}, nil
}

// DesktopConnectOffer proxies offer to ask's session as an ask request,
// unwrapping its typed reply back into the offer-side reply shape.
func (h *Handlers) DesktopConnectOffer(ctx context.Context, s *session.Session, req *wire.DesktopConnectOfferRequest) (wire.Message, *wire.Error) {
	const name = "desktop_connect_offer"

	askSession := h.Registry.Get(req.Ask)
	if askSession == nil {
		werr := wire.NewError(wire.ErrRemoteClientOfflineOrNotExist)
		h.record(name, werr)
		return nil, werr
	}

	reply, err := askSession.Call(ctx, &wire.DesktopConnectAskRequest{Offer: req.Offer}, proxyCallTimeout)
	if err != nil {
		werr := asWireError(err)
		h.recordProxyResult(name, werr)
		return nil, werr
	}
	askReply, ok := reply.(*wire.DesktopConnectAskReply)
	if !ok {
		werr := wire.NewError(wire.ErrMismatchedResponseMessage)
		h.record(name, werr)
		return nil, werr
	}
	h.record(name, nil)
	return wire.NewDesktopConnectOfferReply(askReply.Agree, askReply.N, askReply.E), nil
}

// DesktopConnectOfferAuth is the authenticated variant of
// DesktopConnectOffer, carrying a shared secret through to the ask side.
func (h *Handlers) DesktopConnectOfferAuth(ctx context.Context, s *session.Session, req *wire.DesktopConnectOfferAuthRequest) (wire.Message, *wire.Error) {
	const name = "desktop_connect_offer_auth"

	askSession := h.Registry.Get(req.Ask)
	if askSession == nil {
		werr := wire.NewError(wire.ErrRemoteClientOfflineOrNotExist)
		h.record(name, werr)
		return nil, werr
	}

	reply, err := askSession.Call(ctx, &wire.DesktopConnectAskAuthRequest{Offer: req.Offer, Secret: req.Secret}, proxyCallTimeout)
	if err != nil {
		werr := asWireError(err)
		h.recordProxyResult(name, werr)
		return nil, werr
	}
	askReply, ok := reply.(*wire.DesktopConnectAskAuthReply)
	if !ok {
		werr := wire.NewError(wire.ErrMismatchedResponseMessage)
		h.record(name, werr)
		return nil, werr
	}
	h.record(name, nil)
	return wire.NewDesktopConnectOfferAuthReply(askReply.Agree, askReply.N, askReply.E), nil
}

// recordProxyResult reports a proxied offer->ask call's outcome, plus a
// dedicated proxy-timeout counter when the ask side never replied in time.
func (h *Handlers) recordProxyResult(name string, werr *wire.Error) {
	h.record(name, werr)
	if h.Metrics != nil && werr != nil && werr.Tag == wire.ErrCallTimeout {
		h.Metrics.DispatchProxyTimeout(name)
	}
}

// asWireError normalizes an error from Session.Call (already a *wire.Error
// for timeouts/internal/peer-typed errors, but may be a context error) into
// a typed reply error.
func asWireError(err error) *wire.Error {
	if werr, ok := err.(*wire.Error); ok {
		return werr
	}
	return wire.NewError(wire.ErrInternal)
}
