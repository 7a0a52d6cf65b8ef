// Package session implements the per-connection control session: framed
// send/receive loops, call-ID allocation, the pending-call table, and
// at-most-once device ID assignment.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/wire"
)

// Dispatcher routes decoded requests and forwarded blobs for a Session. The
// source loop runs each HandleRequest call in its own goroutine so a slow
// handler can't stall frame reads; HandleClientToClient is called on the
// source loop itself.
type Dispatcher interface {
	// HandleRequest runs the handler for req and returns the reply to wrap
	// in a Reply packet using the request's call ID, or a typed error. A
	// nil message and nil error produce no reply at all.
	HandleRequest(ctx context.Context, s *Session, req wire.Message) (wire.Message, *wire.Error)

	// HandleClientToClient forwards an opaque routed packet to its target
	// session, or drops it with a warning log if the target isn't
	// registered.
	HandleClientToClient(s *Session, p wire.Packet)
}

const (
	outboundQueueDepth = 32
	sendDeadline       = time.Second
)

type pendingCall struct {
	generation uint64
	reply      chan replyResult
}

type replyResult struct {
	msg wire.Message
	err *wire.Error
}

// Session is a control connection's per-connection state. Two goroutines
// drive it: a sink loop that writes the outbound queue to the wire, and a
// source loop that reads and routes inbound frames. Handler invocations run
// in their own goroutines spawned by the source loop.
type Session struct {
	framed     *wire.Framed
	dispatcher Dispatcher
	log        zerolog.Logger
	remoteAddr net.Addr

	out chan []byte

	mu         sync.Mutex
	deviceID   string
	registered bool
	pending    map[uint8]*pendingCall
	nextCallID uint8
	generation uint64
	onShutdown func(s *Session)

	shutdownOnce sync.Once
	done         chan struct{}
	cancel       context.CancelFunc
}

// New wraps framed as a Session. dispatcher may be nil for tests that only
// exercise send/call/shutdown mechanics.
func New(framed *wire.Framed, dispatcher Dispatcher, log zerolog.Logger) *Session {
	return &Session{
		framed:     framed,
		dispatcher: dispatcher,
		log:        log,
		remoteAddr: framed.Conn().RemoteAddr(),
		out:        make(chan []byte, outboundQueueDepth),
		pending:    make(map[uint8]*pendingCall),
		done:       make(chan struct{}),
	}
}

// OnShutdown registers the callback invoked exactly once when the session
// terminates. The server uses this to remove the session from the client
// registry regardless of which loop (or caller) triggered the shutdown.
func (s *Session) OnShutdown(fn func(s *Session)) {
	s.mu.Lock()
	s.onShutdown = fn
	s.mu.Unlock()
}

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// DeviceID returns the session's assigned device ID, or "" if anonymous.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// SetDeviceID assigns id at most once, returning false if the session was
// already registered (the caller should reply RepeatedRequest).
func (s *Session) SetDeviceID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registered {
		return false
	}
	s.deviceID = id
	s.registered = true
	return true
}

// Registered reports whether SetDeviceID has previously succeeded.
func (s *Session) Registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

// Run drives the session until either loop exits, shuts it down, and blocks
// until both loops have returned.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		s.sinkLoop()
	}()

	s.sourceLoop(ctx)

	s.Shutdown()
	<-sinkDone
}

func (s *Session) sinkLoop() {
	for {
		select {
		case payload := <-s.out:
			if err := s.framed.WriteFrame(payload); err != nil {
				s.log.Debug().Err(err).Msg("session: write failed, shutting down")
				s.Shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) sourceLoop(ctx context.Context) {
	for {
		raw, err := s.framed.ReadFrame()
		if err != nil {
			if isGracefulClose(err) {
				s.log.Debug().Err(err).Msg("session: connection closed")
			} else {
				s.log.Debug().Err(err).Msg("session: read error, shutting down")
			}
			return
		}

		p, err := wire.Decode(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("session: dropping undecodable frame")
			continue
		}

		s.route(ctx, p)
	}
}

func isGracefulClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func (s *Session) route(ctx context.Context, p wire.Packet) {
	switch p.Kind {
	case wire.KindReply:
		s.resolveReply(p)
	case wire.KindRequest:
		s.dispatchRequest(ctx, p)
	case wire.KindClientToClient:
		if s.dispatcher != nil {
			s.dispatcher.HandleClientToClient(s, p)
		}
	}
}

func (s *Session) dispatchRequest(ctx context.Context, p wire.Packet) {
	if s.dispatcher == nil {
		return
	}
	callID := p.CallID
	go func() {
		reply, callErr := s.dispatcher.HandleRequest(ctx, s, p.Request)
		if callID == 0 {
			return
		}
		switch {
		case callErr != nil:
			_ = s.enqueue(wire.NewErrorReplyPacket(callID, callErr))
		case reply != nil:
			_ = s.enqueue(wire.NewReplyPacket(callID, reply))
		}
	}()
}

func (s *Session) resolveReply(p wire.Packet) {
	s.mu.Lock()
	pc, ok := s.pending[p.CallID]
	if ok {
		delete(s.pending, p.CallID)
	}
	s.mu.Unlock()
	if !ok {
		return // late or unknown reply: dropped silently
	}
	select {
	case pc.reply <- replyResult{msg: p.ReplyMessage, err: p.ReplyError}:
	default:
	}
}

// Send is a fire-and-forget write with call_id = 0.
func (s *Session) Send(msg wire.Message) error {
	return s.enqueue(wire.NewRequestPacket(0, msg))
}

// Call sends msg as a correlated request and waits up to timeout for a
// matching reply. A late reply arriving after timeout is dropped silently
// by resolveReply, since the slot will already have been removed.
func (s *Session) Call(ctx context.Context, msg wire.Message, timeout time.Duration) (wire.Message, error) {
	callID, slot := s.allocCall()
	defer s.removeCall(callID, slot.generation)

	if err := s.enqueue(wire.NewRequestPacket(callID, msg)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-slot.reply:
		if r.err != nil {
			return nil, r.err
		}
		return r.msg, nil
	case <-timer.C:
		return nil, wire.NewError(wire.ErrCallTimeout)
	case <-s.done:
		return nil, wire.NewError(wire.ErrInternal)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// allocCall picks the next non-zero call ID not already in flight and
// registers its reply slot tagged with a fresh generation. If all 255 IDs
// are in flight it takes over the next ID anyway; the call displaced from
// that slot then ends by timeout. The generation keeps removeCall for an
// older call from deleting a newer slot that reuses its ID. Replies carry
// only the call ID, so a late reply to a call that has already ended is
// delivered to whichever call holds that ID when it arrives.
func (s *Session) allocCall() (uint8, *pendingCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tries := 0; tries < 255; tries++ {
		s.nextCallID++
		if s.nextCallID == 0 {
			s.nextCallID = 1
		}
		if _, taken := s.pending[s.nextCallID]; !taken {
			break
		}
	}
	s.generation++
	pc := &pendingCall{generation: s.generation, reply: make(chan replyResult, 1)}
	s.pending[s.nextCallID] = pc
	return s.nextCallID, pc
}

func (s *Session) removeCall(callID uint8, generation uint64) {
	s.mu.Lock()
	if pc, ok := s.pending[callID]; ok && pc.generation == generation {
		delete(s.pending, callID)
	}
	s.mu.Unlock()
}

// Reply answers an in-flight peer request identified by callID with a
// successful reply carrying msg.
func (s *Session) Reply(callID uint8, msg wire.Message) error {
	return s.enqueue(wire.NewReplyPacket(callID, msg))
}

// DeliverClientToClient enqueues an opaque routed packet verbatim; used by
// the dispatcher to forward traffic to this session as the target.
func (s *Session) DeliverClientToClient(p wire.Packet) error {
	return s.enqueue(p)
}

// enqueue writes p to the outbound queue, waiting up to sendDeadline if it
// is momentarily full before failing the caller with Internal.
func (s *Session) enqueue(p wire.Packet) error {
	buf := wire.Encode(p)

	select {
	case <-s.done:
		return wire.NewError(wire.ErrInternal)
	case s.out <- buf:
		return nil
	default:
	}

	timer := time.NewTimer(sendDeadline)
	defer timer.Stop()

	select {
	case s.out <- buf:
		return nil
	case <-timer.C:
		return wire.NewError(wire.ErrInternal)
	case <-s.done:
		return wire.NewError(wire.ErrInternal)
	}
}

// Shutdown idempotently terminates the session: all future sends
// eventually fail, every pending call resolves Internal, and the
// registry-removal callback (if any) runs exactly once.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint8]*pendingCall)
		onShutdown := s.onShutdown
		s.mu.Unlock()

		for _, pc := range pending {
			select {
			case pc.reply <- replyResult{err: wire.NewError(wire.ErrInternal)}:
			default:
			}
		}

		_ = s.framed.Close()

		if onShutdown != nil {
			onShutdown(s)
		}
	})
}
