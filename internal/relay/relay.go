// Package relay implements the rendezvous and byte-copy half of the relay
// port: endpoints connect, hand over a visit credential, get paired with
// whichever other endpoint is waiting on the same credential, and the
// server copies bytes between them until either side closes.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mirrorx-relay/relayd/internal/metrics"
	"github.com/mirrorx-relay/relayd/internal/wire"
)

const (
	// HandshakeTimeout bounds how long a newly accepted connection has to
	// send its EndpointHandshakeRequest.
	HandshakeTimeout = 10 * time.Second

	// WaitSlotTTL bounds how long a first-arriving endpoint waits for its
	// counterpart before the slot is dropped and the connection closed.
	WaitSlotTTL = 120 * time.Second

	// copyBufferSize is the per-direction buffer used while bridging a
	// paired connection.
	copyBufferSize = 16 << 10
)

// waitEntry is a connection that has completed its handshake and is parked
// waiting for a peer to arrive under the same credential.
type waitEntry struct {
	deviceID int64
	framed   *wire.Framed
	addr     net.Addr
	timer    *time.Timer
}

// Server accepts relay connections, pairs them by credential, and bridges
// paired connections while feeding Accountant with byte counts.
type Server struct {
	Log        zerolog.Logger
	Accountant *Accountant
	Stats      *Stats
	// Metrics records pairs opened/closed. May be nil.
	Metrics *metrics.Metrics

	// WaitSlotTTL overrides the package default WaitSlotTTL; tests shrink
	// it to avoid waiting two minutes for an expiry.
	WaitSlotTTL time.Duration

	mu   sync.Mutex
	wait map[string]*waitEntry
}

// NewServer builds a relay Server.
func NewServer(log zerolog.Logger, accountant *Accountant, stats *Stats, m *metrics.Metrics) *Server {
	return &Server{
		Log:         log,
		Accountant:  accountant,
		Stats:       stats,
		Metrics:     m,
		WaitSlotTTL: WaitSlotTTL,
		wait:        make(map[string]*waitEntry),
	}
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn performs the handshake for one newly accepted connection, then
// either parks it as a wait slot or pairs it with the slot it matches.
func (s *Server) handleConn(conn net.Conn) {
	framed := wire.NewFramed(conn, wire.RelayMaxFrameLen)

	if err := conn.SetReadDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		framed.Close()
		return
	}
	raw, err := framed.ReadFrame()
	if err != nil {
		s.Log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("relay: handshake read failed")
		framed.Close()
		return
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		framed.Close()
		return
	}

	msg, err := wire.DecodeMessage(wire.NewReader(raw))
	if err != nil {
		s.Log.Debug().Err(err).Msg("relay: malformed handshake")
		framed.Close()
		return
	}
	req, ok := msg.(*wire.EndpointHandshakeRequest)
	if !ok {
		s.Log.Debug().Str("tag", msg.MessageTag().String()).Msg("relay: unexpected handshake message")
		framed.Close()
		return
	}

	cred := string(req.VisitCredentials)
	entry := &waitEntry{deviceID: req.DeviceID, framed: framed, addr: conn.RemoteAddr()}

	s.mu.Lock()
	other, present := s.wait[cred]
	if !present {
		entry.timer = time.AfterFunc(s.WaitSlotTTL, func() { s.expire(cred, entry) })
		s.wait[cred] = entry
		s.mu.Unlock()
		return
	}
	delete(s.wait, cred)
	s.mu.Unlock()

	other.timer.Stop()
	s.pair(other, entry)
}

// expire removes entry from the wait map if it is still the one parked
// under cred (it may already have been popped for pairing) and closes its
// connection.
func (s *Server) expire(cred string, entry *waitEntry) {
	s.mu.Lock()
	cur, still := s.wait[cred]
	if still && cur == entry {
		delete(s.wait, cred)
	}
	s.mu.Unlock()

	if still && cur == entry {
		s.Log.Debug().Int64("device_id", entry.deviceID).Msg("relay: wait slot expired")
		entry.framed.Close()
	}
}

// pair completes the handshake for both endpoints and bridges their
// connections until both directions of the copy finish.
func (s *Server) pair(a, b *waitEntry) {
	if err := sendHandshakeResponse(a.framed, b.deviceID); err != nil {
		s.Log.Debug().Err(err).Msg("relay: handshake reply to first endpoint failed")
		a.framed.Close()
		b.framed.Close()
		return
	}
	if err := sendHandshakeResponse(b.framed, a.deviceID); err != nil {
		s.Log.Debug().Err(err).Msg("relay: handshake reply to second endpoint failed")
		a.framed.Close()
		b.framed.Close()
		return
	}

	pairID := s.Stats.register(PairDescriptor{
		ActiveDeviceID:  a.deviceID,
		ActiveAddr:      a.addr.String(),
		PassiveDeviceID: b.deviceID,
		PassiveAddr:     b.addr.String(),
		OpenedAt:        time.Now().Unix(),
	})
	if s.Metrics != nil {
		s.Metrics.RelayPairOpened()
	}

	done := make(chan struct{}, 2)
	go func() {
		s.copyDirection(a.framed.Conn(), b.framed.Conn())
		done <- struct{}{}
	}()
	go func() {
		s.copyDirection(b.framed.Conn(), a.framed.Conn())
		done <- struct{}{}
	}()

	<-done
	s.Stats.remove(pairID)
	<-done

	a.framed.Close()
	b.framed.Close()
	if s.Metrics != nil {
		s.Metrics.RelayPairClosed()
	}
}

// copyDirection copies src into dst until src errors or returns EOF, then
// half-closes dst's write side so the peer observes end-of-stream without
// losing whatever it still has queued to read.
func (s *Server) copyDirection(src, dst net.Conn) {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
			s.Accountant.Sample(uint64(n))
		}
		if err != nil {
			break
		}
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func sendHandshakeResponse(framed *wire.Framed, remoteDeviceID int64) error {
	w := wire.NewWriter()
	wire.EncodeMessage(w, &wire.EndpointHandshakeResponse{RemoteDeviceID: remoteDeviceID})
	if err := framed.WriteFrame(w.Bytes()); err != nil {
		return fmt.Errorf("relay: write handshake response: %w", err)
	}
	return nil
}
