package wire

import "fmt"

// Kind discriminates the three [Packet] variants.
type Kind uint8

const (
	KindRequest Kind = 1 + iota
	KindReply
	KindClientToClient
)

// Packet is the outermost envelope carried by every frame on a control
// connection: a correlated request, a correlated reply (success or typed
// error), or an opaque blob routed by device ID and left uninterpreted by
// the server.
type Packet struct {
	Kind Kind

	// CallID correlates a Reply to the Request that produced it. 0 means no
	// reply is expected (fire-and-forget) for a Request, and is never used
	// for a Reply.
	CallID uint8

	// Request holds the payload when Kind == KindRequest.
	Request Message

	// ReplyMessage and ReplyError hold the payload when Kind == KindReply;
	// exactly one of them is non-nil.
	ReplyMessage Message
	ReplyError   *Error

	// ClientToClient fields, valid when Kind == KindClientToClient.
	FromDeviceID string
	ToDeviceID   string
	Secure       bool
	Payload      []byte
}

// NewRequestPacket builds a Request packet.
func NewRequestPacket(callID uint8, m Message) Packet {
	return Packet{Kind: KindRequest, CallID: callID, Request: m}
}

// NewReplyPacket builds a successful Reply packet.
func NewReplyPacket(callID uint8, m Message) Packet {
	return Packet{Kind: KindReply, CallID: callID, ReplyMessage: m}
}

// NewErrorReplyPacket builds a failed Reply packet.
func NewErrorReplyPacket(callID uint8, e *Error) Packet {
	return Packet{Kind: KindReply, CallID: callID, ReplyError: e}
}

// NewClientToClientPacket builds an opaque routed packet.
func NewClientToClientPacket(callID uint8, from, to string, secure bool, payload []byte) Packet {
	return Packet{
		Kind:         KindClientToClient,
		CallID:       callID,
		FromDeviceID: from,
		ToDeviceID:   to,
		Secure:       secure,
		Payload:      payload,
	}
}

// Encode serializes p into its compact wire form.
func Encode(p Packet) []byte {
	w := NewWriter()
	w.PutUint8(uint8(p.Kind))
	w.PutUint8(p.CallID)
	switch p.Kind {
	case KindRequest:
		EncodeMessage(w, p.Request)
	case KindReply:
		if p.ReplyError != nil {
			w.PutBool(false)
			EncodeMessage(w, p.ReplyError)
		} else {
			w.PutBool(true)
			EncodeMessage(w, p.ReplyMessage)
		}
	case KindClientToClient:
		w.PutString(p.FromDeviceID)
		w.PutString(p.ToDeviceID)
		w.PutBool(p.Secure)
		w.PutBytes(p.Payload)
	}
	return w.Bytes()
}

// Decode deserializes a Packet from buf.
func Decode(buf []byte) (Packet, error) {
	r := NewReader(buf)

	kind, err := r.Uint8()
	if err != nil {
		return Packet{}, fmt.Errorf("wire: decode packet kind: %w", err)
	}
	callID, err := r.Uint8()
	if err != nil {
		return Packet{}, fmt.Errorf("wire: decode call id: %w", err)
	}

	p := Packet{Kind: Kind(kind), CallID: callID}

	switch p.Kind {
	case KindRequest:
		m, err := DecodeMessage(r)
		if err != nil {
			return Packet{}, fmt.Errorf("wire: decode request message: %w", err)
		}
		p.Request = m
	case KindReply:
		ok, err := r.Bool()
		if err != nil {
			return Packet{}, fmt.Errorf("wire: decode reply ok flag: %w", err)
		}
		m, err := DecodeMessage(r)
		if err != nil {
			return Packet{}, fmt.Errorf("wire: decode reply message: %w", err)
		}
		if ok {
			p.ReplyMessage = m
		} else {
			e, isErr := m.(*Error)
			if !isErr {
				return Packet{}, fmt.Errorf("wire: reply marked as error but payload is %T", m)
			}
			p.ReplyError = e
		}
	case KindClientToClient:
		if p.FromDeviceID, err = r.String(); err != nil {
			return Packet{}, fmt.Errorf("wire: decode from_device_id: %w", err)
		}
		if p.ToDeviceID, err = r.String(); err != nil {
			return Packet{}, fmt.Errorf("wire: decode to_device_id: %w", err)
		}
		if p.Secure, err = r.Bool(); err != nil {
			return Packet{}, fmt.Errorf("wire: decode is_secure: %w", err)
		}
		if p.Payload, err = r.Bytes(); err != nil {
			return Packet{}, fmt.Errorf("wire: decode payload: %w", err)
		}
	default:
		return Packet{}, fmt.Errorf("wire: unknown packet kind %d", kind)
	}
	if !r.Done() {
		return Packet{}, fmt.Errorf("wire: %d trailing bytes after packet", r.Remaining())
	}
	return p, nil
}
