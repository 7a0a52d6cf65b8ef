package wire

import "fmt"

// Tag identifies a Message variant on the wire. The specific ordinal values
// are not significant as long as both sides of the connection agree on them
// (they always do, since both sides are this package).
type Tag uint8

const (
	TagHeartBeatRequest Tag = 1 + iota
	TagHeartBeatReply
	TagRegisterDeviceIDRequest
	TagRegisterDeviceIDReply
	TagDesktopConnectOfferRequest
	TagDesktopConnectOfferReply
	TagDesktopConnectAskRequest
	TagDesktopConnectAskReply
	TagDesktopConnectOfferAuthRequest
	TagDesktopConnectOfferAuthReply
	TagDesktopConnectAskAuthRequest
	TagDesktopConnectAskAuthReply
	TagEndpointHandshakeRequest
	TagEndpointHandshakeResponse
	TagError
)

func (t Tag) String() string {
	switch t {
	case TagHeartBeatRequest:
		return "HeartBeatRequest"
	case TagHeartBeatReply:
		return "HeartBeatReply"
	case TagRegisterDeviceIDRequest:
		return "RegisterDeviceIdRequest"
	case TagRegisterDeviceIDReply:
		return "RegisterDeviceIdReply"
	case TagDesktopConnectOfferRequest:
		return "DesktopConnectOfferRequest"
	case TagDesktopConnectOfferReply:
		return "DesktopConnectOfferReply"
	case TagDesktopConnectAskRequest:
		return "DesktopConnectAskRequest"
	case TagDesktopConnectAskReply:
		return "DesktopConnectAskReply"
	case TagDesktopConnectOfferAuthRequest:
		return "DesktopConnectOfferAuthRequest"
	case TagDesktopConnectOfferAuthReply:
		return "DesktopConnectOfferAuthReply"
	case TagDesktopConnectAskAuthRequest:
		return "DesktopConnectAskAuthRequest"
	case TagDesktopConnectAskAuthReply:
		return "DesktopConnectAskAuthReply"
	case TagEndpointHandshakeRequest:
		return "EndpointHandshakeRequest"
	case TagEndpointHandshakeResponse:
		return "EndpointHandshakeResponse"
	case TagError:
		return "Error"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Message is a closed tagged union over every request/reply payload
// exchanged on a control or relay-handshake connection, plus [Error].
type Message interface {
	MessageTag() Tag
	encode(w *Writer)
}

// ErrorTag identifies an [Error] variant.
type ErrorTag uint8

const (
	ErrInternal ErrorTag = 1 + iota
	ErrCallTimeout
	ErrInvalidArguments
	ErrMismatchedResponseMessage
	ErrRemoteClientOfflineOrNotExist
	ErrRepeatedRequest
	ErrDeviceNotFound
)

func (t ErrorTag) String() string {
	switch t {
	case ErrInternal:
		return "InternalError"
	case ErrCallTimeout:
		return "CallTimeout"
	case ErrInvalidArguments:
		return "InvalidArguments"
	case ErrMismatchedResponseMessage:
		return "MismatchedResponseMessage"
	case ErrRemoteClientOfflineOrNotExist:
		return "RemoteClientOfflineOrNotExist"
	case ErrRepeatedRequest:
		return "RepeatedRequest"
	case ErrDeviceNotFound:
		return "DeviceNotFound"
	default:
		return fmt.Sprintf("ErrorTag(%d)", uint8(t))
	}
}

// Error is the typed error variant of [Message]. It implements the error
// interface so it can be returned directly from call sites.
type Error struct {
	Tag ErrorTag
}

func NewError(tag ErrorTag) *Error { return &Error{Tag: tag} }

func (e *Error) Error() string       { return e.Tag.String() }
func (e *Error) MessageTag() Tag     { return TagError }
func (e *Error) encode(w *Writer)    { w.PutUint8(uint8(e.Tag)) }
func decodeError(r *Reader) (*Error, error) {
	t, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	return &Error{Tag: ErrorTag(t)}, nil
}

// HeartBeatRequest carries the client's timestamp for a liveness check.
type HeartBeatRequest struct{ Ts int64 }

func (m *HeartBeatRequest) MessageTag() Tag { return TagHeartBeatRequest }
func (m *HeartBeatRequest) encode(w *Writer) { w.PutInt64(m.Ts) }
func decodeHeartBeatRequest(r *Reader) (*HeartBeatRequest, error) {
	ts, err := r.Int64()
	return &HeartBeatRequest{Ts: ts}, err
}

// HeartBeatReply echoes the server's current time.
type HeartBeatReply struct{ Ts int64 }

func (m *HeartBeatReply) MessageTag() Tag { return TagHeartBeatReply }
func (m *HeartBeatReply) encode(w *Writer) { w.PutInt64(m.Ts) }
func decodeHeartBeatReply(r *Reader) (*HeartBeatReply, error) {
	ts, err := r.Int64()
	return &HeartBeatReply{Ts: ts}, err
}

// RegisterDeviceIDRequest asks the server to renew DeviceID when HasDeviceID
// is set, or to allocate a new device ID otherwise. DeviceID is encoded only
// when HasDeviceID is set.
type RegisterDeviceIDRequest struct {
	HasDeviceID bool
	DeviceID    string
}

func (m *RegisterDeviceIDRequest) MessageTag() Tag { return TagRegisterDeviceIDRequest }
func (m *RegisterDeviceIDRequest) encode(w *Writer) {
	w.PutBool(m.HasDeviceID)
	if m.HasDeviceID {
		w.PutString(m.DeviceID)
	}
}
func decodeRegisterDeviceIDRequest(r *Reader) (*RegisterDeviceIDRequest, error) {
	has, err := r.Bool()
	if err != nil {
		return nil, err
	}
	m := &RegisterDeviceIDRequest{HasDeviceID: has}
	if has {
		if m.DeviceID, err = r.String(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterDeviceIDReply confirms the allocated or renewed device ID and its
// new directory expiry, as a unix timestamp.
type RegisterDeviceIDReply struct {
	DeviceID  string
	ExpiresAt int64
}

func (m *RegisterDeviceIDReply) MessageTag() Tag { return TagRegisterDeviceIDReply }
func (m *RegisterDeviceIDReply) encode(w *Writer) {
	w.PutString(m.DeviceID)
	w.PutInt64(m.ExpiresAt)
}
func decodeRegisterDeviceIDReply(r *Reader) (*RegisterDeviceIDReply, error) {
	id, err := r.String()
	if err != nil {
		return nil, err
	}
	exp, err := r.Int64()
	return &RegisterDeviceIDReply{DeviceID: id, ExpiresAt: exp}, err
}

// DesktopConnectOfferRequest is sent by the offering endpoint to request a
// connection to Ask.
type DesktopConnectOfferRequest struct {
	Offer string
	Ask   string
}

func (m *DesktopConnectOfferRequest) MessageTag() Tag { return TagDesktopConnectOfferRequest }
func (m *DesktopConnectOfferRequest) encode(w *Writer) {
	w.PutString(m.Offer)
	w.PutString(m.Ask)
}
func decodeDesktopConnectOfferRequest(r *Reader) (*DesktopConnectOfferRequest, error) {
	offer, err := r.String()
	if err != nil {
		return nil, err
	}
	ask, err := r.String()
	return &DesktopConnectOfferRequest{Offer: offer, Ask: ask}, err
}

// connectReply is the common shape shared by DesktopConnectOffer/Ask(Auth)
// replies: whether the ask side agreed, plus its public key parts.
type connectReply struct {
	Agree bool
	N     []byte
	E     []byte
}

func (m *connectReply) encode(w *Writer) {
	w.PutBool(m.Agree)
	w.PutBytes(m.N)
	w.PutBytes(m.E)
}

func decodeConnectReply(r *Reader) (connectReply, error) {
	var m connectReply
	var err error
	if m.Agree, err = r.Bool(); err != nil {
		return m, err
	}
	if m.N, err = r.Bytes(); err != nil {
		return m, err
	}
	m.E, err = r.Bytes()
	return m, err
}

// DesktopConnectOfferReply is the offerer's view of the ask side's decision.
type DesktopConnectOfferReply struct{ connectReply }

// NewDesktopConnectOfferReply builds a reply from its fields, for the
// dispatcher to re-wrap an ask-side reply as an offer-side one without
// reaching into the unexported connectReply embedding.
func NewDesktopConnectOfferReply(agree bool, n, e []byte) *DesktopConnectOfferReply {
	return &DesktopConnectOfferReply{connectReply{Agree: agree, N: n, E: e}}
}

func (m *DesktopConnectOfferReply) MessageTag() Tag { return TagDesktopConnectOfferReply }
func decodeDesktopConnectOfferReply(r *Reader) (*DesktopConnectOfferReply, error) {
	c, err := decodeConnectReply(r)
	return &DesktopConnectOfferReply{c}, err
}

// DesktopConnectAskRequest is delivered to the ask side, proxied from an
// offer request.
type DesktopConnectAskRequest struct{ Offer string }

func (m *DesktopConnectAskRequest) MessageTag() Tag { return TagDesktopConnectAskRequest }
func (m *DesktopConnectAskRequest) encode(w *Writer) { w.PutString(m.Offer) }
func decodeDesktopConnectAskRequest(r *Reader) (*DesktopConnectAskRequest, error) {
	offer, err := r.String()
	return &DesktopConnectAskRequest{Offer: offer}, err
}

// DesktopConnectAskReply is the ask side's decision, proxied back as an
// offer reply.
type DesktopConnectAskReply struct{ connectReply }

// NewDesktopConnectAskReply builds a reply from its fields.
func NewDesktopConnectAskReply(agree bool, n, e []byte) *DesktopConnectAskReply {
	return &DesktopConnectAskReply{connectReply{Agree: agree, N: n, E: e}}
}

func (m *DesktopConnectAskReply) MessageTag() Tag { return TagDesktopConnectAskReply }
func decodeDesktopConnectAskReply(r *Reader) (*DesktopConnectAskReply, error) {
	c, err := decodeConnectReply(r)
	return &DesktopConnectAskReply{c}, err
}

// DesktopConnectOfferAuthRequest is the authenticated variant of
// DesktopConnectOfferRequest, carrying a shared secret for the ask side to
// verify.
type DesktopConnectOfferAuthRequest struct {
	Offer  string
	Ask    string
	Secret []byte
}

func (m *DesktopConnectOfferAuthRequest) MessageTag() Tag { return TagDesktopConnectOfferAuthRequest }
func (m *DesktopConnectOfferAuthRequest) encode(w *Writer) {
	w.PutString(m.Offer)
	w.PutString(m.Ask)
	w.PutBytes(m.Secret)
}
func decodeDesktopConnectOfferAuthRequest(r *Reader) (*DesktopConnectOfferAuthRequest, error) {
	offer, err := r.String()
	if err != nil {
		return nil, err
	}
	ask, err := r.String()
	if err != nil {
		return nil, err
	}
	secret, err := r.Bytes()
	return &DesktopConnectOfferAuthRequest{Offer: offer, Ask: ask, Secret: secret}, err
}

// DesktopConnectOfferAuthReply is the offerer's view of the authenticated
// ask side's decision.
type DesktopConnectOfferAuthReply struct{ connectReply }

// NewDesktopConnectOfferAuthReply builds a reply from its fields, mirroring
// [NewDesktopConnectOfferReply] for the authenticated proxy path.
func NewDesktopConnectOfferAuthReply(agree bool, n, e []byte) *DesktopConnectOfferAuthReply {
	return &DesktopConnectOfferAuthReply{connectReply{Agree: agree, N: n, E: e}}
}

func (m *DesktopConnectOfferAuthReply) MessageTag() Tag { return TagDesktopConnectOfferAuthReply }
func decodeDesktopConnectOfferAuthReply(r *Reader) (*DesktopConnectOfferAuthReply, error) {
	c, err := decodeConnectReply(r)
	return &DesktopConnectOfferAuthReply{c}, err
}

// DesktopConnectAskAuthRequest is delivered to the ask side, proxied from an
// authenticated offer request.
type DesktopConnectAskAuthRequest struct {
	Offer  string
	Secret []byte
}

func (m *DesktopConnectAskAuthRequest) MessageTag() Tag { return TagDesktopConnectAskAuthRequest }
func (m *DesktopConnectAskAuthRequest) encode(w *Writer) {
	w.PutString(m.Offer)
	w.PutBytes(m.Secret)
}
func decodeDesktopConnectAskAuthRequest(r *Reader) (*DesktopConnectAskAuthRequest, error) {
	offer, err := r.String()
	if err != nil {
		return nil, err
	}
	secret, err := r.Bytes()
	return &DesktopConnectAskAuthRequest{Offer: offer, Secret: secret}, err
}

// DesktopConnectAskAuthReply is the authenticated ask side's decision,
// proxied back as an offer-auth reply.
type DesktopConnectAskAuthReply struct{ connectReply }

// NewDesktopConnectAskAuthReply builds a reply from its fields.
func NewDesktopConnectAskAuthReply(agree bool, n, e []byte) *DesktopConnectAskAuthReply {
	return &DesktopConnectAskAuthReply{connectReply{Agree: agree, N: n, E: e}}
}

func (m *DesktopConnectAskAuthReply) MessageTag() Tag { return TagDesktopConnectAskAuthReply }
func decodeDesktopConnectAskAuthReply(r *Reader) (*DesktopConnectAskAuthReply, error) {
	c, err := decodeConnectReply(r)
	return &DesktopConnectAskAuthReply{c}, err
}

// EndpointHandshakeRequest is the relay rendezvous handshake sent by each
// endpoint immediately after connecting to the relay port.
type EndpointHandshakeRequest struct {
	VisitCredentials []byte
	DeviceID         int64
}

func (m *EndpointHandshakeRequest) MessageTag() Tag { return TagEndpointHandshakeRequest }
func (m *EndpointHandshakeRequest) encode(w *Writer) {
	w.PutBytes(m.VisitCredentials)
	w.PutInt64(m.DeviceID)
}
func decodeEndpointHandshakeRequest(r *Reader) (*EndpointHandshakeRequest, error) {
	cred, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	id, err := r.Int64()
	return &EndpointHandshakeRequest{VisitCredentials: cred, DeviceID: id}, err
}

// EndpointHandshakeResponse identifies the matched peer to each endpoint.
type EndpointHandshakeResponse struct{ RemoteDeviceID int64 }

func (m *EndpointHandshakeResponse) MessageTag() Tag { return TagEndpointHandshakeResponse }
func (m *EndpointHandshakeResponse) encode(w *Writer) { w.PutInt64(m.RemoteDeviceID) }
func decodeEndpointHandshakeResponse(r *Reader) (*EndpointHandshakeResponse, error) {
	id, err := r.Int64()
	return &EndpointHandshakeResponse{RemoteDeviceID: id}, err
}

// EncodeMessage appends m's tag and body to w.
func EncodeMessage(w *Writer, m Message) {
	w.PutUint8(uint8(m.MessageTag()))
	m.encode(w)
}

// DecodeMessage reads a tag and body from r and returns the corresponding
// concrete Message.
func DecodeMessage(r *Reader) (Message, error) {
	t, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	switch Tag(t) {
	case TagHeartBeatRequest:
		return decodeHeartBeatRequest(r)
	case TagHeartBeatReply:
		return decodeHeartBeatReply(r)
	case TagRegisterDeviceIDRequest:
		return decodeRegisterDeviceIDRequest(r)
	case TagRegisterDeviceIDReply:
		return decodeRegisterDeviceIDReply(r)
	case TagDesktopConnectOfferRequest:
		return decodeDesktopConnectOfferRequest(r)
	case TagDesktopConnectOfferReply:
		return decodeDesktopConnectOfferReply(r)
	case TagDesktopConnectAskRequest:
		return decodeDesktopConnectAskRequest(r)
	case TagDesktopConnectAskReply:
		return decodeDesktopConnectAskReply(r)
	case TagDesktopConnectOfferAuthRequest:
		return decodeDesktopConnectOfferAuthRequest(r)
	case TagDesktopConnectOfferAuthReply:
		return decodeDesktopConnectOfferAuthReply(r)
	case TagDesktopConnectAskAuthRequest:
		return decodeDesktopConnectAskAuthRequest(r)
	case TagDesktopConnectAskAuthReply:
		return decodeDesktopConnectAskAuthReply(r)
	case TagEndpointHandshakeRequest:
		return decodeEndpointHandshakeRequest(r)
	case TagEndpointHandshakeResponse:
		return decodeEndpointHandshakeResponse(r)
	case TagError:
		return decodeError(r)
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d", t)
	}
}
