package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the tag of the wire envelope.
type MessageType string

const (
	TypeRole      MessageType = "role"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeAck       MessageType = "ack"
	TypeError     MessageType = "error"
	TypeHeartbeat MessageType = "heartbeat"
)

type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

func (r Role) Valid() bool {
	return r == RoleOfferer || r == RoleAnswerer
}

// Candidate is a network candidate. It is passed through unmodified,
// nobody on the server side looks inside.
type Candidate = json.RawMessage

// SessionData is one half of the offer/answer exchange together with the
// candidates gathered for it.
type SessionData struct {
	SDP        string      `json:"sdp"`
	Candidates []Candidate `json:"candidates"`
}

// Equal reports whether both descriptions carry the same sdp and candidates.
func (sd SessionData) Equal(other SessionData) bool {
	if sd.SDP != other.SDP || len(sd.Candidates) != len(other.Candidates) {
		return false
	}
	for i := range sd.Candidates {
		if string(sd.Candidates[i]) != string(other.Candidates[i]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (sd SessionData) Clone() SessionData {
	out := SessionData{SDP: sd.SDP, Candidates: make([]Candidate, 0, len(sd.Candidates))}
	for _, c := range sd.Candidates {
		out.Candidates = append(out.Candidates, append(Candidate(nil), c...))
	}
	return out
}

type ErrorCode string

const (
	CodeRoomFull         ErrorCode = "room_full"
	CodeRoleViolation    ErrorCode = "role_violation"
	CodeOfferExists      ErrorCode = "offer_exists"
	CodeAnswerExists     ErrorCode = "answer_exists"
	CodeNoOffer          ErrorCode = "no_offer"
	CodeMalformedMessage ErrorCode = "malformed_message"
	CodeInternal         ErrorCode = "internal"
)

// Wire is a participant channel as seen by the switch. The transport reads TX and
// writes RX. Hangup tears the transport down.
type Wire struct {
	RX chan Message
	TX chan Message

	ctx    context.Context
	hangup context.CancelFunc
}

const defaultWireBuffer = 16

// NewWire creates wire bound to transport context. Canceling ctx or calling Hangup
// terminates the transport.
func NewWire(ctx context.Context, hangup context.CancelFunc) Wire {
	return Wire{
		RX:     make(chan Message, defaultWireBuffer),
		TX:     make(chan Message, defaultWireBuffer),
		ctx:    ctx,
		hangup: hangup,
	}
}

func (w Wire) Done() <-chan struct{} {
	if w.ctx == nil {
		return nil
	}
	return w.ctx.Done()
}

func (w Wire) Hangup() {
	if w.hangup != nil {
		w.hangup()
	}
}

// WireHandler processes one inbound message of an endpoint. Messages of one
// endpoint are handled sequentially in arrival order.
type WireHandler func(ctx context.Context, instance, endpoint string, msg Message)

var ErrMalformedMessage = errors.New("malformed message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
