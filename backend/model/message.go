package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Payload is the closed set of message bodies. Only types of this package
// implement it.
type Payload interface {
	messageType() MessageType
}

type RoleAssignment struct {
	Role     Role   `json:"role"`
	ClientID string `json:"clientId"`
	RoomID   string `json:"roomId"`
}

type Offer SessionData

type Answer SessionData

// Ack confirms that the coordinator stored and relayed a message of Type.
type Ack struct {
	Type MessageType `json:"type"`
}

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type Heartbeat struct{}

func (RoleAssignment) messageType() MessageType { return TypeRole }
func (Offer) messageType() MessageType          { return TypeOffer }
func (Answer) messageType() MessageType         { return TypeAnswer }
func (Ack) messageType() MessageType            { return TypeAck }
func (Error) messageType() MessageType          { return TypeError }
func (Heartbeat) messageType() MessageType      { return TypeHeartbeat }

// Message is the envelope {"type": ..., "data": ...} exchanged over a participant channel.
type Message struct {
	Payload Payload
}

func NewMessage(p Payload) Message {
	return Message{Payload: p}
}

func (m Message) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.messageType()
}

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, malformed("empty payload")
	}
	var data any = m.Payload
	switch p := m.Payload.(type) {
	case Offer:
		data = normalize(SessionData(p))
	case Answer:
		data = normalize(SessionData(p))
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.Type(), Data: b})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return malformed("%v", err)
	}
	p, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	m.Payload = p
	return nil
}

// Decode parses one text frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		if errors.Is(err, ErrMalformedMessage) {
			return Message{}, err
		}
		return Message{}, malformed("%v", err)
	}
	return m, nil
}

func decodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	switch t {
	case TypeRole:
		var p RoleAssignment
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if !p.Role.Valid() || p.ClientID == "" {
			return nil, malformed("role assignment without role or client id")
		}
		return p, nil
	case TypeOffer:
		sd, err := decodeSessionData(t, data)
		return Offer(sd), err
	case TypeAnswer:
		sd, err := decodeSessionData(t, data)
		return Answer(sd), err
	case TypeAck:
		var p Ack
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Type != TypeOffer && p.Type != TypeAnswer {
			return nil, malformed("ack for %q", p.Type)
		}
		return p, nil
	case TypeError:
		var p Error
		if err := strictUnmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.Code == "" {
			return nil, malformed("error without code")
		}
		return p, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	case "":
		return nil, malformed("missing type")
	default:
		return nil, malformed("unknown type %q", t)
	}
}

func decodeSessionData(t MessageType, data json.RawMessage) (SessionData, error) {
	var sd SessionData
	if err := strictUnmarshal(data, &sd); err != nil {
		return SessionData{}, err
	}
	if sd.SDP == "" {
		return SessionData{}, malformed("%s without sdp", t)
	}
	return normalize(sd), nil
}

func strictUnmarshal(data json.RawMessage, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return malformed("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return malformed("%v", err)
	}
	return nil
}

// normalize turns absent candidates into an empty list so that the wire
// always carries an array.
func normalize(sd SessionData) SessionData {
	if sd.Candidates == nil {
		sd.Candidates = []Candidate{}
	}
	return sd
}

func NewErrorMessage(code ErrorCode, err error) Message {
	return NewMessage(Error{Code: code, Message: err.Error()})
}
