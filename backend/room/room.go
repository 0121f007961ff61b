// Package room holds the state of a single two-party rendezvous: who is in it,
// which role each participant has, and the offer/answer negotiated so far.
//
// Room is not safe for concurrent use, the owner serializes access.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
)

const MaxParticipants = 2

var (
	ErrRoomFull            = errors.New("room is full")
	ErrAlreadyJoined       = errors.New("participant already joined")
	ErrRoleViolation       = errors.New("role violation")
	ErrNotOfferer          = fmt.Errorf("%w: participant is not the offerer", ErrRoleViolation)
	ErrNotAnswerer         = fmt.Errorf("%w: participant is not the answerer", ErrRoleViolation)
	ErrNotParticipant      = fmt.Errorf("%w: not a participant of this room", ErrRoleViolation)
	ErrOfferAlreadyExists  = errors.New("offer already exists")
	ErrAnswerAlreadyExists = errors.New("answer already exists")
	ErrNoOfferYet          = errors.New("no offer yet")
	ErrCorruptState        = errors.New("corrupt room state")
)

type Participant struct {
	ID       string     `json:"clientId"`
	Role     model.Role `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LastSeen time.Time  `json:"lastSeen"`
}

// Stale reports whether participant was not seen for at least staleAfter.
func (p Participant) Stale(now time.Time, staleAfter time.Duration) bool {
	return p.LastSeen.IsZero() || now.Sub(p.LastSeen) >= staleAfter
}

// Negotiation is a stored offer or answer with the id of the participant that made it.
type Negotiation struct {
	ClientID string `json:"clientId"`
	model.SessionData
}

type Room struct {
	id           string
	participants []Participant
	offer        *Negotiation
	answer       *Negotiation
}

func New(id string) *Room {
	return &Room{id: id}
}

func (r *Room) ID() string {
	return r.id
}

func (r *Room) Len() int {
	return len(r.participants)
}

func (r *Room) Empty() bool {
	return len(r.participants) == 0
}

// Participants returns a copy of the roster in join order.
func (r *Room) Participants() []Participant {
	return append([]Participant(nil), r.participants...)
}

func (r *Room) Participant(id string) (Participant, bool) {
	if i := r.index(id); i >= 0 {
		return r.participants[i], true
	}
	return Participant{}, false
}

// Counterpart returns the other participant of the room.
func (r *Room) Counterpart(id string) (Participant, bool) {
	for _, p := range r.participants {
		if p.ID != id {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) ByRole(role model.Role) (Participant, bool) {
	for _, p := range r.participants {
		if p.Role == role {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *Room) Offer() (model.SessionData, bool) {
	if r.offer == nil {
		return model.SessionData{}, false
	}
	return r.offer.SessionData.Clone(), true
}

func (r *Room) Answer() (model.SessionData, bool) {
	if r.answer == nil {
		return model.SessionData{}, false
	}
	return r.answer.SessionData.Clone(), true
}

func (r *Room) index(id string) int {
	for i, p := range r.participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// AddParticipant assigns a role to a new participant. Stale participants are
// pruned first so that a dead offerer cannot block the room.
func (r *Room) AddParticipant(id string, now time.Time, staleAfter time.Duration) (model.Role, error) {
	if r.index(id) >= 0 {
		return "", ErrAlreadyJoined
	}
	r.Prune(now, staleAfter)

	var role model.Role
	if _, ok := r.ByRole(model.RoleOfferer); !ok {
		role = model.RoleOfferer
	} else if _, ok = r.ByRole(model.RoleAnswerer); !ok {
		role = model.RoleAnswerer
	} else {
		return "", ErrRoomFull
	}
	r.participants = append(r.participants, Participant{
		ID:       id,
		Role:     role,
		JoinedAt: now,
		LastSeen: now,
	})
	return role, nil
}

// RemoveParticipant removes participant and clears negotiation state that
// depended on it. Removing the offerer invalidates both offer and answer,
// removing the answerer invalidates the answer.
func (r *Room) RemoveParticipant(id string) bool {
	i := r.index(id)
	if i < 0 {
		return false
	}
	switch r.participants[i].Role {
	case model.RoleOfferer:
		r.offer = nil
		r.answer = nil
	case model.RoleAnswerer:
		r.answer = nil
	}
	r.participants = append(r.participants[:i], r.participants[i+1:]...)
	return true
}

// Prune removes stale participants and returns them.
func (r *Room) Prune(now time.Time, staleAfter time.Duration) []Participant {
	var evicted []Participant
	for _, p := range r.Participants() {
		if p.Stale(now, staleAfter) {
			r.RemoveParticipant(p.ID)
			evicted = append(evicted, p)
		}
	}
	return evicted
}

func (r *Room) Touch(id string, now time.Time) bool {
	i := r.index(id)
	if i < 0 {
		return false
	}
	if now.After(r.participants[i].LastSeen) {
		r.participants[i].LastSeen = now
	}
	return true
}

// SetOffer stores the offer of the offerer. An identical resend changes nothing.
// A different offer of the same offerer replaces the stored one and drops the
// answer made for it. The returned flag tells whether the room changed.
func (r *Room) SetOffer(id string, data model.SessionData) (bool, error) {
	p, ok := r.Participant(id)
	if !ok {
		return false, ErrNotParticipant
	}
	if p.Role != model.RoleOfferer {
		return false, ErrNotOfferer
	}
	if r.offer != nil {
		if r.offer.ClientID != id {
			return false, ErrOfferAlreadyExists
		}
		if r.offer.SessionData.Equal(data) {
			return false, nil
		}
	}
	r.offer = &Negotiation{ClientID: id, SessionData: data.Clone()}
	r.answer = nil
	return true, nil
}

func (r *Room) SetAnswer(id string, data model.SessionData) error {
	p, ok := r.Participant(id)
	if !ok {
		return ErrNotParticipant
	}
	if p.Role != model.RoleAnswerer {
		return ErrNotAnswerer
	}
	if r.offer == nil {
		return ErrNoOfferYet
	}
	if r.answer != nil {
		return ErrAnswerAlreadyExists
	}
	r.answer = &Negotiation{ClientID: id, SessionData: data.Clone()}
	return nil
}

// Clone returns a deep copy.
func (r *Room) Clone() *Room {
	out := &Room{id: r.id, participants: r.Participants()}
	if r.offer != nil {
		out.offer = &Negotiation{ClientID: r.offer.ClientID, SessionData: r.offer.SessionData.Clone()}
	}
	if r.answer != nil {
		out.answer = &Negotiation{ClientID: r.answer.ClientID, SessionData: r.answer.SessionData.Clone()}
	}
	return out
}

type state struct {
	RoomID       string        `json:"roomId"`
	Participants []Participant `json:"participants"`
	Offer        *Negotiation  `json:"offer"`
	Answer       *Negotiation  `json:"answer"`
}

func (r *Room) MarshalJSON() ([]byte, error) {
	participants := r.participants
	if participants == nil {
		participants = []Participant{}
	}
	return json.Marshal(state{
		RoomID:       r.id,
		Participants: participants,
		Offer:        r.offer,
		Answer:       r.answer,
	})
}

func (r *Room) UnmarshalJSON(b []byte) error {
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Join(ErrCorruptState, err)
	}
	restored := Room{id: st.RoomID, offer: st.Offer, answer: st.Answer}
	if len(st.Participants) > 0 {
		restored.participants = st.Participants
	}
	if err := restored.validate(); err != nil {
		return err
	}
	*r = restored
	return nil
}

// Serialize returns the blob persisted in the store.
func (r *Room) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

func Deserialize(b []byte) (*Room, error) {
	r := &Room{}
	if err := json.Unmarshal(b, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Room) validate() error {
	if r.id == "" {
		return fmt.Errorf("%w: empty room id", ErrCorruptState)
	}
	if len(r.participants) > MaxParticipants {
		return fmt.Errorf("%w: %d participants", ErrCorruptState, len(r.participants))
	}
	seen := make(map[model.Role]bool, MaxParticipants)
	ids := make(map[string]bool, MaxParticipants)
	for _, p := range r.participants {
		if !p.Role.Valid() || seen[p.Role] || p.ID == "" || ids[p.ID] {
			return fmt.Errorf("%w: bad participant %q", ErrCorruptState, p.ID)
		}
		seen[p.Role] = true
		ids[p.ID] = true
	}
	if r.answer != nil && r.offer == nil {
		return fmt.Errorf("%w: answer without offer", ErrCorruptState)
	}
	return nil
}
