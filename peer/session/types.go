package session

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
)

var (
	ErrTransport   = errors.New("signaling transport error")
	ErrNegotiation = errors.New("negotiation failed")
)

type State int

const (
	Idle State = iota
	Connecting
	AwaitingRole
	Offering
	OfferSent
	AwaitingAnswer
	ListeningForOffer
	OfferReceived
	AnswerSent
	Negotiating
	Connected
	Disconnected
	Failed
	Reconnecting
)

var stateNames = [...]string{
	Idle:              "idle",
	Connecting:        "connecting",
	AwaitingRole:      "awaiting-role",
	Offering:          "offering",
	OfferSent:         "offer-sent",
	AwaitingAnswer:    "awaiting-answer",
	ListeningForOffer: "listening-for-offer",
	OfferReceived:     "offer-received",
	AnswerSent:        "answer-sent",
	Negotiating:       "negotiating",
	Connected:         "connected",
	Disconnected:      "disconnected",
	Failed:            "failed",
	Reconnecting:      "reconnecting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Connectivity is what the peer connection reports about itself.
type Connectivity string

const (
	ConnectivityConnecting   Connectivity = "connecting"
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityDisconnected Connectivity = "disconnected"
	ConnectivityFailed       Connectivity = "failed"
	ConnectivityClosed       Connectivity = "closed"
)

type (
	// Peer is the local peer connection.
	Peer interface {
		// CreateOffer creates and applies local offer, gathering starts after it.
		CreateOffer() (string, error)
		// CreateAnswer creates and applies local answer, gathering starts after it.
		CreateAnswer() (string, error)
		SetRemoteDescription(kind model.MessageType, sdp string) error
		AddCandidate(c model.Candidate) error

		// Candidates returns local candidates gathered so far.
		Candidates() []model.Candidate
		// GatheringDone is closed when candidate gathering is complete.
		GatheringDone() <-chan struct{}

		OnConnectivity(f func(Connectivity))

		// Close detaches every callback and releases the connection.
		Close() error
	}

	PeerFactory func(role model.Role) (Peer, error)

	// Channel is an ordered reliable message channel to the coordinator.
	Channel interface {
		Send(ctx context.Context, msg model.Message) error
		// Receive is closed when the channel is lost.
		Receive() <-chan model.Message
		Close() error
	}

	Dialer func(ctx context.Context) (Channel, error)

	Status struct {
		State    State
		Role     model.Role
		ClientID string
		RoomID   string
		Attempt  int
		Err      error
	}
)

// Backoff returns reconnect delay of attempt: base doubled attempt times, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
