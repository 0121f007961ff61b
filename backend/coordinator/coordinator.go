// Package coordinator is the single authority over one room: it assigns roles,
// applies offer/answer writes, persists the room and relays negotiation
// messages between the two participants.
//
// All operations of a Coordinator are serialized by its mutex, so one
// Coordinator per room id in a process gives the actor-per-room model.
// Every mutation is persisted before anything is relayed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/adwski/webrtc-portal/backend/room"
	"github.com/adwski/webrtc-portal/backend/storage"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	DefaultStaleAfter = 15 * time.Second
)

var (
	ErrClosed  = errors.New("coordinator is closed")
	ErrLoad    = errors.New("unable to load room")
	ErrPersist = errors.New("unable to persist room")
)

type (
	Store interface {
		Get(ctx context.Context, key string) ([]byte, error)
		Put(ctx context.Context, key string, blob []byte) error
		Delete(ctx context.Context, key string) error
	}

	Relay interface {
		Send(ctx context.Context, instance, endpoint string, msg model.Message) bool
		Connected(instance, endpoint string) bool
		Hangup(instance, endpoint string)
	}

	Config struct {
		Logger *zerolog.Logger
		Store  Store
		Relay  Relay
		RoomID string

		// StaleAfter is the liveness threshold of participants.
		StaleAfter time.Duration

		// SharedStore must be set when other processes may mutate the same
		// room through the store. The room is then reloaded before every
		// operation.
		SharedStore bool

		Clock func() time.Time
	}

	Coordinator struct {
		logger     zerolog.Logger
		store      Store
		relay      Relay
		now        func() time.Time
		staleAfter time.Duration
		shared     bool
		roomID     string
		key        string

		mx     *sync.Mutex
		room   *room.Room
		closed bool

		// last offer or answer delivered to each locally connected participant
		delivered map[string]model.SessionData
	}
)

// New creates coordinator and restores room from the store.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		logger:     cfg.Logger.With().Str("component", "coordinator").Str("roomID", cfg.RoomID).Logger(),
		store:      cfg.Store,
		relay:      cfg.Relay,
		now:        func() time.Time { return now().UTC() },
		staleAfter: staleAfter,
		shared:     cfg.SharedStore,
		roomID:     cfg.RoomID,
		key:        storage.RoomKey(cfg.RoomID),
		mx:         &sync.Mutex{},
		delivered:  make(map[string]model.SessionData),
	}
	r, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	c.room = r
	c.logger.Debug().Int("participants", r.Len()).Msg("room loaded")
	return c, nil
}

func (c *Coordinator) RoomID() string {
	return c.roomID
}

func (c *Coordinator) load(ctx context.Context) (*room.Room, error) {
	blob, err := c.store.Get(ctx, c.key)
	if errors.Is(err, storage.ErrNotFound) {
		return room.New(c.roomID), nil
	}
	if err != nil {
		return nil, errors.Join(ErrLoad, err)
	}
	r, err := room.Deserialize(blob)
	if err != nil {
		c.logger.Error().Err(err).Msg("stored room is corrupt, starting over")
		return room.New(c.roomID), nil
	}
	if r.ID() != c.roomID {
		c.logger.Error().Str("storedID", r.ID()).Msg("stored room has foreign id, starting over")
		return room.New(c.roomID), nil
	}
	return r, nil
}

// refresh reloads the room when another instance may have written it.
func (c *Coordinator) refresh(ctx context.Context) error {
	if !c.shared {
		return nil
	}
	r, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.room = r
	return nil
}

func (c *Coordinator) persist(ctx context.Context) error {
	c.logger.Trace().Func(func(e *zerolog.Event) {
		e.Str("room", spew.Sdump(c.room))
	}).Msg("persisting room")

	if c.room.Empty() {
		if err := c.store.Delete(ctx, c.key); err != nil {
			return errors.Join(ErrPersist, err)
		}
		return nil
	}
	blob, err := c.room.Serialize()
	if err != nil {
		return errors.Join(ErrPersist, err)
	}
	if err = c.store.Put(ctx, c.key, blob); err != nil {
		return errors.Join(ErrPersist, err)
	}
	return nil
}

// Join adds participant to the room, sends it the role assignment and, for an
// answerer joining a room with a pending offer, the offer itself.
func (c *Coordinator) Join(ctx context.Context, clientID string) (model.Role, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}

	var (
		now      = c.now()
		snapshot = c.room.Clone()
		evicted  = c.room.Prune(now, c.staleAfter)
	)
	role, err := c.room.AddParticipant(clientID, now, c.staleAfter)
	if err != nil {
		if len(evicted) > 0 {
			if pErr := c.persist(ctx); pErr != nil {
				c.logger.Error().Err(pErr).Msg("failed to persist evictions")
			}
			c.hangup(evicted)
		}
		return "", err
	}
	if err = c.persist(ctx); err != nil {
		c.room = snapshot
		return "", err
	}
	c.hangup(evicted)

	logger := c.logger.With().Str("clientID", clientID).Str("role", string(role)).Logger()
	logger.Debug().Msg("participant joined")

	c.relay.Send(ctx, c.roomID, clientID, model.NewMessage(model.RoleAssignment{
		Role:     role,
		ClientID: clientID,
		RoomID:   c.roomID,
	}))
	if role == model.RoleAnswerer {
		if offer, ok := c.room.Offer(); ok {
			c.deliver(ctx, clientID, model.NewMessage(model.Offer(offer)), offer)
			logger.Debug().Msg("pending offer delivered to late answerer")
		}
	}
	return role, nil
}

// Handle applies one message of a participant. Protocol violations are
// replied to the sender and leave the room untouched.
func (c *Coordinator) Handle(ctx context.Context, clientID string, msg model.Message) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.closed {
		return
	}
	logger := c.logger.With().Str("clientID", clientID).Str("type", string(msg.Type())).Logger()
	if err := c.refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to refresh room")
		c.reply(ctx, clientID, err)
		return
	}

	if !c.room.Touch(clientID, c.now()) {
		c.reply(ctx, clientID, room.ErrNotParticipant)
		return
	}
	snapshot := c.room.Clone()

	var (
		err     error
		changed bool
		data    model.SessionData
	)
	switch p := msg.Payload.(type) {
	case model.Heartbeat:
		if err = c.persist(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to persist heartbeat")
		}
		return
	case model.Offer:
		data = model.SessionData(p)
		changed, err = c.room.SetOffer(clientID, data)
	case model.Answer:
		data = model.SessionData(p)
		err = c.room.SetAnswer(clientID, data)
		changed = err == nil
	default:
		err = fmt.Errorf("%w: %q is not accepted from participants", model.ErrMalformedMessage, msg.Type())
	}
	if err != nil {
		logger.Warn().Err(err).Msg("message rejected")
		c.room = snapshot
		c.reply(ctx, clientID, err)
		return
	}

	if err = c.persist(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to persist room")
		c.room = snapshot
		c.reply(ctx, clientID, err)
		return
	}
	logger.Debug().Bool("changed", changed).Msg("message applied")

	if peer, ok := c.room.Counterpart(clientID); ok {
		c.deliver(ctx, peer.ID, msg, data)
	}
	c.relay.Send(ctx, c.roomID, clientID, model.NewMessage(model.Ack{Type: msg.Type()}))

	// offerer resends until it sees the answer, so the relayed one was lost
	if _, isOffer := msg.Payload.(model.Offer); isOffer && !changed {
		if ans, ok := c.room.Answer(); ok {
			logger.Debug().Msg("offer resent after answer, delivering stored answer")
			c.deliver(ctx, clientID, model.NewMessage(model.Answer(ans)), ans)
		}
	}
}

// Touch refreshes liveness of participant.
func (c *Coordinator) Touch(ctx context.Context, clientID string) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.closed {
		return
	}
	if err := c.refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to refresh room")
		return
	}
	if !c.room.Touch(clientID, c.now()) {
		return
	}
	if err := c.persist(ctx); err != nil {
		c.logger.Error().Err(err).Str("clientID", clientID).Msg("failed to persist presence")
	}
}

// Leave removes participant. It returns the number of participants left.
func (c *Coordinator) Leave(ctx context.Context, clientID string) (int, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.closed {
		return 0, nil
	}
	if err := c.refresh(ctx); err != nil {
		return c.room.Len(), err
	}
	delete(c.delivered, clientID)
	if !c.room.RemoveParticipant(clientID) {
		return c.remaining(), nil
	}
	c.logger.Debug().Str("clientID", clientID).Msg("participant left")
	if err := c.persist(ctx); err != nil {
		return c.room.Len(), err
	}
	return c.remaining(), nil
}

// Evict removes participants that were not seen within the liveness
// threshold and hangs up their channels. With a shared store it also pushes
// negotiation state written by other instances to local participants.
// It returns the number of participants left.
func (c *Coordinator) Evict(ctx context.Context) int {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.closed {
		return 0
	}
	if err := c.refresh(ctx); err != nil {
		c.logger.Error().Err(err).Msg("failed to refresh room")
		return c.room.Len()
	}
	evicted := c.room.Prune(c.now(), c.staleAfter)
	if len(evicted) > 0 {
		if err := c.persist(ctx); err != nil {
			c.logger.Error().Err(err).Msg("failed to persist evictions")
		}
		for _, p := range evicted {
			c.logger.Info().
				Str("clientID", p.ID).
				Str("role", string(p.Role)).
				Time("lastSeen", p.LastSeen).
				Msg("stale participant evicted")
		}
		c.hangup(evicted)
	}
	if c.shared {
		c.sync(ctx)
	}
	return c.remaining()
}

// Reset force-deletes the persisted room and drops every participant.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if err := c.store.Delete(ctx, c.key); err != nil {
		return errors.Join(ErrPersist, err)
	}
	c.hangup(c.room.Participants())
	c.room = room.New(c.roomID)
	c.delivered = make(map[string]model.SessionData)
	c.closed = true
	c.logger.Warn().Msg("room reset")
	return nil
}

// Snapshot returns a copy of the current room.
func (c *Coordinator) Snapshot(ctx context.Context) (*room.Room, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	return c.room.Clone(), nil
}

// remaining closes coordinator once the room is empty, its state is gone from the store by then.
func (c *Coordinator) remaining() int {
	n := c.room.Len()
	if n == 0 {
		c.closed = true
	}
	return n
}

func (c *Coordinator) hangup(participants []room.Participant) {
	for _, p := range participants {
		delete(c.delivered, p.ID)
		c.relay.Hangup(c.roomID, p.ID)
	}
}

func (c *Coordinator) deliver(ctx context.Context, clientID string, msg model.Message, data model.SessionData) {
	if c.relay.Send(ctx, c.roomID, clientID, msg) {
		c.delivered[clientID] = data.Clone()
	}
}

// sync pushes the stored offer to a local answerer and the stored answer to a
// local offerer unless they already got it.
func (c *Coordinator) sync(ctx context.Context) {
	for _, p := range c.room.Participants() {
		if !c.relay.Connected(c.roomID, p.ID) {
			continue
		}
		var (
			msg  model.Message
			data model.SessionData
			ok   bool
		)
		switch p.Role {
		case model.RoleAnswerer:
			if data, ok = c.room.Offer(); ok {
				msg = model.NewMessage(model.Offer(data))
			}
		case model.RoleOfferer:
			if data, ok = c.room.Answer(); ok {
				msg = model.NewMessage(model.Answer(data))
			}
		}
		if !ok {
			continue
		}
		if seen, found := c.delivered[p.ID]; found && seen.Equal(data) {
			continue
		}
		c.logger.Debug().Str("clientID", p.ID).Str("type", string(msg.Type())).Msg("pushing stored state")
		c.deliver(ctx, p.ID, msg, data)
	}
}

func (c *Coordinator) reply(ctx context.Context, clientID string, err error) {
	c.relay.Send(ctx, c.roomID, clientID, model.NewErrorMessage(ErrorCode(err), err))
}

// ErrorCode maps an error to the code reported on the wire.
func ErrorCode(err error) model.ErrorCode {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return model.CodeRoomFull
	case errors.Is(err, room.ErrRoleViolation):
		return model.CodeRoleViolation
	case errors.Is(err, room.ErrOfferAlreadyExists):
		return model.CodeOfferExists
	case errors.Is(err, room.ErrAnswerAlreadyExists):
		return model.CodeAnswerExists
	case errors.Is(err, room.ErrNoOfferYet):
		return model.CodeNoOffer
	case errors.Is(err, model.ErrMalformedMessage):
		return model.CodeMalformedMessage
	default:
		return model.CodeInternal
	}
}
