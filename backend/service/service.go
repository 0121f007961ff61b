package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/coordinator"
	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/adwski/webrtc-portal/backend/room"
	"github.com/adwski/webrtc-portal/backend/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultEvictInterval = time.Second
)

var (
	ErrJoin         = errors.New("unable to join room")
	ErrGet          = errors.New("unable to get room")
	ErrConnect      = errors.New("unable to connect")
	ErrReset        = errors.New("unable to reset room")
	ErrRoomNotFound = errors.New("room not found")
)

type (
	Switch interface {
		coordinator.Relay
		Connect(ctx context.Context, instance, endpoint string, wire model.Wire, h model.WireHandler) error
		Disconnect(instance, endpoint string)
	}

	Service struct {
		store  coordinator.Store
		sw     Switch
		logger zerolog.Logger
		parent *zerolog.Logger

		staleAfter    time.Duration
		evictInterval time.Duration
		sharedStore   bool
		clock         func() time.Time

		mx     *sync.Mutex
		coords map[string]*coordinator.Coordinator
	}

	Config struct {
		Store  coordinator.Store
		Switch Switch
		Logger *zerolog.Logger

		StaleAfter    time.Duration
		EvictInterval time.Duration
		SharedStore   bool
		Clock         func() time.Time
	}
)

func NewService(cfg Config) *Service {
	evictInterval := cfg.EvictInterval
	if evictInterval <= 0 {
		evictInterval = defaultEvictInterval
	}
	return &Service{
		store:         cfg.Store,
		sw:            cfg.Switch,
		logger:        cfg.Logger.With().Str("component", "signaling").Logger(),
		parent:        cfg.Logger,
		staleAfter:    cfg.StaleAfter,
		evictInterval: evictInterval,
		sharedStore:   cfg.SharedStore,
		clock:         cfg.Clock,
		mx:            &sync.Mutex{},
		coords:        make(map[string]*coordinator.Coordinator),
	}
}

// coordinator returns the coordinator of the room, creating it when the room
// is not served yet.
func (svc *Service) coordinator(ctx context.Context, roomID string) (*coordinator.Coordinator, error) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if c, ok := svc.coords[roomID]; ok {
		return c, nil
	}
	c, err := coordinator.New(ctx, coordinator.Config{
		Logger:      svc.parent,
		Store:       svc.store,
		Relay:       svc.sw,
		RoomID:      roomID,
		StaleAfter:  svc.staleAfter,
		SharedStore: svc.sharedStore,
		Clock:       svc.clock,
	})
	if err != nil {
		return nil, err
	}
	svc.coords[roomID] = c
	return c, nil
}

func (svc *Service) lookup(roomID string) (*coordinator.Coordinator, bool) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	c, ok := svc.coords[roomID]
	return c, ok
}

func (svc *Service) forget(c *coordinator.Coordinator) {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	if svc.coords[c.RoomID()] == c {
		delete(svc.coords, c.RoomID())
		svc.logger.Debug().Str("roomID", c.RoomID()).Msg("room is no longer served")
	}
}

// CreateSignalingSession connects wire to the room and joins it as a new
// participant. It returns the id assigned to the participant.
func (svc *Service) CreateSignalingSession(ctx context.Context, roomID string, wire model.Wire) (string, error) {
	clientID := uuid.NewString()
	if err := svc.sw.Connect(ctx, roomID, clientID, wire, svc.handleMessage); err != nil {
		return "", errors.Join(ErrConnect, err)
	}

	for {
		c, err := svc.coordinator(ctx, roomID)
		if err != nil {
			svc.sw.Disconnect(roomID, clientID)
			return "", errors.Join(ErrJoin, err)
		}
		role, err := c.Join(ctx, clientID)
		if errors.Is(err, coordinator.ErrClosed) {
			// room was emptied concurrently
			svc.forget(c)
			continue
		}
		if err != nil {
			svc.sw.Disconnect(roomID, clientID)
			return "", errors.Join(ErrJoin, err)
		}
		svc.logger.Debug().
			Str("clientID", clientID).
			Str("roomID", roomID).
			Str("role", string(role)).
			Msg("signaling session connected")
		return clientID, nil
	}
}

func (svc *Service) DeleteSignalingSession(ctx context.Context, roomID, clientID string) error {
	svc.sw.Disconnect(roomID, clientID)

	c, ok := svc.lookup(roomID)
	if !ok {
		return nil
	}
	left, err := c.Leave(ctx, clientID)
	if left == 0 {
		svc.forget(c)
	}
	if err != nil {
		return err
	}
	svc.logger.Debug().
		Str("clientID", clientID).
		Str("roomID", roomID).
		Msg("signaling session deleted")
	return nil
}

// Touch refreshes liveness of participant on transport level activity.
func (svc *Service) Touch(ctx context.Context, roomID, clientID string) {
	if c, ok := svc.lookup(roomID); ok {
		c.Touch(ctx, clientID)
	}
}

func (svc *Service) handleMessage(ctx context.Context, roomID, clientID string, msg model.Message) {
	c, ok := svc.lookup(roomID)
	if !ok {
		svc.logger.Warn().
			Str("clientID", clientID).
			Str("roomID", roomID).
			Msg("message for room that is not served, hanging up")
		svc.sw.Send(ctx, roomID, clientID, model.NewErrorMessage(model.CodeRoleViolation, room.ErrNotParticipant))
		svc.sw.Hangup(roomID, clientID)
		return
	}
	c.Handle(ctx, clientID, msg)
}

// GetRoom returns current state of the room.
func (svc *Service) GetRoom(ctx context.Context, roomID string) (*room.Room, error) {
	if c, ok := svc.lookup(roomID); ok {
		r, err := c.Snapshot(ctx)
		if err != nil {
			return nil, errors.Join(ErrGet, err)
		}
		return r, nil
	}
	blob, err := svc.store.Get(ctx, storage.RoomKey(roomID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	r, err := room.Deserialize(blob)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return r, nil
}

// ResetRoom drops persisted state of the room and hangs up its participants.
func (svc *Service) ResetRoom(ctx context.Context, roomID string) error {
	c, err := svc.coordinator(ctx, roomID)
	if err != nil {
		return errors.Join(ErrReset, err)
	}
	defer svc.forget(c)
	if err = c.Reset(ctx); err != nil {
		return errors.Join(ErrReset, err)
	}
	return nil
}

// Run evicts stale participants of served rooms until ctx is done.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	ticker := time.NewTicker(svc.evictInterval)
	defer func() {
		ticker.Stop()
		svc.logger.Debug().Msg("evictor stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.evict(ctx)
		}
	}
}

func (svc *Service) evict(ctx context.Context) {
	svc.mx.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(svc.coords))
	for _, c := range svc.coords {
		coords = append(coords, c)
	}
	svc.mx.Unlock()

	for _, c := range coords {
		if c.Evict(ctx) == 0 {
			svc.forget(c)
		}
	}
}
