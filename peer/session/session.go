// Package session drives one participant through the signaling protocol:
// role assignment, offer or answer with gathered candidates, offer resend,
// connectivity tracking and reconnection with backoff.
//
// Every piece of session state is owned by the goroutine running Run. Network
// work happens in separate goroutines which post their results back to that
// loop. Each connection attempt has its own generation, results of a torn
// down attempt are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultResendInterval = 5 * time.Second
	DefaultGatherTimeout  = 3 * time.Second
	DefaultBackoffBase    = time.Second
	DefaultBackoffMax     = 10 * time.Second

	defaultSendTimeout = 5 * time.Second
	defaultEventBuffer = 64
)

type Config struct {
	Logger  *zerolog.Logger
	Dial    Dialer
	NewPeer PeerFactory

	ResendInterval time.Duration
	GatherTimeout  time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// HeartbeatInterval enables explicit heartbeats for channels without
	// native liveness signal.
	HeartbeatInterval time.Duration

	// CloseSignalingOnConnect closes coordinator channel once peers are connected.
	CloseSignalingOnConnect bool

	// OnStatus is called from the session loop on every state change.
	OnStatus func(Status)
}

type Session struct {
	logger zerolog.Logger
	cfg    Config
	events chan func()
	done   chan struct{}

	mx     *sync.Mutex
	status Status

	// owned by the loop
	ctx       context.Context
	gen       uint64
	state     State
	attempt   int
	role      model.Role
	clientID  string
	roomID    string
	peer      Peer
	ch        Channel
	local     *model.SessionData
	remoteSet bool
	resend    *time.Timer
	heartbeat *time.Timer
	retry     *time.Timer
}

func New(cfg Config) *Session {
	if cfg.ResendInterval <= 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &Session{
		logger: cfg.Logger.With().Str("component", "session").Logger(),
		cfg:    cfg,
		events: make(chan func(), defaultEventBuffer),
		done:   make(chan struct{}),
		mx:     &sync.Mutex{},
		ctx:    context.Background(),
	}
}

func (s *Session) Status() Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.status
}

func (s *Session) State() State {
	return s.Status().State
}

// Start begins connecting. It is ignored while an attempt or a reconnect
// wait is in progress.
func (s *Session) Start() {
	s.enqueue(func() {
		switch s.state {
		case Idle:
		case Connected:
			s.teardown()
			s.attempt = 0
		default:
			s.logger.Warn().Str("state", s.state.String()).Msg("already connecting")
			return
		}
		s.connect()
	})
}

// Run processes session events until ctx is done. Everything is torn down
// before it returns and nothing fires afterwards.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			s.attempt = 0
			s.setState(Idle, nil)
			close(s.done)
			s.logger.Debug().Msg("session stopped")
			return
		case f := <-s.events:
			f()
		}
	}
}

func (s *Session) enqueue(f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	}
}

// post runs f in the loop unless attempt gen is torn down by then.
func (s *Session) post(gen uint64, f func()) {
	s.enqueue(func() {
		if gen != s.gen {
			return
		}
		f()
	})
}

func (s *Session) setState(st State, err error) {
	s.state = st
	status := Status{
		State:    st,
		Role:     s.role,
		ClientID: s.clientID,
		RoomID:   s.roomID,
		Attempt:  s.attempt,
		Err:      err,
	}
	s.mx.Lock()
	s.status = status
	s.mx.Unlock()

	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("state", st.String()).Str("role", string(s.role)).Int("attempt", s.attempt).Msg("state changed")
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status)
	}
}

func (s *Session) connect() {
	s.gen++
	gen := s.gen
	ctx := s.ctx
	s.setState(Connecting, nil)

	go func() {
		ch, err := s.cfg.Dial(ctx)
		ok := s.enqueue(func() {
			if gen != s.gen {
				if ch != nil {
					_ = ch.Close()
				}
				return
			}
			s.onDialed(ch, err)
		})
		if !ok && ch != nil {
			_ = ch.Close()
		}
	}()
}

func (s *Session) onDialed(ch Channel, err error) {
	if err != nil {
		s.fail(errors.Join(ErrTransport, err))
		return
	}
	s.ch = ch
	gen := s.gen
	go func() {
		for msg := range ch.Receive() {
			m := msg
			s.post(gen, func() { s.onSignal(m) })
		}
		s.post(gen, s.onChannelLost)
	}()
	s.setState(AwaitingRole, nil)
	s.armHeartbeat()
}

func (s *Session) onSignal(msg model.Message) {
	switch p := msg.Payload.(type) {
	case model.RoleAssignment:
		s.onRole(p)
	case model.Offer:
		s.onOffer(model.SessionData(p))
	case model.Answer:
		s.onAnswer(model.SessionData(p))
	case model.Ack:
		s.onAck(p.Type)
	case model.Error:
		s.fail(fmt.Errorf("%w: coordinator replied %s: %s", ErrNegotiation, p.Code, p.Message))
	default:
		s.logger.Debug().Str("type", string(msg.Type())).Msg("ignoring message")
	}
}

func (s *Session) onRole(ra model.RoleAssignment) {
	if s.state != AwaitingRole {
		s.logger.Debug().Str("state", s.state.String()).Msg("unexpected role assignment")
		return
	}
	peer, err := s.cfg.NewPeer(ra.Role)
	if err != nil {
		s.fail(errors.Join(ErrNegotiation, err))
		return
	}
	s.peer = peer
	s.role = ra.Role
	s.clientID = ra.ClientID
	s.roomID = ra.RoomID

	var (
		gen = s.gen
		ctx = s.ctx
	)
	peer.OnConnectivity(func(c Connectivity) {
		s.post(gen, func() { s.onConnectivity(c) })
	})

	if ra.Role == model.RoleAnswerer {
		s.setState(ListeningForOffer, nil)
		return
	}
	s.setState(Offering, nil)
	go func() {
		sdp, err := peer.CreateOffer()
		var candidates []model.Candidate
		if err == nil {
			candidates = s.gather(ctx, peer)
		}
		s.post(gen, func() { s.onLocalOffer(sdp, candidates, err) })
	}()
}

func (s *Session) gather(ctx context.Context, peer Peer) []model.Candidate {
	t := time.NewTimer(s.cfg.GatherTimeout)
	defer t.Stop()
	select {
	case <-peer.GatheringDone():
	case <-t.C:
		s.logger.Debug().Msg("candidate gathering timed out, sending what we have")
	case <-ctx.Done():
	}
	return peer.Candidates()
}

func (s *Session) onLocalOffer(sdp string, candidates []model.Candidate, err error) {
	if err != nil {
		s.fail(errors.Join(ErrNegotiation, err))
		return
	}
	s.local = &model.SessionData{SDP: sdp, Candidates: candidates}
	if !s.sendSignal(model.NewMessage(model.Offer(*s.local))) {
		return
	}
	s.setState(OfferSent, nil)
	s.armResend()
}

func (s *Session) armResend() {
	gen := s.gen
	s.resend = time.AfterFunc(s.cfg.ResendInterval, func() {
		s.post(gen, s.resendOffer)
	})
}

func (s *Session) resendOffer() {
	s.resend = nil
	if s.remoteSet || s.local == nil || (s.state != OfferSent && s.state != AwaitingAnswer) {
		return
	}
	s.logger.Debug().Msg("no answer received, resending offer")
	if s.sendSignal(model.NewMessage(model.Offer(*s.local))) {
		s.armResend()
	}
}

func (s *Session) onAck(t model.MessageType) {
	switch {
	case t == model.TypeOffer && s.state == OfferSent:
		s.setState(AwaitingAnswer, nil)
	case t == model.TypeAnswer && s.state == AnswerSent:
		s.setState(Negotiating, nil)
	}
}

func (s *Session) onOffer(offer model.SessionData) {
	if s.role != model.RoleAnswerer || s.state != ListeningForOffer {
		s.logger.Debug().Str("state", s.state.String()).Msg("ignoring offer")
		return
	}
	s.setState(OfferReceived, nil)

	var (
		gen  = s.gen
		ctx  = s.ctx
		peer = s.peer
	)
	go func() {
		sdp, candidates, err := s.answer(ctx, peer, offer)
		s.post(gen, func() { s.onLocalAnswer(sdp, candidates, err) })
	}()
}

func (s *Session) answer(ctx context.Context, peer Peer, offer model.SessionData) (string, []model.Candidate, error) {
	if err := applyRemote(peer, model.TypeOffer, offer); err != nil {
		return "", nil, err
	}
	sdp, err := peer.CreateAnswer()
	if err != nil {
		return "", nil, fmt.Errorf("create answer: %w", err)
	}
	return sdp, s.gather(ctx, peer), nil
}

func applyRemote(peer Peer, kind model.MessageType, data model.SessionData) error {
	if err := peer.SetRemoteDescription(kind, data.SDP); err != nil {
		return fmt.Errorf("set remote %s: %w", kind, err)
	}
	for _, c := range data.Candidates {
		if err := peer.AddCandidate(c); err != nil {
			return fmt.Errorf("add remote candidate: %w", err)
		}
	}
	return nil
}

func (s *Session) onLocalAnswer(sdp string, candidates []model.Candidate, err error) {
	if err != nil {
		s.fail(errors.Join(ErrNegotiation, err))
		return
	}
	s.local = &model.SessionData{SDP: sdp, Candidates: candidates}
	if !s.sendSignal(model.NewMessage(model.Answer(*s.local))) {
		return
	}
	s.setState(AnswerSent, nil)
}

func (s *Session) onAnswer(answer model.SessionData) {
	if s.role != model.RoleOfferer || s.remoteSet || (s.state != OfferSent && s.state != AwaitingAnswer) {
		s.logger.Debug().Str("state", s.state.String()).Msg("ignoring answer")
		return
	}
	s.remoteSet = true
	s.stopResend()

	var (
		gen  = s.gen
		peer = s.peer
	)
	go func() {
		err := applyRemote(peer, model.TypeAnswer, answer)
		s.post(gen, func() {
			if err != nil {
				s.fail(errors.Join(ErrNegotiation, err))
				return
			}
			if s.state == OfferSent || s.state == AwaitingAnswer {
				s.setState(Negotiating, nil)
			}
		})
	}()
}

func (s *Session) onConnectivity(c Connectivity) {
	switch c {
	case ConnectivityConnected:
		if s.state == Connected {
			return
		}
		s.stopResend()
		s.stopHeartbeat()
		s.attempt = 0
		s.setState(Connected, nil)
		if s.cfg.CloseSignalingOnConnect && s.ch != nil {
			_ = s.ch.Close()
			s.ch = nil
			s.logger.Debug().Msg("signaling channel closed")
		}
	case ConnectivityDisconnected, ConnectivityClosed:
		s.setState(Disconnected, fmt.Errorf("%w: peer connection %s", ErrTransport, c))
		s.scheduleReconnect()
	case ConnectivityFailed:
		s.fail(fmt.Errorf("%w: peer connection failed", ErrNegotiation))
	}
}

func (s *Session) onChannelLost() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.state == Connected {
		s.logger.Debug().Msg("signaling channel closed")
		return
	}
	s.fail(fmt.Errorf("%w: signaling channel lost", ErrTransport))
}

func (s *Session) sendSignal(msg model.Message) bool {
	if s.ch == nil {
		s.fail(fmt.Errorf("%w: no signaling channel", ErrTransport))
		return false
	}
	ctx, cancel := context.WithTimeout(s.ctx, defaultSendTimeout)
	defer cancel()
	if err := s.ch.Send(ctx, msg); err != nil {
		s.fail(errors.Join(ErrTransport, err))
		return false
	}
	return true
}

func (s *Session) armHeartbeat() {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	gen := s.gen
	s.heartbeat = time.AfterFunc(s.cfg.HeartbeatInterval, func() {
		s.post(gen, func() {
			s.heartbeat = nil
			if s.ch == nil || s.state == Connected {
				return
			}
			if s.sendSignal(model.NewMessage(model.Heartbeat{})) {
				s.armHeartbeat()
			}
		})
	})
}

func (s *Session) fail(err error) {
	s.setState(Failed, err)
	s.scheduleReconnect()
}

// scheduleReconnect tears current attempt down and arms the single retry timer.
func (s *Session) scheduleReconnect() {
	if s.retry != nil {
		return
	}
	s.teardown()
	delay := Backoff(s.attempt, s.cfg.BackoffBase, s.cfg.BackoffMax)
	s.attempt++
	s.setState(Reconnecting, nil)
	s.logger.Info().Dur("delay", delay).Int("attempt", s.attempt).Msg("reconnect scheduled")

	gen := s.gen
	s.retry = time.AfterFunc(delay, func() {
		s.post(gen, func() {
			s.retry = nil
			s.connect()
		})
	})
}

func (s *Session) stopResend() {
	if s.resend != nil {
		s.resend.Stop()
		s.resend = nil
	}
}

func (s *Session) stopHeartbeat() {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
}

func (s *Session) teardown() {
	s.gen++
	s.stopResend()
	s.stopHeartbeat()
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close peer connection")
		}
		s.peer = nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	s.role = ""
	s.clientID = ""
	s.roomID = ""
	s.local = nil
	s.remoteSet = false
}
