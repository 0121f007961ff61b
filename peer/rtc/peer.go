// Package rtc adapts pion peer connections to the session.Peer contract.
package rtc

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/adwski/webrtc-portal/peer/session"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	DataChannelLabel = "messages"
	DefaultSTUN      = "stun:stun.l.google.com:19302"

	chatTypeMessage = "message"
)

var (
	ErrChannelNotOpen = errors.New("data channel is not open")
	ErrBadCandidate   = errors.New("bad candidate")
)

type Config struct {
	Logger     *zerolog.Logger
	ICEServers []string

	// MDNS hides local addresses behind mDNS names and resolves remote ones.
	MDNS bool

	// OnChat receives text of inbound chat messages.
	OnChat func(text string)
}

type API struct {
	api        *webrtc.API
	logger     zerolog.Logger
	iceServers []webrtc.ICEServer
	onChat     func(string)
}

func NewAPI(cfg Config) *API {
	settings := webrtc.SettingEngine{}
	if cfg.MDNS {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeQueryAndGather)
	} else {
		settings.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	return &API{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		logger:     cfg.Logger.With().Str("component", "rtc").Logger(),
		iceServers: servers,
		onChat:     cfg.OnChat,
	}
}

// Peer is one peer connection together with its chat data channel.
type Peer struct {
	logger zerolog.Logger
	pc     *webrtc.PeerConnection

	gathered   chan struct{}
	gatherOnce *sync.Once

	mx         *sync.Mutex
	candidates []model.Candidate
	dc         *webrtc.DataChannel
	onConn     func(session.Connectivity)
	onChat     func(string)
	closed     bool
}

// NewPeer creates peer connection for role. Offerer opens the chat channel,
// answerer waits for it.
func (a *API) NewPeer(role model.Role) (*Peer, error) {
	pc, err := a.api.NewPeerConnection(webrtc.Configuration{ICEServers: a.iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p := &Peer{
		logger:     a.logger.With().Str("role", string(role)).Logger(),
		pc:         pc,
		gathered:   make(chan struct{}),
		gatherOnce: &sync.Once{},
		mx:         &sync.Mutex{},
		onChat:     a.onChat,
	}

	pc.OnICECandidate(p.handleCandidate)
	pc.OnConnectionStateChange(p.handleConnectionState)

	if role == model.RoleOfferer {
		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		p.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != DataChannelLabel {
				p.logger.Debug().Str("label", dc.Label()).Msg("ignoring data channel")
				return
			}
			p.attach(dc)
		})
	}
	return p, nil
}

func (p *Peer) handleCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		p.gatherOnce.Do(func() { close(p.gathered) })
		return
	}
	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal local candidate")
		return
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.closed {
		p.candidates = append(p.candidates, model.Candidate(b))
	}
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Debug().Str("state", state.String()).Msg("connection state changed")

	var c session.Connectivity
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		c = session.ConnectivityConnecting
	case webrtc.PeerConnectionStateConnected:
		c = session.ConnectivityConnected
	case webrtc.PeerConnectionStateDisconnected:
		c = session.ConnectivityDisconnected
	case webrtc.PeerConnectionStateFailed:
		c = session.ConnectivityFailed
	case webrtc.PeerConnectionStateClosed:
		c = session.ConnectivityClosed
	default:
		return
	}

	p.mx.Lock()
	f := p.onConn
	p.mx.Unlock()
	if f != nil {
		f(c)
	}
}

func (p *Peer) attach(dc *webrtc.DataChannel) {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		_ = dc.Close()
		return
	}
	p.dc = dc
	p.mx.Unlock()

	dc.OnOpen(func() {
		p.logger.Info().Msg("chat channel open")
	})
	dc.OnClose(func() {
		p.logger.Debug().Msg("chat channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		text, err := decodeChat(msg.Data)
		if err != nil {
			p.logger.Debug().Err(err).Msg("unhandled data channel message")
			return
		}
		p.mx.Lock()
		f := p.onChat
		p.mx.Unlock()
		if f != nil {
			f(text)
		}
	})
}

func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *Peer) SetRemoteDescription(kind model.MessageType, sdp string) error {
	sd := webrtc.SessionDescription{SDP: sdp}
	switch kind {
	case model.TypeOffer:
		sd.Type = webrtc.SDPTypeOffer
	case model.TypeAnswer:
		sd.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", kind)
	}
	return p.pc.SetRemoteDescription(sd)
}

func (p *Peer) AddCandidate(c model.Candidate) error {
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(c, &ci); err != nil {
		return errors.Join(ErrBadCandidate, err)
	}
	if err := p.pc.AddICECandidate(ci); err != nil {
		return errors.Join(ErrBadCandidate, err)
	}
	return nil
}

func (p *Peer) Candidates() []model.Candidate {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]model.Candidate(nil), p.candidates...)
}

func (p *Peer) GatheringDone() <-chan struct{} {
	return p.gathered
}

func (p *Peer) OnConnectivity(f func(session.Connectivity)) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.closed {
		p.onConn = f
	}
}

// SendChat sends text over the chat channel.
func (p *Peer) SendChat(text string) error {
	p.mx.Lock()
	dc := p.dc
	p.mx.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	b, err := encodeChat(text)
	if err != nil {
		return err
	}
	return dc.SendText(string(b))
}

// Close detaches callbacks and releases the connection.
func (p *Peer) Close() error {
	p.mx.Lock()
	if p.closed {
		p.mx.Unlock()
		return nil
	}
	p.closed = true
	p.onConn = nil
	p.onChat = nil
	dc := p.dc
	p.dc = nil
	p.mx.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	p.gatherOnce.Do(func() { close(p.gathered) })
	return p.pc.Close()
}

type chatEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeChat(text string) ([]byte, error) {
	data, err := json.Marshal(base64.StdEncoding.EncodeToString([]byte(text)))
	if err != nil {
		return nil, err
	}
	return json.Marshal(chatEnvelope{Type: chatTypeMessage, Data: data})
}

func decodeChat(b []byte) (string, error) {
	var env chatEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", err
	}
	if env.Type != chatTypeMessage {
		return "", fmt.Errorf("unsupported chat message type %q", env.Type)
	}
	var encoded string
	if err := json.Unmarshal(env.Data, &encoded); err != nil {
		return "", err
	}
	text, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(text), nil
}
