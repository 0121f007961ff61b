package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrAlreadyConnected = errors.New("endpoint is already connected")
)

// Switch keeps the wires of connected endpoints grouped by room instance and
// delivers messages to particular endpoints.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(instance, endpoint string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("instance", instance).
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	inst, ok := sw.fwd[instance]
	if ok {
		delete(inst, endpoint)
		if len(inst) == 0 {
			delete(sw.fwd, instance)
		}
	}
}

// Connect registers wire and starts pumping its inbound messages into h until
// ctx is done or the wire is hung up.
func (sw *Switch) Connect(ctx context.Context, instance, endpoint string, wire model.Wire, h model.WireHandler) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	inst, ok := sw.fwd[instance]
	if !ok {
		inst = make(map[string]model.Wire)
		sw.fwd[instance] = inst
	}
	if _, ok = inst[endpoint]; ok {
		return ErrAlreadyConnected
	}
	inst[endpoint] = wire

	sw.logger.Debug().
		Str("instance", instance).
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	go sw.pump(ctx, instance, endpoint, wire, h)
	return nil
}

func (sw *Switch) pump(ctx context.Context, instance, endpoint string, wire model.Wire, h model.WireHandler) {
pumpLoop:
	for {
		select {
		case <-ctx.Done():
			break pumpLoop
		case <-wire.Done():
			break pumpLoop
		case msg, ok := <-wire.RX:
			if !ok {
				break pumpLoop
			}
			h(ctx, instance, endpoint, msg)
		}
	}
	sw.logger.Trace().
		Str("instance", instance).
		Str("endpoint", endpoint).
		Msg("pump stopped")
}

func (sw *Switch) wire(instance, endpoint string) (model.Wire, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	w, ok := sw.fwd[instance][endpoint]
	return w, ok
}

func (sw *Switch) Connected(instance, endpoint string) bool {
	_, ok := sw.wire(instance, endpoint)
	return ok
}

// Send delivers msg to a particular endpoint. It reports false when the
// endpoint is unknown, gone or did not take the message in time.
func (sw *Switch) Send(ctx context.Context, instance, endpoint string, msg model.Message) bool {
	logger := sw.logger.With().
		Str("instance", instance).
		Str("type", string(msg.Type())).
		Str("dst", endpoint).Logger()

	wire, ok := sw.wire(instance, endpoint)
	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return false
	}
	return send(ctx, msg, wire, &logger)
}

// Hangup asks the transport of endpoint to terminate.
func (sw *Switch) Hangup(instance, endpoint string) {
	if wire, ok := sw.wire(instance, endpoint); ok {
		wire.Hangup()
	}
}

func send(ctx context.Context, msg model.Message, wire model.Wire, logger *zerolog.Logger) bool {
	var sent bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
	case <-wire.Done():
		logger.Debug().Msg("endpoint is gone")
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case wire.TX <- msg:
		logger.Debug().Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent
}
