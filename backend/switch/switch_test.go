package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	instance, endpoint string
	msg                model.Message
}

func newWire() (model.Wire, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	return model.NewWire(ctx, cancel), cancel
}

func TestPumpPreservesOrder(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan received, 10)
	h := func(_ context.Context, instance, endpoint string, msg model.Message) {
		got <- received{instance: instance, endpoint: endpoint, msg: msg}
	}

	wire, hangup := newWire()
	defer hangup()
	require.NoError(t, sw.Connect(ctx, "room", "a", wire, h))
	assert.ErrorIs(t, sw.Connect(ctx, "room", "a", wire, h), ErrAlreadyConnected)

	wire.RX <- model.NewMessage(model.Offer{SDP: "1"})
	wire.RX <- model.NewMessage(model.Offer{SDP: "2"})
	wire.RX <- model.NewMessage(model.Heartbeat{})

	for _, want := range []model.MessageType{model.TypeOffer, model.TypeOffer, model.TypeHeartbeat} {
		select {
		case r := <-got:
			assert.Equal(t, "room", r.instance)
			assert.Equal(t, "a", r.endpoint)
			assert.Equal(t, want, r.msg.Type())
		case <-time.After(time.Second):
			t.Fatal("message was not pumped")
		}
	}
}

func TestSend(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx := context.Background()

	wire, hangup := newWire()
	defer hangup()
	require.NoError(t, sw.Connect(ctx, "room", "b", wire, func(context.Context, string, string, model.Message) {}))

	assert.True(t, sw.Connected("room", "b"))
	assert.True(t, sw.Send(ctx, "room", "b", model.NewMessage(model.Offer{SDP: "X"})))
	msg := <-wire.TX
	assert.Equal(t, model.TypeOffer, msg.Type())

	assert.False(t, sw.Send(ctx, "room", "nobody", model.NewMessage(model.Heartbeat{})))
	assert.False(t, sw.Send(ctx, "other", "b", model.NewMessage(model.Heartbeat{})))

	sw.Disconnect("room", "b")
	assert.False(t, sw.Connected("room", "b"))
	assert.False(t, sw.Send(ctx, "room", "b", model.NewMessage(model.Heartbeat{})))
}

func TestSendToHungUpEndpoint(t *testing.T) {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	ctx := context.Background()

	wire, _ := newWire()
	require.NoError(t, sw.Connect(ctx, "room", "b", wire, func(context.Context, string, string, model.Message) {}))

	// fill the buffer so that only the done channel can release the send
	for i := 0; i < cap(wire.TX); i++ {
		wire.TX <- model.NewMessage(model.Heartbeat{})
	}
	sw.Hangup("room", "b")

	start := time.Now()
	assert.False(t, sw.Send(ctx, "room", "b", model.NewMessage(model.Heartbeat{})))
	assert.Less(t, time.Since(start), defaultFwdTimout)
}
