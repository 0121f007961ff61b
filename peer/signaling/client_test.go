package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// coordinatorStub assigns offerer role, acks first message and hangs up.
func coordinatorStub(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		write := func(msg model.Message) bool {
			b, err := json.Marshal(msg)
			if err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, b) == nil
		}
		if !write(model.NewMessage(model.RoleAssignment{Role: model.RoleOfferer, ClientID: "a", RoomID: "r"})) {
			return
		}
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := model.Decode(b)
		if err != nil {
			return
		}
		if !write(model.NewMessage(model.Ack{Type: msg.Type()})) {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		// wait for client close frame
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func next(t *testing.T, c *Client) (model.Message, bool) {
	t.Helper()
	select {
	case msg, ok := <-c.Receive():
		return msg, ok
	case <-time.After(3 * time.Second):
		t.Fatal("nothing received")
	}
	return model.Message{}, false
}

func TestClient(t *testing.T) {
	ts := coordinatorStub(t)
	logger := zerolog.Nop()

	c, err := Dial(context.Background(), Config{
		Logger: &logger,
		URL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	})
	require.NoError(t, err)

	msg, ok := next(t, c)
	require.True(t, ok)
	ra, ok := msg.Payload.(model.RoleAssignment)
	require.True(t, ok)
	assert.Equal(t, model.RoleOfferer, ra.Role)

	require.NoError(t, c.Send(context.Background(), model.NewMessage(model.Offer{SDP: "v=0"})))
	msg, ok = next(t, c)
	require.True(t, ok)
	ack, ok := msg.Payload.(model.Ack)
	require.True(t, ok)
	assert.Equal(t, model.TypeOffer, ack.Type)

	_, ok = next(t, c)
	assert.False(t, ok, "receive must be closed when server hangs up")

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(context.Background(), model.NewMessage(model.Heartbeat{})), ErrClosed)
}

func TestDialFailure(t *testing.T) {
	logger := zerolog.Nop()
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	_, err := Dial(context.Background(), Config{
		Logger: &logger,
		URL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	})
	assert.ErrorIs(t, err, ErrConnect)
}
