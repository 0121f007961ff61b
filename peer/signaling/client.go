package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024

	defaultHandshakeTimeout = 5 * time.Second
	closeGrace              = time.Second
)

var (
	ErrClosed  = errors.New("signaling client is closed")
	ErrConnect = errors.New("failed to connect to signaling server")
)

type Config struct {
	Logger *zerolog.Logger

	// URL of the signaling endpoint, e.g. ws://host:8888/ws or ws://host:8888/ws/<room>.
	URL    string
	Header http.Header
}

// Client is a websocket channel to the coordinator.
type Client struct {
	logger   zerolog.Logger
	conn     *websocket.Conn
	incoming chan model.Message
	outgoing chan model.Message
	done     chan struct{}

	closeOnce *sync.Once
	wg        *sync.WaitGroup
}

// Dial establishes websocket connection to the coordinator.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), cfg.Header)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	_ = resp.Body.Close()

	c := &Client{
		logger:    cfg.Logger.With().Str("component", "signaling-client").Logger(),
		conn:      conn,
		incoming:  make(chan model.Message, 16),
		outgoing:  make(chan model.Message, 16),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		wg:        &sync.WaitGroup{},
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// server pings prove liveness too
	c.conn.SetPingHandler(func(data string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return err
		}
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return nil
	})

	c.wg.Add(2)
	go c.readPump()
	go c.writePump()

	c.logger.Debug().Str("url", u.String()).Msg("connected")
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.wg.Done()
		close(c.incoming)
		c.shutdown()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Msg("connection closed by server")
			} else {
				select {
				case <-c.done:
				default:
					c.logger.Warn().Err(err).Msg("receive failed")
				}
			}
			return
		}
		msg, err := model.Decode(b)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()

	for {
		select {
		case msg := <-c.outgoing:
			b, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshal message")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err = c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Warn().Err(err).Msg("send failed")
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Send queues message for delivery.
func (c *Client) Send(ctx context.Context, msg model.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns inbound messages, the channel is closed when connection is gone.
func (c *Client) Receive() <-chan model.Message {
	return c.incoming
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Close says goodbye to the server and releases connection.
func (c *Client) Close() error {
	c.shutdown()
	// let write pump send close frame, then unblock read pump
	_ = c.conn.SetReadDeadline(time.Now().Add(closeGrace))
	c.wg.Wait()
	return c.conn.Close()
}
