package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/coordinator"
	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	DefaultClientIPHeader = "X-Forwarded-For"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, roomID string, wire model.Wire) (string, error)
		DeleteSignalingSession(ctx context.Context, roomID, clientID string) error
		Touch(ctx context.Context, roomID, clientID string)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string

		// ClientIPHeader carries public address of the client when room id
		// is not given in the path.
		ClientIPHeader string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger   zerolog.Logger
		ipHeader string

		// parent of every wire context, cancelled on shutdown
		connCtx    context.Context
		connCancel context.CancelFunc
		sessions   *sync.WaitGroup
	}
)

func NewServer(cfg Config) *Server {
	ipHeader := cfg.ClientIPHeader
	if ipHeader == "" {
		ipHeader = DefaultClientIPHeader
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:     cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:        cfg.SignalingService,
		ipHeader:   ipHeader,
		connCtx:    connCtx,
		connCancel: connCancel,
		sessions:   &sync.WaitGroup{},
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.signal)
	mux.HandleFunc("/ws/{roomID}", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.drain()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// drain ends hijacked connections, Shutdown does not track them.
func (srv *Server) drain() {
	srv.connCancel()
	srv.sessions.Wait()
	srv.logger.Debug().Msg("signaling sessions drained")
}

// RoomID picks room of the request: explicit path value, then first address
// of the client ip header, then the remote host.
func RoomID(r *http.Request, ipHeader string) string {
	if id := r.PathValue("roomID"); id != "" {
		return id
	}
	if fwd := r.Header.Get(ipHeader); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	srv.sessions.Add(1)
	handedOff := false
	defer func() {
		if !handedOff {
			srv.sessions.Done()
		}
	}()

	roomID := RoomID(r, srv.ipHeader)
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if srv.connCtx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living wire context
	wire := model.NewWire(ctx, cancel)

	clientID, err := srv.svc.CreateSignalingSession(ctx, roomID, wire)
	if err != nil {
		srv.logger.Warn().Err(err).Str("roomID", roomID).Msg("failed to create signaling session")
		cancel()
		webSocketReject(conn, model.NewErrorMessage(coordinator.ErrorCode(err), err), &srv.logger)
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Msg("signaling session created")

	handedOff = true
	go func() {
		defer srv.sessions.Done()
		srv.handleWSConn(ctx, cancel, conn, roomID, clientID, wire)
	}()
}

func (srv *Server) destroySession(roomID, clientID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, roomID, clientID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	roomID string,
	clientID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("clientID", clientID).
		Logger()

	touch := func() {
		srv.svc.Touch(ctx, roomID, clientID)
	}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire, touch, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(roomID, clientID, &logger)
}

func writeMessage(conn *websocket.Conn, msg model.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		// unblock receiver
		if err := conn.SetReadDeadline(time.Now()); err != nil {
			logger.Debug().Err(err).Msg("failed to set websocket read deadline")
		}
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}
			if wsErr := writeMessage(conn, msg); wsErr != nil {
				logger.Error().Err(wsErr).Str("type", string(msg.Type())).Msg("failed to write outgoing message")
				break SendLoop
			}
			logger.Trace().Str("type", string(msg.Type())).Msg("message sent")
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	wire model.Wire,
	touch func(),
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		touch()
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, b, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			// any inbound frame counts as activity
			if wsErr = readDeadLineFunc(defaultPongWait); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			msg, wsErr := model.Decode(b)
			out, ch := msg, wire.RX
			if wsErr != nil {
				logger.Warn().Err(wsErr).Msg("malformed incoming message")
				out, ch = model.NewErrorMessage(model.CodeMalformedMessage, wsErr), wire.TX
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

// webSocketReject tells client why it was not let in.
func webSocketReject(conn *websocket.Conn, msg model.Message, logger *zerolog.Logger) {
	if err := writeMessage(conn, msg); err != nil {
		logger.Error().Err(err).Msg("failed to write rejection")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to write close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
