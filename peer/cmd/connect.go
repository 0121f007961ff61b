package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-portal/backend/model"
	"github.com/adwski/webrtc-portal/peer/rtc"
	"github.com/adwski/webrtc-portal/peer/session"
	"github.com/adwski/webrtc-portal/peer/signaling"
	"github.com/spf13/cobra"
)

var (
	flagRoom          string
	flagMDNS          bool
	flagSTUN          []string
	flagKeepSignaling bool
	flagHeartbeat     bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a room and chat with the other participant",
	Long: `Join a room and negotiate a peer connection with the other participant.

Lines typed on stdin are sent over the chat channel. Commands:
  /status     print session status
  /reconnect  tear down and negotiate again
  /quit       leave the room`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := signalingURL(flagServer, flagRoom)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runConnect(ctx, cancel, u, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := connectCmd.Flags()
	f.StringVarP(&flagRoom, "room", "r", "", "room id, derived from public address when empty")
	f.BoolVar(&flagMDNS, "mdns", false, "hide local addresses behind mDNS names")
	f.StringSliceVar(&flagSTUN, "stun", []string{rtc.DefaultSTUN}, "STUN servers")
	f.BoolVar(&flagKeepSignaling, "keep-signaling", false,
		"keep coordinator connection open after peers are connected")
	f.BoolVar(&flagHeartbeat, "heartbeat", false, "send explicit heartbeats to coordinator")
	rootCmd.AddCommand(connectCmd)
}

func signalingURL(server, roomID string) (string, error) {
	u, err := url.Parse(trimBase(server))
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	if roomID == "" {
		return u.String() + "/ws", nil
	}
	return u.String() + "/ws/" + url.PathEscape(roomID), nil
}

// chat tracks the peer of the current attempt, the factory replaces it on every reconnect.
type chat struct {
	mx   *sync.Mutex
	peer *rtc.Peer
}

func (c *chat) set(p *rtc.Peer) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.peer = p
}

func (c *chat) send(text string) error {
	c.mx.Lock()
	p := c.peer
	c.mx.Unlock()
	if p == nil {
		return rtc.ErrChannelNotOpen
	}
	return p.SendChat(text)
}

func runConnect(ctx context.Context, cancel context.CancelFunc, u string, in io.Reader, out io.Writer) error {
	var (
		outMx = &sync.Mutex{}
		c     = &chat{mx: &sync.Mutex{}}
	)
	printf := func(format string, args ...any) {
		outMx.Lock()
		defer outMx.Unlock()
		_, _ = fmt.Fprintf(out, format, args...)
	}

	api := rtc.NewAPI(rtc.Config{
		Logger:     &logger,
		ICEServers: flagSTUN,
		MDNS:       flagMDNS,
		OnChat: func(text string) {
			printf("< %s\n", text)
		},
	})

	cfg := session.Config{
		Logger: &logger,
		Dial: func(ctx context.Context) (session.Channel, error) {
			cl, err := signaling.Dial(ctx, signaling.Config{Logger: &logger, URL: u})
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
		NewPeer: func(role model.Role) (session.Peer, error) {
			p, err := api.NewPeer(role)
			if err != nil {
				return nil, err
			}
			c.set(p)
			return p, nil
		},
		CloseSignalingOnConnect: !flagKeepSignaling,
		OnStatus: func(st session.Status) {
			printf("* %s\n", describe(st))
		},
	}
	if flagHeartbeat {
		cfg.HeartbeatInterval = session.DefaultResendInterval
	}
	sess := session.New(cfg)

	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			switch line {
			case "":
			case "/quit":
				cancel()
				return
			case "/status":
				printf("* %s\n", describe(sess.Status()))
			case "/reconnect":
				sess.Start()
			default:
				if err := c.send(line); err != nil {
					printf("! %v\n", err)
				}
			}
		}
	}()

	printf("* connecting to %s\n", u)
	sess.Start()
	sess.Run(ctx)
	return nil
}

func describe(st session.Status) string {
	var b strings.Builder
	b.WriteString(st.State.String())
	if st.Role != "" {
		fmt.Fprintf(&b, " role=%s", st.Role)
	}
	if st.RoomID != "" {
		fmt.Fprintf(&b, " room=%s", st.RoomID)
	}
	if st.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", st.Attempt)
	}
	if st.Err != nil {
		fmt.Fprintf(&b, " err=%q", st.Err.Error())
	}
	return b.String()
}
