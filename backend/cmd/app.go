package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/webrtc-portal/backend/coordinator"
	httpServer "github.com/adwski/webrtc-portal/backend/server/http"
	websocketServer "github.com/adwski/webrtc-portal/backend/server/websocket"
	"github.com/adwski/webrtc-portal/backend/service"
	"github.com/adwski/webrtc-portal/backend/storage/memory"
	"github.com/adwski/webrtc-portal/backend/storage/sqlite"
	sw "github.com/adwski/webrtc-portal/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type store interface {
	coordinator.Store
	Run(ctx context.Context, wg *sync.WaitGroup)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel       = fs.StringP("log-level", "l", "debug", "log level")
		storeKind      = fs.StringP("store", "s", "memory", "room store: memory or sqlite")
		sqlitePath     = fs.String("sqlite-path", "portal.db", "sqlite database file")
		roomTTL        = fs.Duration("room-ttl", time.Hour, "ttl of persisted room since its last update")
		staleAfter     = fs.Duration("stale-after", coordinator.DefaultStaleAfter, "participant liveness threshold")
		evictInterval  = fs.Duration("evict-interval", time.Second, "stale participants check interval")
		clientIPHeader = fs.String("client-ip-header", websocketServer.DefaultClientIPHeader,
			"header with public address of client, used as room id when path has none")
		sharedStore = fs.Bool("shared-store", false,
			"store is shared with other instances, reload room before every operation")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store
	switch *storeKind {
	case "memory":
		if *sharedStore {
			logger.Warn().Msg("memory store cannot be shared between instances")
		}
		st = memory.NewMemStore(memory.Config{Logger: &logger, TTL: *roomTTL})
	case "sqlite":
		st, err = sqlite.Open(ctx, sqlite.Config{Logger: &logger, Path: *sqlitePath, TTL: *roomTTL})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open sqlite store")
		}
	default:
		logger.Fatal().Str("store", *storeKind).Msg("unknown store")
	}

	svc := service.NewService(service.Config{
		Store:         st,
		Switch:        sw.NewSwitch(&logger),
		Logger:        &logger,
		StaleAfter:    *staleAfter,
		EvictInterval: *evictInterval,
		SharedStore:   *sharedStore,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
		ClientIPHeader:   *clientIPHeader,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(4)
	go st.Run(ctx, wg)
	go svc.Run(ctx, wg)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	// websocket sessions are drained by now, their leaves are persisted
	if closer, ok := st.(io.Closer); ok {
		if err = closer.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close store")
		}
	}
}
