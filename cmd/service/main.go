// Package main initializes and starts the streaming-client core
// service: configuration, logging, the persistent cache, the MSL
// crypto state, the Netflix HTTP session and the loopback IPC server.
package main

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/cache"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/config"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/credentials"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/esn"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/ipc"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/logger"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/msl"
	"github.com/CastagnaIT/plugin.video.netflix-sub000/internal/nfsession"
)

// tickInterval paces the service housekeeping loop.
const tickInterval = 30 * time.Second

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		log.Log.Fatal("failed to init logger", zap.Error(err))
	}
	zapLogger := log.Log

	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		zapLogger.Fatal("cannot create data directory", zap.Error(err))
	}

	// Open the persistent cache tier and apply schema migrations.
	db, err := cache.OpenDatabase(filepath.Join(options.DataDir, "nf_cache.sqlite3"))
	if err != nil {
		zapLogger.Fatal("cannot open cache database", zap.Error(err))
	}
	defer db.Close()

	ttls := cache.TTLConfig{
		Generic:  options.TTLGeneric,
		MyList:   options.TTLMyList,
		Metadata: options.TTLMetadata,
	}
	cacheManager := cache.NewManager(cache.NewRepository(db), ttls, zapLogger)

	// Credential and MSL state stores live in the same data directory.
	creds, err := credentials.NewStore(options.DataDir)
	if err != nil {
		zapLogger.Fatal("cannot open credential store", zap.Error(err))
	}
	crypto, err := msl.NewCrypto(msl.NewStore(options.DataDir), zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot load msl state", zap.Error(err))
	}

	// Build the session and the MSL handler. The handler reads profile
	// GUIDs from the session; the session consults the handler before
	// allowing a profile switch.
	session, err := nfsession.New(creds, cacheManager, crypto, options, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot build session", zap.Error(err))
	}
	handler := msl.NewHandler(crypto, esn.NewProvider(cacheManager, options.ESN),
		cacheManager, creds, session, config.NewSettings(), options, zapLogger)
	session.SetPlaybackMonitor(handler)

	// Bind and start the loopback IPC server.
	server, err := ipc.NewServer(session, handler, cacheManager, options, zapLogger)
	if err != nil {
		zapLogger.Fatal("cannot start ipc server", zap.Error(err))
	}
	server.Start()
	fmt.Printf("IPC address: %s\n", server.Addr())

	// Run until the host sends an abort signal.
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for running := true; running; {
		select {
		case <-ticker.C:
			cacheManager.OnTick(ctx)
			cacheManager.ExecutePendingDBOps()
		case <-ctx.Done():
			running = false
		}
	}

	zapLogger.Info("shutting down")
	server.Shutdown()
	handler.Close()
	cacheManager.ExecutePendingDBOps()
}
