package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/spf13/viper"

	"github.com/inviso/scenesync/internal/app"
	"github.com/inviso/scenesync/internal/auth"
	"github.com/inviso/scenesync/internal/config"
	"github.com/inviso/scenesync/internal/database"
	"github.com/inviso/scenesync/internal/influx"
	"github.com/inviso/scenesync/internal/logging"
	"github.com/inviso/scenesync/internal/monitor"
	"github.com/inviso/scenesync/internal/relay"
	gormstorage "github.com/inviso/scenesync/internal/storage/gorm"
)

// BuildDate can be set at build time via ldflags.
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const usage = `Scenesync relay.

Serves rooms over websocket, persists them and hosts their sound resources.

Usage:
    scenesync-relay serve [--config=<dir>] [--listen=<addr>] [--storage=<type>]
    scenesync-relay rooms [--config=<dir>] [--storage=<type>]
    scenesync-relay -h | --help
    scenesync-relay --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<dir>     Config directory [default: .].
    --listen=<addr>    Listen address, overrides relay.listen.
    --storage=<type>   memory, sqlite or postgres, overrides storage.type.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], fmt.Sprintf("%s (%s)", Version, BuildDate))
	if err != nil {
		panic(err)
	}

	dir, _ := opts.String("--config")
	if err := config.Load(dir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if v, ok := opts["--listen"].(string); ok && v != "" {
		viper.Set("relay.listen", v)
	}
	if v, ok := opts["--storage"].(string); ok && v != "" {
		viper.Set("storage.type", v)
	}

	if rooms_, _ := opts.Bool("rooms"); rooms_ {
		err = listRooms(os.Stdout)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDatabase connects and migrates the configured store.
func openDatabase(w io.Writer) (*database.Manager, error) {
	scfg := config.GetStorageConfig()
	mgr := database.NewManager(logging.NewZerolog(w, config.GetString("logLevel")))
	mgr.SqliteFilePath = scfg.SqlitePath
	if scfg.Type != database.KindSqlite && scfg.SqliteDumpPath != "" {
		mgr.SqliteFilePath = scfg.SqliteDumpPath
	}
	if err := mgr.Connect(scfg.Type); err != nil {
		return nil, err
	}
	if err := mgr.Setup(); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return mgr, nil
}

func listRooms(w io.Writer) error {
	mgr, err := openDatabase(io.Discard)
	if err != nil {
		return err
	}
	defer mgr.Close()

	backend := gormstorage.New(gormstorage.Dependencies{DB: mgr.DB})
	rooms, err := backend.Rooms(context.Background())
	if err != nil {
		return err
	}
	for _, r := range rooms {
		if _, err := fmt.Fprintln(w, r); err != nil {
			return err
		}
	}
	return nil
}

func serve() error {
	rcfg := config.GetRelayConfig()
	scfg := config.GetStorageConfig()

	rt, err := app.Setup("scenesync-relay", Version, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := openDatabase(os.Stdout)
	if err != nil {
		return err
	}
	defer mgr.Close()

	persist := gormstorage.New(gormstorage.Dependencies{
		DB:            mgr.DB,
		Logger:        logger,
		FlushInterval: scfg.FlushInterval,
	})
	if err := persist.Init(); err != nil {
		return err
	}

	var keys *auth.Keys
	if rcfg.Secret != "" {
		if keys, err = auth.New(rcfg.Secret); err != nil {
			return err
		}
	} else {
		logger.Warn("relay.secret is empty, connections are not authenticated")
	}

	srv, err := relay.New(relay.Config{
		ResourcesDir:     rcfg.ResourcesDir,
		SnapshotDir:      rcfg.SnapshotDir,
		SnapshotInterval: rcfg.SnapshotInterval,
		SnapshotKeep:     rcfg.SnapshotKeep,
		PresenceTimeout:  rcfg.PresenceTimeout,
		AllowedOrigins:   rcfg.AllowedOrigins,
		RateLimit:        rcfg.RateLimit,
		RateBurst:        rcfg.RateBurst,
	}, relay.Dependencies{Keys: keys, Persist: persist, Logger: logger})
	if err != nil {
		return err
	}

	rt.Monitor.Add(monitor.Source{
		Measurement: "relay",
		Bucket:      influx.BucketRelay,
		Sample: func() map[string]any {
			fields := srv.Stats().Fields()
			fields["pending_writes"] = persist.Pending()
			return fields
		},
	})
	rt.Monitor.Start()
	defer rt.Monitor.Stop()

	if shouldDump(mgr, scfg) {
		go dumpLoop(ctx, mgr, persist, scfg.SqliteDumpPeriod, logger)
	}

	httpSrv := &http.Server{
		Addr:              rcfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "addr", rcfg.Listen, "storage", mgr.DB.Dialector.Name())
		serveErr <- httpSrv.ListenAndServe()
	}()

	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Close()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	<-snapDone
	if cerr := persist.Close(); cerr != nil {
		logger.Error("final flush failed", "error", cerr)
	}
	if shouldDump(mgr, scfg) {
		if derr := mgr.DumpMemoryToDisk(); derr != nil {
			logger.Error("final dump failed", "error", derr)
		}
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// shouldDump is true when the live database is in memory and has a file to
// be copied to.
func shouldDump(mgr *database.Manager, scfg config.StorageConfig) bool {
	if mgr.ShouldSaveLocal {
		return true
	}
	return scfg.Type == database.KindMemory && scfg.SqliteDumpPath != ""
}

// dumpLoop periodically copies the in-memory database to disk.
func dumpLoop(ctx context.Context, mgr *database.Manager, persist *gormstorage.Backend, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := persist.Flush(ctx); err != nil {
				logger.Warn("flush before dump failed", "error", err)
			}
			if err := mgr.DumpMemoryToDisk(); err != nil {
				logger.Error("Error dumping memory DB", "error", err)
			}
		}
	}
}
