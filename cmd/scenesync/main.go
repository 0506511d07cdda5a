package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"

	"github.com/inviso/scenesync/internal/api"
	"github.com/inviso/scenesync/internal/app"
	"github.com/inviso/scenesync/internal/audio"
	"github.com/inviso/scenesync/internal/auth"
	"github.com/inviso/scenesync/internal/config"
	"github.com/inviso/scenesync/internal/influx"
	"github.com/inviso/scenesync/internal/dispatcher"
	"github.com/inviso/scenesync/internal/monitor"
	"github.com/inviso/scenesync/internal/schema"
	"github.com/inviso/scenesync/internal/session"
	"github.com/inviso/scenesync/internal/storage/websocket"
)

// BuildDate can be set at build time via ldflags.
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const usage = `Scenesync headless client.

Joins a shared room and mirrors it locally. Lines read from stdin are
session commands, see "help".

Usage:
    scenesync join [--config=<dir>] [--room=<room>] [--client=<client>]
        [--relay=<url>] [--token=<token>] [--script=<file>]
    scenesync token --room=<room> --client=<client> [--ttl=<ttl>] [--config=<dir>]
    scenesync -h | --help
    scenesync --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<dir>       Config directory [default: .].
    --room=<room>        Room to join.
    --client=<client>    Client id, defaults to a random id.
    --relay=<url>        Relay base URL, e.g. ws://localhost:8080.
    --token=<token>      Room token. Issued from relay.secret when empty.
    --script=<file>      Read commands from a file instead of stdin.
    --ttl=<ttl>          Token lifetime [default: 24h].`

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

	if token_, _ := opts.Bool("token"); token_ {
		if err := issueToken(opts, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if join_, _ := opts.Bool("join"); join_ {
		if err := join(opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}

// override copies set flags onto their config keys.
func override(opts docopt.Opts) {
	for flag, key := range map[string]string{
		"--room":   "session.room",
		"--client": "session.clientId",
		"--relay":  "relay.url",
	} {
		if v, ok := opts[flag].(string); ok && v != "" {
			viper.Set(key, v)
		}
	}
}

func issueToken(opts docopt.Opts, w io.Writer) error {
	room, _ := opts.String("--room")
	client, _ := opts.String("--client")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	keys, err := auth.New(config.GetRelayConfig().Secret)
	if err != nil {
		return err
	}
	token, err := keys.Issue(room, client, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func roomToken(opts docopt.Opts, room, client string) (string, error) {
	if t, ok := opts["--token"].(string); ok && t != "" {
		return t, nil
	}
	secret := config.GetRelayConfig().Secret
	if secret == "" {
		return "", nil
	}
	keys, err := auth.New(secret)
	if err != nil {
		return "", err
	}
	return keys.Issue(room, client, 24*time.Hour)
}

func join(opts docopt.Opts) error {
	override(opts)
	scfg := config.GetSessionConfig()
	if scfg.ClientID == "" {
		scfg.ClientID = newClientID()
	}
	rcfg := config.GetRelayConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup("scenesync", Version, []attribute.KeyValue{
		attribute.String("room", scfg.Room),
		attribute.String("client", scfg.ClientID),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Logs.Logger()

	token, err := roomToken(opts, scfg.Room, scfg.ClientID)
	if err != nil {
		return fmt.Errorf("room token: %w", err)
	}

	validator, err := schema.New()
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		Room:               scfg.Room,
		ClientID:           scfg.ClientID,
		TickRate:           scfg.TickRate,
		PublishRate:        scfg.PublishRate,
		ArcLengthSamples:   scfg.ArcLengthSamples,
		ClearRedoOnExecute: scfg.ClearRedoOnExecute,
		GestureTolerance:   scfg.GestureTolerance,
	}, session.Dependencies{
		Fetcher:   api.New(rcfg.ResourcesBaseURL, token),
		Player:    audio.NopPlayer{},
		Validator: validator,
		Notifier: session.NotifierFunc(func(n session.Notice) {
			logger.Warn("notice", "kind", n.Kind.String(), "entity", n.Entity, "error", n.Err)
		}),
		Logger:  logger,
		LoopLog: loopLog(rt),
	})
	if err != nil {
		return err
	}

	store := websocket.New(websocket.Config{
		URL:   strings.TrimRight(rcfg.URL, "/") + "/ws/" + scfg.Room,
		Token: token,
	}, logger)
	if err := store.Dial(); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	if err := sess.Join(ctx, store); err != nil {
		_ = store.Close()
		return fmt.Errorf("joining room %s: %w", scfg.Room, err)
	}
	logger.Info("Joined room", "relay", rcfg.URL)

	rt.Monitor.Add(monitor.Source{
		Measurement: "reconcile",
		Bucket:      influx.BucketSession,
		Tags:        map[string]string{"room": scfg.Room, "client": scfg.ClientID},
		Sample:      func() map[string]any { return sess.Engine().Stats().Fields() },
	})
	rt.Monitor.Start()
	defer rt.Monitor.Stop()

	input := io.Reader(os.Stdin)
	if path, ok := opts["--script"].(string); ok && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		input = f
	}
	go readCommands(ctx, sess, bufio.NewScanner(input), os.Stdout, logger)

	err = sess.Run(ctx)
	if cerr := sess.Close(); cerr != nil {
		logger.Warn("leaving session", "error", cerr)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loopLog avoids handing the session a typed nil.
func loopLog(rt *app.Runtime) dispatcher.Logger {
	if rt.LoopLog == nil {
		return nil
	}
	return rt.LoopLog
}

func newClientID() string {
	return "cli-" + strings.ToLower(ulid.Make().String())
}
