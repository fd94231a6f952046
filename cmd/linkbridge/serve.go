package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"linkbridge/internal/bridgestate"
	"linkbridge/internal/config"
	"linkbridge/internal/controlapi"
	"linkbridge/internal/djlink"
	"linkbridge/internal/engine"
)

// serveCmd runs the bridge daemon, mirroring
// _examples/scgolang-oscsync/cmd/serve.go's shape: parse flags into a
// config struct, construct a server, run it under an errgroup until
// shutdown.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tempo/phase bridge daemon",
	RunE:  runServe,
}

var (
	shutdown     = make(chan struct{})
	shutdownOnce sync.Once
)

func requestShutdown() {
	shutdownOnce.Do(func() { close(shutdown) })
}

// initShutdownHandler installs a signal handler to trigger shutdown,
// adapted directly from mpdgolinger.go's initShutdownHandler/requestShutdown
// sync.Once-guarded channel-close pattern.
func initShutdownHandler() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		requestShutdown()
	}()
}

func init() {
	RootCmd.AddCommand(serveCmd)
	flags := serveCmd.Flags()
	flags.String("config", "", "path to YAML config file")
	flags.Int("port", 0, "Link daemon TCP port (overrides config)")
	flags.Int("latency-ms", 0, "estimated beat-packet latency in ms (overrides config)")
	flags.Bool("bar-align", false, "align at measure boundaries instead of individual beats")
	flags.String("listen", "", "control-plane listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	portFlag, _ := flags.GetInt("port")
	latencyFlag, _ := flags.GetInt("latency-ms")
	barAlignFlag, _ := flags.GetBool("bar-align")
	listenFlag, _ := flags.GetString("listen")

	cf, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}
	if portFlag != 0 {
		cf.Port = portFlag
	}
	if latencyFlag != 0 {
		cf.LatencyMs = latencyFlag
	}
	if cmd.Flags().Changed("bar-align") {
		cf.BarAlign = barAlignFlag
	}
	if listenFlag != "" {
		cf.Listen = listenFlag
	}

	log := logrus.StandardLogger()

	// The real DJ-Link engine (device discovery, packet decoding, virtual
	// participant) is an external collaborator out of this repository's
	// scope (spec.md §1). A loopback stand-in lets this binary run
	// end-to-end; embedders wire their own djlink.Engine through
	// engine.Options.DJLink instead.
	dj := djlink.NewFakeEngine()

	bridge := engine.New(engine.Options{DJLink: dj, Log: log})
	if err := bridge.SetCarabinerPort(cf.Port); err != nil {
		return errors.Wrap(err, "applying configured port")
	}
	if err := bridge.SetLatency(cf.LatencyMs); err != nil {
		return errors.Wrap(err, "applying configured latency")
	}
	if err := bridge.SetSyncBars(cf.BarAlign); err != nil {
		return errors.Wrap(err, "applying configured bar_align")
	}
	if mode, ok := parseConfiguredMode(cf.SyncMode); ok && mode != bridgestate.SyncOff {
		if err := bridge.SetSyncMode(mode); err != nil {
			log.WithError(err).Warn("could not enter configured sync mode at startup")
		}
	}

	server := &controlapi.Server{Bridge: bridge, Log: log}
	httpServer := &http.Server{Addr: cf.Listen, Handler: server.Handler()}

	initShutdownHandler()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		log.WithField("addr", cf.Listen).Info("linkbridge: control API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "control API server")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-shutdown:
		}
		log.Info("linkbridge: shutting down")
		bridge.Disconnect()
		return httpServer.Shutdown(context.Background())
	})

	bridge.Connect(func(msg string) {
		log.WithField("reason", msg).Warn("linkbridge: connect to Link daemon failed")
	})

	return g.Wait()
}

func parseConfiguredMode(s string) (bridgestate.SyncMode, bool) {
	switch s {
	case "off", "":
		return bridgestate.SyncOff, true
	case "passive":
		return bridgestate.SyncPassive, true
	case "full":
		return bridgestate.SyncFull, true
	default:
		return bridgestate.SyncOff, false
	}
}
