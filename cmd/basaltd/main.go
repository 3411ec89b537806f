// Copyright 2025 Basalt Cloud Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// basaltd is the control plane daemon for one backend host: it opens
// the store, joins the message hub, reconciles its own ledger and then
// serves lifecycle jobs and capability reports until stopped.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"

	"github.com/basalt-cloud/basalt/config"
	"github.com/basalt-cloud/basalt/internal/database"
	"github.com/basalt-cloud/basalt/ledger"
	"github.com/basalt-cloud/basalt/lock"
	"github.com/basalt-cloud/basalt/registry"
	"github.com/basalt-cloud/basalt/router"
	"github.com/basalt-cloud/basalt/state"
	"github.com/basalt-cloud/basalt/worker/lifecycle"
	"github.com/basalt-cloud/basalt/worker/reportworker"
)

var logger = loggo.GetLogger("basalt.cmd.basaltd")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main parses flags and runs the daemon; split from main for tests.
func Main(args []string) int {
	var configPath string
	flags := gnuflag.NewFlagSetWithFlagKnownAs("basaltd", gnuflag.ContinueOnError, "option")
	flags.SetOutput(os.Stderr)
	flags.StringVar(&configPath, "config", "/etc/basalt/basaltd.yaml", "path to the daemon configuration")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		return 2
	}

	cfg, err := config.Read(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "basaltd: %v\n", err)
		return 1
	}
	if err := loggo.ConfigureLoggers(cfg.LoggingConfig); err != nil {
		fmt.Fprintf(os.Stderr, "basaltd: configuring logging: %v\n", err)
		return 1
	}
	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(cfg config.Config) error {
	dbPath := ""
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return errors.Annotate(err, "creating data dir")
		}
		dbPath = filepath.Join(cfg.DataDir, "basalt.db")
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return errors.Annotate(err, "opening store")
	}
	defer func() { _ = db.Close() }()

	clk := clock.WallClock
	st := state.New(db, clk)

	r, err := router.New(router.Config{
		Hub:   pubsub.NewStructuredHub(nil),
		Clock: clk,
	})
	if err != nil {
		return errors.Trace(err)
	}
	reg, err := registry.New(registry.Config{
		Clock:             clk,
		LivenessThreshold: cfg.LivenessThreshold,
		SnapshotMaxAge:    cfg.SnapshotMaxAge,
		Recorder:          st,
	})
	if err != nil {
		return errors.Trace(err)
	}
	locks, err := lock.NewManager(lock.Config{
		Clock:         clk,
		Holder:        cfg.Host,
		Global:        st,
		LeaseDuration: cfg.Locks.LeaseDuration,
		AcquireDelay:  cfg.Locks.AcquireDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}

	ledgerSvc, err := ledger.NewService(ledger.Config{
		Store:    st,
		Liveness: reg,
		Router:   r,
		Identity: ledger.Identity{Host: cfg.Host, Cluster: cfg.Cluster},
	})
	if err != nil {
		return errors.Trace(err)
	}

	runner := worker.NewRunner(worker.RunnerParams{
		Clock:        clk,
		IsFatal:      func(error) bool { return false },
		RestartDelay: 3 * time.Second,
	})
	defer worker.Stop(runner)

	err = runner.StartWorker("report", func() (worker.Worker, error) {
		return reportworker.NewWorker(reportworker.Config{
			Router:   r,
			Registry: reg,
			Clock:    clk,
			Source:   &localSource{az: cfg.AvailabilityZone},
			Interval: cfg.ReportInterval,
			Host:     cfg.Host,
			Cluster:  cfg.Cluster,
		})
	})
	if err != nil {
		return errors.Trace(err)
	}
	err = runner.StartWorker("lifecycle", func() (worker.Worker, error) {
		return lifecycle.NewWorker(lifecycle.Config{
			Host:          cfg.Host,
			Cluster:       cfg.Cluster,
			Router:        r,
			State:         st,
			Ledger:        ledgerSvc,
			Locks:         locks,
			Driver:        noopDriver{},
			Clock:         clk,
			MaxConcurrent: cfg.MaxConcurrent,
		})
	})
	if err != nil {
		return errors.Trace(err)
	}

	logger.Infof("basaltd started: host %q cluster %q", cfg.Host, cfg.Cluster)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Infof("shutting down on %v", sig)
	case <-deadRunner(runner):
	}
	runner.Kill()
	return errors.Trace(runner.Wait())
}

func deadRunner(r worker.Worker) <-chan struct{} {
	dead := make(chan struct{})
	go func() {
		_ = r.Wait()
		close(dead)
	}()
	return dead
}
