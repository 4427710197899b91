/*
author: akashmaji
email: akashmaji@iisc.ac.in
file: go-redis/cmd/respserver/main.go
*/

// respserver is the entry point: it loads configuration, replays the AOF,
// starts the metrics endpoint, and runs the single-threaded event loop
// until a shutdown signal arrives. Grounded on the teacher's main.go
// (banner, config/dir CLI arguments, signal-driven graceful shutdown),
// adapted from its accept-a-goroutine-per-connection loop to starting the
// epoll-based internal/server.Loop.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/akashmaji946/go-redis/internal/aof"
	"github.com/akashmaji946/go-redis/internal/command"
	"github.com/akashmaji946/go-redis/internal/common"
	"github.com/akashmaji946/go-redis/internal/config"
	"github.com/akashmaji946/go-redis/internal/metrics"
	"github.com/akashmaji946/go-redis/internal/server"
	"github.com/akashmaji946/go-redis/internal/store"
)

const banner = `>>> respserver <<<`

func main() {
	fmt.Println(banner)

	// spec.md §6: one optional positional argument, a TCP port number.
	cliPort := 0
	args := os.Args[1:]
	if len(args) > 1 {
		log.Fatalln("usage: respserver [port]")
	}
	if len(args) == 1 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("invalid port %q: %v", args[0], err)
		}
		cliPort = p
	}

	logger := common.NewLogger()

	cfg, err := config.Load("./respserver.conf", cliPort)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	st := store.New(cfg.MaxMemoryBytes)

	// spec.md §4.3: a failure to open the AOF file at startup disables AOF
	// and logs a warning; it is not fatal to the server.
	a, err := aof.Open(cfg.Dir, cfg.AofFn, cfg.AofEnabled, aof.FsyncPolicy(cfg.AofFsync))
	if err != nil {
		logger.Warn("opening append-only file, continuing with AOF disabled: %v", err)
		cfg.AofEnabled = false
		a = aof.Disabled(aof.FsyncPolicy(cfg.AofFsync))
	}
	defer a.Close()

	engine := command.NewEngine(st, a, cfg, nil, command.WallClockMs)
	engine.Logger = logger

	loop, err := server.NewLoop(cfg.Port, engine, a, logger, command.WallClockMs)
	if err != nil {
		log.Fatalf("starting event loop on port %d: %v", cfg.Port, err)
	}
	defer loop.Close()

	stats := metrics.New(st, loop.ConnectedClients)
	engine.Stats = stats

	if cfg.AofEnabled {
		logger.Info("replaying append-only file")
		applied, err := aof.Replay(a, engine)
		if err != nil {
			log.Fatalf("replaying append-only file: %v", err)
		}
		logger.Info("records synchronized: %d", applied)
	}

	go func() {
		if err := metrics.ListenAndServe(cfg.MetricsAddr, stats); err != nil {
			logger.Warn("metrics server stopped: %v", err)
		}
	}()

	logger.Info("listening on port %d", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	stop := make(chan struct{})
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		close(stop)
	}()

	if err := loop.Run(stop); err != nil {
		log.Fatalf("event loop exited: %v", err)
	}
}
