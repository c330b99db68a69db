/*
This is an example of application that will use the
engine package to test things out
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/mandrill/engine"
	"github.com/spaghettifunk/mandrill/engine/core"
	"github.com/spaghettifunk/mandrill/testbed"
)

func main() {
	configPath := flag.String("config", "testbed/assets/config.toml", "engine configuration file")
	scenePath := flag.String("scene", "testbed/assets/scenes/boxes.yaml", "scene to import at startup, empty for none")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		core.LogError("failed to load %s: %s", *configPath, err)
		os.Exit(1)
	}

	tb := testbed.NewTestGame(cfg, *scenePath)

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal("%s", err)
	}

	// cancelled on SIGTERM and friends; the frame loop notices and returns
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	if err := e.Initialize(); err != nil {
		core.LogError("failed to initialize engine: %s", err)
		_ = e.Shutdown()
		os.Exit(1)
	}

	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogError("%s", runErr)
		os.Exit(1)
	}
}
