// Package main is the entrypoint for streamlink-server, an echo server streams can be opened on.
package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/server"
	"github.com/AutoMQ/streamlink/pkg/util/cmdutil"
)

func main() {
	cfg, logger, err := cmdutil.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, cmdutil.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		cmdutil.Exit(logger, 1)
	}

	sc := cmdutil.Signals()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svr := server.NewServer(ctx, cfg, logger)
	if err := svr.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		cmdutil.Exit(logger, 1)
	}

	sig := <-sc
	logger.Info("got signal to exit", zap.String("signal", sig.String()))
	svr.Close()
	cancel()
	cmdutil.Exit(logger, cmdutil.ExitCode(sig))
}
