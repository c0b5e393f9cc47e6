// Package cmdutil holds the startup and shutdown steps the streamlink commands share.
package cmdutil

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamlink/pkg/config"
)

// ErrHelp is returned by Load when help was requested.
var ErrHelp = pflag.ErrHelp

// Load parses, adjusts and validates the configuration. The returned logger is never nil,
// even if err is not: without a configured one it falls back to a production logger.
func Load(args []string, errOutput io.Writer) (*config.Config, *zap.Logger, error) {
	cfg, err := config.NewConfig(args, errOutput)
	if errors.Is(err, pflag.ErrHelp) {
		return nil, zap.NewNop(), ErrHelp
	}

	logger := cfg.Logger()
	if logger == nil {
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			_, _ = fmt.Fprintf(errOutput, "error creating zap logger %v\n", zapErr)
			logger = zap.NewNop()
		}
	}
	if err != nil {
		return nil, logger, errors.WithMessage(err, "parse config")
	}
	logger.Info("running", zap.Strings("args", args))

	if err := cfg.Adjust(); err != nil {
		return nil, logger, errors.WithMessage(err, "adjust config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, errors.WithMessage(err, "validate config")
	}
	return cfg, logger, nil
}

// Signals returns a channel receiving the signals the commands exit on.
func Signals() <-chan os.Signal {
	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	return sc
}

// ExitCode is 0 for SIGTERM or no signal, 1 for any other signal.
func ExitCode(sig os.Signal) int {
	if sig == nil || sig == syscall.SIGTERM {
		return 0
	}
	return 1
}

// Exit syncs logger and exits the process with code.
func Exit(logger *zap.Logger, code int) {
	_ = logger.Sync()
	os.Exit(code)
}
