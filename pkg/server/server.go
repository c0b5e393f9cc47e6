// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server runs an echo service streams can be opened on, over gRPC or SBP.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/AutoMQ/streamlink/pkg/config"
	sbpServer "github.com/AutoMQ/streamlink/pkg/sbp/server"
	"github.com/AutoMQ/streamlink/pkg/service"
	"github.com/AutoMQ/streamlink/pkg/transport/rpc"
	"github.com/AutoMQ/streamlink/pkg/util/logutil"
)

const (
	_shutdownTimeout = time.Second * 5 // timeout when shutdown the transport server
)

// Server serves streams with service.Echo
type Server struct {
	started atomic.Bool // server status, true for started

	cfg *config.Config // Server configuration

	ctx      context.Context // main context
	listener net.Listener
	serveWg  sync.WaitGroup

	grpcServer *grpc.Server
	sbpServer  *sbpServer.Server

	lg *zap.Logger // logger
}

// NewServer creates the UNSTARTED server with given configuration.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		ctx: ctx,
		lg:  logger,
	}
}

// Start listens on the configured address and serves streams in the background.
func (s *Server) Start() error {
	if s.started.Swap(true) {
		s.lg.Warn("server already started")
		return nil
	}

	addr := s.cfg.Transport.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.started.Store(false)
		return errors.Wrapf(err, "listen on %s", addr)
	}
	s.listener = listener
	logger := s.lg.With(zap.String("listener-addr", listener.Addr().String()), zap.String("transport", s.cfg.Transport.Type))

	var handler service.Handler = service.Logger{LogAble: service.NewEcho([]byte(s.cfg.Auth.Secret), s.lg)}
	switch s.cfg.Transport.Type {
	case config.TransportSBP:
		svr := sbpServer.NewServer(s.ctx, handler, s.lg)
		svr.IdleTimeout = s.cfg.Transport.ServerIdleTimeout
		s.sbpServer = svr
		s.serve(logger, func() error {
			if err := svr.Serve(listener); err != nil && err != sbpServer.ErrServerClosed {
				return err
			}
			return nil
		})
	default:
		svr := rpc.NewServer(handler, s.lg)
		s.grpcServer = svr
		s.serve(logger, func() error {
			return svr.Serve(listener)
		})
	}

	logger.Info("server started")
	return nil
}

func (s *Server) serve(logger *zap.Logger, serve func() error) {
	s.serveWg.Add(1)
	go func() {
		defer logutil.LogPanicAndExit(logger)
		defer s.serveWg.Done()
		if err := serve(); err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}()
}

// Addr returns the address the server listens on, nil if it is not started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.started.Load()
}

// Close closes the server. Open streams end with codes.Unavailable.
func (s *Server) Close() {
	if !s.started.Swap(false) {
		// server is already closed
		return
	}

	logger := s.lg
	logger.Info("closing server")

	switch {
	case s.sbpServer != nil:
		ctx, cancel := context.WithTimeout(context.Background(), _shutdownTimeout)
		defer cancel()
		if err := s.sbpServer.Shutdown(ctx); err != nil {
			logger.Warn("failed to shut down sbp server gracefully", zap.Error(err))
		}
	case s.grpcServer != nil:
		s.stopGrpcServer()
	}
	s.serveWg.Wait()

	logger.Info("server closed")
}

func (s *Server) stopGrpcServer() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.grpcServer.GracefulStop()
	}()
	select {
	case <-done:
	case <-time.After(_shutdownTimeout):
		s.lg.Warn("graceful stop of grpc server timed out, stop it")
		s.grpcServer.Stop()
		<-done
	}
}
