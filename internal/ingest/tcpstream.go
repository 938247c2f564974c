package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

// tcpIdleTimeout closes gateway connections that stop reporting.
const tcpIdleTimeout = 5 * time.Minute

// StartTCPStream accepts newline-delimited samples from tracker gateways.
// Each connection gets its own parser so CSV headers stay per feed.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	s := newSink("tcp_stream", cfg, out, logger)
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		s.logger.Error("tcp stream listen error", "addr", current.Addr, "err", err)
		return
	}
	s.logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go acceptGateways(ctx, ln, s)
}

func acceptGateways(ctx context.Context, ln net.Listener, s *sink) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("tcp stream accept error", "err", err)
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		go s.gateway(ctx, conn)
	}
}

func (s *sink) gateway(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Debug("gateway connected", "remote", remote)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	samples := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(tcpIdleTimeout))
		if !scanner.Scan() {
			break
		}
		if s.line(ctx, parser, scanner.Text()) {
			samples++
		}
	}
	err := scanner.Err()
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, net.ErrClosed):
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Info("gateway idle, closing", "remote", remote)
	default:
		s.logger.Warn("tcp stream read error", "remote", remote, "err", err)
	}
	s.logger.Debug("gateway disconnected", "remote", remote, "samples", samples)
}
