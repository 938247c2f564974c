package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

const maxDatagram = 8192

// StartUDP listens for datagram-pushing GPS trackers. Each datagram may carry
// several newline-separated samples. Trackers are told apart by sender
// address so a CSV header from one does not apply to another.
func StartUDP(ctx context.Context, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return
	}
	s := newSink("udp", cfg, out, logger)
	conn, err := net.ListenPacket("udp", current.Addr)
	if err != nil {
		s.logger.Error("udp listen error", "addr", current.Addr, "err", err)
		return
	}
	s.logger.Info("udp ingest enabled", "addr", conn.LocalAddr().String())
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go s.datagrams(ctx, conn)
}

func (s *sink) datagrams(ctx context.Context, conn net.PacketConn) {
	parsers := map[string]*Parser{}
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Warn("udp read error", "err", err)
			continue
		}
		key := addr.String()
		parser, ok := parsers[key]
		if !ok {
			// Trackers come and go; start over rather than grow forever.
			if len(parsers) >= 1024 {
				parsers = map[string]*Parser{}
			}
			parser = NewParser()
			parsers[key] = parser
		}
		for _, line := range bytes.Split(buf[:n], []byte{'\n'}) {
			s.line(ctx, parser, string(line))
		}
	}
}
