package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"safetrail/internal/config"
	"safetrail/internal/model"
)

const (
	tailPollInterval  = 200 * time.Millisecond
	tailRetryInterval = 500 * time.Millisecond
)

// StartFileTail follows location logs written by provider daemons. Files are
// reopened after truncation or rotation.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Location, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	s := newSink("file_tail", cfg, out, logger)
	for _, path := range current.Files {
		s.logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		t := &tailer{sink: s, path: path, parser: NewParser()}
		go t.run(ctx, current.StartAtEnd)
	}
}

type tailer struct {
	sink   *sink
	path   string
	parser *Parser

	file    *os.File
	info    os.FileInfo
	reader  *bufio.Reader
	offset  int64
	partial strings.Builder
}

func (t *tailer) run(ctx context.Context, startAtEnd bool) {
	defer t.close()
	seekEnd := startAtEnd
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(seekEnd); err != nil {
				t.sink.logger.Warn("tail open failed", "path", t.path, "err", err)
				if !BackoffSleep(ctx, tailRetryInterval) {
					return
				}
				continue
			}
			// Rotated files are read from the start.
			seekEnd = false
		}
		if err := t.drain(ctx); err != nil {
			t.sink.logger.Warn("tail read error", "path", t.path, "err", err)
			t.close()
			continue
		}
		if !BackoffSleep(ctx, tailPollInterval) {
			return
		}
		if t.replaced() {
			t.sink.logger.Info("tailed file rotated or truncated, reopening", "path", t.path)
			t.close()
		}
	}
}

func (t *tailer) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.offset = 0
	if seekEnd {
		if t.offset, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return err
		}
	}
	t.file, t.info = f, info
	t.reader = bufio.NewReader(f)
	t.partial.Reset()
	return nil
}

// drain forwards every complete line written so far. A trailing line
// without a newline is held until the writer finishes it.
func (t *tailer) drain(ctx context.Context) error {
	for {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		t.partial.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		t.sink.line(ctx, t.parser, t.partial.String())
		t.partial.Reset()
	}
}

func (t *tailer) replaced() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return true
	}
	return !os.SameFile(info, t.info) || info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}
