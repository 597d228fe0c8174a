package stream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DataPrefix marks an event line. The full six characters are stripped.
const DataPrefix = "data: "

// Decoder turns a raw response body into Events. The UTF-8 decoder keeps
// state across reads, so a character split between two network chunks is
// emitted once both halves have arrived.
type Decoder struct {
	logger    *slog.Logger
	lines     atomic.Int64
	malformed atomic.Int64
}

// NewDecoder creates a Decoder that logs dropped lines to logger
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Lines returns how many `data: ` lines were seen so far
func (d *Decoder) Lines() int64 { return d.lines.Load() }

// Malformed returns how many `data: ` lines failed to parse
func (d *Decoder) Malformed() int64 { return d.malformed.Load() }

// Run reads r until EOF, an error, or ctx cancellation. Events are delivered
// in line order. The events channel is closed first; the error channel then
// yields nil on clean EOF or the read error.
func (d *Decoder) Run(ctx context.Context, r io.Reader) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		err := d.read(ctx, r, events)
		close(events)
		errc <- err
	}()

	return events, errc
}

func (d *Decoder) read(ctx context.Context, r io.Reader, events chan<- Event) error {
	br := bufio.NewReader(transform.NewReader(r, unicode.UTF8.NewDecoder()))

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if ev, ok := d.parseLine(line); ok {
				select {
				case events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (d *Decoder) parseLine(line string) (Event, bool) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	if !strings.HasPrefix(line, DataPrefix) {
		return Event{}, false
	}
	d.lines.Add(1)

	payload := line[len(DataPrefix):]
	ev, err := ParseEvent([]byte(payload))
	if err != nil {
		d.malformed.Add(1)
		d.logger.Warn("failed to parse stream line", "error", err, "line", truncate(payload, 200))
		return Event{}, false
	}
	return ev, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
