// Package transport moves proto envelopes between a node and the outside
// world. Stdio speaks Maelstrom's line protocol on standard input and
// output; Network is an in-process substitute with fault injection for
// tests and simulation.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcast/pkg/proto"
)

// Transport sends envelopes and delivers received ones to a handler.
type Transport interface {
	// Send writes one envelope. It is safe for concurrent use.
	Send(env proto.Envelope) error
	// Run reads envelopes until the input ends or ctx is done, calling
	// handle for each one in arrival order.
	Run(ctx context.Context, handle func(proto.Envelope)) error
}

// Stdio is a line-delimited JSON transport over a reader and a writer,
// normally os.Stdin and os.Stdout.
type Stdio struct {
	r   *bufio.Reader
	log *zap.Logger

	mu sync.Mutex // serializes whole lines on w
	w  *bufio.Writer
}

var _ Transport = (*Stdio)(nil)

func NewStdio(r io.Reader, w io.Writer, log *zap.Logger) *Stdio {
	return &Stdio{
		r:   bufio.NewReaderSize(r, 64<<10),
		w:   bufio.NewWriter(w),
		log: log,
	}
}

func (s *Stdio) Send(env proto.Envelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encode message to %s", env.Dest)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		return errors.Wrap(err, "write message")
	}
	return errors.Wrap(s.w.Flush(), "flush message")
}

// Run reads lines without a length limit. Lines that do not decode are
// logged and skipped. io.EOF ends Run without error.
func (s *Stdio) Run(ctx context.Context, handle func(proto.Envelope)) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := s.r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			var env proto.Envelope
			if derr := json.Unmarshal(line, &env); derr != nil {
				s.log.Warn("dropping malformed message", zap.Error(derr), zap.ByteString("line", line))
			} else {
				handle(env)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read message")
		}
	}
}
