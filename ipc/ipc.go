// Package ipc carries journal records between processes over nanomsg
// push/pull sockets.
//
// Each message is one record: tag u16 (little endian) followed by the
// entry payload. An empty message marks the end of the stream.
package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/INLOpen/wasmsnap/core"
	"github.com/INLOpen/wasmsnap/journal"
)

const (
	defaultSendTimeout  = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	defaultLinger       = 100 * time.Millisecond
)

// Options configures both ends.
type Options struct {
	// SendTimeout bounds how long Write waits for a peer.
	SendTimeout time.Duration
	// PollInterval is how often a blocked Read checks its context.
	PollInterval time.Duration
	// Linger gives queued messages time to leave before Close tears the
	// socket down.
	Linger time.Duration
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Linger <= 0 {
		o.Linger = defaultLinger
	}
	return o
}

func (o Options) logger(name string) *slog.Logger {
	if o.Logger == nil {
		return slog.Default().With("component", name+"_default")
	}
	return o.Logger.With("component", name)
}

// Sender is the push end. It is a journal.Writable.
type Sender struct {
	mu     sync.Mutex
	sock   mangos.Socket
	opts   Options
	offset int64
	closed bool
	buf    []byte
	logger *slog.Logger
}

var _ journal.Writable = (*Sender)(nil)

// Dial connects a Sender to the Receiver listening at addr, such as
// "tcp://127.0.0.1:7450" or "ipc:///tmp/guest.sock".
func Dial(addr string, opts Options) (*Sender, error) {
	opts = opts.withDefaults()
	sock, err := push.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create push socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSendDeadline, opts.SendTimeout); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set send deadline: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	s := &Sender{sock: sock, opts: opts, logger: opts.logger("IPCSender")}
	s.logger.Debug("Dialed journal receiver.", "addr", addr)
	return s, nil
}

func (s *Sender) Write(ctx context.Context, e core.Entry) (core.LogWriteResult, error) {
	if err := ctx.Err(); err != nil {
		return core.LogWriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.LogWriteResult{}, core.ErrJournalClosed
	}

	msg := binary.LittleEndian.AppendUint16(s.buf[:0], uint16(e.RecordType()))
	msg, err := core.AppendEntry(msg, e)
	if err != nil {
		return core.LogWriteResult{}, fmt.Errorf("failed to encode %s: %w", e.RecordType(), err)
	}
	s.buf = msg
	// mangos takes ownership of the slice it is given.
	if err := s.sock.Send(append([]byte(nil), msg...)); err != nil {
		return core.LogWriteResult{}, fmt.Errorf("failed to send %s: %w", e.RecordType(), err)
	}
	res := core.LogWriteResult{RecordStart: s.offset, RecordEnd: s.offset + int64(len(msg))}
	s.offset = res.RecordEnd
	return res, nil
}

// Flush is a no-op; messages leave as they are written.
func (s *Sender) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrJournalClosed
	}
	return nil
}

// Close sends the end-of-stream marker and closes the socket.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sendErr := s.sock.Send([]byte{})
	time.Sleep(s.opts.Linger)
	return errors.Join(sendErr, s.sock.Close())
}

// Receiver is the pull end. It is a journal.Readable.
type Receiver struct {
	sock   mangos.Socket
	opts   Options
	offset int64
	eof    bool
	logger *slog.Logger
}

var _ journal.Readable = (*Receiver)(nil)

// Listen binds a Receiver to addr.
func Listen(addr string, opts Options) (*Receiver, error) {
	opts = opts.withDefaults()
	sock, err := pull.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pull socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, opts.PollInterval); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r := &Receiver{sock: sock, opts: opts, logger: opts.logger("IPCReceiver")}
	r.logger.Debug("Listening for journal records.", "addr", addr)
	return r, nil
}

// Read blocks until a record arrives. It returns io.EOF once the sender
// has closed the stream.
func (r *Receiver) Read(ctx context.Context) (*core.LogReadResult, error) {
	if r.eof {
		return nil, io.EOF
	}
	for {
		msg, err := r.sock.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if errors.Is(err, mangos.ErrClosed) {
			return nil, core.ErrJournalClosed
		}
		if err != nil {
			return nil, fmt.Errorf("failed to receive record: %w", err)
		}
		if len(msg) == 0 {
			r.eof = true
			return nil, io.EOF
		}
		if len(msg) < core.TagSize {
			return nil, &core.CorruptError{Path: "ipc", Offset: r.offset, Kind: core.CorruptLength,
				Err: fmt.Errorf("message of %d bytes has no tag", len(msg))}
		}
		t := core.RecordType(binary.LittleEndian.Uint16(msg))
		e, err := core.DecodeEntry(t, msg[core.TagSize:])
		if errors.Is(err, core.ErrUnknownRecordType) {
			r.logger.Warn("Skipping record of unknown type.", "type", uint16(t))
			r.offset += int64(len(msg))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode record at %d: %w", r.offset, err)
		}
		res := &core.LogReadResult{Entry: e, RecordStart: r.offset, RecordEnd: r.offset + int64(len(msg))}
		r.offset = res.RecordEnd
		return res, nil
	}
}

// Restarted is unsupported; a stream cannot be rewound.
func (r *Receiver) Restarted() (journal.Readable, error) {
	return nil, core.ErrJournalUnsupported
}

func (r *Receiver) Close() error {
	return r.sock.Close()
}
