package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when the socket is used before Open.
var ErrNotConnected = errors.New("not connected to gateway")

// ClosedError reports a close frame received from the gateway.
type ClosedError struct {
	Code   ws.StatusCode
	Reason string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("gateway closed connection: %d %s", e.Code, e.Reason)
}

// Options configure a Socket.
type Options struct {
	HandshakeTimeout time.Duration
	// CloseTimeout bounds the wait for the peer's close acknowledgement.
	CloseTimeout time.Duration
	Logger       zerolog.Logger
}

// Socket is the single client websocket to the gateway. It allows one reader
// and one writer at a time; Open and Close must not race with either.
type Socket struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	frames  *frameReader
	closing *atomic.Bool
	writeMu sync.Mutex
	buf     [BufferSize]byte
}

// NewSocket creates an unopened Socket.
func NewSocket(opts Options) *Socket {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 5 * time.Second
	}
	return &Socket{
		opts: opts,
		log:  opts.Logger.With().Str("component", "socket").Logger(),
	}
}

// Open dials address, closing any previously open connection gracefully first.
func (s *Socket) Open(ctx context.Context, address string) error {
	if err := s.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing previous connection")
	}

	dialer := ws.Dialer{Timeout: s.opts.HandshakeTimeout}
	conn, br, _, err := dialer.Dial(ctx, address)
	if err != nil {
		return wrap("dial", err)
	}

	// The handshake reader may already hold the first frame.
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	closing := new(atomic.Bool)

	s.mu.Lock()
	s.conn = conn
	s.frames = &frameReader{r: r, control: s.controlHandler(conn, closing)}
	s.closing = closing
	s.mu.Unlock()

	s.log.Debug().Str("address", address).Msg("socket opened")
	return nil
}

// ReceiveOne reads one complete message. Cancelling ctx interrupts a blocked
// read with an Error wrapping ctx's error; the socket is unusable for further
// reads after that.
func (s *Socket) ReceiveOne(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	conn, frames := s.conn, s.frames
	s.mu.Unlock()
	if conn == nil {
		return nil, wrap("read", ErrNotConnected)
	}

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	msg, err := readMessage(ctx, frames, s.buf[:])
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, wrap("read", ctxErr)
		}
		return nil, wrap("read", err)
	}
	return msg, nil
}

// SendOne writes data as a single text message. The write deadline follows
// ctx's deadline.
func (s *Socket) SendOne(ctx context.Context, data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return wrap("write", ErrNotConnected)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)

	// Client frames are masked in place, so never hand out the caller's slice.
	payload := append([]byte(nil), data...)
	if err := wsutil.WriteClientText(conn, payload); err != nil {
		return wrap("write", err)
	}
	return nil
}

// Close sends a normal closure frame, waits briefly for the peer to answer and
// releases the connection. Closing an unopened socket is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn, frames, closing := s.conn, s.frames, s.closing
	s.conn, s.frames, s.closing = nil, nil, nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	defer conn.Close()

	// A close from the peer was already acknowledged.
	if !closing.CompareAndSwap(false, true) {
		return nil
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(s.opts.CloseTimeout))
	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "Done")
	err := wsutil.WriteClientMessage(conn, ws.OpClose, body)
	s.writeMu.Unlock()
	if err != nil {
		return wrap("close", err)
	}

	// Drain until the peer echoes the close frame.
	conn.SetReadDeadline(time.Now().Add(s.opts.CloseTimeout))
	for {
		if _, _, err := frames.ReadChunk(s.buf[:]); err != nil {
			var closed *ClosedError
			if errors.As(err, &closed) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrap("close", err)
		}
	}
}

// controlHandler answers pings on conn and turns close frames into errors.
// A peer's close is acknowledged unless this side already sent one.
func (s *Socket) controlHandler(conn net.Conn, closing *atomic.Bool) func(ws.Header, []byte) error {
	return func(hdr ws.Header, payload []byte) error {
		switch hdr.OpCode {
		case ws.OpPing:
			return s.writeControl(conn, ws.OpPong, payload)
		case ws.OpClose:
			code, reason := ws.ParseCloseFrameData(payload)
			if closing.CompareAndSwap(false, true) {
				// The connection is ending either way.
				_ = s.writeControl(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			}
			return &ClosedError{Code: code, Reason: reason}
		default:
			return nil
		}
	}
}

func (s *Socket) writeControl(conn net.Conn, op ws.OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, op, payload)
}

var _ io.Closer = (*Socket)(nil)
