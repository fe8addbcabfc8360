// Package stream implements the secure transport layer a gateway shard
// runs on top of: a TLS socket driven by one goroutine, a buffered
// output queue that never blocks the caller, and a one-second tick the
// layer above uses for heartbeats. It has no knowledge of WebSocket
// framing or the gateway protocol.
package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/xerrors"
)

var (
	ErrClosed = xerrors.New("stream: closed")
	ErrDial = xerrors.New("stream: dial failed")
)

// Handler consumes bytes read off the socket. It is called repeatedly
// with whatever has accumulated in the read buffer; it returns the
// number of bytes it consumed. A Handler that makes no progress on a
// call is not called again until more bytes arrive.
type Handler func(buf []byte) (consumed int, err error)

// Hook lets a caller multiplex an auxiliary descriptor — a voice UDP
// socket, for instance — onto the same cooperative read loop as the
// TLS stream, mirroring the custom_readable_fd/custom_writeable_fd
// escape hatch of the layer this is modeled on.
type Hook struct {
	Readable func() bool
	OnReadable func()
}

// Stream drives a single TLS connection: one goroutine reads off the
// socket and feeds a Handler; writes are buffered and flushed from the
// same goroutine so the socket is only ever touched by one goroutine
// at a time, matching the single-thread-per-shard model this library
// as a whole follows.
type Stream struct {
	conn net.Conn
	reader *bufio.Reader

	handler Handler
	onTick func(now time.Time)

	writeMu sync.Mutex
	outbuf []byte

	hooksMu sync.Mutex
	hooks []Hook

	bytesIn atomic.Uint64
	bytesOut atomic.Uint64

	closed atomic.Bool
	done chan struct{}
}

// Config controls how Dial establishes the connection.
type Config struct {
	Host string
	Port string
	TLSConfig *tls.Config
	HandshakeTimeout time.Duration
	ReadBufferSize int
}

const defaultHandshakeTimeout = 10 * time.Second
const defaultReadBufferSize = 64 * 1024

// Dial establishes a TCP connection and performs a TLS handshake,
// returning a Stream ready to have its Handler assigned and ReadLoop
// started.
func Dial(ctx context.Context, cfg Config) (*Stream, error) {
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := &net.Dialer{Timeout: handshakeTimeout}

	rawConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, cfg.Port))
	if err != nil {
		return nil, xerrors.Errorf("%w: %v", ErrDial, err)
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}

	tlsConn := tls.Client(rawConn, tlsConfig)

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		rawConn.Close()
		return nil, xerrors.Errorf("%w: tls handshake: %v", ErrDial, err)
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = defaultReadBufferSize
	}

	return &Stream{
		conn: tlsConn,
		reader: bufio.NewReaderSize(tlsConn, bufSize),
		done: make(chan struct{}),
	}, nil
}

// SetHandler installs the callback invoked with newly read bytes.
func (s *Stream) SetHandler(h Handler) {
	s.handler = h
}

// Reader exposes the stream's buffered reader for a one-time
// synchronous read performed before ReadLoop starts (the WebSocket
// upgrade handshake). Any bytes it buffers past the handshake response
// remain available to ReadLoop afterward, since it is the same
// *bufio.Reader instance.
func (s *Stream) Reader() *bufio.Reader {
	return s.reader
}

// Conn exposes the underlying connection for a one-time synchronous
// write performed before ReadLoop starts (the handshake request).
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// SetOneSecondTick installs the callback invoked once per wall-clock
// second while ReadLoop is running.
func (s *Stream) SetOneSecondTick(fn func(now time.Time)) {
	s.onTick = fn
}

// AddHook registers an auxiliary descriptor the read loop also polls
// each tick alongside the TLS socket.
func (s *Stream) AddHook(h Hook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.hooks = append(s.hooks, h)
}

// Write appends data to the output buffer. It never blocks; the bytes
// are flushed from the read loop's own goroutine on its next pass.
func (s *Stream) Write(data []byte) {
	if s.closed.Load() {
		return
	}

	s.writeMu.Lock()
	s.outbuf = append(s.outbuf, data...)
	s.writeMu.Unlock()
}

// ReadLoop runs the single-threaded read/flush/tick cycle until the
// stream is closed or ctx is cancelled. It is intended to be the only
// goroutine that ever touches the underlying socket.
func (s *Stream) ReadLoop(ctx context.Context) error {
	readBuf := make([]byte, 0, defaultReadBufferSize)
	pending := make([]byte, defaultReadBufferSize)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		case now := <-ticker.C:
			if s.onTick != nil {
				s.onTick(now)
			}
			s.pollHooks()
			s.flush()
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))

		n, err := s.reader.Read(pending)
		if n > 0 {
			s.bytesIn.Add(uint64(n))
			readBuf = append(readBuf, pending[:n]...)

			for s.handler != nil && len(readBuf) > 0 {
				consumed, herr := s.handler(readBuf)
				if herr != nil {
					s.Close()
					return herr
				}
				if consumed <= 0 {
					break
				}
				readBuf = readBuf[consumed:]
			}
		}

		s.flush()

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			s.Close()
			return err
		}
	}
}

func (s *Stream) pollHooks() {
	s.hooksMu.Lock()
	hooks := append([]Hook(nil), s.hooks...)
	s.hooksMu.Unlock()

	for _, h := range hooks {
		if h.Readable != nil && h.Readable() && h.OnReadable != nil {
			h.OnReadable()
		}
	}
}

func (s *Stream) flush() {
	s.writeMu.Lock()
	pending := s.outbuf
	s.outbuf = nil
	s.writeMu.Unlock()

	if len(pending) == 0 {
		return
	}

	n, _ := s.conn.Write(pending)
	s.bytesOut.Add(uint64(n))
}

// Close performs a graceful TLS shutdown and closes the socket. It is
// safe to call more than once.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.done)

	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		tlsConn.CloseWrite()
	}

	return s.conn.Close()
}

// BytesIn returns the cumulative number of bytes read off the socket.
func (s *Stream) BytesIn() uint64 { return s.bytesIn.Load() }

// BytesOut returns the cumulative number of bytes written to the socket.
func (s *Stream) BytesOut() uint64 { return s.bytesOut.Load() }
