//go:build linux || darwin

// Package noiseconn implements a non-blocking, Noise encrypted connection
// over a stream socket, driven by a [selectloop.Loop].
//
// Peers authenticate using a shared secret, via the NNpsk0 handshake. Each
// message is sent as a frame: a 2 byte big-endian length, followed by the
// ciphertext.
//
// The handshake of the initiator is driven by its write side, and that of
// the responder by its read side. When the handshake must wait for readiness
// in the other direction, the Conn saves the descriptor's interest state,
// and registers the want and blocking flags, causing the loop to invoke the
// callback of the blocked operation. Once the handshake completes, the saved
// interest is restored.
//
// Like the loop, a Conn must only be used from the loop's goroutine.
package noiseconn

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"
	"github.com/flynn/noise"
	"github.com/joeycumines/go-selectloop/selectloop"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

type (
	// Handler receives events from a Conn. Methods are called from the
	// loop's goroutine, and may call any method of the Conn.
	Handler interface {
		// HandleData is called with each decrypted message. The Conn does
		// not retain p.
		HandleData(c *Conn, p []byte)
		// HandleClose is called once, after the Conn is closed. The err is
		// nil if closed via Conn.Close, io.EOF if the peer closed cleanly.
		HandleClose(c *Conn, err error)
	}

	// Config models the parameters of a Conn.
	Config struct {
		// Handler receives data and close events.
		// Required.
		Handler Handler

		// Logger is optional.
		Logger *logiface.Logger[logiface.Event]

		// Secret is shared by both peers, and used to derive the pre-shared
		// key. Required.
		Secret []byte

		// MaxBuffered is the maximum number of bytes Write will hold, that
		// have not yet been written to the socket.
		// Defaults to DefaultMaxBuffered.
		MaxBuffered int

		// Initiator must be true for exactly one of the peers, typically the
		// connecting side.
		Initiator bool
	}

	// Conn is an encrypted connection, see the package docs.
	Conn struct {
		// Prevent copying
		_ [0]func()

		loop    *selectloop.Loop
		handler Handler
		logger  *logiface.Logger[logiface.Event]

		hs     *noise.HandshakeState
		hsMsgs int
		hsOut  []byte
		send   *noise.CipherState
		recv   *noise.CipherState

		// plaintext written before the handshake completed
		early []byte
		// encrypted frames ([]byte), the head partially written if sent > 0
		out      *queue.Queue
		sent     int
		buffered int

		in   []byte
		rbuf []byte

		fd          int
		maxBuffered int
		state       connState
		initiator   bool
	}

	connState int
)

const (
	// DefaultMaxBuffered is the default value of Config.MaxBuffered.
	DefaultMaxBuffered = 1 << 20

	readSize = 64 * 1024

	// stateID is the id used to save and restore interest state.
	stateID = `noise-handshake`
)

const (
	stateNew connState = iota
	stateHandshake
	stateOpen
	stateClosed
)

var prologue = []byte(`selectloop noiseconn v1`)

// New initializes a Conn, taking ownership of fd, which must be a connected,
// non-blocking stream socket. Call Start to begin the handshake.
func New(loop *selectloop.Loop, fd int, config Config) (*Conn, error) {
	if loop == nil {
		return nil, errors.New(`noiseconn: nil loop`)
	}
	if fd < 0 || fd >= selectloop.MaxFDs {
		return nil, fmt.Errorf(`noiseconn: %w: %d`, selectloop.ErrFDOutOfRange, fd)
	}
	if len(config.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if config.Handler == nil {
		return nil, ErrMissingHandler
	}
	if config.MaxBuffered <= 0 {
		config.MaxBuffered = DefaultMaxBuffered
	}

	psk := sha256.Sum256(config.Secret)
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s),
		Pattern:               noise.HandshakeNN,
		Initiator:             config.Initiator,
		Prologue:              prologue,
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 0,
	})
	if err != nil {
		return nil, fmt.Errorf(`%w: %w`, ErrHandshake, err)
	}

	return &Conn{
		loop:        loop,
		handler:     config.Handler,
		logger:      config.Logger,
		hs:          hs,
		out:         queue.New(),
		rbuf:        make([]byte, readSize),
		fd:          fd,
		maxBuffered: config.MaxBuffered,
		initiator:   config.Initiator,
	}, nil
}

// Start registers the Conn with the loop, and begins the handshake.
// Read interest is enabled, and remains enabled until the Conn is closed, or
// the caller clears it, e.g. to apply backpressure.
func (c *Conn) Start() error {
	switch c.state {
	case stateNew:
	case stateClosed:
		return ErrClosed
	default:
		return ErrStarted
	}
	c.state = stateHandshake
	c.loop.AddCallbacks(c.fd, onReadable, onWritable, c, 0)
	c.loop.SetRead(c.fd)
	c.logger.Debug().
		Int(`fd`, c.fd).
		Bool(`initiator`, c.initiator).
		Log(`starting handshake`)
	c.advance()
	return nil
}

// FD returns the underlying descriptor.
func (c *Conn) FD() int { return c.fd }

// Handshaked reports whether the handshake has completed (and the Conn is
// not closed).
func (c *Conn) Handshaked() bool { return c.state == stateOpen }

// Closed reports whether the Conn has been closed.
func (c *Conn) Closed() bool { return c.state == stateClosed }

// Buffered returns the number of bytes accepted by Write, that have not yet
// been written to the socket.
func (c *Conn) Buffered() int { return c.buffered }

// Write queues p to be sent to the peer, as one or more frames, attempting
// to write immediately if the handshake has completed. It never blocks, and
// either accepts all of p, or returns an error.
func (c *Conn) Write(p []byte) (int, error) {
	if c.state == stateClosed {
		return 0, ErrClosed
	}
	if c.buffered+len(p) > c.maxBuffered {
		return 0, ErrBufferFull
	}
	if len(p) == 0 {
		return 0, nil
	}

	if c.state != stateOpen {
		c.early = append(c.early, p...)
		c.buffered += len(p)
		return len(p), nil
	}

	if err := c.enqueue(p); err != nil {
		c.closeWith(err)
		return 0, err
	}
	if err := c.flush(); err != nil {
		c.closeWith(err)
		return 0, err
	}
	return len(p), nil
}

// Close closes the Conn and the descriptor, removing it from the loop.
// Buffered data is discarded. Returns ErrClosed if already closed.
func (c *Conn) Close() error {
	if c.state == stateClosed {
		return ErrClosed
	}
	return c.closeWith(nil)
}

func onReadable(_ *selectloop.Loop, _ int, arg any, _ int) selectloop.Status {
	c := arg.(*Conn)
	switch c.state {
	case stateHandshake:
		return c.advance()
	case stateOpen:
		return c.readFrame()
	default:
		return selectloop.StatusOK
	}
}

func onWritable(_ *selectloop.Loop, _ int, arg any, _ int) selectloop.Status {
	c := arg.(*Conn)
	switch c.state {
	case stateHandshake:
		return c.advance()
	case stateOpen:
		if err := c.flush(); err != nil {
			c.closeWith(err)
		}
		return selectloop.StatusOK
	default:
		return selectloop.StatusOK
	}
}

// readFrame delivers at most one frame, reading from the socket only if no
// complete frame is already buffered.
func (c *Conn) readFrame() selectloop.Status {
	body, size, err := nextFrame(c.in)
	if err != nil {
		c.closeWith(err)
		return selectloop.StatusOK
	}

	if size == 0 {
		switch err := c.fill(); {
		case err == nil:
		case errors.Is(err, unix.EAGAIN):
			return selectloop.StatusCallAgain
		default:
			c.closeWith(err)
			return selectloop.StatusOK
		}
		body, size, err = nextFrame(c.in)
		if err != nil {
			c.closeWith(err)
			return selectloop.StatusOK
		}
		if size == 0 {
			return selectloop.StatusOK
		}
	}

	plaintext, err := c.recv.Decrypt(nil, nil, body)
	c.consume(size)
	if err != nil {
		c.closeWith(fmt.Errorf(`%w: %w`, ErrDecrypt, err))
		return selectloop.StatusOK
	}

	c.handler.HandleData(c, plaintext)

	c.markIfBuffered()

	return selectloop.StatusOK
}

// fill performs a single read from the socket, appending to the input
// buffer. A closed socket results in io.EOF.
func (c *Conn) fill() error {
	n, err := unix.Read(c.fd, c.rbuf)
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	c.in = append(c.in, c.rbuf[:n]...)
	return nil
}

func (c *Conn) consume(size int) {
	c.in = c.in[size:]
	if len(c.in) == 0 {
		c.in = nil
	}
}

// markIfBuffered marks the descriptor as pending if a complete frame is
// already buffered, as the kernel will not report it as readable.
func (c *Conn) markIfBuffered() {
	if c.state != stateOpen {
		return
	}
	if _, size, err := nextFrame(c.in); err != nil || size > 0 {
		// errors are handled on the next read
		c.loop.MarkPending(c.fd)
	}
}

// enqueue encrypts p as one or more frames.
func (c *Conn) enqueue(p []byte) error {
	for len(p) > 0 {
		chunk := p[:min(len(p), MaxPlaintext)]
		p = p[len(chunk):]
		ciphertext, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return fmt.Errorf(`noiseconn: encrypt: %w`, err)
		}
		c.out.Add(appendFrame(make([]byte, 0, frameHeader+len(ciphertext)), ciphertext))
		c.buffered += len(chunk)
	}
	return nil
}

// flush writes queued frames until the queue is empty or the socket would
// block, updating write interest accordingly.
func (c *Conn) flush() error {
	for c.out.Length() > 0 {
		frame := c.out.Peek().([]byte)
		n, err := unix.Write(c.fd, frame[c.sent:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			return err
		}
		c.sent += n
		if c.sent < len(frame) {
			continue
		}
		c.out.Remove()
		c.sent = 0
		c.buffered -= len(frame) - frameHeader - tagSize
	}
	if c.out.Length() > 0 {
		c.loop.SetWrite(c.fd)
	} else {
		c.loop.ClearWrite(c.fd)
	}
	return nil
}

func (c *Conn) closeWith(cause error) error {
	if c.state == stateClosed {
		return nil
	}
	c.state = stateClosed
	c.loop.RemoveCallbacks(c.fd)
	err := unix.Close(c.fd)

	c.early = nil
	c.in = nil
	c.out = queue.New()
	c.buffered = 0

	if cause != nil && !errors.Is(cause, io.EOF) {
		c.logger.Warning().
			Err(cause).
			Int(`fd`, c.fd).
			Log(`connection failed`)
	} else {
		c.logger.Debug().
			Int(`fd`, c.fd).
			Log(`connection closed`)
	}

	c.handler.HandleClose(c, cause)
	return err
}
