//go:build linux || darwin

package noiseconn

import (
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/joeycumines/go-selectloop/selectloop"
	"golang.org/x/sys/unix"
)

// handshakeOp is the logical operation driving the handshake.
func (c *Conn) handshakeOp() selectloop.Op {
	if c.initiator {
		return selectloop.OpWrite
	}
	return selectloop.OpRead
}

// writeTurn reports whether the next handshake message is ours to send.
func (c *Conn) writeTurn() bool {
	return (c.hsMsgs%2 == 0) == c.initiator
}

// advance progresses the handshake as far as possible without blocking. It
// is invoked by either callback, since readiness may be redirected.
func (c *Conn) advance() selectloop.Status {
	for {
		if len(c.hsOut) != 0 {
			n, err := unix.Write(c.fd, c.hsOut)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) {
					c.waitFor(selectloop.OpWrite)
					return selectloop.StatusOK
				}
				c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, err))
				return selectloop.StatusOK
			}
			c.hsOut = c.hsOut[n:]
			continue
		}

		if c.send != nil {
			c.finishHandshake()
			return selectloop.StatusOK
		}

		if c.writeTurn() {
			msg, cs1, cs2, err := c.hs.WriteMessage(nil, nil)
			if err != nil {
				c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, err))
				return selectloop.StatusOK
			}
			c.hsMsgs++
			c.hsOut = appendFrame(c.hsOut, msg)
			c.setCiphers(cs1, cs2)
			continue
		}

		body, size, err := nextFrame(c.in)
		if err != nil {
			c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, err))
			return selectloop.StatusOK
		}
		if size == 0 {
			switch err := c.fill(); {
			case err == nil:
				continue
			case errors.Is(err, unix.EAGAIN):
				c.waitFor(selectloop.OpRead)
				return selectloop.StatusOK
			case errors.Is(err, io.EOF):
				c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, io.ErrUnexpectedEOF))
				return selectloop.StatusOK
			default:
				c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, err))
				return selectloop.StatusOK
			}
		}

		_, cs1, cs2, err := c.hs.ReadMessage(nil, body)
		c.consume(size)
		if err != nil {
			c.closeWith(fmt.Errorf(`%w: %w`, ErrHandshake, err))
			return selectloop.StatusOK
		}
		c.hsMsgs++
		c.setCiphers(cs1, cs2)
	}
}

func (c *Conn) setCiphers(cs1, cs2 *noise.CipherState) {
	if cs1 == nil {
		return
	}
	if c.initiator {
		c.send, c.recv = cs1, cs2
	} else {
		c.send, c.recv = cs2, cs1
	}
}

// waitFor suspends the handshake until the descriptor is ready for want.
// The interest state prior to the handshake is saved (once), and replaced
// with interest in want alone. If want differs from the operation driving
// the handshake, the loop will redirect the readiness event.
func (c *Conn) waitFor(want selectloop.Op) {
	l, fd := c.loop, c.fd
	if !l.IsSaved(fd) {
		l.SaveState(fd, stateID)
	}
	l.ClearRead(fd)
	l.ClearWrite(fd)
	if want == selectloop.OpRead {
		l.SetRead(fd)
	} else {
		l.SetWrite(fd)
	}
	l.SetWantRead(fd, want == selectloop.OpRead)
	l.SetWantWrite(fd, want == selectloop.OpWrite)
	l.SetBlocking(fd, c.handshakeOp())
}

func (c *Conn) finishHandshake() {
	l, fd := c.loop, c.fd

	c.state = stateOpen
	c.hs = nil
	c.hsOut = nil

	l.SetWantRead(fd, false)
	l.SetWantWrite(fd, false)
	l.SetBlocking(fd, 0)
	if l.IsSaved(fd) {
		l.RestoreState(fd, stateID)
	} else {
		// never waited, the interest from Start still applies
		l.ClearWrite(fd)
	}

	c.logger.Debug().
		Int(`fd`, fd).
		Bool(`initiator`, c.initiator).
		Int(`early`, len(c.early)).
		Log(`handshake complete`)

	if early := c.early; len(early) != 0 {
		c.early = nil
		c.buffered -= len(early)
		if err := c.enqueue(early); err != nil {
			c.closeWith(err)
			return
		}
	}
	if err := c.flush(); err != nil {
		c.closeWith(err)
		return
	}

	c.markIfBuffered()
}
