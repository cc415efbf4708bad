//go:build linux || darwin

package noiseconn

import (
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed Conn.
	ErrClosed = errors.New(`noiseconn: closed`)

	// ErrBufferFull is returned by Conn.Write if the data would exceed
	// Config.MaxBuffered.
	ErrBufferFull = errors.New(`noiseconn: buffer full`)

	// ErrFrameTooLarge indicates the peer sent a frame exceeding the maximum
	// frame size. The connection is closed with this error.
	ErrFrameTooLarge = errors.New(`noiseconn: frame too large`)

	// ErrHandshake wraps failures during the Noise handshake.
	ErrHandshake = errors.New(`noiseconn: handshake failed`)

	// ErrDecrypt wraps failures to authenticate or decrypt a frame.
	ErrDecrypt = errors.New(`noiseconn: decrypt failed`)

	// ErrMissingSecret is returned by New if Config.Secret is empty.
	ErrMissingSecret = errors.New(`noiseconn: missing secret`)

	// ErrMissingHandler is returned by New if Config.Handler is nil.
	ErrMissingHandler = errors.New(`noiseconn: missing handler`)

	// ErrStarted is returned by Conn.Start if it was already called.
	ErrStarted = errors.New(`noiseconn: already started`)
)
