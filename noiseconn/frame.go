//go:build linux || darwin

package noiseconn

import (
	"encoding/binary"
	"fmt"
)

const (
	// MaxPlaintext is the maximum plaintext carried by a single frame.
	// Larger writes are split.
	MaxPlaintext = 16 * 1024

	// frameHeader is the size of the big-endian length prefix.
	frameHeader = 2

	// tagSize is the ChaChaPoly authentication tag overhead.
	tagSize = 16

	// maxFrame is the largest acceptable frame body.
	maxFrame = MaxPlaintext + tagSize
)

// appendFrame appends body to dst, with the length prefix.
func appendFrame(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...)
}

// nextFrame returns the first complete frame body in buf, and the number of
// bytes it occupies, or a nil body if buf does not contain a complete frame.
func nextFrame(buf []byte) (body []byte, size int, err error) {
	if len(buf) < frameHeader {
		return nil, 0, nil
	}
	n := int(binary.BigEndian.Uint16(buf))
	if n > maxFrame {
		return nil, 0, fmt.Errorf(`%w: %d bytes`, ErrFrameTooLarge, n)
	}
	if len(buf) < frameHeader+n {
		return nil, 0, nil
	}
	return buf[frameHeader : frameHeader+n], frameHeader + n, nil
}
