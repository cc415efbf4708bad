//go:build linux || darwin

package noiseconn

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFrame(t *testing.T) {
	buf := appendFrame(nil, []byte(`abc`))
	buf = appendFrame(buf, nil)
	assert.Equal(t, []byte{0, 3, 'a', 'b', 'c', 0, 0}, buf)

	body, size, err := nextFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, 5, size)
	assert.Equal(t, `abc`, string(body))

	body, size, err = nextFrame(buf[size:])
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	assert.Empty(t, body)

	for _, partial := range [][]byte{nil, {0}, {0, 3, 'a'}} {
		_, size, err = nextFrame(partial)
		assert.NoError(t, err)
		assert.Zero(t, size)
	}

	_, _, err = nextFrame(binary.BigEndian.AppendUint16(nil, maxFrame+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	full := appendFrame(nil, make([]byte, maxFrame))
	_, size, err = nextFrame(full)
	require.NoError(t, err)
	assert.Equal(t, len(full), size)
}
