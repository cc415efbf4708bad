//go:build linux || darwin

package noiseconn

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/joeycumines/go-selectloop/selectloop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var testSecret = []byte(`correct horse battery staple`)

type recordingHandler struct {
	data   [][]byte
	closed bool
	err    error
	// onData is optional
	onData func(c *Conn, p []byte)
}

func (h *recordingHandler) HandleData(c *Conn, p []byte) {
	h.data = append(h.data, bytes.Clone(p))
	if h.onData != nil {
		h.onData(c, p)
	}
}

func (h *recordingHandler) HandleClose(c *Conn, err error) {
	if h.closed {
		panic(`closed twice`)
	}
	h.closed = true
	h.err = err
}

func (h *recordingHandler) joined() string {
	return string(bytes.Join(h.data, nil))
}

func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	return fds[0], fds[1]
}

func newLoop(t *testing.T) *selectloop.Loop {
	t.Helper()
	l, err := selectloop.New(selectloop.WithHeartbeat(10 * time.Millisecond))
	require.NoError(t, err)
	return l
}

// runUntil runs the loop until cond returns true, failing after a bounded
// number of heartbeats.
func runUntil(t *testing.T, l *selectloop.Loop, cond func() bool) {
	t.Helper()
	for i := 0; !cond(); i++ {
		if i >= 200 {
			t.Fatal(`condition not met`)
		}
		require.NoError(t, l.Run())
	}
}

type testPair struct {
	loop             *selectloop.Loop
	client, server   *Conn
	clientH, serverH *recordingHandler
}

func newTestPair(t *testing.T, clientSecret []byte) *testPair {
	t.Helper()
	p := &testPair{
		loop:    newLoop(t),
		clientH: &recordingHandler{},
		serverH: &recordingHandler{},
	}
	a, b := socketPair(t)
	var err error
	p.client, err = New(p.loop, a, Config{Secret: clientSecret, Initiator: true, Handler: p.clientH})
	require.NoError(t, err)
	p.server, err = New(p.loop, b, Config{Secret: testSecret, Handler: p.serverH})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.client.Close()
		_ = p.server.Close()
	})
	return p
}

func TestConn_handshakeAndExchange(t *testing.T) {
	p := newTestPair(t, testSecret)

	// written before the handshake, delivered after
	_, err := p.client.Write([]byte(`early`))
	require.NoError(t, err)
	assert.Equal(t, 5, p.client.Buffered())

	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())

	runUntil(t, p.loop, func() bool {
		return p.client.Handshaked() && p.server.Handshaked() && len(p.serverH.data) != 0
	})
	assert.Equal(t, `early`, p.serverH.joined())
	assert.Zero(t, p.client.Buffered())

	// the initiator waits on a read to finish its write driven handshake
	assert.NotZero(t, p.loop.Metrics().Redirects)

	// interest is restored once the handshake completes
	for _, c := range []*Conn{p.client, p.server} {
		assert.True(t, p.loop.IsRead(c.FD()))
		assert.False(t, p.loop.IsWrite(c.FD()))
		assert.False(t, p.loop.IsSaved(c.FD()))
		assert.False(t, p.loop.WantRead(c.FD()))
		assert.False(t, p.loop.WantWrite(c.FD()))
		assert.Equal(t, selectloop.Op(0), p.loop.Blocking(c.FD()))
	}

	_, err = p.server.Write([]byte(`reply`))
	require.NoError(t, err)
	runUntil(t, p.loop, func() bool { return len(p.clientH.data) != 0 })
	assert.Equal(t, `reply`, p.clientH.joined())
}

func TestConn_bufferedFramesDrainedAsPending(t *testing.T) {
	p := newTestPair(t, testSecret)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())

	// the server completes immediately, as the first message is already
	// waiting, so these frames follow its handshake reply
	require.True(t, p.server.Handshaked())
	for _, s := range []string{`one`, `two`, `three`} {
		_, err := p.server.Write([]byte(s))
		require.NoError(t, err)
	}

	runUntil(t, p.loop, func() bool { return len(p.clientH.data) == 3 })
	assert.Equal(t, [][]byte{[]byte(`one`), []byte(`two`), []byte(`three`)}, p.clientH.data)
	assert.GreaterOrEqual(t, p.loop.Metrics().PendingDrained, uint64(2))
	assert.Zero(t, p.loop.PendingCount())
}

func TestConn_largeWriteIsSplit(t *testing.T) {
	p := newTestPair(t, testSecret)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())

	msg := bytes.Repeat([]byte(`0123456789abcdef`), MaxPlaintext/16*5+3)
	runUntil(t, p.loop, p.client.Handshaked)
	_, err := p.client.Write(msg)
	require.NoError(t, err)

	runUntil(t, p.loop, func() bool { return len(p.serverH.joined()) == len(msg) })
	assert.Equal(t, string(msg), p.serverH.joined())
	assert.Len(t, p.serverH.data, 6)
	for _, d := range p.serverH.data {
		assert.LessOrEqual(t, len(d), MaxPlaintext)
	}
}

func TestConn_wrongSecret(t *testing.T) {
	p := newTestPair(t, []byte(`wrong`))
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())

	require.True(t, p.server.Closed())
	assert.ErrorIs(t, p.serverH.err, ErrHandshake)

	runUntil(t, p.loop, p.client.Closed)
	assert.ErrorIs(t, p.clientH.err, ErrHandshake)
	assert.Zero(t, p.loop.Watermark())
}

func TestConn_peerClose(t *testing.T) {
	p := newTestPair(t, testSecret)
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())
	runUntil(t, p.loop, p.client.Handshaked)

	require.NoError(t, p.server.Close())
	assert.True(t, p.serverH.closed)
	assert.NoError(t, p.serverH.err)

	runUntil(t, p.loop, p.client.Closed)
	assert.ErrorIs(t, p.clientH.err, io.EOF)

	assert.ErrorIs(t, p.server.Close(), ErrClosed)
	_, err := p.client.Write([]byte(`x`))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.client.Start(), ErrClosed)
}

func TestConn_closeFromHandler(t *testing.T) {
	p := newTestPair(t, testSecret)
	p.clientH.onData = func(c *Conn, _ []byte) {
		require.NoError(t, c.Close())
	}
	require.NoError(t, p.client.Start())
	require.NoError(t, p.server.Start())
	for range 3 {
		_, err := p.server.Write([]byte(`x`))
		require.NoError(t, err)
	}

	runUntil(t, p.loop, p.client.Closed)
	// remaining frames are discarded
	assert.Len(t, p.clientH.data, 1)
	assert.Zero(t, p.loop.PendingCount())
}

func TestConn_oversizedFrame(t *testing.T) {
	loop := newLoop(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	h := &recordingHandler{}
	c, err := New(loop, a, Config{Secret: testSecret, Handler: h})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	_, err = unix.Write(b, []byte{0xff, 0xff})
	require.NoError(t, err)

	runUntil(t, loop, c.Closed)
	assert.ErrorIs(t, h.err, ErrHandshake)
	assert.ErrorIs(t, h.err, ErrFrameTooLarge)
}

func TestConn_bufferFull(t *testing.T) {
	loop := newLoop(t)
	a, b := socketPair(t)
	defer unix.Close(b)
	c, err := New(loop, a, Config{Secret: testSecret, Initiator: true, Handler: &recordingHandler{}, MaxBuffered: 8})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte(`12345`))
	require.NoError(t, err)
	_, err = c.Write([]byte(`6789`))
	assert.ErrorIs(t, err, ErrBufferFull)
	n, err := c.Write([]byte(`678`))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 8, c.Buffered())
}

func TestConn_startTwice(t *testing.T) {
	p := newTestPair(t, testSecret)
	require.NoError(t, p.client.Start())
	assert.ErrorIs(t, p.client.Start(), ErrStarted)
}

func TestNew_validation(t *testing.T) {
	loop := newLoop(t)
	h := &recordingHandler{}
	for _, tc := range []struct {
		name string
		loop *selectloop.Loop
		fd   int
		cfg  Config
		err  error
	}{
		{name: `fd range`, loop: loop, fd: selectloop.MaxFDs, cfg: Config{Secret: testSecret, Handler: h}, err: selectloop.ErrFDOutOfRange},
		{name: `secret`, loop: loop, fd: 3, cfg: Config{Handler: h}, err: ErrMissingSecret},
		{name: `handler`, loop: loop, fd: 3, cfg: Config{Secret: testSecret}, err: ErrMissingHandler},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(tc.loop, tc.fd, tc.cfg)
			assert.Nil(t, c)
			assert.True(t, errors.Is(err, tc.err), err)
		})
	}
	_, err := New(nil, 3, Config{Secret: testSecret, Handler: h})
	assert.Error(t, err)
}
