//go:build linux || darwin

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-selectloop/genlist"
	"github.com/joeycumines/go-selectloop/noiseconn"
	"github.com/joeycumines/go-selectloop/selectloop"
	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

const stdinChunk = noiseconn.MaxPlaintext

// errDone stops Serve once there is nothing left to do.
var errDone = errors.New(`done`)

type (
	// app pipes stdin to every peer, and data from peers to stdout, all
	// driven by a single loop.
	app struct {
		loop   *selectloop.Loop
		logger *logiface.Logger[logiface.Event]
		stdout io.Writer
		peers  *genlist.List[*peer]
		// closed peers, removed from peers on the next heartbeat
		closed []genlist.Handle[*peer]
		// open is the number of peers not yet closed
		open int
		// peersGauge is optional
		peersGauge prometheus.Gauge
		buf        []byte
		cfg        Config
		stdin      int
		listenFD   int
		// connect mode: exit once the peer is gone
		single bool
		// connect mode: stdin is closed, close the peer once flushed
		draining bool
	}

	// peer is a connection to a remote selectcat.
	peer struct {
		app    *app
		conn   *noiseconn.Conn
		handle genlist.Handle[*peer]
		addr   string
	}
)

// newApp initializes an app reading from the stdin descriptor (or none, if
// negative), and writing to stdout.
func newApp(cfg Config, logger *logiface.Logger[logiface.Event], stdin int, stdout io.Writer) (*app, error) {
	loop, err := selectloop.New(
		selectloop.WithHeartbeat(cfg.Heartbeat),
		selectloop.WithLogger(logger),
		selectloop.WithLogRateLimit(map[time.Duration]int{time.Minute: 10}),
	)
	if err != nil {
		return nil, err
	}
	a := &app{
		loop:     loop,
		logger:   logger,
		stdout:   stdout,
		peers:    genlist.New[*peer](),
		buf:      make([]byte, stdinChunk),
		cfg:      cfg,
		stdin:    stdin,
		listenFD: -1,
	}
	if stdin >= 0 {
		loop.AddReadCallback(stdin, onStdin, a, 0)
		loop.SetRead(stdin)
	}
	return a, nil
}

// listen binds the configured address, accepting peers.
func (a *app) listen() error {
	fd, err := listenSocket(a.cfg.Addr)
	if err != nil {
		return err
	}
	if fd >= selectloop.MaxFDs {
		_ = unix.Close(fd)
		return fmt.Errorf(`%w: %d`, selectloop.ErrFDOutOfRange, fd)
	}
	a.listenFD = fd
	a.loop.AddReadCallback(fd, onAccept, a, 0)
	a.loop.SetRead(fd)
	a.logger.Info().
		Str(`addr`, a.cfg.Addr).
		Log(`listening`)
	return nil
}

// connect dials the configured address, as the handshake initiator.
func (a *app) connect() error {
	fd, err := dialSocket(a.cfg.Addr)
	if err != nil {
		return err
	}
	a.single = true
	return a.addPeer(fd, a.cfg.Addr, true)
}

func (a *app) addPeer(fd int, addr string, initiator bool) error {
	p := &peer{app: a, addr: addr}
	conn, err := noiseconn.New(a.loop, fd, noiseconn.Config{
		Handler:   p,
		Logger:    a.logger,
		Secret:    []byte(a.cfg.Secret),
		Initiator: initiator,
	})
	if err != nil {
		_ = unix.Close(fd)
		return err
	}
	p.conn = conn
	p.handle = a.peers.Add(nil, p, uint64(fd)).Handle()
	a.open++
	a.updateGauge()

	a.logger.Info().
		Str(`peer`, addr).
		Int(`fd`, fd).
		Log(`peer connected`)

	return conn.Start()
}

func onAccept(_ *selectloop.Loop, fd int, arg any, _ int) selectloop.Status {
	a := arg.(*app)

	nfd, sa, err := acceptSocket(fd)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			return selectloop.StatusCallAgain
		}
		a.logger.Err().
			Err(err).
			Log(`accept failed`)
		return selectloop.StatusOK
	}

	addr := formatSockaddr(sa)
	if a.open >= a.cfg.MaxPeers || nfd >= selectloop.MaxFDs {
		a.logger.Warning().
			Str(`peer`, addr).
			Int(`peers`, a.open).
			Log(`rejecting peer`)
		_ = unix.Close(nfd)
		return selectloop.StatusOK
	}

	if err := a.addPeer(nfd, addr, false); err != nil {
		a.logger.Err().
			Err(err).
			Str(`peer`, addr).
			Log(`failed to add peer`)
	}
	return selectloop.StatusOK
}

func onStdin(l *selectloop.Loop, fd int, arg any, _ int) selectloop.Status {
	a := arg.(*app)

	n, err := unix.Read(fd, a.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return selectloop.StatusCallAgain
		}
		a.logger.Err().
			Err(err).
			Log(`stdin read failed`)
		n = 0
	}

	if n == 0 {
		l.RemoveCallbacks(fd)
		// in connect mode, exit once the peer has been sent everything
		a.draining = a.single
		a.logger.Debug().
			Bool(`draining`, a.draining).
			Log(`stdin closed`)
		return selectloop.StatusOK
	}

	a.broadcast(a.buf[:n])
	return selectloop.StatusOK
}

// broadcast writes p to every open peer. Peers that cannot accept it are
// skipped.
func (a *app) broadcast(p []byte) {
	for item := range a.peers.All {
		c := item.Data
		if c.conn.Closed() {
			continue
		}
		if _, err := c.conn.Write(p); err != nil {
			a.logger.Warning().
				Err(err).
				Str(`peer`, c.addr).
				Int(`bytes`, len(p)).
				Log(`dropped data`)
		}
	}
}

func (p *peer) HandleData(_ *noiseconn.Conn, data []byte) {
	if _, err := p.app.stdout.Write(data); err != nil {
		p.app.logger.Err().
			Err(err).
			Log(`stdout write failed`)
	}
}

func (p *peer) HandleClose(_ *noiseconn.Conn, err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		p.app.logger.Warning().
			Err(err).
			Str(`peer`, p.addr).
			Log(`peer failed`)
	} else {
		p.app.logger.Info().
			Str(`peer`, p.addr).
			Log(`peer disconnected`)
	}
	p.app.open--
	p.app.closed = append(p.app.closed, p.handle)
}

// tick is called on each heartbeat.
func (a *app) tick(time.Time) error {
	for _, h := range a.closed {
		item, err := a.peers.Resolve(h)
		if err != nil {
			continue
		}
		a.peers.Del(item)
	}
	a.closed = a.closed[:0]

	if a.draining {
		for item := range a.peers.All {
			if c := item.Data.conn; c.Handshaked() && c.Buffered() == 0 {
				_ = c.Close()
			}
		}
	}

	a.updateGauge()

	m := a.loop.Metrics()
	a.logger.Debug().
		Int(`peers`, a.peers.Len()).
		Uint64(`polls`, m.Polls).
		Uint64(`dispatches`, m.Dispatches).
		Uint64(`redirects`, m.Redirects).
		Uint64(`pending_drained`, m.PendingDrained).
		Log(`stats`)

	if a.single && a.peers.Len() == 0 {
		return errDone
	}
	return nil
}

func (a *app) updateGauge() {
	if a.peersGauge != nil {
		a.peersGauge.Set(float64(a.peers.Len()))
	}
}

// serve runs the loop until ctx is canceled, or there is nothing left to do.
func (a *app) serve(ctx context.Context) error {
	err := a.loop.Serve(ctx, a.tick)
	if errors.Is(err, errDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// close closes every peer, and the listener.
func (a *app) close() {
	for item := range a.peers.All {
		_ = item.Data.conn.Close()
		a.peers.Del(item)
	}
	a.closed = nil
	if a.listenFD >= 0 {
		a.loop.RemoveCallbacks(a.listenFD)
		_ = unix.Close(a.listenFD)
		a.listenFD = -1
	}
}
