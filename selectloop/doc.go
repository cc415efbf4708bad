// Package selectloop implements a single-threaded, readiness-driven I/O
// reactor, built on select(2).
//
// # Architecture
//
// A [Loop] holds a fixed-capacity callback table, indexed by file descriptor,
// with one slot per direction (read and write). Callers register callbacks,
// then toggle interest via [Loop.SetRead] / [Loop.SetWrite], and repeatedly
// call [Loop.Run], which blocks until the next heartbeat.
//
// Each iteration of [Loop.Run]:
//  1. Delivers pending data (see [Loop.MarkPending]) before polling the kernel.
//  2. Copies the interest sets into scratch sets.
//  3. Computes a timeout aligned to the heartbeat grid, anchored at the time
//     the loop was created, so ticks never drift.
//  4. Calls select(2), retrying on EINTR.
//  5. Dispatches callbacks in ascending descriptor order, read before write.
//  6. Returns to the caller once the heartbeat deadline has passed.
//
// # Cross-direction dispatch
//
// A protocol layer (e.g. an encryption handshake) may need a read to satisfy
// a write, or vice versa. It records this with [Loop.SetWantRead] /
// [Loop.SetWantWrite] and [Loop.SetBlocking]. A read-ready event on a
// descriptor whose write operation is blocked on a read then invokes the write
// callback, instead of the read callback (and symmetrically).
//
// # Thread Safety
//
// None. The loop, including all registration and state methods, must only be
// used by the goroutine calling [Loop.Run]. The exception is [Loop.Metrics],
// which may be called from any goroutine.
package selectloop
