package p2p

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dnseed/p2p/wire"
)

// conn owns one socket. The reader and writer goroutines are the only users
// of the socket; everything else talks to them through the send queue, the
// context and the resume channel.
type conn struct {
	id       NetID
	shard    *shard
	remote   wire.Endpoint
	outbound bool

	mu sync.Mutex
	nc net.Conn

	sendq  chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    atomic.Bool
	closedAt  atomic.Int64
	cause     CloseCause
	causeErr  error

	pending atomic.Int32
	paused  atomic.Bool
	resume  chan struct{}
	running atomic.Int32
}

func newConn(id NetID, s *shard, remote wire.Endpoint, outbound bool) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:       id,
		shard:    s,
		remote:   remote,
		outbound: outbound,
		sendq:    make(chan []byte, s.cfg.SendQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		resume:   make(chan struct{}, 1),
	}
}

func (c *conn) start() {
	c.running.Add(2)
	go c.readLoop()
	go c.writeLoop()
}

func (c *conn) socket() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// dial resolves an outbound connection and reports the result to the shard.
func (c *conn) dial(dialer *net.Dialer) {
	defer c.running.Add(-1)
	nc, err := dialer.DialContext(c.ctx, c.remote.Network(), c.remote.Dial())
	if err != nil {
		if !c.closed.Load() {
			_ = c.post(CompleteEvent{ID: c.id, Err: err})
		}
		c.shutdown(CauseConnectFailed, err)
		c.postClose()
		return
	}
	local, _ := wire.EndpointFromNetAddr(nc.LocalAddr())

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		nc.Close()
		c.postClose()
		return
	}
	c.nc = nc
	c.mu.Unlock()

	if err := c.post(CompleteEvent{ID: c.id, Local: local}); err != nil {
		c.shutdown(CauseOverload, err)
		c.postClose()
		return
	}
	c.start()
}

func (c *conn) readLoop() {
	defer c.running.Add(-1)
	nc := c.socket()
	buf := make([]byte, c.shard.cfg.ReadBufferSize)
	for {
		if !c.waitForCapacity() {
			break
		}
		n, err := nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if perr := c.post(DataEvent{ID: c.id, Data: data}); perr != nil {
				c.shutdown(CauseOverload, perr)
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.shutdown(CausePeerClosed, err)
			break
		}
	}
	c.postClose()
}

// waitForCapacity blocks while the shard consumer is behind on this
// connection. It returns false once the connection is closing.
func (c *conn) waitForCapacity() bool {
	high := int32(c.shard.cfg.HighWater)
	low := int32(c.shard.cfg.LowWater)
	for c.pending.Load() >= high {
		c.paused.Store(true)
		if c.pending.Load() < low {
			c.paused.Store(false)
			break
		}
		metrics().recordPause()
		select {
		case <-c.resume:
		case <-c.ctx.Done():
			return false
		}
	}
	return c.ctx.Err() == nil
}

// ack records that the consumer handled one event and wakes a paused reader
// once the backlog drops below the low-water mark.
func (c *conn) ack() {
	n := c.pending.Add(-1)
	if n < 0 {
		c.pending.Store(0)
		n = 0
	}
	if n < int32(c.shard.cfg.LowWater) && c.paused.CompareAndSwap(true, false) {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

func (c *conn) writeLoop() {
	defer c.running.Add(-1)
	nc := c.socket()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendq:
			if err := nc.SetWriteDeadline(time.Now().Add(c.shard.cfg.WriteTimeout)); err != nil {
				c.shutdown(CauseLocalClosed, err)
				return
			}
			if _, err := nc.Write(frame); err != nil {
				c.shutdown(CausePeerClosed, err)
				return
			}
		}
	}
}

func (c *conn) enqueue(frame []byte) error {
	if c.closed.Load() {
		return ErrUnknownConnection
	}
	select {
	case c.sendq <- frame:
		return nil
	default:
		c.shutdown(CauseOverload, ErrQueueFull)
		return ErrQueueFull
	}
}

func (c *conn) post(ev Event) error {
	c.pending.Add(1)
	if err := c.shard.post(ev); err != nil {
		c.pending.Add(-1)
		return err
	}
	return nil
}

func (c *conn) postClose() {
	c.mu.Lock()
	ev := CloseEvent{ID: c.id, Cause: c.cause, Err: c.causeErr}
	c.mu.Unlock()
	if err := c.post(ev); err != nil {
		c.shard.log().Warn("Dropped close event",
			slog.String("netid", c.id.String()),
			slog.String("cause", ev.Cause.String()),
			slog.Any("error", err))
	}
}

// shutdown closes the socket once. The first cause wins.
func (c *conn) shutdown(cause CloseCause, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.causeErr = err
		c.closed.Store(true)
		c.closedAt.Store(time.Now().UnixNano())
		nc := c.nc
		c.mu.Unlock()

		c.cancel()
		if nc != nil {
			nc.Close()
		}
		c.shard.release(c)
	})
}

// reapable reports whether the connection is closed, quiescent and has been
// closed for at least delay.
func (c *conn) reapable(now time.Time, delay time.Duration) bool {
	if !c.closed.Load() || c.running.Load() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, c.closedAt.Load())) >= delay
}
