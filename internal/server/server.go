//go:build linux

/*
author: akashmaji
email: akashmaji@iisc.ac.in
file: go-redis/internal/server/server.go
*/

// Package server implements the single-threaded, readiness-based event
// loop: one epoll instance multiplexing the listening socket and every
// client connection on one OS thread, grounded on
// entertainment-venue-rcproxy's core/eventloop.go (register/open/read/
// write/closeConn structure, EAGAIN-terminated drain loops, outbound-buffer
// write draining via golang.org/x/sys/unix) and redesigned per spec.md's
// REDESIGN FLAG away from the teacher's goroutine-per-connection,
// blocking-I/O model.
package server

import (
	"bytes"
	"fmt"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"

	"github.com/akashmaji946/go-redis/internal/aof"
	"github.com/akashmaji946/go-redis/internal/command"
	"github.com/akashmaji946/go-redis/internal/common"
	"github.com/akashmaji946/go-redis/internal/resp"
)

const (
	readChunkBytes       = 4096
	writeBudgetBytes     = 64 * 1024
	outboundCapBytes     = 2 * 1024 * 1024
	pollTimeoutMs        = 1000
	maintenanceIntervalMs = 5000
	maxEpollEvents        = 256
)

// conn is one client connection's buffered state. It carries no lock: it is
// only ever touched from the single event-loop goroutine (spec.md §5).
type conn struct {
	fd       int
	id       xid.ID
	inbound  bytes.Buffer
	outbound bytes.Buffer
	closed   bool
	writeInterest bool
}

// Loop owns the listening socket, the epoll instance, and every open
// connection. NewLoop wires it to an command.Engine and an aof.Aof so the
// periodic maintenance step can sweep expired keys and flush the AOF.
type Loop struct {
	epfd     int
	listenFd int
	conns    map[int]*conn
	engine   *command.Engine
	aof      *aof.Aof
	logger   *common.Logger

	nextMaintenanceMs int64
	nowMs             func() int64
}

// NewLoop creates an epoll instance and a non-blocking, listening TCP
// socket bound to port, grounded on rcproxy's listener setup and the
// teacher's own plain net.Listen call, replaced here with raw unix syscalls
// per spec.md §4.5.
func NewLoop(port int, engine *command.Engine, a *aof.Aof, logger *common.Logger, nowMs func() int64) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("set nonblocking listener: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add listener: %w", err)
	}

	return &Loop{
		epfd:     epfd,
		listenFd: fd,
		conns:    make(map[int]*conn),
		engine:   engine,
		aof:      a,
		logger:   logger,
		nowMs:    nowMs,
	}, nil
}

// Port reports the TCP port the listening socket is actually bound to,
// useful when NewLoop was called with port 0 for an OS-assigned port (as
// tests do to avoid fixed-port collisions).
func (l *Loop) Port() (int, error) {
	sa, err := unix.Getsockname(l.listenFd)
	if err != nil {
		return 0, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}

// Close releases the listening socket and the epoll instance.
func (l *Loop) Close() {
	unix.Close(l.listenFd)
	unix.Close(l.epfd)
}

// ConnectedClients reports the number of open connections, exposed to
// internal/metrics as a GaugeFunc source.
func (l *Loop) ConnectedClients() float64 { return float64(len(l.conns)) }

// Run is the event loop proper: EpollWait with a 1-second timeout so
// maintenance can run even on an idle server, then drains readiness events
// fd by fd (spec.md §4.5).
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		// spec.md §4.5: the write budget (64 KiB) is per loop iteration, not
		// per connection, so it is shared across every writeDrain call below
		// rather than reset for each one.
		writeBudget := writeBudgetBytes

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if fd == l.listenFd {
				l.acceptDrain()
				continue
			}
			c, ok := l.conns[fd]
			if !ok {
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				l.closeConn(c)
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 {
				l.readDrain(c)
			}
			if !c.closed && ev.Events&unix.EPOLLOUT != 0 && writeBudget > 0 {
				writeBudget = l.writeDrain(c, writeBudget)
			}
		}

		l.runMaintenanceIfDue()
	}
}

// acceptDrain accepts every pending connection until EAGAIN, matching
// spec.md §4.5's "drain the accept queue" rule, so the whole backlog is
// taken in one wakeup rather than one connection per EpollWait round.
func (l *Loop) acceptDrain() {
	for {
		fd, _, err := unix.Accept(l.listenFd)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			l.logger.Warn("accept: %v", err)
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			l.logger.Warn("set nonblocking client fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
			l.logger.Warn("epoll_ctl add client fd %d: %v", fd, err)
			unix.Close(fd)
			continue
		}
		id := xid.New()
		l.conns[fd] = &conn{fd: fd, id: id}
		l.logger.Info("accepted connection %s on fd %d", id, fd)
	}
}

// readDrain reads until EAGAIN in 4KiB chunks, parsing and dispatching
// every complete frame it can find in the accumulated inbound buffer
// (spec.md §4.5).
func (l *Loop) readDrain(c *conn) {
	buf := make([]byte, readChunkBytes)
	for {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			l.closeConn(c)
			return
		}
		if n == 0 {
			l.closeConn(c)
			return
		}
		c.inbound.Write(buf[:n])
	}

	l.processInbound(c)
	l.updateInterest(c)
}

// processInbound parses as many complete frames as are buffered, dispatches
// each, and appends its reply to the outbound buffer. A ProtocolErr frame
// reports the error and erases at least one byte, per spec.md §4.5's
// requirement that the loop always make forward progress on garbage input;
// spec.md §7(i) requires the connection to stay open after a protocol error
// (it is reported as a RESP Error, not a hangup), so parsing continues on
// whatever remains in the buffer instead of closing the connection.
func (l *Loop) processInbound(c *conn) {
	for {
		data := c.inbound.Bytes()
		if len(data) == 0 {
			return
		}
		consumed, value, status, err := resp.TryParse(data)
		switch status {
		case resp.Incomplete:
			return
		case resp.ProtocolErr:
			resp.AppendSerialized(&c.outbound, resp.ErrorValue("ERR Protocol error: "+err.Error()))
			c.inbound.Next(1)
		case resp.Complete:
			reply := command.Dispatch(l.engine, value)
			resp.AppendSerialized(&c.outbound, reply)
			c.inbound.Next(consumed)
		}
	}
}

// writeDrain writes up to budget bytes from c.outbound and returns the
// remaining budget. budget is shared across every connection drained within
// the same EpollWait batch (spec.md §4.5: "the write budget defaults to 64
// KiB per loop iteration", not per connection), so a caller drives it across
// successive writeDrain calls rather than resetting it each time.
func (l *Loop) writeDrain(c *conn, budget int) int {
	for budget > 0 && c.outbound.Len() > 0 {
		chunk := c.outbound.Bytes()
		if len(chunk) > budget {
			chunk = chunk[:budget]
		}
		n, err := unix.Write(c.fd, chunk)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			l.closeConn(c)
			return budget
		}
		c.outbound.Next(n)
		budget -= n
	}
	l.updateInterest(c)
	return budget
}

// updateInterest recomputes c's epoll interest set: read-readiness unless
// the outbound buffer is at the backpressure cap, and write-readiness iff
// anything is queued to send (spec.md §4.5).
func (l *Loop) updateInterest(c *conn) {
	if c.closed {
		return
	}
	var events uint32
	if c.outbound.Len() < outboundCapBytes {
		events |= unix.EPOLLIN
	}
	wantWrite := c.outbound.Len() > 0
	if wantWrite {
		events |= unix.EPOLLOUT
	}
	c.writeInterest = wantWrite
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{Events: events, Fd: int32(c.fd)})
}

func (l *Loop) closeConn(c *conn) {
	if c.closed {
		return
	}
	c.closed = true
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	unix.Close(c.fd)
	delete(l.conns, c.fd)
	l.logger.Info("closed connection %s on fd %d", c.id, c.fd)
}

// runMaintenanceIfDue runs the AOF fsync check on every loop iteration and
// the keyspace sweep roughly every 5 seconds of wall-clock progress (spec.md
// §4.5), checked opportunistically from the event loop rather than a
// free-running goroutine, since the loop already wakes at least once per
// second via the EpollWait timeout.
func (l *Loop) runMaintenanceIfDue() {
	now := l.nowMs()
	if l.aof != nil {
		if err := l.aof.MaintenanceTick(now); err != nil {
			l.logger.Warn("aof maintenance tick: %v", err)
		}
	}
	if now < l.nextMaintenanceMs {
		return
	}
	l.nextMaintenanceMs = now + maintenanceIntervalMs

	removed := l.engine.Store.Sweep(now)
	if removed > 0 && l.engine.Stats != nil {
		l.engine.Stats.ExpiredKeysTotal.Add(float64(removed))
	}
}
