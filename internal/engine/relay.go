package engine

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"tunstack/internal/stack"
	pkgerrors "tunstack/pkg/errors"
)

// relayBufSize is the upstream read size. The stack splits larger writes
// into MSS-sized segments.
const relayBufSize = 32 << 10

// tcpRelay joins one stack connection to one upstream connection.
//
// Data from the TUN side is queued by the receive callback and written
// upstream by the uplink goroutine, which only then reopens the receive
// window. Data from upstream is written into the stack under the core lock;
// when the send buffer is full the downlink waits for the sent callback.
type tcpRelay struct {
	n    *native
	conn *stack.TCPConn // under the core lock only
	dst  string
	log  *zap.Logger

	mu       sync.Mutex
	upstream net.Conn
	queue    [][]byte
	eof      bool

	wake chan struct{}
	sent chan struct{}
	done chan struct{}
	once sync.Once
}

// acceptTCP runs under the core lock from within Input.
func (n *native) acceptTCP(c *stack.TCPConn) error {
	r := &tcpRelay{
		n:    n,
		conn: c,
		dst:  c.LocalAddr().String(),
		wake: make(chan struct{}, 1),
		sent: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	r.log = n.log.With(zap.Stringer("src", c.RemoteAddr()), zap.String("dst", r.dst))
	c.SetRecv(r.onRecv)
	c.SetSent(r.onSent)
	c.SetErr(r.onErr)

	n.relays.Add(1)
	go r.run()
	return nil
}

func (r *tcpRelay) onRecv(data []byte) {
	r.mu.Lock()
	if data == nil {
		r.eof = true
	} else {
		r.queue = append(r.queue, append([]byte(nil), data...))
	}
	r.mu.Unlock()
	signal(r.wake)
}

func (r *tcpRelay) onSent(int) {
	signal(r.sent)
}

func (r *tcpRelay) onErr(err error) {
	r.log.Debug("connection closed by stack", zap.Error(err))
	r.finish()
}

// finish ends the relay and closes the upstream connection.
func (r *tcpRelay) finish() {
	r.once.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.upstream != nil {
			r.upstream.Close()
		}
		r.mu.Unlock()
	})
}

// abort resets the stack side and ends the relay.
func (r *tcpRelay) abort() {
	r.n.withLock(func() { r.conn.Abort() })
	r.finish()
}

func (r *tcpRelay) run() {
	defer r.n.relays.Done()

	up, err := r.n.dial("tcp", r.dst)
	if err != nil {
		r.log.Debug("upstream dial failed", zap.Error(err))
		r.abort()
		return
	}

	r.mu.Lock()
	r.upstream = up
	r.mu.Unlock()
	select {
	case <-r.done:
		up.Close()
		return
	default:
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.uplink(up)
	}()
	r.downlink(up)
	wg.Wait()
	r.finish()
}

// next blocks until queued data, the peer's FIN or the end of the relay.
func (r *tcpRelay) next() (chunk []byte, eof, ok bool) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			chunk = r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return chunk, false, true
		}
		if r.eof {
			r.mu.Unlock()
			return nil, true, true
		}
		r.mu.Unlock()

		select {
		case <-r.wake:
		case <-r.done:
			return nil, false, false
		}
	}
}

func (r *tcpRelay) uplink(up net.Conn) {
	for {
		chunk, eof, ok := r.next()
		if !ok {
			return
		}
		if eof {
			if cw, ok := up.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
			return
		}
		if _, err := up.Write(chunk); err != nil {
			r.log.Debug("upstream write failed", zap.Error(err))
			r.abort()
			return
		}
		r.n.withLock(func() { r.conn.Recved(len(chunk)) })
	}
}

func (r *tcpRelay) downlink(up net.Conn) {
	buf := make([]byte, relayBufSize)
	for {
		nr, err := up.Read(buf)
		if nr > 0 && !r.writeDown(buf[:nr]) {
			return
		}
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				r.n.withLock(func() { r.conn.Close() })
				return
			}
			r.log.Debug("upstream read failed", zap.Error(err))
			r.abort()
			return
		}
	}
}

// writeDown queues p on the stack connection, waiting out backpressure.
// It returns false once the connection can take no more data.
func (r *tcpRelay) writeDown(p []byte) bool {
	for len(p) > 0 {
		var (
			w   int
			err = pkgerrors.ErrConnClosed
		)
		r.n.withLock(func() { w, err = r.conn.Write(p) })
		p = p[w:]

		switch {
		case err == nil:
		case errors.Is(err, pkgerrors.ErrBackpressure):
			select {
			case <-r.sent:
			case <-r.done:
				return false
			case <-r.n.ctx.Done():
				return false
			}
		default:
			r.log.Debug("stack write failed", zap.Error(err))
			r.finish()
			return false
		}
	}
	return true
}

// signal wakes a waiter on ch without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
