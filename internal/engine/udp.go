package engine

import (
	"net"

	"go.uber.org/zap"

	"tunstack/internal/stack"
)

// maxDatagram is the largest UDP payload read from upstream.
const maxDatagram = 64 << 10

// acceptUDP runs under the core lock for the first datagram of a flow. The
// SOCKS5 dialer cannot carry UDP, so flows are relayed from a local socket
// straight to their destination, or refused.
func (n *native) acceptUDP(f *stack.UDPFlow) {
	log := n.log.With(zap.Stringer("src", f.RemoteAddr()), zap.Stringer("dst", f.LocalAddr()))
	if !n.cfg.UDPDirect {
		log.Debug("udp flow refused")
		f.Close()
		return
	}

	up, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(f.LocalAddr()))
	if err != nil {
		log.Debug("udp dial failed", zap.Error(err))
		f.Close()
		return
	}

	f.SetRecv(func(payload []byte) {
		if _, err := up.Write(payload); err != nil {
			log.Debug("udp write failed", zap.Error(err))
		}
	})
	f.SetClose(func() { up.Close() })

	n.relays.Add(1)
	go func() {
		defer n.relays.Done()
		buf := make([]byte, maxDatagram)
		for {
			nr, err := up.Read(buf)
			if err != nil {
				// the flow expired or the socket failed
				n.withLock(f.Close)
				up.Close()
				return
			}
			n.withLock(func() {
				if err := f.Send(buf[:nr]); err != nil {
					log.Debug("udp reply dropped", zap.Error(err))
				}
			})
		}
	}()
}
