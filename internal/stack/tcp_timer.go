package stack

import (
	"time"

	"go.uber.org/zap"

	pkgerrors "tunstack/pkg/errors"
)

// tick runs the connection timers that are due at now.
func (c *TCPConn) tick(now time.Time) {
	if c.released {
		return
	}
	if c.finPending {
		c.queueFin()
	}

	if c.retransmit(now) || c.keepalive(now) {
		return
	}

	if !c.persistAt.IsZero() && !now.Before(c.persistAt) {
		c.persistAt = time.Time{}
		if c.sndWnd > 0 {
			// a segment descriptor may have been freed since the last split attempt
			c.output()
		}
		if len(c.unacked) == 0 && len(c.unsent) > 0 && !c.released {
			c.sendProbe()
			c.persistBackoff = min(2*c.persistBackoff, c.s.opts.Policy.TCPRTOMax)
			c.persistAt = now.Add(c.persistBackoff)
		}
	}

	if c.state == stateFinWait2 && !c.finWaitAt.IsZero() && !now.Before(c.finWaitAt) {
		c.timeout("fin_wait_2")
	}
}

// retransmit resends the oldest unacknowledged segment once its timer
// expired. It reports whether the connection was dropped.
func (c *TCPConn) retransmit(now time.Time) bool {
	if len(c.unacked) == 0 || c.rtxAt.IsZero() || now.Before(c.rtxAt) {
		return false
	}

	p := c.s.opts.Policy
	limit := p.TCPMaxRtx
	if c.state == stateSynRcvd {
		limit = p.TCPSynMaxRtx
	}
	if c.nrtx >= limit {
		c.timeout("retransmit")
		return true
	}

	c.nrtx++
	c.transmit(c.unacked[0])
	c.rto = min(2*c.rto, p.TCPRTOMax)
	c.rtxAt = now.Add(c.rto)
	return false
}

// keepalive probes an idle connection and drops it once TCPKeepCnt probes
// went unanswered.
func (c *TCPConn) keepalive(now time.Time) bool {
	if !c.s.opts.Features.TCPKeepalive {
		return false
	}
	if c.state != stateEstablished && c.state != stateCloseWait {
		return false
	}

	p := c.s.opts.Policy
	due := p.TCPKeepIdle + time.Duration(c.keepProbes)*p.TCPKeepIntvl
	if now.Sub(c.lastRecv) < due {
		return false
	}
	if c.keepProbes >= p.TCPKeepCnt {
		c.timeout("keepalive")
		return true
	}
	c.keepProbes++
	c.sendProbe()
	return false
}

func (c *TCPConn) timeout(timer string) {
	c.s.log.Debug("tcp timeout",
		zap.String("timer", timer),
		zap.Stringer("remote", c.key.remote),
		zap.Stringer("state", c.state))
	c.sendReset()
	c.reset(pkgerrors.ErrTimeout)
}
