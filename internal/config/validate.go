package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	pkgerrors "tunstack/pkg/errors"
)

var validate = validator.New()

// Validate checks every field range and every cross-field invariant. All
// violations are reported together; each one is a *errors.ConfigError.
func (o *Options) Validate() error {
	var errs error

	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return multierr.Append(errs, err)
		}
		for _, fe := range verrs {
			errs = multierr.Append(errs, &pkgerrors.ConfigError{
				Field:  fe.Namespace(),
				Reason: fmt.Sprintf("value %v violates %s=%s", fe.Value(), fe.Tag(), fe.Param()),
			})
		}
	}

	errs = multierr.Append(errs, o.validateGeometry())
	errs = multierr.Append(errs, o.validatePools())
	errs = multierr.Append(errs, o.validateFeatures())
	errs = multierr.Append(errs, o.validatePolicy())
	return errs
}

func violation(field, format string, args ...any) error {
	return &pkgerrors.ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (o *Options) validateGeometry() error {
	g := o.Geometry
	if g.MSS <= 0 || g.MemAlignment <= 0 {
		// already reported by the range checks
		return nil
	}

	var errs error
	if g.MemAlignment&(g.MemAlignment-1) != 0 {
		errs = multierr.Append(errs, violation("Geometry.MemAlignment",
			"%d is not a power of two", g.MemAlignment))
	}
	if want := g.MinPbufPoolBufSize(); g.PbufPoolBufSize < want {
		errs = multierr.Append(errs, violation("Geometry.PbufPoolBufSize",
			"%d cannot hold one segment: need MSS(%d)+%d+link(%d) = %d",
			g.PbufPoolBufSize, g.MSS, TCPIPHeaderLen, g.LinkHeaderLen, want))
	}
	if g.MSS+TCPIPHeaderLen > g.MTU {
		errs = multierr.Append(errs, violation("Geometry.MSS",
			"MSS(%d)+%d exceeds MTU %d", g.MSS, TCPIPHeaderLen, g.MTU))
	}
	if g.TCPWnd > 0xffff {
		errs = multierr.Append(errs, violation("Geometry.TCPWnd",
			"%d exceeds 65535 and window scaling is not supported", g.TCPWnd))
	}
	if g.TCPWnd < 2*g.MSS {
		errs = multierr.Append(errs, violation("Geometry.TCPWnd",
			"%d is smaller than two segments (%d)", g.TCPWnd, 2*g.MSS))
	}
	if g.TCPSndBuf < 2*g.MSS {
		errs = multierr.Append(errs, violation("Geometry.TCPSndBuf",
			"%d is smaller than two segments (%d)", g.TCPSndBuf, 2*g.MSS))
	}
	if need := g.MinSegmentPool(); g.TCPSndQueueLen < need {
		errs = multierr.Append(errs, violation("Geometry.TCPSndQueueLen",
			"%d is below 2*(SndBuf/MSS) = %d", g.TCPSndQueueLen, need))
	}
	if g.TCPSndQueueLen > 0xffff {
		errs = multierr.Append(errs, violation("Geometry.TCPSndQueueLen",
			"%d exceeds 65535", g.TCPSndQueueLen))
	}
	return errs
}

func (o *Options) validatePools() error {
	p, f := o.Pools, o.Features

	var errs error
	required := []struct {
		field   string
		enabled bool
		n       int
	}{
		{"Pools.RawPCB", f.Raw, p.RawPCB},
		{"Pools.UDPPCB", f.UDP, p.UDPPCB},
		{"Pools.TCPPCBListen", f.TCP, p.TCPPCBListen},
		{"Pools.TCPPCB", f.TCP, p.TCPPCB},
		{"Pools.TCPSeg", f.TCP, p.TCPSeg},
		{"Pools.ReassData", f.IPv4 || f.IPv6, p.ReassData},
		{"Pools.ARPQueue", f.ARPQueueing, p.ARPQueue},
		{"Pools.SysTimeout", !f.NoSys, p.SysTimeout},
	}
	for _, r := range required {
		if r.enabled && r.n <= 0 {
			errs = multierr.Append(errs, violation(r.field, "must be positive when the feature is enabled"))
		}
	}

	if f.TCP && o.Geometry.MSS > 0 {
		if need := o.Geometry.MinSegmentPool(); p.TCPSeg < need {
			errs = multierr.Append(errs, violation("Pools.TCPSeg",
				"%d is below 2*(SndBuf/MSS) = %d", p.TCPSeg, need))
		}
		if p.TCPSeg < o.Geometry.TCPSndQueueLen {
			errs = multierr.Append(errs, violation("Pools.TCPSeg",
				"%d is smaller than TCPSndQueueLen %d", p.TCPSeg, o.Geometry.TCPSndQueueLen))
		}
	}
	if p.ReassMaxPbufs > p.PbufPool {
		errs = multierr.Append(errs, violation("Pools.ReassMaxPbufs",
			"%d exceeds the pbuf pool (%d)", p.ReassMaxPbufs, p.PbufPool))
	}
	return errs
}

func (o *Options) validateFeatures() error {
	f := o.Features

	var errs error
	needs := []struct {
		field, dep string
		on, depOn  bool
	}{
		{"Features.IPv6Autoconfig", "IPv6", f.IPv6Autoconfig, f.IPv6},
		{"Features.IPv6MLD", "IPv6", f.IPv6MLD, f.IPv6},
		{"Features.ARPQueueing", "ARP", f.ARPQueueing, f.ARP},
		{"Features.DHCP", "UDP", f.DHCP, f.UDP},
		{"Features.DNS", "UDP", f.DNS, f.UDP},
		{"Features.UDPLite", "UDP", f.UDPLite, f.UDP},
		{"Features.TCPKeepalive", "TCP", f.TCPKeepalive, f.TCP},
		{"Features.TCP", "Timers", f.TCP, f.Timers},
	}
	for _, n := range needs {
		if n.on && !n.depOn {
			errs = multierr.Append(errs, violation(n.field, "requires %s", n.dep))
		}
	}
	if !f.IPv4 && !f.IPv6 {
		errs = multierr.Append(errs, violation("Features", "at least one of IPv4 or IPv6 must be enabled"))
	}
	if f.NoSys && (f.Netconn || f.Socket) {
		errs = multierr.Append(errs, violation("Features.NoSys", "the sequential and socket APIs need an OS layer"))
	}
	if !f.CallbackAPI {
		errs = multierr.Append(errs, violation("Features.CallbackAPI", "the raw callback API is the only supported API"))
	}
	return errs
}

func (o *Options) validatePolicy() error {
	c, f := o.Policy.ChecksumCheck, o.Features

	var errs error
	checks := []struct {
		field   string
		on      bool
		enabled bool
	}{
		{"Policy.ChecksumCheck.IP", c.IP, f.IPv4},
		{"Policy.ChecksumCheck.UDP", c.UDP, f.UDP},
		{"Policy.ChecksumCheck.TCP", c.TCP, f.TCP},
		{"Policy.ChecksumCheck.ICMP", c.ICMP, f.ICMP},
		{"Policy.ChecksumCheck.ICMP6", c.ICMP6, f.IPv6},
	}
	for _, ck := range checks {
		if ck.on && !ck.enabled {
			errs = multierr.Append(errs, violation(ck.field, "checks a protocol that is disabled"))
		}
	}
	return errs
}

// Violations splits a Validate error into its individual violations.
func Violations(err error) []error {
	return multierr.Errors(err)
}
