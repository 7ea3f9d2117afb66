package config

// TCPIPHeaderLen is the IP plus TCP header allowance reserved in every pool
// buffer, on top of the payload and the link header reservation.
const TCPIPHeaderLen = 40

// Header sizes used when computing per-family effective segment sizes.
const (
	IPv4HeaderLen = 20
	IPv6HeaderLen = 40
	TCPHeaderLen  = 20
	UDPHeaderLen  = 8
)

// SndQueueLen derives the send queue length (in segments) from the send
// buffer and segment size. The result is always at least 2*(sndBuf/mss).
func SndQueueLen(sndBuf, mss int) int {
	return (128*sndBuf + (mss - 1)) / mss
}

// AlignSize rounds n up to the configured memory alignment.
func (g Geometry) AlignSize(n int) int {
	a := g.MemAlignment
	if a <= 1 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

// MinPbufPoolBufSize is the smallest pool buffer that holds one full-size
// segment with its IP/TCP headers and the link header reservation.
func (g Geometry) MinPbufPoolBufSize() int {
	return g.MSS + TCPIPHeaderLen + g.LinkHeaderLen
}

// MinSegmentPool is the least number of segment descriptors a single send
// buffer's worth of data may need.
func (g Geometry) MinSegmentPool() int {
	return 2 * (g.TCPSndBuf / g.MSS)
}

// EffectiveMSS is the largest payload that fits in one packet of the given
// IP header length without exceeding the MTU.
func (g Geometry) EffectiveMSS(ipHeaderLen int) int {
	return min(g.MSS, g.MTU-ipHeaderLen-TCPHeaderLen)
}

// PbufsFor returns how many pool buffers a packet of n bytes occupies.
func (g Geometry) PbufsFor(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + g.PbufPoolBufSize - 1) / g.PbufPoolBufSize
}
