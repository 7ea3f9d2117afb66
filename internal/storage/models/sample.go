package models

import "time"

// Sample is a point-in-time record of pool and heap occupancy.
type Sample struct {
	ID           int64        `json:"id"`
	RunID        int64        `json:"run_id"`
	TakenAt      time.Time    `json:"taken_at"`
	HeapSize     int          `json:"heap_size"`
	HeapUsed     int          `json:"heap_used"`
	HeapPeak     int          `json:"heap_peak"`
	HeapFailures uint64       `json:"heap_failures"`
	TCPConns     int          `json:"tcp_conns"`
	UDPFlows     int          `json:"udp_flows"`
	Drops        uint64       `json:"drops"`
	Pools        []PoolSample `json:"pools"`
}

// PoolSample is the occupancy of one pool.
type PoolSample struct {
	Kind      string `json:"kind"`
	Capacity  int    `json:"capacity"`
	Used      int    `json:"used"`
	HighWater int    `json:"high_water"`
	Failures  uint64 `json:"failures"`
}

// Pool returns the sample of the named pool kind, or nil.
func (s *Sample) Pool(kind string) *PoolSample {
	for i := range s.Pools {
		if s.Pools[i].Kind == kind {
			return &s.Pools[i]
		}
	}
	return nil
}
