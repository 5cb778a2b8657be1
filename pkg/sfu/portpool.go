package sfu

import (
	"fmt"
	"sync"

	"github.com/ethan/mediabridge-router/pkg/logger"
)

// utilizationWarnThreshold is the fraction of the egress port pool in use
// above which PortPool logs a warning once per crossing, per OQ3.
const utilizationWarnThreshold = 0.8

// PortPool hands out disjoint (RTP, RTCP) port pairs from a configured
// range for egress transports. Allocation either succeeds fully or releases
// any partial allocation before failing, per the shared-resource policy.
type PortPool struct {
	mu        sync.Mutex
	min, max  int
	free      []int // rtp ports at even offsets from min; RTCP is port+1
	inUse     map[int]bool
	warned    bool
	log       *logger.Logger
}

// NewPortPool builds a pool of (rtp, rtcp) pairs covering [min, max]. Rtp
// ports are min, min+2, ... and only pairs whose rtcp = rtp+1 falls in range
// are included.
func NewPortPool(min, max int, log *logger.Logger) *PortPool {
	if log == nil {
		log = logger.Default()
	}
	p := &PortPool{min: min, max: max, inUse: make(map[int]bool), log: log}
	for port := min; port+1 <= max; port += 2 {
		p.free = append(p.free, port)
	}
	return p
}

// Acquire reserves one (rtp, rtcp) pair. Returns ErrEgressPortsExhausted
// when the pool is drained.
func (p *PortPool) Acquire() (rtpPort, rtcpPort int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, 0, newError(ErrEgressPortsExhausted, fmt.Errorf("egress port pool [%d-%d] exhausted", p.min, p.max))
	}

	port := p.free[0]
	p.free = p.free[1:]
	p.inUse[port] = true

	p.warnIfNearCapacityLocked()
	return port, port + 1, nil
}

// Release returns a previously-acquired pair to the pool. Safe to call with
// a port that was never allocated (no-op).
func (p *PortPool) Release(rtpPort int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[rtpPort] {
		return
	}
	delete(p.inUse, rtpPort)
	p.free = append(p.free, rtpPort)

	total := p.totalPairsLocked()
	if p.warned && float64(len(p.inUse))/float64(total) < utilizationWarnThreshold {
		p.warned = false
	}
}

func (p *PortPool) totalPairsLocked() int {
	return (p.max - p.min + 1) / 2
}

func (p *PortPool) warnIfNearCapacityLocked() {
	if p.warned {
		return
	}
	total := p.totalPairsLocked()
	if total == 0 {
		return
	}
	if float64(len(p.inUse))/float64(total) >= utilizationWarnThreshold {
		p.warned = true
		p.log.Warn("egress port pool nearing capacity",
			"inUse", len(p.inUse), "total", total, "range", fmt.Sprintf("%d-%d", p.min, p.max))
	}
}

// Stats reports current pool utilization, for the admin plain-transports view.
func (p *PortPool) Stats() (inUse, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse), p.totalPairsLocked()
}
