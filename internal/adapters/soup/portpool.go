package soup

import (
	"sync"

	"github.com/mconf/mcs-core/internal/core"
)

// PortPool hands out ephemeral RTP/RTCP port pairs for recorder transports:
// an even RTP port plus the adjacent odd RTCP port.
type PortPool struct {
	mu    sync.Mutex
	min   int
	max   int
	inUse map[int]bool
}

func NewPortPool(min, max int) *PortPool {
	if min%2 != 0 {
		min++
	}
	return &PortPool{min: min, max: max, inUse: make(map[int]bool)}
}

// Allocate returns a free (rtp, rtcp) pair or fails when the range is
// exhausted.
func (p *PortPool) Allocate() (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for rtp := p.min; rtp+1 <= p.max; rtp += 2 {
		if p.inUse[rtp] {
			continue
		}
		p.inUse[rtp] = true
		return rtp, rtp + 1, nil
	}
	return 0, 0, core.NewErrorf(core.ErrMediaServerNoResources,
		"port range %d-%d exhausted", p.min, p.max)
}

// Release returns a pair to the pool. Unknown ports are ignored so teardown
// paths can release unconditionally.
func (p *PortPool) Release(rtp int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, rtp)
}

func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
