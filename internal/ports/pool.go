// Package ports allocates host ports for managed instances.
// Each instance holds one port from each of three disjoint ranges
// (remote desktop, console, xpra display).
package ports

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned when a range has no free port left.
var ErrExhausted = errors.New("no ports available")

// Kind identifies one of the three port pools.
type Kind int

const (
	RDP Kind = iota
	Console
	Xpra
	numKinds
)

// Kinds lists every pool kind in allocation order.
var Kinds = []Kind{RDP, Console, Xpra}

func (k Kind) String() string {
	switch k {
	case RDP:
		return "rdp"
	case Console:
		return "console"
	case Xpra:
		return "xpra"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Range is a half-open port range [Start, End).
type Range struct {
	Start uint16 `yaml:"start" json:"start"`
	End   uint16 `yaml:"end" json:"end"`
}

// Contains reports whether port lies within the range.
func (r Range) Contains(port uint16) bool {
	return port >= r.Start && port < r.End
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	if r.End <= r.Start {
		return 0
	}
	return int(r.End) - int(r.Start)
}

// Overlaps reports whether two ranges share at least one port.
func (r Range) Overlaps(o Range) bool {
	return r.Size() > 0 && o.Size() > 0 && r.Start < o.End && o.Start < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

// Triplet is the set of ports held by one instance.
type Triplet struct {
	RDP     uint16 `json:"rdp_port"`
	Console uint16 `json:"console_port"`
	Xpra    uint16 `json:"xpra_port"`
}

// Get returns the port of the given kind.
func (t Triplet) Get(k Kind) uint16 {
	switch k {
	case RDP:
		return t.RDP
	case Console:
		return t.Console
	default:
		return t.Xpra
	}
}

func (t Triplet) values() []uint16 {
	return []uint16{t.RDP, t.Console, t.Xpra}
}

// Pool tracks allocations over the three ranges.
//
// Pool does no locking of its own. It is owned by the instance registry,
// whose lock also covers the instance map, so that port and instance
// mutations stay consistent with each other.
type Pool struct {
	ranges    [numKinds]Range
	allocated [numKinds]map[uint16]struct{}
}

// NewPool creates a pool over the given ranges.
func NewPool(rdp, console, xpra Range) *Pool {
	p := &Pool{ranges: [numKinds]Range{rdp, console, xpra}}
	for i := range p.allocated {
		p.allocated[i] = make(map[uint16]struct{})
	}
	return p
}

// Range returns the configured range for a kind.
func (p *Pool) Range(k Kind) Range {
	return p.ranges[k]
}

// AllocateOne claims the lowest free port of the given kind.
func (p *Pool) AllocateOne(k Kind) (uint16, error) {
	r := p.ranges[k]
	for port := int(r.Start); port < int(r.End); port++ {
		if _, used := p.allocated[k][uint16(port)]; !used {
			p.allocated[k][uint16(port)] = struct{}{}
			return uint16(port), nil
		}
	}
	return 0, fmt.Errorf("%s range %s: %w", k, r, ErrExhausted)
}

// AllocateSet claims one port from each requested kind. It is all-or-nothing:
// if any kind is exhausted, ports claimed earlier in the call are released.
func (p *Pool) AllocateSet(kinds ...Kind) ([]uint16, error) {
	claimed := make([]uint16, 0, len(kinds))
	for _, k := range kinds {
		port, err := p.AllocateOne(k)
		if err != nil {
			for j, got := range claimed {
				p.ReleaseOne(kinds[j], got)
			}
			return nil, err
		}
		claimed = append(claimed, port)
	}
	return claimed, nil
}

// AllocateTriplet claims one port from every pool.
func (p *Pool) AllocateTriplet() (Triplet, error) {
	got, err := p.AllocateSet(Kinds...)
	if err != nil {
		return Triplet{}, err
	}
	return Triplet{RDP: got[0], Console: got[1], Xpra: got[2]}, nil
}

// ReleaseOne frees a port. Releasing a port that is not held is a no-op.
func (p *Pool) ReleaseOne(k Kind, port uint16) {
	delete(p.allocated[k], port)
}

// ReleaseSet frees ports pairwise matched with kinds.
func (p *Pool) ReleaseSet(kinds []Kind, ports []uint16) {
	for i := range kinds {
		if i < len(ports) {
			p.ReleaseOne(kinds[i], ports[i])
		}
	}
}

// ReleaseTriplet frees all three ports of an instance.
func (p *Pool) ReleaseTriplet(t Triplet) {
	p.ReleaseSet(Kinds, t.values())
}

// RegisterExisting marks a port that is already in use (by a recovered
// container) as allocated. Ports outside the configured range are rejected.
func (p *Pool) RegisterExisting(k Kind, port uint16) error {
	r := p.ranges[k]
	if !r.Contains(port) {
		return fmt.Errorf("port %d outside %s range %s", port, k, r)
	}
	p.allocated[k][port] = struct{}{}
	return nil
}

// RegisterTriplet registers all three ports or none of them. A port that is
// already held by someone else is rejected as well.
func (p *Pool) RegisterTriplet(t Triplet) error {
	for _, k := range Kinds {
		port := t.Get(k)
		if !p.ranges[k].Contains(port) {
			return fmt.Errorf("port %d outside %s range %s", port, k, p.ranges[k])
		}
		if p.IsAllocated(k, port) {
			return fmt.Errorf("%s port %d already allocated", k, port)
		}
	}
	for _, k := range Kinds {
		if err := p.RegisterExisting(k, t.Get(k)); err != nil {
			return err
		}
	}
	return nil
}

// IsAllocated reports whether a port of the given kind is currently held.
func (p *Pool) IsAllocated(k Kind, port uint16) bool {
	_, ok := p.allocated[k][port]
	return ok
}

// Available returns the number of free ports of a kind.
func (p *Pool) Available(k Kind) int {
	return p.ranges[k].Size() - len(p.allocated[k])
}

// Allocated returns the number of held ports of a kind.
func (p *Pool) Allocated(k Kind) int {
	return len(p.allocated[k])
}
