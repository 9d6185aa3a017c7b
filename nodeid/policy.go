package nodeid

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
)

// Policy chooses a replacement candidate once the current one is taken or
// when no candidate is set. The Arbiter only says what is taken; choosing is
// left to the policy.
type Policy interface {
	// Next returns a candidate for which taken reports false, or false when
	// every identifier in the policy's range is taken.
	Next(current NodeID, taken func(NodeID) bool) (NodeID, bool)
}

// Sequential scans upward from the identifier after current, wrapping
// within [Min, Max], and picks the first free one. A zero Max means
// MaxNodeID. Skew moves the start of the scan that many identifiers further.
type Sequential struct {
	Min, Max NodeID
	Skew     NodeID
}

// SequentialFor returns a Sequential policy over the full range with a Skew
// derived from serial. Nodes that lose the same identifier in the same
// period then scan from different places instead of moving in lockstep.
func SequentialFor(serial Serial) Sequential {
	h := fnv.New32a()
	h.Write(serial[:])
	return Sequential{Skew: NodeID(h.Sum32() % (uint32(MaxNodeID) + 1))}
}

func (p Sequential) bounds() (NodeID, NodeID) {
	lo, hi := p.Min, p.Max
	if hi == 0 || hi > MaxNodeID {
		hi = MaxNodeID
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

func (p Sequential) Next(current NodeID, taken func(NodeID) bool) (NodeID, bool) {
	lo, hi := p.bounds()
	span := int(hi-lo) + 1
	start := lo
	if current >= lo && current < hi {
		start = current + 1
	}
	offset := int(start-lo) + int(p.Skew)
	for i := 0; i < span; i++ {
		id := lo + NodeID((offset+i)%span)
		if !taken(id) {
			return id, true
		}
	}
	return Unset, false
}

// Random picks uniformly among the free identifiers in [Min, Max] other than
// current, so colliding nodes spread out instead of chasing each other.
type Random struct {
	Min, Max NodeID
	rng      *rand.Rand
}

// NewRandom returns a Random policy over the full range seeded with seed.
func NewRandom(seed int64) *Random {
	return &Random{Max: MaxNodeID, rng: rand.New(rand.NewSource(seed))}
}

func (p *Random) Next(current NodeID, taken func(NodeID) bool) (NodeID, bool) {
	lo, hi := Sequential{Min: p.Min, Max: p.Max}.bounds()
	free := make([]NodeID, 0, int(hi-lo)+1)
	for id := int(lo); id <= int(hi); id++ {
		n := NodeID(id)
		if n != current && !taken(n) {
			free = append(free, n)
		}
	}
	if len(free) == 0 {
		if current.IsSet() && current >= lo && current <= hi && !taken(current) {
			return current, true
		}
		return Unset, false
	}
	if p.rng == nil {
		return free[rand.Intn(len(free))], true
	}
	return free[p.rng.Intn(len(free))], true
}

// ParsePolicy returns the policy named by s ("sequential" or "random").
// Sequential comes back unskewed; see SequentialFor.
func ParsePolicy(s string, seed int64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential{}, nil
	case "random":
		return NewRandom(seed), nil
	}
	return nil, fmt.Errorf("nodeid: unknown policy %q", s)
}
