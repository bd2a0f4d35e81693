package policy

import (
	"context"
	"math/rand"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/inference"
)

// RandomPolicy selects random valid actions
type RandomPolicy struct {
	rng  *rand.Rand
	spec action.Spec

	// Continuous actions are drawn from [low, high]
	low  float32
	high float32

	pending []inference.AgentInfo
	actions map[int]action.Buffers
}

// NewRandom creates a random policy for spec, seeded for reproducible episodes.
func NewRandom(spec action.Spec, seed int64) (*RandomPolicy, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &RandomPolicy{
		rng:     rand.New(rand.NewSource(seed)),
		spec:    spec,
		low:     -1,
		high:    1,
		actions: make(map[int]action.Buffers),
	}, nil
}

// Request implements Policy.
func (p *RandomPolicy) Request(info inference.AgentInfo) {
	p.pending = append(p.pending, info)
	if info.Done {
		delete(p.actions, info.EpisodeID)
	}
}

// Decide implements Policy.
func (p *RandomPolicy) Decide(context.Context) error {
	for _, info := range p.pending {
		if info.Done {
			continue
		}
		p.actions[info.EpisodeID] = p.selectAction(info.DiscreteActionMasks)
	}
	p.pending = p.pending[:0]
	return nil
}

// Action implements Policy.
func (p *RandomPolicy) Action(episodeID int) action.Buffers {
	b, ok := p.actions[episodeID]
	if !ok {
		return action.Empty
	}
	return b
}

// Close implements Policy.
func (p *RandomPolicy) Close() error { return nil }

func (p *RandomPolicy) selectAction(masks []bool) action.Buffers {
	b := action.NewBuffers(p.spec)
	for i := range b.Continuous {
		b.Continuous[i] = p.low + p.rng.Float32()*(p.high-p.low)
	}
	offset := 0
	for branch, size := range p.spec.BranchSizes {
		b.Discrete[branch] = int32(p.selectLegal(int(size), masks, offset))
		offset += int(size)
	}
	return b
}

// selectLegal picks uniformly among the unmasked choices of a branch. A fully masked
// branch falls back to every choice.
func (p *RandomPolicy) selectLegal(size int, masks []bool, offset int) int {
	legal := make([]int, 0, size)
	for i := 0; i < size; i++ {
		if offset+i < len(masks) && masks[offset+i] {
			continue
		}
		legal = append(legal, i)
	}
	if len(legal) == 0 {
		return p.rng.Intn(size)
	}
	return legal[p.rng.Intn(len(legal))]
}
