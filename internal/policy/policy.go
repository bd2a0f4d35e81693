// Package policy provides action selection strategies for the actor
package policy

import (
	"context"

	"github.com/cartridge/inference/internal/action"
	"github.com/cartridge/inference/internal/inference"
)

// Policy decides the actions of every agent that requested a decision in a step.
type Policy interface {
	// Request queues an agent's decision for the current step.
	Request(info inference.AgentInfo)
	// Decide resolves every queued request.
	Decide(ctx context.Context) error
	// Action returns the latest decided actions of an episode, or action.Empty.
	Action(episodeID int) action.Buffers
	Close() error
}
