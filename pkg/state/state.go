// Package state projects external ground truth (users, domains, datasets,
// functions) into the checker's fact vocabulary. Resolvers are bound per use
// case; the checker never knows where the truth lives.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/epi-project/policy-reasoner/pkg/workflow"
)

// ErrUnknownUseCase is returned when no resolver is bound to a use case.
var ErrUnknownUseCase = errors.New("no state resolver bound to use case")

// Resolver produces the current external state for its use case.
type Resolver interface {
	Resolve(ctx context.Context) (workflow.State, error)
}

// Registry maps use cases onto resolvers. Bind and Resolve are safe for
// concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Resolver)}
}

func (r *Registry) Bind(useCase string, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[useCase] = res
}

// UseCases lists the bound use cases in stable order.
func (r *Registry) UseCases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve dispatches to the resolver bound to useCase.
func (r *Registry) Resolve(ctx context.Context, useCase string) (workflow.State, error) {
	r.mu.RLock()
	res, ok := r.m[useCase]
	r.mu.RUnlock()
	if !ok {
		return workflow.State{}, fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}
	return res.Resolve(ctx)
}
