// Package session keeps one refresh orchestrator per account for the
// lifetime of the process.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"stakestream/internal/model"
	"stakestream/internal/refresh"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("session registry closed")

// Factory builds an orchestrator for account.
type Factory func(account common.Address) (*refresh.Orchestrator, error)

// Registry maps accounts to orchestrators. New orchestrators start polling
// their active tokens immediately.
type Registry struct {
	factory Factory
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*refresh.Orchestrator
	closed   bool
}

func NewRegistry(factory Factory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory:  factory,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*refresh.Orchestrator),
	}
}

// Get returns the orchestrator for address, creating it if needed. It does
// not load it; callers check Snapshot().Loaded.
func (r *Registry) Get(address string) (*refresh.Orchestrator, error) {
	account, err := model.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	key := model.AddressKey(account)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if orch, ok := r.sessions[key]; ok {
		return orch, nil
	}

	orch, err := r.factory(account)
	if err != nil {
		return nil, err
	}
	orch.StartPolling(r.ctx)
	r.sessions[key] = orch
	r.logger.Info("session opened", zap.String("account", account.Hex()))
	return orch, nil
}

// Lookup returns an existing orchestrator without creating one.
func (r *Registry) Lookup(address string) (*refresh.Orchestrator, bool) {
	account, err := model.ParseAddress(address)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	orch, ok := r.sessions[model.AddressKey(account)]
	return orch, ok
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every orchestrator.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*refresh.Orchestrator)
	r.mu.Unlock()

	r.cancel()
	for _, orch := range sessions {
		orch.Close()
	}
}
