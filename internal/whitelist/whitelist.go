// Package whitelist defines the externally-owned permission capability both
// core components consult before any balance-increasing transfer.
package whitelist

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Checker answers whether an address may receive balance-increasing transfers.
type Checker interface {
	IsWhitelisted(ctx context.Context, addr common.Address) bool
}

// AllowAll is the checker used when whitelisting is disabled for an instance.
type AllowAll struct{}

// IsWhitelisted implements Checker
func (AllowAll) IsWhitelisted(ctx context.Context, addr common.Address) bool {
	return true
}

// Static is an in-memory membership set, adequate as a stand-in for the
// external KYC service in tests and single-node deployments.
type Static struct {
	mu      sync.RWMutex
	members map[common.Address]struct{}
}

// NewStatic creates a Static checker seeded with the given members
func NewStatic(members ...common.Address) *Static {
	s := &Static{members: make(map[common.Address]struct{}, len(members))}
	for _, m := range members {
		s.members[m] = struct{}{}
	}
	return s
}

// Add inserts an address into the set
func (s *Static) Add(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[addr] = struct{}{}
}

// Remove deletes an address from the set
func (s *Static) Remove(addr common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, addr)
}

// IsWhitelisted implements Checker
func (s *Static) IsWhitelisted(ctx context.Context, addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[addr]
	return ok
}
