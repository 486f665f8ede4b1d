package lock

import (
	"context"
	"slices"

	"github.com/pixperk/davlock/pkg/types"
)

// reports whether a writer may modify resourceID
// an active exclusive lock, direct or inherited, blocks the write unless its
// token is among tokens or it belongs to the lock context in scope
func (m *Manager) CheckWrite(ctx context.Context, resourceID string, tokens []string) error {
	active, err := m.EffectiveLocks(ctx, resourceID)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	presented := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		presented[t] = true
	}
	scoped, inScope := LockInScope(ctx)

	for _, l := range active {
		if l.Scope != types.ScopeExclusive || presented[l.Token] {
			continue
		}
		if inScope && l.OwnedBy(scoped.OwnerType, scoped.OwnerID) {
			continue
		}
		m.logger.Debug("write blocked", "resource", resourceID, "holder", l.Owner, "lock_on", l.ResourceID)
		return types.OwnerLocked(l)
	}
	return nil
}

// CheckWrite for a whole subtree, as needed before deleting or moving a collection
// exclusive locks held on any member block the write the same way
func (m *Manager) CheckWriteTree(ctx context.Context, resourceID string, tokens []string) error {
	if err := m.CheckWrite(ctx, resourceID, tokens); err != nil {
		return err
	}
	p, ok := m.registry.Provider()
	if !ok {
		return nil
	}
	below, err := p.LocksBelow(ctx, resourceID)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	scoped, inScope := LockInScope(ctx)
	for _, l := range below {
		if l.IsExpired(now) || l.Scope != types.ScopeExclusive || slices.Contains(tokens, l.Token) {
			continue
		}
		if inScope && l.OwnedBy(scoped.OwnerType, scoped.OwnerID) {
			continue
		}
		m.logger.Debug("subtree write blocked", "resource", resourceID, "holder", l.Owner, "lock_on", l.ResourceID)
		return types.OwnerLocked(l)
	}
	return nil
}
