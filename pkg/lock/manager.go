// Package lock arbitrates concurrent writers on node resources.
//
// Locks live in a LockStore reached through the Registry. Every write goes
// through a single compare-and-swap of the resource's lock set, so the
// store alone decides who won a race between workers. Expiry is checked
// lazily on each read and write; nothing sweeps expired locks in the
// background.
package lock

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/metrics"
	clock "github.com/pixperk/davlock/pkg/time"
	"github.com/pixperk/davlock/pkg/types"
)

const (
	TokenPrefix = "opaquelocktoken:"

	DefaultTimeout  = 30 * time.Minute
	DefaultMaxSwaps = 4
)

type Config struct {
	// used when a request carries no timeout
	DefaultTimeout time.Duration
	// upper bound for requested timeouts, 0 means unbounded
	MaxTimeout time.Duration
	// compare-and-swap attempts before giving up on a contended resource
	MaxSwaps int

	Clock  clock.Clock
	Logger hclog.Logger
}

type Manager struct {
	registry *Registry
	cfg      Config
	logger   hclog.Logger
	clock    clock.Clock
}

func NewManager(registry *Registry, cfg Config) *Manager {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.MaxSwaps <= 0 {
		cfg.MaxSwaps = DefaultMaxSwaps
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Manager{
		registry: registry,
		cfg:      cfg,
		logger:   cfg.Logger.Named("lock"),
		clock:    cfg.Clock,
	}
}

func (m *Manager) HasProvider() bool {
	_, ok := m.registry.Provider()
	return ok
}

// returns the provider or KindNoLockProvider
func (m *Manager) RequireProvider() (LockProvider, error) {
	p, ok := m.registry.Provider()
	if !ok {
		return nil, types.Errorf(types.KindNoLockProvider, "no lock backend registered")
	}
	return p, nil
}

func NewToken() string {
	return TokenPrefix + uuid.NewString()
}

// lock tokens are the opaquelocktoken URIs this manager issues
func IsLockToken(s string) bool {
	return len(s) > len(TokenPrefix) && strings.HasPrefix(s, TokenPrefix)
}

// returns the non-expired locks held directly on the resource
// inherited locks are not resolved, see EffectiveLocks
func (m *Manager) GetLocks(ctx context.Context, resourceID string) ([]types.Lock, error) {
	p, ok := m.registry.Provider()
	if !ok {
		return nil, nil
	}
	set, err := p.LoadLocks(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return set.Active(m.clock.Now()), nil
}

// direct locks plus infinite depth locks held on any ancestor
func (m *Manager) EffectiveLocks(ctx context.Context, resourceID string) ([]types.Lock, error) {
	p, ok := m.registry.Provider()
	if !ok {
		return nil, nil
	}
	now := m.clock.Now()

	set, err := p.LoadLocks(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	locks := set.Active(now)

	for _, anc := range Ancestors(resourceID) {
		aset, err := p.LoadLocks(ctx, anc)
		if err != nil {
			return nil, err
		}
		for _, l := range aset.Active(now) {
			if l.Depth == types.DepthInfinite {
				locks = append(locks, l)
			}
		}
	}
	return locks, nil
}

// creates or renews the lock described by lc
// an incompatible active lock yields KindOwnerLocked carrying that lock
// the same (type, owner) asking again renews its lock and keeps the token
func (m *Manager) Lock(ctx context.Context, lc types.LockContext) (types.Lock, error) {
	begin := time.Now()
	if lc.Scope == 0 {
		lc.Scope = types.ScopeExclusive
	}
	defer func() {
		metrics.LockAcquireDuration.WithLabelValues(lc.Scope.String()).Observe(time.Since(begin).Seconds())
	}()

	p, err := m.RequireProvider()
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues("error").Inc()
		return types.Lock{}, err
	}
	if lc.ResourceID == "" || lc.OwnerID == "" || lc.OwnerType == 0 {
		metrics.LockAcquireTotal.WithLabelValues("error").Inc()
		return types.Lock{}, types.Errorf(types.KindBadRequest, "lock context needs a resource, an owner type and an owner")
	}

	timeout := m.timeout(lc.Timeout)

	//inherited exclusivity first, then anything held below an infinite request
	if err := m.checkTree(ctx, p, lc); err != nil {
		m.countAcquire(err)
		return types.Lock{}, err
	}

	for attempt := 0; attempt < m.cfg.MaxSwaps; attempt++ {
		set, err := p.LoadLocks(ctx, lc.ResourceID)
		if err != nil {
			metrics.LockAcquireTotal.WithLabelValues("error").Inc()
			return types.Lock{}, err
		}
		now := m.clock.Now()

		var own *types.Lock
		others := make([]types.Lock, 0, len(set.Locks))
		for _, l := range set.Active(now) {
			if l.OwnedBy(lc.OwnerType, lc.OwnerID) && own == nil {
				l := l
				own = &l
				continue
			}
			others = append(others, l)
		}

		for _, other := range others {
			if !other.Compatible(lc.Scope) {
				m.logger.Debug("lock conflict", "resource", lc.ResourceID, "holder", other.Owner, "holder_type", other.Type.String())
				metrics.LockAcquireTotal.WithLabelValues("locked").Inc()
				return types.Lock{}, types.OwnerLocked(other)
			}
		}

		next := types.Lock{
			Type:       lc.OwnerType,
			Owner:      lc.OwnerID,
			ResourceID: lc.ResourceID,
			Scope:      lc.Scope,
			Depth:      lc.Depth,
			Token:      NewToken(),
			CreatedAt:  now,
			Timeout:    timeout,
		}
		result := "acquired"
		if own != nil {
			next.Token = own.Token
			result = "renewed"
		}

		_, err = p.SwapLocks(ctx, lc.ResourceID, set.Version, append(others, next))
		if errors.Is(err, types.ErrCASMismatch) {
			metrics.LockSwapConflictTotal.Inc()
			continue
		}
		if err != nil {
			metrics.LockAcquireTotal.WithLabelValues("error").Inc()
			return types.Lock{}, err
		}

		//a lock taken above or below us may have landed while we swapped
		if own == nil {
			if err := m.checkTree(ctx, p, lc); err != nil {
				if _, rerr := m.release(ctx, lc.ResourceID, func(l types.Lock) bool { return l.Token == next.Token }); rerr != nil {
					m.logger.Error("lock rollback failed", "resource", lc.ResourceID, "token", next.Token, "error", rerr)
				}
				m.countAcquire(err)
				return types.Lock{}, err
			}
		}

		metrics.LockAcquireTotal.WithLabelValues(result).Inc()
		m.logger.Debug("lock "+result, "resource", lc.ResourceID, "owner", lc.OwnerID, "scope", lc.Scope.String(), "timeout", timeout)
		return next, nil
	}

	metrics.LockAcquireTotal.WithLabelValues("error").Inc()
	return types.Lock{}, types.Wrap(types.KindInternal, types.ErrCASMismatch, "lock set of "+lc.ResourceID+" kept changing")
}

// extends the lock identified by token, the token stays the same
func (m *Manager) Refresh(ctx context.Context, resourceID, token string, timeout time.Duration) (types.Lock, error) {
	p, err := m.RequireProvider()
	if err != nil {
		return types.Lock{}, err
	}
	timeout = m.timeout(timeout)

	for attempt := 0; attempt < m.cfg.MaxSwaps; attempt++ {
		set, err := p.LoadLocks(ctx, resourceID)
		if err != nil {
			return types.Lock{}, err
		}
		now := m.clock.Now()

		active := set.Active(now)
		idx := -1
		for i, l := range active {
			if l.Token == token {
				idx = i
				break
			}
		}
		if idx < 0 {
			return types.Lock{}, types.Errorf(types.KindPreconditionFailed, "no active lock %s on %s", token, resourceID)
		}

		active[idx].CreatedAt = now
		active[idx].Timeout = timeout
		_, err = p.SwapLocks(ctx, resourceID, set.Version, active)
		if errors.Is(err, types.ErrCASMismatch) {
			metrics.LockSwapConflictTotal.Inc()
			continue
		}
		if err != nil {
			return types.Lock{}, err
		}
		return active[idx], nil
	}
	return types.Lock{}, types.Wrap(types.KindInternal, types.ErrCASMismatch, "lock set of "+resourceID+" kept changing")
}

// removes the lock of (resource, type, owner)
// releasing a lock that does not exist is a no-op
func (m *Manager) Unlock(ctx context.Context, lc types.LockContext) error {
	_, err := m.release(ctx, lc.ResourceID, func(l types.Lock) bool {
		return l.OwnedBy(lc.OwnerType, lc.OwnerID)
	})
	return err
}

// removes the lock carrying token, reports whether one was removed
func (m *Manager) UnlockToken(ctx context.Context, resourceID, token string) (bool, error) {
	return m.release(ctx, resourceID, func(l types.Lock) bool {
		return l.Token == token
	})
}

func (m *Manager) release(ctx context.Context, resourceID string, match func(types.Lock) bool) (bool, error) {
	p, ok := m.registry.Provider()
	if !ok {
		metrics.LockReleaseTotal.WithLabelValues("absent").Inc()
		return false, nil
	}

	for attempt := 0; attempt < m.cfg.MaxSwaps; attempt++ {
		set, err := p.LoadLocks(ctx, resourceID)
		if err != nil {
			metrics.LockReleaseTotal.WithLabelValues("error").Inc()
			return false, err
		}
		if set.Version == 0 {
			metrics.LockReleaseTotal.WithLabelValues("absent").Inc()
			return false, nil
		}

		now := m.clock.Now()
		released := false
		keep := make([]types.Lock, 0, len(set.Locks))
		for _, l := range set.Locks {
			if match(l) {
				released = !l.IsExpired(now)
				continue
			}
			if !l.IsExpired(now) {
				keep = append(keep, l)
			}
		}
		//nothing matched and nothing expired, leave the record alone
		if !released && len(keep) == len(set.Locks) {
			metrics.LockReleaseTotal.WithLabelValues("absent").Inc()
			return false, nil
		}

		_, err = p.SwapLocks(ctx, resourceID, set.Version, keep)
		if errors.Is(err, types.ErrCASMismatch) {
			metrics.LockSwapConflictTotal.Inc()
			continue
		}
		if err != nil {
			metrics.LockReleaseTotal.WithLabelValues("error").Inc()
			return false, err
		}
		if released {
			metrics.LockReleaseTotal.WithLabelValues("released").Inc()
			m.logger.Debug("lock released", "resource", resourceID)
		} else {
			metrics.LockReleaseTotal.WithLabelValues("absent").Inc()
		}
		return released, nil
	}
	metrics.LockReleaseTotal.WithLabelValues("error").Inc()
	return false, types.Wrap(types.KindInternal, types.ErrCASMismatch, "lock set of "+resourceID+" kept changing")
}

func (m *Manager) checkTree(ctx context.Context, p LockProvider, lc types.LockContext) error {
	if err := m.checkAncestors(ctx, p, lc); err != nil {
		return err
	}
	if lc.Depth != types.DepthInfinite {
		return nil
	}
	return m.checkDescendants(ctx, p, lc)
}

// an infinite lock covers the whole subtree, so every lock below must be compatible with it
func (m *Manager) checkDescendants(ctx context.Context, p LockProvider, lc types.LockContext) error {
	below, err := p.LocksBelow(ctx, lc.ResourceID)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	for _, l := range below {
		if l.IsExpired(now) || l.OwnedBy(lc.OwnerType, lc.OwnerID) {
			continue
		}
		if !l.Compatible(lc.Scope) {
			return types.OwnerLocked(l)
		}
	}
	return nil
}

func (m *Manager) checkAncestors(ctx context.Context, p LockProvider, lc types.LockContext) error {
	now := m.clock.Now()
	for _, anc := range Ancestors(lc.ResourceID) {
		set, err := p.LoadLocks(ctx, anc)
		if err != nil {
			return err
		}
		for _, l := range set.Active(now) {
			if l.Depth != types.DepthInfinite || l.OwnedBy(lc.OwnerType, lc.OwnerID) {
				continue
			}
			if !l.Compatible(lc.Scope) {
				return types.OwnerLocked(l)
			}
		}
	}
	return nil
}

func (m *Manager) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = m.cfg.DefaultTimeout
	}
	if m.cfg.MaxTimeout > 0 && requested > m.cfg.MaxTimeout {
		requested = m.cfg.MaxTimeout
	}
	return requested
}

func (m *Manager) countAcquire(err error) {
	if types.IsKind(err, types.KindOwnerLocked) {
		metrics.LockAcquireTotal.WithLabelValues("locked").Inc()
		return
	}
	metrics.LockAcquireTotal.WithLabelValues("error").Inc()
}

// parents of a slash separated resource id, nearest first, root last
func Ancestors(resourceID string) []string {
	if resourceID == "" || resourceID == "/" {
		return nil
	}
	var out []string
	p := path.Clean("/" + resourceID)
	for p != "/" {
		p = path.Dir(p)
		out = append(out, p)
	}
	return out
}
