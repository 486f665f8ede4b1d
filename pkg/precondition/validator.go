// Package precondition evaluates the If header of a conditional request.
//
// Lock tokens and sync tokens share the same token space in an If header.
// The sync namespace prefix is the only discriminator: a token carrying it is
// checked against the collection's current sync token, anything else shaped
// like a lock token is checked against the lock manager.
package precondition

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/lock"
	"github.com/pixperk/davlock/pkg/metrics"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/types"
)

type LockSource interface {
	EffectiveLocks(ctx context.Context, resourceID string) ([]types.Lock, error)
}

type TokenSource interface {
	GetToken(ctx context.Context, collectionID string) (string, error)
}

type Validator struct {
	locks  LockSource
	sync   TokenSource
	tree   node.Tree
	logger hclog.Logger
}

func NewValidator(locks LockSource, sync TokenSource, tree node.Tree, logger hclog.Logger) *Validator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Validator{
		locks:  locks,
		sync:   sync,
		tree:   tree,
		logger: logger.Named("precondition"),
	}
}

type Result struct {
	// false when the header carried nothing this validator recognizes
	Evaluated bool
	// lock tokens that matched an active lock, the request's proof of ownership
	LockTokens []string
}

// evaluates header against the request target
// a header without any recognized token or entity tag passes unvalidated
func (v *Validator) Validate(ctx context.Context, target, header string) (Result, error) {
	h, err := ParseIf(header)
	if err != nil {
		metrics.PreconditionTotal.WithLabelValues("fail").Inc()
		return Result{}, err
	}
	if !recognizes(h) {
		metrics.PreconditionTotal.WithLabelValues("skipped").Inc()
		return Result{}, nil
	}

	target = node.Clean(target)
	res := Result{Evaluated: true}
	passed := false
	seen := make(map[string]bool)

	for _, list := range h.Lists {
		resource := target
		if list.Resource != "" {
			resource = list.Resource
		}

		listOK := true
		for _, c := range list.Conditions {
			ok, err := v.holds(ctx, resource, c)
			if err != nil {
				metrics.PreconditionTotal.WithLabelValues("fail").Inc()
				return Result{}, err
			}
			if ok && !c.Not && lock.IsLockToken(c.Token) && !seen[c.Token] {
				seen[c.Token] = true
				res.LockTokens = append(res.LockTokens, c.Token)
			}
			if ok == c.Not {
				listOK = false
			}
		}
		if listOK {
			passed = true
		}
	}

	if !passed {
		metrics.PreconditionTotal.WithLabelValues("fail").Inc()
		v.logger.Debug("precondition failed", "target", target, "header", header)
		return Result{}, types.Errorf(types.KindPreconditionFailed, "no If list matched %s", target)
	}
	metrics.PreconditionTotal.WithLabelValues("pass").Inc()
	return res, nil
}

// reports whether the condition's token or etag matches the resource
// Not is applied by the caller
func (v *Validator) holds(ctx context.Context, resource string, c Condition) (bool, error) {
	switch {
	case c.ETag != "":
		return v.etagMatches(ctx, resource, c.ETag)
	case types.IsSyncToken(c.Token):
		return v.syncTokenCurrent(ctx, resource, c.Token)
	case lock.IsLockToken(c.Token):
		return v.lockTokenActive(ctx, resource, c.Token)
	default:
		//unknown token families never match, which keeps (Not <DAV:no-lock>) true
		return false, nil
	}
}

// only the current token certifies the state, an older one is stale
func (v *Validator) syncTokenCurrent(ctx context.Context, resource, token string) (bool, error) {
	if v.sync == nil {
		return false, nil
	}
	if _, err := types.ParseSyncToken(token); err != nil {
		return false, nil
	}
	current, err := v.sync.GetToken(ctx, resource)
	if err != nil {
		if types.IsKind(err, types.KindMethodNotSupported) || types.IsKind(err, types.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	return current == token, nil
}

func (v *Validator) lockTokenActive(ctx context.Context, resource, token string) (bool, error) {
	locks, err := v.locks.EffectiveLocks(ctx, resource)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.Token == token {
			return true, nil
		}
	}
	return false, nil
}

func (v *Validator) etagMatches(ctx context.Context, resource, etag string) (bool, error) {
	n, err := v.tree.Stat(ctx, resource)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	current, err := n.ETag(ctx)
	if err != nil {
		return false, err
	}
	return current != "" && normalizeETag(etag) == current, nil
}

func recognizes(h IfHeader) bool {
	for _, l := range h.Lists {
		for _, c := range l.Conditions {
			if c.ETag != "" || types.IsSyncToken(c.Token) || lock.IsLockToken(c.Token) {
				return true
			}
		}
	}
	return false
}
