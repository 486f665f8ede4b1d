package types

import (
	"fmt"
	"strings"
	"time"
)

// who owns a lock
type LockType uint8

const (
	LockTypeUser LockType = iota + 1 //interactive user
	LockTypeApp                      //collaborative app
	LockTypeToken                    //client-issued token, the token is the credential
)

func (t LockType) String() string {
	switch t {
	case LockTypeUser:
		return "user"
	case LockTypeApp:
		return "app"
	case LockTypeToken:
		return "token"
	default:
		return fmt.Sprintf("LockType(%d)", uint8(t))
	}
}

func ParseLockType(s string) (LockType, error) {
	switch s {
	case "user", "":
		return LockTypeUser, nil
	case "app":
		return LockTypeApp, nil
	case "token":
		return LockTypeToken, nil
	}
	return 0, fmt.Errorf("unknown lock type %q", s)
}

type Scope uint8

const (
	ScopeExclusive Scope = iota + 1
	ScopeShared
)

func (s Scope) String() string {
	if s == ScopeShared {
		return "shared"
	}
	return "exclusive"
}

type Depth uint8

const (
	DepthZero Depth = iota
	DepthInfinite
)

func (d Depth) String() string {
	if d == DepthInfinite {
		return "infinity"
	}
	return "0"
}

// lock is a typed claim on a resource
// expiry is derived from CreatedAt + Timeout, never stored
type Lock struct {
	Type       LockType      `json:"type"`
	Owner      string        `json:"owner"`
	ResourceID string        `json:"resource_id"`
	Scope      Scope         `json:"scope"`
	Depth      Depth         `json:"depth"`
	Token      string        `json:"token"`
	CreatedAt  time.Time     `json:"created_at"`
	Timeout    time.Duration `json:"timeout"`
}

func (l *Lock) ExpiresAt() time.Time {
	return l.CreatedAt.Add(l.Timeout)
}

// checks if the lock has expired at the given instant
func (l *Lock) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// same principal, regardless of token
func (l *Lock) OwnedBy(t LockType, owner string) bool {
	return l.Type == t && l.Owner == owner
}

// reports whether a new lock with scope s can coexist with l
func (l *Lock) Compatible(s Scope) bool {
	return l.Scope == ScopeShared && s == ScopeShared
}

// the shape used to request or describe a lock
// never an ownership relation, only a lookup key
type LockContext struct {
	ResourceID string
	OwnerType  LockType
	OwnerID    string

	Scope   Scope
	Depth   Depth
	Timeout time.Duration
}

func (c LockContext) String() string {
	return fmt.Sprintf("%s:%s@%s", c.OwnerType, c.OwnerID, c.ResourceID)
}

// the persisted lock record of one resource
// version 0 means no record exists
type LockSet struct {
	Version uint64 `json:"version"`
	Locks   []Lock `json:"locks"`
}

// drops expired locks, returns the remaining ones
func (s LockSet) Active(now time.Time) []Lock {
	active := make([]Lock, 0, len(s.Locks))
	for _, l := range s.Locks {
		if !l.IsExpired(now) {
			active = append(active, l)
		}
	}
	return active
}

// key prefix shared by every resource strictly below resourceID
func DescendantPrefix(resourceID string) string {
	if resourceID == "" || resourceID == "/" {
		return "/"
	}
	return strings.TrimRight(resourceID, "/") + "/"
}
