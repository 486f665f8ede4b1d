package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindBadRequest, KindOf(Errorf(KindBadRequest, "nope")))
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", ErrNotFound)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))

	wrapped := fmt.Errorf("outer: %w", Errorf(KindLimitExceeded, "too many"))
	assert.True(t, IsKind(wrapped, KindLimitExceeded))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	err := Errorf(KindPreconditionFailed, "no list matched")
	assert.ErrorIs(t, err, &Error{Kind: KindPreconditionFailed})
	assert.NotErrorIs(t, err, &Error{Kind: KindBadRequest})

	wrapped := Wrap(KindInternal, ErrCASMismatch, "kept changing")
	assert.ErrorIs(t, wrapped, ErrCASMismatch)
	assert.Contains(t, wrapped.Error(), "kept changing")
}

func TestOwnerLocked(t *testing.T) {
	l := Lock{Type: LockTypeApp, Owner: "editor", ResourceID: "/doc"}
	err := OwnerLocked(l)

	assert.Equal(t, KindOwnerLocked, err.Kind)
	require.NotNil(t, err.Lock)
	assert.Equal(t, "editor", err.Lock.Owner)
	assert.Contains(t, err.Error(), "app editor")
}

func TestRangeNotSatisfiable(t *testing.T) {
	err := RangeNotSatisfiable(10, 4)
	assert.Equal(t, int64(10), err.Declared)
	assert.Equal(t, int64(4), err.Computed)
	assert.Contains(t, err.Error(), "range length 10 does not match payload length 4")
}

func TestLockExpiry(t *testing.T) {
	now := time.Now()
	l := Lock{CreatedAt: now, Timeout: time.Second}

	assert.False(t, l.IsExpired(now))
	assert.True(t, l.IsExpired(now.Add(time.Second)), "expiry is inclusive")

	set := LockSet{Locks: []Lock{l, {CreatedAt: now, Timeout: time.Hour}}}
	assert.Len(t, set.Active(now.Add(2*time.Second)), 1)
}

func TestLockCompatible(t *testing.T) {
	shared := Lock{Scope: ScopeShared}
	exclusive := Lock{Scope: ScopeExclusive}

	assert.True(t, shared.Compatible(ScopeShared))
	assert.False(t, shared.Compatible(ScopeExclusive))
	assert.False(t, exclusive.Compatible(ScopeShared))
}
