package types

import (
	"strconv"
	"strings"
	"time"
)

// namespace marker shared by every sync token on the wire
// validators use it to tell sync tokens apart from lock tokens
const SyncTokenPrefix = "http://sabre.io/ns/sync/"

type ChangeKind uint8

const (
	ChangeAdded ChangeKind = iota + 1
	ChangeModified
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// one entry of a collection's change log
// AtToken is the token this change produced
type ChangeRecord struct {
	MemberID string     `json:"member_id"`
	Kind     ChangeKind `json:"kind"`
	AtToken  uint64     `json:"at_token"`
}

// a content write that has started but whose change record is not committed yet
type PendingChange struct {
	Kind    ChangeKind `json:"kind"`
	BeganAt time.Time  `json:"began_at"`
}

// per collection sync state
// Base is the oldest token the log can still diff from
type SyncState struct {
	CollectionID string                   `json:"collection_id"`
	CurrentToken uint64                   `json:"current_token"`
	Base         uint64                   `json:"base"`
	Members      map[string]struct{}      `json:"members"`
	Log          []ChangeRecord           `json:"log"`
	Pending      map[string]PendingChange `json:"pending,omitempty"`
}

// deep copy so readers never share slices with the state machine
func (s *SyncState) Clone() *SyncState {
	c := &SyncState{
		CollectionID: s.CollectionID,
		CurrentToken: s.CurrentToken,
		Base:         s.Base,
		Members:      make(map[string]struct{}, len(s.Members)),
		Log:          append([]ChangeRecord(nil), s.Log...),
	}
	for m := range s.Members {
		c.Members[m] = struct{}{}
	}
	if len(s.Pending) > 0 {
		c.Pending = make(map[string]PendingChange, len(s.Pending))
		for m, p := range s.Pending {
			c.Pending[m] = p
		}
	}
	return c
}

// reports whether token is a checkpoint the log can diff from
func (s *SyncState) Knows(token uint64) bool {
	if token == s.Base || token == s.CurrentToken {
		return true
	}
	if token < s.Base || token > s.CurrentToken {
		return false
	}
	for _, r := range s.Log {
		if r.AtToken == token {
			return true
		}
	}
	return false
}

func FormatSyncToken(token uint64) string {
	return SyncTokenPrefix + strconv.FormatUint(token, 10)
}

func IsSyncToken(s string) bool {
	return strings.HasPrefix(s, SyncTokenPrefix)
}

// strips the namespace prefix and parses the remainder
// the prefix is checked before anything else is interpreted
func ParseSyncToken(s string) (uint64, error) {
	if !IsSyncToken(s) {
		return 0, Errorf(KindInvalidSyncToken, "token %q is not a sync token", s)
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(s, SyncTokenPrefix), 10, 64)
	if err != nil || n == 0 {
		return 0, Errorf(KindBadRequest, "malformed sync token %q", s)
	}
	return n, nil
}
