package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// type of FSM command
type CommandType uint8

const (
	CommandTypeSwapLocks CommandType = iota + 1
	CommandTypeEnsureCollection
	CommandTypeAppendChange
	CommandTypeBeginChange
	CommandTypeCommitChange
	CommandTypeRecoverPending
	CommandTypeDeleteCollection
)

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// replaces the lock set of a resource if its version still matches
// Expected 0 is insert-if-absent, empty Locks is compare-and-delete
type SwapLocksCmd struct {
	ResourceID string
	Expected   uint64
	Locks      []Lock
}

func (c SwapLocksCmd) Type() CommandType { return CommandTypeSwapLocks }

// creates the sync state of a collection if it does not exist yet
type EnsureCollectionCmd struct {
	CollectionID string
	Members      []string
}

func (c EnsureCollectionCmd) Type() CommandType { return CommandTypeEnsureCollection }

// appends one change record and advances the token
type AppendChangeCmd struct {
	CollectionID string
	MemberID     string
	Kind         ChangeKind
}

func (c AppendChangeCmd) Type() CommandType { return CommandTypeAppendChange }

// marks a member as being written, no token advance
type BeginChangeCmd struct {
	CollectionID string
	MemberID     string
	Kind         ChangeKind
	At           time.Time
}

func (c BeginChangeCmd) Type() CommandType { return CommandTypeBeginChange }

// turns a pending marker into a change record
type CommitChangeCmd struct {
	CollectionID string
	MemberID     string
}

func (c CommitChangeCmd) Type() CommandType { return CommandTypeCommitChange }

// commits every pending marker that began before Before
type RecoverPendingCmd struct {
	Before time.Time
}

func (c RecoverPendingCmd) Type() CommandType { return CommandTypeRecoverPending }

type DeleteCollectionCmd struct {
	CollectionID string
}

func (c DeleteCollectionCmd) Type() CommandType { return CommandTypeDeleteCollection }

// envelope written to the raft log
type commandWrapper struct {
	Type    CommandType
	Payload []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// serializes a command for replication
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := encode(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", cmd, err)
	}
	return encode(commandWrapper{Type: cmd.Type(), Payload: payload})
}

// inverse of EncodeCommand
func DecodeCommand(data []byte) (Command, error) {
	var w commandWrapper
	if err := decode(data, &w); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	var cmd Command
	var err error
	switch w.Type {
	case CommandTypeSwapLocks:
		var c SwapLocksCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeEnsureCollection:
		var c EnsureCollectionCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeAppendChange:
		var c AppendChangeCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeBeginChange:
		var c BeginChangeCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeCommitChange:
		var c CommitChangeCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeRecoverPending:
		var c RecoverPendingCmd
		err = decode(w.Payload, &c)
		cmd = c
	case CommandTypeDeleteCollection:
		var c DeleteCollectionCmd
		err = decode(w.Payload, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type: %d", w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode command %d: %w", w.Type, err)
	}
	return cmd, nil
}
