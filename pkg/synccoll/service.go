// Package synccoll answers incremental "what changed since token X" queries
// for collections and records the changes writers make to them.
//
// A collection's sync state is created the first time anyone asks for its
// token, seeded with the members it has at that moment. From then on every
// write that goes through Begin/Commit or Record advances the token exactly
// once and appends a change record the next query can replay.
package synccoll

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/metrics"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/store"
	clock "github.com/pixperk/davlock/pkg/time"
	"github.com/pixperk/davlock/pkg/types"
)

// pending markers older than this are committed by Recover
const DefaultPendingGrace = 30 * time.Second

// sync-level of a query
type Level uint8

const (
	LevelOne Level = iota + 1
	LevelInfinite
)

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "1":
		return LevelOne, nil
	case "infinite", "infinity":
		return LevelInfinite, nil
	}
	return 0, types.Errorf(types.KindBadRequest, "invalid sync-level %q", s)
}

// result of QueryChanges
// every member id appears in at most one of the three lists
type Changes struct {
	NewToken string
	Added    []string
	Modified []string
	Deleted  []string
	// more records exist after NewToken, query again with it
	Truncated bool
}

type Config struct {
	PendingGrace time.Duration
	Clock        clock.Clock
	Logger       hclog.Logger
}

type Service struct {
	tree   node.Tree
	log    store.ChangeLog
	cfg    Config
	clock  clock.Clock
	logger hclog.Logger
}

func New(tree node.Tree, log store.ChangeLog, cfg Config) *Service {
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Service{
		tree:   tree,
		log:    log,
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("sync"),
	}
}

// current checkpoint of a sync capable collection
func (s *Service) GetToken(ctx context.Context, collectionID string) (string, error) {
	collectionID = node.Clean(collectionID)
	coll, err := s.syncable(ctx, collectionID)
	if err != nil {
		return "", err
	}
	st, err := s.ensure(ctx, coll)
	if err != nil {
		return "", err
	}
	return types.FormatSyncToken(st.CurrentToken), nil
}

// what changed in the collection since the given token
// an empty since is a full enumeration reported as added
func (s *Service) QueryChanges(ctx context.Context, collectionID, since string, level Level, limit int) (Changes, error) {
	mode := "incremental"
	if since == "" {
		mode = "full"
	}
	changes, err := s.queryChanges(ctx, collectionID, since, level, limit)
	switch {
	case types.IsKind(err, types.KindInvalidSyncToken):
		metrics.SyncQueryTotal.WithLabelValues(mode, "invalid_token").Inc()
	case err != nil:
		metrics.SyncQueryTotal.WithLabelValues(mode, "error").Inc()
	case changes.Truncated:
		metrics.SyncQueryTotal.WithLabelValues(mode, "truncated").Inc()
	default:
		metrics.SyncQueryTotal.WithLabelValues(mode, "ok").Inc()
	}
	return changes, err
}

func (s *Service) queryChanges(ctx context.Context, collectionID, since string, level Level, limit int) (Changes, error) {
	collectionID = node.Clean(collectionID)
	if level == LevelInfinite {
		return Changes{}, types.Errorf(types.KindBadRequest, "sync-level infinite is not supported")
	}

	//the namespace prefix is checked before anything else
	var sinceToken uint64
	if since != "" {
		t, err := types.ParseSyncToken(since)
		if err != nil {
			return Changes{}, err
		}
		sinceToken = t
	}

	coll, err := s.syncable(ctx, collectionID)
	if err != nil {
		return Changes{}, err
	}

	if since == "" {
		st, err := s.ensure(ctx, coll)
		if err != nil {
			return Changes{}, err
		}
		return fullEnumeration(st, limit)
	}

	st, err := s.log.LoadSyncState(ctx, collectionID)
	if errors.Is(err, types.ErrNotFound) {
		return Changes{}, types.Errorf(types.KindInvalidSyncToken, "collection %s has no sync history", collectionID)
	}
	if err != nil {
		return Changes{}, err
	}
	if !st.Knows(sinceToken) {
		return Changes{}, types.Errorf(types.KindInvalidSyncToken, "token %s is unknown to %s or older than the retained history", since, collectionID)
	}

	return replay(st, sinceToken, limit), nil
}

func fullEnumeration(st *types.SyncState, limit int) (Changes, error) {
	members := make([]string, 0, len(st.Members))
	for m := range st.Members {
		members = append(members, m)
	}
	if limit > 0 && len(members) > limit {
		return Changes{}, types.Errorf(types.KindLimitExceeded, "%d members exceed the limit of %d", len(members), limit)
	}
	sort.Strings(members)
	return Changes{
		NewToken: types.FormatSyncToken(st.CurrentToken),
		Added:    members,
	}, nil
}

// replays the log strictly after since and coalesces per member
func replay(st *types.SyncState, since uint64, limit int) Changes {
	records := make([]types.ChangeRecord, 0, len(st.Log))
	for _, r := range st.Log {
		if r.AtToken > since {
			records = append(records, r)
		}
	}

	out := Changes{NewToken: types.FormatSyncToken(st.CurrentToken)}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		out.Truncated = true
		out.NewToken = types.FormatSyncToken(records[len(records)-1].AtToken)
	}

	type span struct {
		first, last types.ChangeKind
	}
	spans := make(map[string]*span)
	var order []string
	for _, r := range records {
		sp, ok := spans[r.MemberID]
		if !ok {
			spans[r.MemberID] = &span{first: r.Kind, last: r.Kind}
			order = append(order, r.MemberID)
			continue
		}
		sp.last = r.Kind
	}

	for _, m := range order {
		switch sp := spans[m]; {
		case sp.first == types.ChangeAdded && sp.last == types.ChangeDeleted:
			//created and gone again, the client never saw it
		case sp.first == types.ChangeAdded:
			out.Added = append(out.Added, m)
		case sp.last == types.ChangeDeleted:
			out.Deleted = append(out.Deleted, m)
		default:
			out.Modified = append(out.Modified, m)
		}
	}
	return out
}

// a write in progress, see Begin
type Ticket struct {
	collectionID string
	memberID     string
	kind         types.ChangeKind
	active       bool
}

// marks a member write as in progress before its content changes
// the marker is durable, so a writer that dies before Commit still leaves a
// trace Recover turns into a change record
func (s *Service) Begin(ctx context.Context, memberPath string, kind types.ChangeKind) (Ticket, error) {
	collectionID, member := node.Split(memberPath)
	if member == "" {
		return Ticket{}, nil
	}
	coll, err := s.syncable(ctx, collectionID)
	if err != nil {
		//parent without sync support or gone, nothing to track
		if types.IsKind(err, types.KindMethodNotSupported) || types.IsKind(err, types.KindNotFound) {
			return Ticket{}, nil
		}
		return Ticket{}, err
	}
	//a log seeded concurrently from an older member listing would otherwise miss this write
	if _, err := s.ensure(ctx, coll); err != nil {
		return Ticket{}, err
	}
	if err := s.log.BeginChange(ctx, collectionID, member, kind, s.clock.Now()); err != nil {
		return Ticket{}, err
	}
	return Ticket{collectionID: collectionID, memberID: member, kind: kind, active: true}, nil
}

// turns the marker of t into a change record, returns the new token
func (s *Service) Commit(ctx context.Context, t Ticket) (string, error) {
	if !t.active {
		return "", nil
	}
	token, err := s.log.CommitChange(ctx, t.collectionID, t.memberID)
	if err != nil {
		s.logger.Error("change commit failed, recovery will record it", "collection", t.collectionID, "member", t.memberID, "error", err)
		return "", err
	}
	if token == 0 {
		return "", nil
	}
	metrics.SyncChangeTotal.WithLabelValues(t.kind.String()).Inc()
	return types.FormatSyncToken(token), nil
}

// appends a change for a single step mutation, such as a delete
func (s *Service) Record(ctx context.Context, memberPath string, kind types.ChangeKind) (string, error) {
	collectionID, member := node.Split(memberPath)
	if member == "" {
		return "", nil
	}
	coll, err := s.syncable(ctx, collectionID)
	if err != nil {
		if types.IsKind(err, types.KindMethodNotSupported) || types.IsKind(err, types.KindNotFound) {
			return "", nil
		}
		return "", err
	}
	if _, err := s.ensure(ctx, coll); err != nil {
		return "", err
	}
	token, err := s.log.AppendChange(ctx, collectionID, member, kind)
	if err != nil {
		return "", err
	}
	if token == 0 {
		return "", nil
	}
	metrics.SyncChangeTotal.WithLabelValues(kind.String()).Inc()
	s.logger.Trace("change recorded", "collection", collectionID, "member", member, "kind", kind.String(), "token", token)
	return types.FormatSyncToken(token), nil
}

// commits pending markers older than the grace period
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.log.RecoverPending(ctx, s.clock.Now().Add(-s.cfg.PendingGrace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SyncRecoveredTotal.Add(float64(n))
		s.logger.Warn("recovered pending changes", "count", n)
	}
	return n, nil
}

// drops the sync state of a deleted collection
func (s *Service) DeleteCollection(ctx context.Context, collectionID string) error {
	return s.log.DeleteCollection(ctx, node.Clean(collectionID))
}

func (s *Service) syncable(ctx context.Context, collectionID string) (node.Syncable, error) {
	n, err := s.tree.Stat(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	coll, ok := node.SupportsSync(n)
	if !ok {
		return nil, types.Errorf(types.KindMethodNotSupported, "%s does not support sync-collection", collectionID)
	}
	return coll, nil
}

func (s *Service) ensure(ctx context.Context, coll node.Syncable) (*types.SyncState, error) {
	st, err := s.log.LoadSyncState(ctx, coll.Path())
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	members, err := coll.Members(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.log.EnsureCollection(ctx, coll.Path(), members); err != nil {
		return nil, err
	}
	s.logger.Debug("sync state created", "collection", coll.Path(), "members", len(members))
	return s.log.LoadSyncState(ctx, coll.Path())
}
