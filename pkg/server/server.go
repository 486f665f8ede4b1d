// Package server exposes locking, partial updates and sync-collection
// reports over WebDAV style HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/lock"
	"github.com/pixperk/davlock/pkg/metrics"
	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/patch"
	"github.com/pixperk/davlock/pkg/precondition"
	"github.com/pixperk/davlock/pkg/synccoll"
	"github.com/pixperk/davlock/pkg/types"
)

const (
	// principal of a LOCK request, there is no authentication layer
	OwnerHeader     = "X-Lock-Owner"
	OwnerTypeHeader = "X-Lock-Owner-Type"
)

type Config struct {
	Tree      node.Tree
	Locks     *lock.Manager
	Sync      *synccoll.Service
	Validator *precondition.Validator
	Patch     *patch.Handler
	Logger    hclog.Logger
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type Server struct {
	tree      node.Tree
	locks     *lock.Manager
	sync      *synccoll.Service
	validator *precondition.Validator
	patch     *patch.Handler
	logger    hclog.Logger
	methods   map[string]handlerFunc
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		tree:      cfg.Tree,
		locks:     cfg.Locks,
		sync:      cfg.Sync,
		validator: cfg.Validator,
		patch:     cfg.Patch,
		logger:    logger.Named("http"),
	}
	s.methods = map[string]handlerFunc{
		http.MethodGet:    s.handleGet,
		http.MethodPut:    s.handlePut,
		http.MethodDelete: s.handleDelete,
		"MKCOL":           s.handleMkcol,
		http.MethodPatch:  s.handlePatch,
		"LOCK":            s.handleLock,
		"UNLOCK":          s.handleUnlock,
		"REPORT":          s.handleReport,
	}
	return s
}

// statusWriter remembers the status written for logging and metrics
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}

	h, ok := s.methods[r.Method]
	if !ok {
		s.writeError(sw, r, types.Errorf(types.KindMethodNotSupported, "method %s is not supported", r.Method))
	} else if err := h(sw, r); err != nil {
		s.writeError(sw, r, err)
	}

	status := sw.status
	if status == 0 {
		status = http.StatusOK
	}
	metrics.RequestTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", status, "took", time.Since(start))
}

func (s *Server) allow() string {
	methods := make([]string, 0, len(s.methods))
	for m := range s.methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// the write already happened, so the request still succeeds
// the change stays invisible to sync clients until the next full sync
func (s *Server) commitFailed(method, id string, err error) {
	metrics.SyncCommitFailedTotal.WithLabelValues(method).Inc()
	s.logger.Error("content written without change record", "method", method, "resource", id, "error", err)
}

// evaluates the If header and returns the lock tokens it proved
func (s *Server) preconditions(ctx context.Context, r *http.Request) ([]string, error) {
	header := r.Header.Get("If")
	if header == "" || s.validator == nil {
		return nil, nil
	}
	res, err := s.validator.Validate(ctx, r.URL.Path, header)
	if err != nil {
		return nil, err
	}
	return res.LockTokens, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	n, err := s.tree.Stat(ctx, r.URL.Path)
	if err != nil {
		return err
	}

	if coll, ok := n.(node.Collection); ok {
		members, err := coll.Members(ctx)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, m := range members {
			fmt.Fprintln(w, m)
		}
		return nil
	}

	f, ok := n.(node.File)
	if !ok {
		return types.Errorf(types.KindMethodNotSupported, "%s has no content", n.Path())
	}
	etag, err := f.ETag(ctx)
	if err != nil {
		return err
	}
	body, err := f.Open(ctx)
	if err != nil {
		return err
	}
	defer body.Close()

	w.Header().Set("ETag", quoteETag(etag))
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, ok := node.SupportsPartialUpdate(n); ok {
		w.Header().Set("Accept-Patch", patch.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, err = io.Copy(w, body)
	if err != nil {
		//headers are gone, nothing to report to the client
		s.logger.Warn("response copy failed", "path", n.Path(), "error", err)
	}
	return nil
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)

	tokens, err := s.preconditions(ctx, r)
	if err != nil {
		return err
	}
	if err := s.locks.CheckWrite(ctx, id, tokens); err != nil {
		return err
	}

	kind := types.ChangeModified
	var f node.File
	n, err := s.tree.Stat(ctx, id)
	switch {
	case types.IsKind(err, types.KindNotFound):
		kind = types.ChangeAdded
		if f, err = s.tree.Create(ctx, id); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		var ok bool
		if f, ok = n.(node.File); !ok {
			return types.Errorf(types.KindMethodNotSupported, "%s is a collection", id)
		}
	}

	ticket, err := s.sync.Begin(ctx, id, kind)
	if err != nil {
		return err
	}
	etag, err := f.Put(ctx, r.Body)
	if err != nil {
		return err
	}
	if _, err := s.sync.Commit(ctx, ticket); err != nil {
		s.commitFailed(http.MethodPut, id, err)
	}

	w.Header().Set("ETag", quoteETag(etag))
	if kind == types.ChangeAdded {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)

	tokens, err := s.preconditions(ctx, r)
	if err != nil {
		return err
	}
	if err := s.locks.CheckWriteTree(ctx, id, tokens); err != nil {
		return err
	}
	n, err := s.tree.Stat(ctx, id)
	if err != nil {
		return err
	}

	ticket, err := s.sync.Begin(ctx, id, types.ChangeDeleted)
	if err != nil {
		return err
	}
	if err := s.tree.Remove(ctx, id); err != nil {
		return err
	}
	if _, err := s.sync.Commit(ctx, ticket); err != nil {
		s.commitFailed(http.MethodDelete, id, err)
	}
	if n.IsCollection() {
		if err := s.sync.DeleteCollection(ctx, id); err != nil {
			s.logger.Warn("sync state of removed collection kept", "collection", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleMkcol(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)

	if r.ContentLength > 0 {
		return types.Errorf(types.KindUnsupportedMediaType, "MKCOL with a body is not supported")
	}
	tokens, err := s.preconditions(ctx, r)
	if err != nil {
		return err
	}
	if err := s.locks.CheckWrite(ctx, id, tokens); err != nil {
		return err
	}
	if _, err := s.tree.Mkcol(ctx, id); err != nil {
		return err
	}
	if _, err := s.sync.Record(ctx, id, types.ChangeAdded); err != nil {
		s.commitFailed("MKCOL", id, err)
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	tokens, err := s.preconditions(ctx, r)
	if err != nil {
		return err
	}
	res, err := s.patch.Patch(ctx, patch.Request{
		ResourceID:  r.URL.Path,
		Range:       r.Header.Get(patch.RangeHeader),
		ContentType: r.Header.Get("Content-Type"),
		Length:      r.ContentLength,
		Payload:     r.Body,
		IfMatch:     r.Header.Get("If-Match"),
		IfNoneMatch: r.Header.Get("If-None-Match"),
		LockTokens:  tokens,
	})
	if err != nil {
		return err
	}

	w.Header().Set("ETag", quoteETag(res.ETag))
	if res.Created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)
	timeout := parseTimeout(r.Header.Get("Timeout"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return types.Wrap(types.KindBadRequest, err, "reading LOCK body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return s.refreshLock(w, r, id, timeout)
	}

	var info lockInfo
	if err := decodeXML(strings.NewReader(string(body)), &info); err != nil {
		return err
	}
	depth, err := parseDepth(r.Header.Get("Depth"))
	if err != nil {
		return err
	}
	lc, err := lockContext(r, id, info)
	if err != nil {
		return err
	}
	lc.Depth = depth
	lc.Timeout = timeout

	_, err = s.tree.Stat(ctx, id)
	unmapped := types.IsKind(err, types.KindNotFound)
	if err != nil && !unmapped {
		return err
	}

	//the lock is granted before an unmapped url is reserved, a refused LOCK leaves no trace
	l, err := s.locks.Lock(ctx, lc)
	if err != nil {
		return err
	}
	if !unmapped {
		s.writeLock(w, http.StatusOK, l)
		return nil
	}

	if _, err := s.tree.Create(ctx, id); err != nil {
		if _, uerr := s.locks.UnlockToken(ctx, id, l.Token); uerr != nil {
			s.logger.Error("release lock after failed create", "resource", id, "error", uerr)
		}
		return err
	}
	if _, err := s.sync.Record(ctx, id, types.ChangeAdded); err != nil {
		s.commitFailed("LOCK", id, err)
	}
	s.writeLock(w, http.StatusCreated, l)
	return nil
}

// LOCK without a body refreshes the lock named in the If header
func (s *Server) refreshLock(w http.ResponseWriter, r *http.Request, id string, timeout time.Duration) error {
	ctx := r.Context()
	h, err := precondition.ParseIf(r.Header.Get("If"))
	if err != nil {
		return err
	}
	var token string
	for _, t := range h.Tokens() {
		if lock.IsLockToken(t) {
			token = t
			break
		}
	}
	if token == "" {
		return types.Errorf(types.KindBadRequest, "LOCK refresh requires a lock token in the If header")
	}

	//the token may belong to an inherited lock rooted higher up
	root := id
	locks, err := s.locks.EffectiveLocks(ctx, id)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.Token == token {
			root = l.ResourceID
			break
		}
	}

	l, err := s.locks.Refresh(ctx, root, token, timeout)
	if err != nil {
		return err
	}
	s.writeLock(w, http.StatusOK, l)
	return nil
}

func (s *Server) writeLock(w http.ResponseWriter, status int, l types.Lock) {
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	writeXML(w, status, propResponse{
		DAV:           "DAV:",
		LockDiscovery: lockDiscovery{ActiveLock: []activeLock{toActiveLock(l)}},
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)

	token := strings.Trim(strings.TrimSpace(r.Header.Get("Lock-Token")), "<>")
	if token == "" {
		return types.Errorf(types.KindBadRequest, "missing Lock-Token header")
	}

	root := id
	locks, err := s.locks.EffectiveLocks(ctx, id)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if l.Token == token {
			root = l.ResourceID
			break
		}
	}
	if _, err := s.locks.UnlockToken(ctx, root, token); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	id := node.Clean(r.URL.Path)

	var req syncCollection
	if err := decodeXML(r.Body, &req); err != nil {
		return err
	}
	level, err := synccoll.ParseLevel(req.SyncLevel)
	if err != nil {
		return err
	}
	limit := 0
	if n := strings.TrimSpace(req.NResults); n != "" {
		if limit, err = strconv.Atoi(n); err != nil || limit < 0 {
			return types.Errorf(types.KindBadRequest, "invalid nresults %q", n)
		}
	}

	changes, err := s.sync.QueryChanges(ctx, id, strings.TrimSpace(req.SyncToken), level, limit)
	if err != nil {
		return err
	}

	ms := multistatus{DAV: "DAV:", SyncToken: changes.NewToken}
	for _, group := range [][]string{changes.Added, changes.Modified} {
		for _, m := range group {
			href := memberHref(id, m)
			etag := ""
			if n, err := s.tree.Stat(ctx, href); err == nil {
				etag, _ = n.ETag(ctx)
			} else if !errors.Is(err, types.ErrNotFound) {
				return err
			}
			ps := &propstat{Status: statusLine(http.StatusOK)}
			if etag != "" {
				ps.ETag = quoteETag(etag)
			}
			ms.Responses = append(ms.Responses, response{Href: href, Propstat: ps})
		}
	}
	for _, m := range changes.Deleted {
		ms.Responses = append(ms.Responses, response{Href: memberHref(id, m), Status: statusLine(http.StatusNotFound)})
	}
	if changes.Truncated {
		//RFC 6578 marks a truncated result with a 507 entry for the collection
		ms.Responses = append(ms.Responses, response{Href: id, Status: statusLine(http.StatusInsufficientStorage)})
	}

	writeXML(w, http.StatusMultiStatus, ms)
	return nil
}

func lockContext(r *http.Request, id string, info lockInfo) (types.LockContext, error) {
	lc := types.LockContext{ResourceID: id, Scope: types.ScopeExclusive, OwnerType: types.LockTypeUser}
	if info.Shared != nil {
		lc.Scope = types.ScopeShared
	}

	if t := r.Header.Get(OwnerTypeHeader); t != "" {
		ot, err := types.ParseLockType(t)
		if err != nil {
			return lc, types.Wrap(types.KindBadRequest, err, "invalid "+OwnerTypeHeader)
		}
		lc.OwnerType = ot
	}
	lc.OwnerID = strings.TrimSpace(r.Header.Get(OwnerHeader))
	if lc.OwnerID == "" {
		lc.OwnerID = strings.TrimSpace(info.Owner.String())
	}
	if lc.OwnerID == "" {
		return lc, types.Errorf(types.KindBadRequest, "LOCK requires an owner")
	}
	return lc, nil
}

// LOCK depth defaults to infinity, 1 is not a valid lock depth
func parseDepth(h string) (types.Depth, error) {
	switch strings.ToLower(strings.TrimSpace(h)) {
	case "", "infinity":
		return types.DepthInfinite, nil
	case "0":
		return types.DepthZero, nil
	}
	return 0, types.Errorf(types.KindBadRequest, "invalid lock depth %q", h)
}

// first usable entry of "Second-n, Infinite", 0 lets the manager decide
const maxTimeoutSeconds = math.MaxInt64 / int64(time.Second)

func parseTimeout(h string) time.Duration {
	for _, part := range strings.Split(h, ",") {
		part = strings.TrimSpace(part)
		if secs, ok := strings.CutPrefix(part, "Second-"); ok {
			n, err := strconv.ParseInt(secs, 10, 64)
			if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(secs, "-") {
				n, err = math.MaxInt64, nil
			}
			if err == nil && n > 0 {
				//clamp instead of overflowing into a negative duration
				if n > maxTimeoutSeconds {
					n = maxTimeoutSeconds
				}
				return time.Duration(n) * time.Second
			}
		}
	}
	return 0
}

func memberHref(collection, member string) string {
	if collection == "/" {
		return "/" + member
	}
	return collection + "/" + member
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}
