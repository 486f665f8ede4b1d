package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type LockOptions struct {
	Shared bool
	// lock only the resource, not its members
	DepthZero bool
	Timeout   time.Duration
}

type Lock struct {
	client  *Client
	path    string
	token   string
	timeout time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func (l *Lock) Token() string {
	return l.token
}

func (l *Lock) Path() string {
	return l.path
}

func (c *Client) Lock(ctx context.Context, path string, opts LockOptions) (*Lock, error) {
	scope := "<d:exclusive/>"
	if opts.Shared {
		scope = "<d:shared/>"
	}
	body := `<?xml version="1.0" encoding="utf-8"?><d:lockinfo xmlns:d="DAV:">` +
		`<d:lockscope>` + scope + `</d:lockscope><d:locktype><d:write/></d:locktype>` +
		`<d:owner>` + escape(c.opts.Owner) + `</d:owner></d:lockinfo>`

	req, err := c.newRequest(ctx, "LOCK", path, []byte(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("X-Lock-Owner", c.opts.Owner)
	req.Header.Set("X-Lock-Owner-Type", c.opts.OwnerType.String())
	if opts.DepthZero {
		req.Header.Set("Depth", "0")
	} else {
		req.Header.Set("Depth", "infinity")
	}
	setTimeout(req, opts.Timeout)

	resp, err := c.do(req, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer resp.Body.Close()

	token := strings.Trim(resp.Header.Get("Lock-Token"), "<>")
	if token == "" {
		return nil, fmt.Errorf("acquire lock: response carries no Lock-Token")
	}
	granted := opts.Timeout
	var disc struct {
		Timeout string `xml:"DAV: lockdiscovery>activelock>timeout"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&disc); err == nil {
		if d := parseSeconds(disc.Timeout); d > 0 {
			granted = d
		}
	}

	return &Lock{
		client:  c,
		path:    path,
		token:   token,
		timeout: granted,
	}, nil
}

// extends the lock by its timeout
func (l *Lock) Refresh(ctx context.Context) error {
	req, err := l.client.newRequest(ctx, "LOCK", l.path, nil)
	if err != nil {
		return err
	}
	setIf(req, l.token)
	setTimeout(req, l.timeout)
	resp, err := l.client.do(req, http.StatusOK)
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	return resp.Body.Close()
}

// refreshes the lock every third of its timeout until Release or ctx ends
func (l *Lock) KeepAlive(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil || l.timeout <= 0 {
		return
	}
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.refreshLoop(ctx, l.stopCh, l.done)
}

func (l *Lock) refreshLoop(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.timeout / 3)
	defer ticker.Stop()

	logger := l.client.logger.With("path", l.path, "token", l.token)
	var failureCount int

	for {
		select {
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				failureCount++
				logger.Warn("lock refresh failed", "attempt", failureCount, "error", err)
				if failureCount >= 2 {
					logger.Error("lock may expire soon, refresh failing")
				}
				continue
			}
			if failureCount > 0 {
				logger.Info("lock refresh recovered", "failures", failureCount)
				failureCount = 0
			}

		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stops the refresh loop and unlocks
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stopCh != nil {
		close(l.stopCh)
		<-l.done
		l.stopCh = nil
	}
	l.mu.Unlock()

	return l.client.Unlock(ctx, l.path, l.token)
}

func (c *Client) Unlock(ctx context.Context, path, token string) error {
	req, err := c.newRequest(ctx, "UNLOCK", path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Lock-Token", "<"+token+">")
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return resp.Body.Close()
}

func setTimeout(req *http.Request, d time.Duration) {
	if d > 0 {
		req.Header.Set("Timeout", "Second-"+strconv.FormatInt(int64(d/time.Second), 10))
	}
}

func parseSeconds(s string) time.Duration {
	secs, ok := strings.CutPrefix(strings.TrimSpace(s), "Second-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
