// Package client talks to a davlock server over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/davlock/pkg/patch"
	"github.com/pixperk/davlock/pkg/types"
	"golang.org/x/net/http2"
)

type Options struct {
	// lock owner sent with every LOCK
	Owner     string
	OwnerType types.LockType
	// speak cleartext HTTP/2 instead of HTTP/1.1
	H2C        bool
	HTTPClient *http.Client
	Logger     hclog.Logger
}

type Client struct {
	base   string
	opts   Options
	http   *http.Client
	logger hclog.Logger
}

func NewClient(baseURL string, opts Options) (*Client, error) {
	if opts.Owner == "" {
		return nil, fmt.Errorf("owner required")
	}
	if opts.OwnerType == 0 {
		opts.OwnerType = types.LockTypeUser
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
		if opts.H2C {
			hc.Transport = &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			}
		}
	}

	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		opts:   opts,
		http:   hc,
		logger: opts.Logger.Named("client"),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return http.NewRequestWithContext(ctx, method, c.base+"/"+strings.TrimLeft(path, "/"), r)
}

func (c *Client) do(req *http.Request, want ...int) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// replaces the whole content, token may be empty
func (c *Client) Put(ctx context.Context, path string, data []byte, token string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPut, path, data)
	if err != nil {
		return "", err
	}
	setIf(req, token)
	resp, err := c.do(req, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

func (c *Client) Delete(ctx context.Context, path, token string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	setIf(req, token)
	resp, err := c.do(req, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (c *Client) Mkcol(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, "MKCOL", path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req, http.StatusCreated)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

type PatchOptions struct {
	// lock token proving ownership, may be empty
	Token   string
	IfMatch string
	// write at the current end instead of Offset
	Append bool
}

// writes data at the 0-based offset, returns the new etag
func (c *Client) Patch(ctx context.Context, path string, offset int64, data []byte, opts PatchOptions) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPatch, path, data)
	if err != nil {
		return "", err
	}
	rng := patch.Range{Start: offset, End: offset + int64(len(data)) - 1}
	if opts.Append {
		rng = patch.Range{Start: -1, End: -1, Append: true}
	}
	req.Header.Set(patch.RangeHeader, rng.String())
	req.Header.Set("Content-Type", patch.ContentType)
	if opts.IfMatch != "" {
		req.Header.Set("If-Match", `"`+opts.IfMatch+`"`)
	}
	setIf(req, opts.Token)

	resp, err := c.do(req, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

type SyncResult struct {
	Token     string
	Changed   []string
	Deleted   []string
	Truncated bool
}

// sync-collection REPORT, an empty token asks for a full enumeration
func (c *Client) SyncCollection(ctx context.Context, path, token string, limit int) (*SyncResult, error) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><d:sync-collection xmlns:d="DAV:">`)
	b.WriteString(`<d:sync-token>`)
	_ = xml.EscapeText(&b, []byte(token))
	b.WriteString(`</d:sync-token><d:sync-level>1</d:sync-level>`)
	if limit > 0 {
		b.WriteString(`<d:limit><d:nresults>` + strconv.Itoa(limit) + `</d:nresults></d:limit>`)
	}
	b.WriteString(`</d:sync-collection>`)

	req, err := c.newRequest(ctx, "REPORT", path, []byte(b.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	resp, err := c.do(req, http.StatusMultiStatus)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ms struct {
		Responses []struct {
			Href     string `xml:"DAV: href"`
			Status   string `xml:"DAV: status"`
			Propstat struct {
				Status string `xml:"DAV: status"`
			} `xml:"DAV: propstat"`
		} `xml:"DAV: response"`
		SyncToken string `xml:"DAV: sync-token"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decode multistatus: %w", err)
	}

	out := &SyncResult{Token: ms.SyncToken}
	for _, r := range ms.Responses {
		switch {
		case strings.Contains(r.Status, " 404 "):
			out.Deleted = append(out.Deleted, r.Href)
		case strings.Contains(r.Status, " 507 "):
			out.Truncated = true
		default:
			out.Changed = append(out.Changed, r.Href)
		}
	}
	return out, nil
}

func setIf(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("If", "(<"+token+">)")
	}
}

// turns an error response back into a tagged error
func decodeError(resp *http.Response) error {
	var body struct {
		Message string `xml:"http://sabredav.org/ns message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := xml.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(data))
	}
	if body.Message == "" {
		body.Message = resp.Status
	}
	return types.Errorf(kindOf(resp.StatusCode), "%s", body.Message)
}

func kindOf(status int) types.Kind {
	switch status {
	case http.StatusLocked:
		return types.KindOwnerLocked
	case http.StatusNotImplemented:
		return types.KindNoLockProvider
	case http.StatusBadRequest:
		return types.KindBadRequest
	case http.StatusRequestedRangeNotSatisfiable:
		return types.KindRangeNotSatisfiable
	case http.StatusUnsupportedMediaType:
		return types.KindUnsupportedMediaType
	case http.StatusMethodNotAllowed:
		return types.KindMethodNotSupported
	case http.StatusForbidden:
		return types.KindInvalidSyncToken
	case http.StatusPreconditionFailed:
		return types.KindPreconditionFailed
	case http.StatusNotFound:
		return types.KindNotFound
	case http.StatusInsufficientStorage:
		return types.KindLimitExceeded
	case http.StatusRequestEntityTooLarge:
		return types.KindRequestTooLarge
	default:
		return types.KindInternal
	}
}
