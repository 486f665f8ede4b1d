package server

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pixperk/davlock/pkg/types"
)

const sabreNS = "http://sabredav.org/ns"

// request bodies are decoded with full namespaces, responses are written with
// literal prefixes so clients see the conventional d: form

type lockInfo struct {
	XMLName   xml.Name  `xml:"DAV: lockinfo"`
	Exclusive *struct{} `xml:"DAV: lockscope>exclusive"`
	Shared    *struct{} `xml:"DAV: lockscope>shared"`
	Write     *struct{} `xml:"DAV: locktype>write"`
	Owner     lockOwner `xml:"DAV: owner"`
}

type lockOwner struct {
	Href  string `xml:"DAV: href"`
	Inner string `xml:",chardata"`
}

func (o lockOwner) String() string {
	if o.Href != "" {
		return o.Href
	}
	return o.Inner
}

type syncCollection struct {
	XMLName   xml.Name `xml:"DAV: sync-collection"`
	SyncToken string   `xml:"DAV: sync-token"`
	SyncLevel string   `xml:"DAV: sync-level"`
	NResults  string   `xml:"DAV: limit>nresults"`
}

func decodeXML(r io.Reader, v any) error {
	if err := xml.NewDecoder(r).Decode(v); err != nil {
		return types.Wrap(types.KindBadRequest, err, "malformed XML body")
	}
	return nil
}

type propResponse struct {
	XMLName       xml.Name      `xml:"d:prop"`
	DAV           string        `xml:"xmlns:d,attr"`
	LockDiscovery lockDiscovery `xml:"d:lockdiscovery"`
}

type lockDiscovery struct {
	ActiveLock []activeLock `xml:"d:activelock"`
}

type activeLock struct {
	Exclusive *struct{} `xml:"d:lockscope>d:exclusive,omitempty"`
	Shared    *struct{} `xml:"d:lockscope>d:shared,omitempty"`
	Write     struct{}  `xml:"d:locktype>d:write"`
	Depth     string    `xml:"d:depth"`
	Owner     string    `xml:"d:owner"`
	Timeout   string    `xml:"d:timeout"`
	LockToken string    `xml:"d:locktoken>d:href"`
	LockRoot  string    `xml:"d:lockroot>d:href"`
}

func toActiveLock(l types.Lock) activeLock {
	a := activeLock{
		Depth:     l.Depth.String(),
		Owner:     l.Owner,
		LockToken: l.Token,
		LockRoot:  l.ResourceID,
		Timeout:   "Second-" + strconv.FormatInt(int64(l.Timeout/time.Second), 10),
	}
	if l.Scope == types.ScopeShared {
		a.Shared = &struct{}{}
	} else {
		a.Exclusive = &struct{}{}
	}
	return a
}

type multistatus struct {
	XMLName   xml.Name   `xml:"d:multistatus"`
	DAV       string     `xml:"xmlns:d,attr"`
	Responses []response `xml:"d:response"`
	SyncToken string     `xml:"d:sync-token"`
}

type response struct {
	Href     string    `xml:"d:href"`
	Propstat *propstat `xml:"d:propstat,omitempty"`
	Status   string    `xml:"d:status,omitempty"`
}

type propstat struct {
	ETag   string `xml:"d:prop>d:getetag,omitempty"`
	Status string `xml:"d:status"`
}

func statusLine(code int) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code)
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}
