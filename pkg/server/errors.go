package server

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"

	"github.com/pixperk/davlock/pkg/types"
)

// maps domain error kinds to HTTP statuses
func httpStatus(kind types.Kind) int {
	switch kind {
	case types.KindOwnerLocked:
		return http.StatusLocked
	case types.KindNoLockProvider:
		return http.StatusNotImplemented
	case types.KindBadRequest:
		return http.StatusBadRequest
	case types.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case types.KindUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case types.KindMethodNotSupported:
		return http.StatusMethodNotAllowed
	case types.KindInvalidSyncToken:
		return http.StatusForbidden
	case types.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindLimitExceeded:
		return http.StatusInsufficientStorage
	case types.KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// DAV:error body, with the sabre style message element
type errorBody struct {
	XMLName        xml.Name   `xml:"d:error"`
	DAV            string     `xml:"xmlns:d,attr"`
	Sabre          string     `xml:"xmlns:s,attr"`
	ValidSyncToken *struct{}  `xml:"d:valid-sync-token,omitempty"`
	LockSubmitted  *hrefList  `xml:"d:lock-token-submitted,omitempty"`
	Exception      string     `xml:"s:exception"`
	Message        string     `xml:"s:message"`
	Owner          *ownerInfo `xml:"s:owner,omitempty"`
}

type hrefList struct {
	Href []string `xml:"d:href"`
}

type ownerInfo struct {
	Type string `xml:"type,attr"`
	ID   string `xml:",chardata"`
}

// writes err as a DAV:error document with the status its kind maps to
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	kind := types.KindOf(err)
	status := httpStatus(kind)

	body := errorBody{
		DAV:       "DAV:",
		Sabre:     sabreNS,
		Exception: kind.String(),
		Message:   err.Error(),
	}

	var te *types.Error
	errors.As(err, &te)

	switch kind {
	case types.KindInvalidSyncToken:
		body.ValidSyncToken = &struct{}{}
	case types.KindOwnerLocked:
		if te != nil && te.Lock != nil {
			body.LockSubmitted = &hrefList{Href: []string{te.Lock.ResourceID}}
			body.Owner = &ownerInfo{Type: te.Lock.Type.String(), ID: te.Lock.Owner}
		}
	case types.KindMethodNotSupported:
		w.Header().Set("Allow", s.allow())
	case types.KindInternal:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		//internals stay in the log
		body.Message = http.StatusText(status)
	}
	if kind == types.KindRangeNotSatisfiable && te != nil {
		w.Header().Set("X-Range-Declared", fmt.Sprint(te.Declared))
		w.Header().Set("X-Range-Computed", fmt.Sprint(te.Computed))
	}

	writeXML(w, status, body)
	return status
}
