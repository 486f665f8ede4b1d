package precondition

import (
	"net/url"
	"strings"

	"github.com/pixperk/davlock/pkg/node"
	"github.com/pixperk/davlock/pkg/types"
)

// one state token or entity tag of an If header
// exactly one of Token and ETag is set
type Condition struct {
	Not   bool
	Token string
	ETag  string
}

// conditions in a list are AND-ed
// Resource is empty for untagged lists, they apply to the request target
type List struct {
	Resource   string
	Conditions []Condition
}

// lists are OR-ed
type IfHeader struct {
	Lists []List
}

// every state token that appears without Not, in order
func (h IfHeader) Tokens() []string {
	var out []string
	for _, l := range h.Lists {
		for _, c := range l.Conditions {
			if c.Token != "" && !c.Not {
				out = append(out, c.Token)
			}
		}
	}
	return out
}

// parses an RFC 4918 If header
//
//	If = 1*No-tag-list | 1*Tagged-list
//	Tagged-list = Resource-Tag 1*List
//	List = "(" 1*Condition ")"
//	Condition = ["Not"] (State-token | "[" entity-tag "]")
func ParseIf(s string) (IfHeader, error) {
	var h IfHeader
	s = strings.TrimSpace(s)
	if s == "" {
		return h, nil
	}

	tagged := s[0] == '<'
	resource := ""
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		switch s[0] {
		case '<':
			if !tagged {
				return IfHeader{}, malformed("resource tag in an untagged header")
			}
			tag, rest, ok := cut(s[1:], '>')
			if !ok {
				return IfHeader{}, malformed("unterminated resource tag")
			}
			res, err := tagPath(tag)
			if err != nil {
				return IfHeader{}, err
			}
			resource = res
			s = rest
		case '(':
			if tagged && resource == "" {
				return IfHeader{}, malformed("list before resource tag")
			}
			body, rest, ok := cut(s[1:], ')')
			if !ok {
				return IfHeader{}, malformed("unterminated list")
			}
			conds, err := parseConditions(body)
			if err != nil {
				return IfHeader{}, err
			}
			h.Lists = append(h.Lists, List{Resource: resource, Conditions: conds})
			s = rest
		default:
			return IfHeader{}, malformed("unexpected character " + string(s[0]))
		}
	}
	if len(h.Lists) == 0 {
		return IfHeader{}, malformed("no lists")
	}
	return h, nil
}

func parseConditions(s string) ([]Condition, error) {
	var conds []Condition
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		var c Condition
		if len(s) >= 3 && strings.EqualFold(s[:3], "not") {
			c.Not = true
			s = strings.TrimLeft(s[3:], " \t")
		}
		if s == "" {
			return nil, malformed("dangling Not")
		}
		switch s[0] {
		case '<':
			tok, rest, ok := cut(s[1:], '>')
			if !ok || tok == "" {
				return nil, malformed("bad state token")
			}
			c.Token = tok
			s = rest
		case '[':
			etag, rest, ok := cut(s[1:], ']')
			if !ok || etag == "" {
				return nil, malformed("bad entity tag")
			}
			c.ETag = etag
			s = rest
		default:
			return nil, malformed("unexpected character " + string(s[0]))
		}
		conds = append(conds, c)
	}
	if len(conds) == 0 {
		return nil, malformed("empty list")
	}
	return conds, nil
}

func cut(s string, end byte) (string, string, bool) {
	i := strings.IndexByte(s, end)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func tagPath(tag string) (string, error) {
	u, err := url.Parse(tag)
	if err != nil {
		return "", malformed("bad resource tag " + tag)
	}
	return node.Clean(u.Path), nil
}

func malformed(msg string) error {
	return types.Errorf(types.KindBadRequest, "malformed If header: %s", msg)
}

// strips quotes and the weak marker
func normalizeETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
