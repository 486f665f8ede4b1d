package patch

import (
	"strconv"
	"strings"

	"github.com/pixperk/davlock/pkg/types"
)

// header carrying the range, the standard Content-Range is reserved for
// responses by most proxies
const RangeHeader = "X-Update-Range"

// parsed X-Update-Range value
// Start and End are 0-based and inclusive, -1 when omitted
type Range struct {
	Start  int64
	End    int64
	Append bool
}

// accepts "bytes=<start>-<end>", either bound may be omitted, or "append"
func ParseRange(header string) (Range, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Range{}, types.Errorf(types.KindBadRequest, "missing %s header", RangeHeader)
	}
	if strings.EqualFold(header, "append") {
		return Range{Start: -1, End: -1, Append: true}, nil
	}

	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return Range{}, types.Errorf(types.KindBadRequest, "malformed %s %q", RangeHeader, header)
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok || strings.Contains(last, "-") || strings.Contains(spec, ",") {
		return Range{}, types.Errorf(types.KindBadRequest, "malformed %s %q", RangeHeader, header)
	}

	start, err := bound(first)
	if err != nil {
		return Range{}, types.Errorf(types.KindBadRequest, "malformed %s start %q", RangeHeader, first)
	}
	end, err := bound(last)
	if err != nil {
		return Range{}, types.Errorf(types.KindBadRequest, "malformed %s end %q", RangeHeader, last)
	}
	if start < 0 && end < 0 {
		return Range{}, types.Errorf(types.KindBadRequest, "%s %q names no bytes", RangeHeader, header)
	}
	return Range{Start: start, End: end}, nil
}

func bound(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (r Range) String() string {
	if r.Append {
		return "append"
	}
	var b strings.Builder
	b.WriteString("bytes=")
	if r.Start >= 0 {
		b.WriteString(strconv.FormatInt(r.Start, 10))
	}
	b.WriteByte('-')
	if r.End >= 0 {
		b.WriteString(strconv.FormatInt(r.End, 10))
	}
	return b.String()
}
