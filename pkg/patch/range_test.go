package patch

import (
	"testing"

	"github.com/pixperk/davlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	tests := []struct {
		header string
		want   Range
	}{
		{"bytes=0-4", Range{Start: 0, End: 4}},
		{"bytes=10-", Range{Start: 10, End: -1}},
		{"bytes=-4", Range{Start: -1, End: 4}},
		{"append", Range{Start: -1, End: -1, Append: true}},
		{" APPEND ", Range{Start: -1, End: -1, Append: true}},
	}
	for _, tt := range tests {
		got, err := ParseRange(tt.header)
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestParseRangeRejects(t *testing.T) {
	for _, header := range []string{"", "bytes=-", "bytes=a-b", "bytes=1-2-3", "bytes=0-1,4-5", "0-4", "items=0-4"} {
		_, err := ParseRange(header)
		assert.True(t, types.IsKind(err, types.KindBadRequest), "header %q", header)
	}
}

func TestRangeString(t *testing.T) {
	for _, header := range []string{"bytes=0-4", "bytes=10-", "bytes=-4", "append"} {
		r, err := ParseRange(header)
		require.NoError(t, err)
		assert.Equal(t, header, r.String())
	}
}
