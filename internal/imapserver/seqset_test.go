package imapserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeqSetSingleNumber(t *testing.T) {
	ranges, err := parseSeqSet("5")
	require.NoError(t, err)
	assert.Equal(t, []seqRange{{Min: 5, Max: 5}}, ranges)
}

func TestParseSeqSetRange(t *testing.T) {
	ranges, err := parseSeqSet("2:4")
	require.NoError(t, err)
	assert.Equal(t, []seqRange{{Min: 2, Max: 4}}, ranges)
}

func TestParseSeqSetReversedRangeNormalizes(t *testing.T) {
	ranges, err := parseSeqSet("4:2")
	require.NoError(t, err)
	assert.Equal(t, []seqRange{{Min: 2, Max: 4}}, ranges)
}

func TestParseSeqSetStarRange(t *testing.T) {
	ranges, err := parseSeqSet("3:*")
	require.NoError(t, err)
	assert.Equal(t, []seqRange{{Min: 3, Max: 0}}, ranges)
}

func TestParseSeqSetCommaList(t *testing.T) {
	ranges, err := parseSeqSet("1,3:5,9")
	require.NoError(t, err)
	assert.Equal(t, []seqRange{{Min: 1, Max: 1}, {Min: 3, Max: 5}, {Min: 9, Max: 9}}, ranges)
}

func TestParseSeqSetInvalidNumber(t *testing.T) {
	_, err := parseSeqSet("abc")
	assert.Error(t, err)
}

func TestParseSeqSetZeroIsInvalid(t *testing.T) {
	_, err := parseSeqSet("0")
	assert.Error(t, err)
}

func TestResolveAgainstMaxExpandsStar(t *testing.T) {
	resolved := resolveAgainstMax([]seqRange{{Min: 3, Max: 0}}, 10)
	assert.Equal(t, []seqRange{{Min: 3, Max: 10}}, resolved)
}

func TestResolveAgainstMaxBareStar(t *testing.T) {
	resolved := resolveAgainstMax([]seqRange{{Min: 0, Max: 0}}, 7)
	assert.Equal(t, []seqRange{{Min: 7, Max: 7}}, resolved)
}

func TestExpandUIDRangesDedupsAndSorts(t *testing.T) {
	out := expandUIDRanges([]seqRange{{Min: 1, Max: 3}, {Min: 2, Max: 4}})
	assert.Equal(t, []int64{1, 2, 3, 4}, out)
}

func TestContainsSeq(t *testing.T) {
	ranges := []seqRange{{Min: 1, Max: 3}, {Min: 10, Max: 10}}
	assert.True(t, containsSeq(ranges, 2))
	assert.True(t, containsSeq(ranges, 10))
	assert.False(t, containsSeq(ranges, 5))
}
