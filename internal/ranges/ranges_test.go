package ranges

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_merges_and_sorts(t *testing.T) {
	got := Normalize([]Range{{10, 12}, {0, 5}, {5.001, 8}, {3, 4}, {20, 20}})
	assert.Equal(t, Ranges{{0, 8}, {10, 12}}, got)
}

func TestRanges_Remove(t *testing.T) {
	rs := Ranges{{0, 10}, {20, 30}}

	t.Run("middle_split", func(t *testing.T) {
		assert.Equal(t, Ranges{{0, 4}, {6, 10}, {20, 30}}, rs.Remove(4, 6))
	})
	t.Run("across_ranges", func(t *testing.T) {
		assert.Equal(t, Ranges{{0, 5}, {25, 30}}, rs.Remove(5, 25))
	})
	t.Run("infinite_end", func(t *testing.T) {
		assert.Equal(t, Ranges{{0, 2}}, rs.Remove(2, math.Inf(1)))
	})
}

func TestRanges_GapAhead_and_InnerOuter(t *testing.T) {
	rs := Ranges{{0, 10}, {15, 20}, {30, 40}}
	assert.Equal(t, 7.0, rs.GapAhead(3))
	assert.Equal(t, 0.0, rs.GapAhead(12))

	inner, outer := rs.InnerAndOuter(16)
	if assert.NotNil(t, inner) {
		assert.Equal(t, Range{15, 20}, *inner)
	}
	assert.Equal(t, Ranges{{0, 10}, {30, 40}}, outer)
}

func TestRanges_Intersect_Exclude(t *testing.T) {
	rs := Ranges{{0, 10}, {20, 30}}
	assert.Equal(t, Ranges{{5, 10}, {20, 25}}, rs.Intersect(Ranges{{5, 25}}))
	assert.Equal(t, Ranges{{0, 5}, {25, 30}}, rs.Exclude(Ranges{{5, 25}}))
	assert.Empty(t, rs.Intersect(Ranges{{11, 19}}))
}
