package layout

import "testing"

import "github.com/stretchr/testify/require"

func TestTagIsEqual(t *testing.T) {
	require.True(t, TagIsEqual(TagZero, TagZero))
	require.True(t, TagIsEqual(TagBlank, TagBlank))
	require.True(t, TagIsEqual(TagMax, TagMax))
	require.False(t, TagIsEqual(TagZero, TagZero+1))
}

func TestTagsAreComparableWithSentinels(t *testing.T) {
	require.True(t, TagsAreComparable(TagBlank, TagZero))
	require.True(t, TagsAreComparable(TagZero, TagBlank))
	require.True(t, TagsAreComparable(TagMax, TagZero))
	require.True(t, TagsAreComparable(TagZero, TagMax))
	require.True(t, TagsAreComparable(TagBlank, TagMax))
}

func TestTagsAreComparableWithinGreyZoneLimit(t *testing.T) {
	require.True(t, TagsAreComparable(TagZero, SyncTag(MaxDiff)))
	require.True(t, TagsAreComparable(SyncTag(MaxDiff), TagZero))
}

func TestTagsAreNotComparableBeyondGreyZone(t *testing.T) {
	require.False(t, TagsAreComparable(TagZero, SyncTag(MaxDiff+1)))
}

func TestTagsAreComparableAcrossWrap(t *testing.T) {
	// TagLast and TagZero are one Inc apart across the wrap boundary.
	require.True(t, TagsAreComparable(TagLast, TagZero))
}

func TestTagIsGreaterSameTag(t *testing.T) {
	require.False(t, TagIsGreater(TagZero, TagZero))
}

func TestTagIsGreaterWithBlank(t *testing.T) {
	require.False(t, TagIsGreater(TagBlank, TagZero))
	require.True(t, TagIsGreater(TagZero, TagBlank))
}

func TestTagIsGreaterWithMax(t *testing.T) {
	require.True(t, TagIsGreater(TagMax, TagZero))
	require.False(t, TagIsGreater(TagZero, TagMax))
}

func TestTagIsGreaterWithZero(t *testing.T) {
	require.True(t, TagIsGreater(TagZero+1, TagZero))
	require.False(t, TagIsGreater(TagZero, TagZero+1))
}

func TestTagIsGreaterAcrossWrap(t *testing.T) {
	// TagZero comes right after TagLast in the cycle.
	require.True(t, TagIsGreater(TagZero, TagLast))
	require.False(t, TagIsGreater(TagLast, TagZero))
}

func TestTagIsGreaterAtGreyZoneLimit(t *testing.T) {
	require.True(t, TagIsGreater(SyncTag(MaxDiff), TagZero))
	require.False(t, TagIsGreater(TagZero, SyncTag(MaxDiff)))
}

func TestTagIncFromBlank(t *testing.T) {
	require.Equal(t, TagZero, TagInc(TagBlank))
}

func TestTagIncFromMaxIsSticky(t *testing.T) {
	require.Equal(t, TagMax, TagInc(TagMax))
}

func TestTagIncFromLastWraps(t *testing.T) {
	require.Equal(t, TagZero, TagInc(TagLast))
}

func TestTagIncOrdinary(t *testing.T) {
	require.Equal(t, TagZero+1, TagInc(TagZero))
}
