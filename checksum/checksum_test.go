package checksum

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyIsZero(t *testing.T) {
	require.EqualValues(t, 0, Sum(nil))
	require.EqualValues(t, 0, Sum([]byte{}))
}

func TestStreamedMatchesOneShot(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		n := rng.Intn(257)
		buf := make([]byte, n)
		rng.Read(buf)

		want := Sum(buf)

		var ctx Context
		i := 0
		for i < len(buf) {
			chunk := 1 + rng.Intn(5)
			if i+chunk > len(buf) {
				chunk = len(buf) - i
			}
			ctx.Feed(buf[i : i+chunk])
			i += chunk
		}
		require.Equal(t, want, ctx.Sum(), "trial %d, n=%d", trial, n)
	}
}

func TestAlternatingOddFeeds(t *testing.T) {
	// Regression for spec §9(b): repeated odd-length Feed calls must
	// keep latching correctly across calls, not just within one call.
	buf := []byte{1, 2, 3, 4, 5, 6, 7}
	want := Sum(buf)

	var ctx Context
	ctx.Feed(buf[0:1])
	ctx.Feed(buf[1:4])
	ctx.Feed(buf[4:5])
	ctx.Feed(buf[5:7])
	require.Equal(t, want, ctx.Sum())
}

func TestSingleByteFeeds(t *testing.T) {
	buf := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	want := Sum(buf)

	var ctx Context
	for _, b := range buf {
		ctx.Feed([]byte{b})
	}
	require.Equal(t, want, ctx.Sum())
}
