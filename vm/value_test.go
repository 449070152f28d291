package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	i := FromI32(-42)
	n, ok := i.AsI32()
	require.True(t, ok)
	require.Equal(t, int32(-42), n)

	f := FromF64(3.5)
	fv, ok := f.AsF64()
	require.True(t, ok)
	require.Equal(t, 3.5, fv)

	require.True(t, FromBool(true).IsBool())
	bv, ok := FromBool(true).AsBool()
	require.True(t, ok)
	require.True(t, bv)

	require.True(t, NullValue().IsNull())
}

func TestValueDistinctBitPatterns(t *testing.T) {
	vals := []Value{
		FromI32(0), FromI32(1), FromI32(-1),
		FromF64(0), FromF64(1), FromF64(-1),
		FromBool(true), FromBool(false),
		NullValue(),
	}
	for i := range vals {
		for j := range vals {
			if i == j {
				continue
			}
			// FromI32(0) and FromF64(0) are logically Equal (cross-kind
			// numeric equality) but must not share a bit pattern — that's
			// exactly what distinguishes AsI32 from AsF64.
			require.NotEqual(t, vals[i], vals[j], "vals[%d] and vals[%d] collide", i, j)
		}
	}
}

func TestValueEqualityAcrossIntFloat(t *testing.T) {
	require.True(t, FromI32(7).Equal(FromF64(7.0)))
	require.True(t, FromF64(7.0).Equal(FromI32(7)))
	require.False(t, FromI32(7).Equal(FromF64(7.5)))
	require.False(t, FromI32(7).Equal(FromF64(math.NaN())))
}

func TestValueStringEquality(t *testing.T) {
	h := NewHeap(nil)
	s1 := FromObject(h.NewString("hi"))
	s2 := FromObject(h.NewString("hi"))
	s3 := FromObject(h.NewString("bye"))
	require.True(t, s1.Equal(s2))
	require.False(t, s1.Equal(s3))
}

func TestValueTruthy(t *testing.T) {
	require.False(t, FromBool(false).Truthy())
	require.False(t, NullValue().Truthy())
	require.True(t, FromI32(0).Truthy())
	require.True(t, FromBool(true).Truthy())
}
