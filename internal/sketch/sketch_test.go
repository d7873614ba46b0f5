package sketch

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertAndQuantileMonotonic(t *testing.T) {
	s := New(64)
	for i := uint64(1); i <= 5000; i++ {
		s.Insert(i)
	}

	q25, err := s.Quantile(0.25)
	require.NoError(t, err)
	q50, err := s.Quantile(0.50)
	require.NoError(t, err)
	q99, err := s.Quantile(0.99)
	require.NoError(t, err)

	require.LessOrEqual(t, q25, q50)
	require.LessOrEqual(t, q50, q99)

	const epsilon = 0.05
	require.InDelta(t, 1250, float64(q25), 5000*epsilon)
	require.InDelta(t, 2500, float64(q50), 5000*epsilon)
	require.InDelta(t, 4950, float64(q99), 5000*epsilon)
}

func TestQuantileEmpty(t *testing.T) {
	s := New(64)
	_, err := s.Quantile(0.5)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestMergeRejectsMismatchedK(t *testing.T) {
	a := New(64)
	b := New(128)
	require.ErrorIs(t, a.Merge(b), ErrIncompatibleK)
}

func TestMergeApproximatesCombinedDistribution(t *testing.T) {
	a, b := New(100), New(100)
	for i := uint64(1); i <= 2000; i++ {
		a.Insert(i)
	}
	for i := uint64(2001); i <= 4000; i++ {
		b.Insert(i)
	}
	require.NoError(t, a.Merge(b))

	median, err := a.Quantile(0.5)
	require.NoError(t, err)
	require.InDelta(t, 2000, float64(median), 4000*0.05)
}

func TestMultiQuantileSinglePassMatchesIndividual(t *testing.T) {
	s := New(100)
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10000; i++ {
		s.Insert(uint64(r.IntN(1_000_000)))
	}

	phis := []float64{0.1, 0.5, 0.9, 0.99}
	batch, err := s.Quantiles(phis...)
	require.NoError(t, err)

	for i, phi := range phis {
		single, err := s.Quantile(phi)
		require.NoError(t, err)
		require.Equal(t, single, batch[i])
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	s := New(64)
	for i := uint64(1); i <= 1000; i++ {
		s.Insert(i * 7 % 997)
	}

	data, err := s.MarshalBinary()
	require.NoError(t, err)

	decoded := &Sketch{}
	require.NoError(t, decoded.UnmarshalBinary(data))

	require.Equal(t, s.K(), decoded.K())
	require.Equal(t, s.Count(), decoded.Count())

	want, err := s.Quantile(0.5)
	require.NoError(t, err)
	got, err := decoded.Quantile(0.5)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	bad := []byte{0, 0, 0, 0, 1, 0, 0, 0}
	s := &Sketch{}
	require.ErrorIs(t, s.UnmarshalBinary(bad), ErrBadMagic)
}

func TestSizeBytesGrowsSublinearly(t *testing.T) {
	small := New(64)
	for i := uint64(0); i < 1000; i++ {
		small.Insert(i)
	}
	large := New(64)
	for i := uint64(0); i < 1_000_000; i++ {
		large.Insert(i)
	}
	require.Less(t, large.SizeBytes(), small.SizeBytes()*100)
}
