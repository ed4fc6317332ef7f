package ddpm

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestNewLinearSchedule(t *testing.T) {
	s := NewLinearSchedule(200, 1e-4, 0.02)
	require.Equal(t, 200, s.NumSteps)
	require.Len(t, s.Betas, 200)
	assert.InDelta(t, 1e-4, s.Betas[0], 1e-12)
	assert.InDelta(t, 0.02, s.Betas[199], 1e-12)

	// Betas grow linearly, so consecutive differences are constant.
	betaStep := (0.02 - 1e-4) / 199
	for i := 1; i < s.NumSteps; i++ {
		assert.InDelta(t, betaStep, s.Betas[i]-s.Betas[i-1], 1e-9)
	}

	prev := 1.0
	for i := 0; i < s.NumSteps; i++ {
		assert.InDelta(t, 1-s.Betas[i], s.Alphas[i], 1e-12)

		// AlphasBar is a running product of values in (0, 1): it must stay
		// positive and never increase.
		assert.Greater(t, s.AlphasBar[i], 0.0)
		assert.LessOrEqual(t, s.AlphasBar[i], prev,
			"AlphasBar must be non-increasing, broken at timestep %d", i)
		assert.InDelta(t, prev*s.Alphas[i], s.AlphasBar[i], 1e-12)
		assert.Equal(t, prev, s.AlphasBarPrev[i])
		prev = s.AlphasBar[i]

		assert.InDelta(t, math.Sqrt(s.AlphasBar[i]), s.SqrtAlphasBar[i], 1e-12)
		assert.InDelta(t, math.Sqrt(1-s.AlphasBar[i]), s.SqrtOneMinusAlphasBar[i], 1e-12)
		assert.InDelta(t, math.Sqrt(1/s.Alphas[i]), s.SqrtRecipAlphas[i], 1e-12)
		wantPosterior := s.Betas[i] * (1 - s.AlphasBarPrev[i]) / (1 - s.AlphasBar[i])
		assert.InDelta(t, wantPosterior, s.PosteriorVariance[i], 1e-12)
	}

	// The first reverse step is deterministic.
	assert.Equal(t, 1.0, s.AlphasBarPrev[0])
	assert.Equal(t, 0.0, s.PosteriorVariance[0])
}

func TestNewLinearScheduleEdges(t *testing.T) {
	// A single step schedule takes betaStart.
	s := NewLinearSchedule(1, 1e-4, 0.02)
	require.Len(t, s.Betas, 1)
	assert.Equal(t, 1e-4, s.Betas[0])
	assert.Equal(t, 0.0, s.PosteriorVariance[0])

	require.Panics(t, func() { NewLinearSchedule(0, 1e-4, 0.02) })
	require.Panics(t, func() { NewLinearSchedule(10, 0, 0.02) })
	require.Panics(t, func() { NewLinearSchedule(10, 0.02, 1e-4) })
	require.Panics(t, func() { NewLinearSchedule(10, 0.5, 1.0) })
}

func TestValuesAtTimesteps(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(4, 0.1, 0.4)

	got := MustExecOnce(backend, func(g *Graph) *Node {
		timesteps := Const(g, []int32{3, 0, 2})
		return s.ValuesAtTimesteps(s.Betas, timesteps, dtypes.Float32, 4)
	})
	require.NoError(t, got.Shape().CheckDims(3, 1, 1, 1))
	want := []float32{0.4, 0.1, 0.3}
	require.InDeltaSlice(t, want, flatFloat32(t, got.Value()), 1e-6)
}

// flatFloat32 flattens the nested slices returned by Tensor.Value.
func flatFloat32(t *testing.T, value any) []float32 {
	var flat []float32
	var recurse func(v any)
	recurse = func(v any) {
		switch typed := v.(type) {
		case float32:
			flat = append(flat, typed)
		case []float32:
			flat = append(flat, typed...)
		case [][]float32:
			for _, row := range typed {
				recurse(row)
			}
		case [][][]float32:
			for _, row := range typed {
				recurse(row)
			}
		case [][][][]float32:
			for _, row := range typed {
				recurse(row)
			}
		default:
			t.Fatalf("flatFloat32: unsupported type %T", v)
		}
	}
	recurse(value)
	return flat
}

func TestQSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(10, 1e-4, 0.02)

	x0 := [][][][]float32{{{{1}, {-1}}, {{0.5}, {0}}}} // Shaped [1, 2, 2, 1].
	timestep := int32(7)

	// With zero noise the diffused image is exactly √(ᾱ_t)·x0.
	got := MustExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, x0)
		timesteps := Const(g, []int32{timestep})
		return s.QSample(nil, x, timesteps, ZerosLike(x))
	})
	scale := float32(s.SqrtAlphasBar[timestep])
	want := []float32{scale, -scale, 0.5 * scale, 0}
	require.InDeltaSlice(t, want, flatFloat32(t, got.Value()), 1e-6)

	// With unit noise the noise term √(1-ᾱ_t) is added in.
	got = MustExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, x0)
		timesteps := Const(g, []int32{timestep})
		return s.QSample(nil, x, timesteps, OnesLike(x))
	})
	noiseScale := float32(s.SqrtOneMinusAlphasBar[timestep])
	want = []float32{scale + noiseScale, -scale + noiseScale, 0.5*scale + noiseScale, noiseScale}
	require.InDeltaSlice(t, want, flatFloat32(t, got.Value()), 1e-6)
}

func TestPredictX0InvertsQSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(50, 1e-4, 0.02)

	x0 := [][][][]float32{{{{0.25}, {-0.75}}, {{1}, {-1}}}}
	noise := [][][][]float32{{{{1.5}, {-0.5}}, {{0}, {2}}}}
	got := MustExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, x0)
		noiseN := Const(g, noise)
		timesteps := Const(g, []int32{31})
		noisy := s.QSample(nil, x, timesteps, noiseN)
		return s.PredictX0(noisy, timesteps, noiseN)
	})
	require.InDeltaSlice(t, []float32{0.25, -0.75, 1, -1}, flatFloat32(t, got.Value()), 1e-5)
}

func TestPSample(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	// Single-step schedule: at timestep 0 the posterior noise is masked out and
	// the result is deterministic, x·√(1/α_0) with a zero noise prediction.
	s := NewLinearSchedule(1, 1e-4, 0.02)
	x0 := [][][][]float32{{{{-0.5}, {0.25}}, {{1.5}, {0}}}}
	got := MustExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, x0)
		timesteps := Const(g, []int32{0})
		return s.PSample(nil, x, timesteps, ZerosLike(x), OnesLike(x))
	})
	scale := float32(math.Sqrt(1 / (1 - 1e-4)))
	want := []float32{-0.5 * scale, 0.25 * scale, 1.5 * scale, 0}
	require.InDeltaSlice(t, want, flatFloat32(t, got.Value()), 1e-6)

	// At a later timestep the posterior noise z is added, scaled by the
	// posterior standard deviation.
	s = NewLinearSchedule(10, 1e-4, 0.02)
	timestep := 5
	got = MustExecOnce(backend, func(g *Graph) *Node {
		x := Const(g, x0)
		timesteps := Const(g, []int32{int32(timestep)})
		return s.PSample(nil, x, timesteps, ZerosLike(x), OnesLike(x))
	})
	meanScale := float32(s.SqrtRecipAlphas[timestep])
	stddev := float32(math.Sqrt(s.PosteriorVariance[timestep]))
	want = []float32{
		-0.5*meanScale + stddev,
		0.25*meanScale + stddev,
		1.5*meanScale + stddev,
		stddev,
	}
	require.InDeltaSlice(t, want, flatFloat32(t, got.Value()), 1e-6)
}

func TestValuesAtTimestepsValidates(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	s := NewLinearSchedule(4, 0.1, 0.4)
	require.Panics(t, func() {
		MustExecOnce(backend, func(g *Graph) *Node {
			timesteps := Const(g, []int32{0})
			return s.ValuesAtTimesteps(s.Betas[:2], timesteps, dtypes.Float32, 1)
		})
	})
}
